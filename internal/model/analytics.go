package model

import (
	"time"

	"github.com/google/uuid"
)

// AnalyticsSnapshot is a derived aggregate written only by the rollup loop.
type AnalyticsSnapshot struct {
	ID        uuid.UUID                `json:"id"`
	TakenAt   time.Time                `json:"taken_at"`
	Missions  MissionStats             `json:"missions"`
	Agents    CrewCapacity             `json:"agents"`
	Domains   DomainStats              `json:"domains"`
	Campaigns CampaignStats            `json:"campaigns"`
	Quota     map[string]ProviderQuota `json:"quota,omitempty"`
}

// MissionStats summarizes mission volume and results.
type MissionStats struct {
	ByState            map[MissionState]int `json:"by_state"`
	CreatedLastHour    int                  `json:"created_last_hour"`
	CompletedLastHour  int                  `json:"completed_last_hour"`
	FailedLastHour     int                  `json:"failed_last_hour"`
	SuccessRate        float64              `json:"success_rate"`
	AvgDurationSeconds float64              `json:"avg_duration_seconds"`
}

// DomainStats summarizes sending domain health.
type DomainStats struct {
	ByStatus      map[DomainStatus]int `json:"by_status"`
	AvgReputation float64              `json:"avg_reputation"`
}

// CampaignStats counts campaigns referenced by non-terminal missions.
type CampaignStats struct {
	Active int `json:"active"`
}

// TrendPoint is one sample of a derived trend series.
type TrendPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Trends are the derived series over the snapshot history.
type Trends struct {
	MissionsPerHour    []TrendPoint `json:"missions_per_hour"`
	SuccessRate        []TrendPoint `json:"success_rate"`
	AvgDurationSeconds []TrendPoint `json:"avg_duration_seconds"`
}
