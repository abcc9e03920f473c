package model

import (
	"time"

	"github.com/google/uuid"
)

// DomainType distinguishes customer-owned from provider-prewarmed domains.
type DomainType string

const (
	DomainCustom    DomainType = "custom"
	DomainPrewarmed DomainType = "prewarmed"
)

// DomainStatus is the lifecycle status of a sending domain.
type DomainStatus string

const (
	DomainActive              DomainStatus = "active"
	DomainWarming             DomainStatus = "warming"
	DomainRotated             DomainStatus = "rotated"
	DomainFailed              DomainStatus = "failed"
	DomainPendingVerification DomainStatus = "pending_verification"
)

// Domain is a sending identity with reputation and warmup lifecycle.
type Domain struct {
	ID                  uuid.UUID    `json:"id"`
	Owner               string       `json:"owner"`
	Name                string       `json:"domain"`
	Type                DomainType   `json:"type"`
	Status              DomainStatus `json:"status"`
	ReputationScore     float64      `json:"reputation_score"`
	DailySent           int          `json:"daily_sent"`
	DailyLimit          int          `json:"daily_limit"`
	TotalSent           int64        `json:"total_sent"`
	TotalBounced        int64        `json:"total_bounced"`
	TotalComplaints     int64        `json:"total_complaints"`
	TotalOpens          int64        `json:"total_opens"`
	BounceRate          float64      `json:"bounce_rate"`
	SpamComplaintRate   float64      `json:"spam_complaint_rate"`
	OpenRate            float64      `json:"open_rate"`
	WarmupProgress      float64      `json:"warmup_progress"`
	VerificationToken   string       `json:"-"`
	RotatedAt           *time.Time   `json:"rotated_at,omitempty"`
	RotationReason      string       `json:"rotation_reason,omitempty"`
	ReplacementDomainID *uuid.UUID   `json:"replacement_domain_id,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Selectable reports whether the allocator may hand this domain out.
func (d Domain) Selectable() bool {
	return d.Status == DomainActive && d.DailySent < d.DailyLimit
}

// DNSRecord is a record the domain owner must publish for verification.
type DNSRecord struct {
	Type  string `json:"type"`
	Host  string `json:"host"`
	Value string `json:"value"`
}

// SendOutcome is a batch of delivery signals reported for one domain.
type SendOutcome struct {
	Sent       int `json:"sent"`
	Bounced    int `json:"bounced"`
	Complaints int `json:"complaints"`
	Opens      int `json:"opens"`
}
