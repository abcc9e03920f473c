package mcp

import (
	"math"

	"github.com/ashita-ai/rex/internal/model"
)

const maxCompactSummary = 200

// compactMissionDetail drops bookkeeping (timestamps other than created and
// completed, raw task input, per-task cost) that an assistant does not act on.
func compactMissionDetail(d model.MissionDetail) map[string]any {
	m := d.Mission
	out := map[string]any{
		"id":         m.ID,
		"type":       m.Type,
		"state":      m.State,
		"priority":   m.Priority,
		"progress":   round3(d.Progress),
		"created_at": m.CreatedAt,
	}
	if m.AssignedCrew != "" {
		out["crew"] = m.AssignedCrew
		out["agents"] = m.AssignedAgents
	}
	if m.CompletedAt != nil {
		out["completed_at"] = m.CompletedAt
	}
	if m.Error != nil {
		out["error"] = map[string]any{
			"code":    m.Error.Code,
			"message": m.Error.Message,
		}
	}
	if m.Outcome != nil {
		out["outcome"] = map[string]any{
			"summary":         truncate(m.Outcome.Summary, maxCompactSummary),
			"tasks_completed": m.Outcome.TasksCompleted,
			"tasks_failed":    m.Outcome.TasksFailed,
		}
	}

	tasks := make([]map[string]any, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		task := map[string]any{
			"agent": t.AgentName,
			"state": t.State,
		}
		if t.RetryCount > 0 {
			task["retries"] = t.RetryCount
		}
		if t.Error != nil {
			task["error"] = t.Error.Code
		}
		tasks = append(tasks, task)
	}
	out["tasks"] = tasks
	return out
}

// compactDomain keeps the fields that decide whether a domain can send.
func compactDomain(d model.Domain) map[string]any {
	m := map[string]any{
		"id":                  d.ID,
		"domain":              d.Name,
		"type":                d.Type,
		"status":              d.Status,
		"reputation_score":    round3(d.ReputationScore),
		"bounce_rate":         round3(d.BounceRate),
		"spam_complaint_rate": d.SpamComplaintRate,
		"daily_remaining":     max(0, d.DailyLimit-d.DailySent),
	}
	if d.Status == model.DomainWarming {
		m["warmup_progress"] = round3(d.WarmupProgress)
	}
	if d.RotationReason != "" {
		m["rotation_reason"] = d.RotationReason
	}
	if d.ReplacementDomainID != nil {
		m["replacement_domain_id"] = d.ReplacementDomainID
	}
	return m
}

// statusSummary condenses mission counts and the pool snapshot into what an
// assistant needs before launching work.
func statusSummary(counts map[model.MissionState]int, pool model.ResourcePool) map[string]any {
	active, finished := 0, 0
	for state, n := range counts {
		if state.Terminal() {
			finished += n
		} else {
			active += n
		}
	}

	crews := make(map[string]map[string]int, len(pool.Crews))
	freeAgents := 0
	for name, c := range pool.Crews {
		crews[name] = map[string]int{
			"available": c.Available,
			"executing": c.Executing,
			"failed":    c.Failed,
		}
		freeAgents += c.Available
	}

	return map[string]any{
		"missions": map[string]any{
			"active":   active,
			"finished": finished,
			"by_state": counts,
		},
		"free_agents": freeAgents,
		"crews":       crews,
		"domains":     pool.Domains,
		"can_send":    pool.Domains[model.DomainActive] > 0,
	}
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
