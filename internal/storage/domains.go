package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/rex/internal/model"
)

const domainColumns = `id, owner, name, type, status, reputation_score, daily_sent, daily_limit,
	total_sent, total_bounced, total_complaints, total_opens, bounce_rate, spam_complaint_rate,
	open_rate, warmup_progress, verification_token, rotated_at, rotation_reason,
	replacement_domain_id, created_at, updated_at`

func queueDomainUpsert(b *pgx.Batch, d model.Domain) {
	b.Queue(`INSERT INTO domains (`+domainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reputation_score = EXCLUDED.reputation_score,
			daily_sent = EXCLUDED.daily_sent,
			daily_limit = EXCLUDED.daily_limit,
			total_sent = EXCLUDED.total_sent,
			total_bounced = EXCLUDED.total_bounced,
			total_complaints = EXCLUDED.total_complaints,
			total_opens = EXCLUDED.total_opens,
			bounce_rate = EXCLUDED.bounce_rate,
			spam_complaint_rate = EXCLUDED.spam_complaint_rate,
			open_rate = EXCLUDED.open_rate,
			warmup_progress = EXCLUDED.warmup_progress,
			rotated_at = EXCLUDED.rotated_at,
			rotation_reason = EXCLUDED.rotation_reason,
			replacement_domain_id = EXCLUDED.replacement_domain_id,
			updated_at = EXCLUDED.updated_at
		WHERE domains.updated_at <= EXCLUDED.updated_at`,
		d.ID, d.Owner, d.Name, string(d.Type), string(d.Status), d.ReputationScore, d.DailySent, d.DailyLimit,
		d.TotalSent, d.TotalBounced, d.TotalComplaints, d.TotalOpens, d.BounceRate, d.SpamComplaintRate,
		d.OpenRate, d.WarmupProgress, d.VerificationToken, d.RotatedAt, d.RotationReason,
		d.ReplacementDomainID, d.CreatedAt, d.UpdatedAt,
	)
}

// ListDomains returns every domain ordered by name.
func (db *DB) ListDomains(ctx context.Context) ([]model.Domain, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+domainColumns+` FROM domains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list domains: %w", err)
	}
	defer rows.Close()

	var out []model.Domain
	for rows.Next() {
		var (
			d            model.Domain
			typ, status  string
		)
		if err := rows.Scan(&d.ID, &d.Owner, &d.Name, &typ, &status, &d.ReputationScore, &d.DailySent, &d.DailyLimit,
			&d.TotalSent, &d.TotalBounced, &d.TotalComplaints, &d.TotalOpens, &d.BounceRate, &d.SpamComplaintRate,
			&d.OpenRate, &d.WarmupProgress, &d.VerificationToken, &d.RotatedAt, &d.RotationReason,
			&d.ReplacementDomainID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan domain: %w", err)
		}
		d.Type = model.DomainType(typ)
		d.Status = model.DomainStatus(status)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate domains: %w", err)
	}
	return out, nil
}
