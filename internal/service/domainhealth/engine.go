// Package domainhealth scores sending domains from delivery signals, advances
// warmup, and rotates domains whose reputation falls below threshold or whose
// complaint rate crosses the hard ceiling.
package domainhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/resource"
	"github.com/ashita-ai/rex/internal/telemetry"
)

var (
	ErrVerificationFailed = errors.New("domainhealth: verification failed")
	ErrDuplicateDomain    = errors.New("domainhealth: domain already registered")
	ErrInvalidDomain      = errors.New("domainhealth: invalid domain")
	ErrInvalidOutcome     = errors.New("domainhealth: invalid send outcome")
)

// Rotation reasons recorded by automatic evaluation.
const (
	ReasonComplaintCeiling = "complaint_rate_above_ceiling"
	ReasonLowReputation    = "reputation_below_threshold"
)

// Config holds scoring weights and lifecycle timings.
type Config struct {
	Interval          time.Duration
	Base              float64
	OpenWeight        float64
	BounceWeight      float64
	ComplaintWeight   float64
	RotationThreshold float64
	ComplaintCeiling  float64
	// MinSampleSize is the number of sends before low reputation alone triggers rotation.
	MinSampleSize     int64
	WarmupDuration    time.Duration
	PrewarmedProgress float64
	DefaultDailyLimit int
	MailHost          string
}

// DefaultConfig returns the production scoring defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		Base:              0.7,
		OpenWeight:        0.3,
		BounceWeight:      2,
		ComplaintWeight:   10,
		RotationThreshold: 0.5,
		ComplaintCeiling:  0.003,
		MinSampleSize:     50,
		WarmupDuration:    14 * 24 * time.Hour,
		PrewarmedProgress: 0.5,
		DefaultDailyLimit: 500,
		MailHost:          "mail.rex.internal",
	}
}

// WarmupStep is the progress a warming domain gains per tick.
func (c Config) WarmupStep() float64 {
	if c.WarmupDuration <= 0 {
		return 1
	}
	return float64(c.Interval) / float64(c.WarmupDuration)
}

// Score computes a reputation in [0, 1] from delivery rates.
func Score(c Config, bounce, complaint, open float64) float64 {
	s := c.Base + c.OpenWeight*open - c.BounceWeight*bounce - c.ComplaintWeight*complaint
	return min(max(s, 0), 1)
}

// Publisher sends bus messages.
type Publisher interface {
	Publish(model.RexMessage) error
}

// Recorder persists domain state and audit records.
type Recorder interface {
	RecordDomain(model.Domain)
	Log(model.RexLog)
}

// RotationHook is called after every rotation, outside the pool lock.
type RotationHook func(ctx context.Context, rot resource.Rotation)

// Option configures an Engine.
type Option func(*Engine)

// WithRotationHook registers fn to observe rotations.
func WithRotationHook(fn RotationHook) Option { return func(e *Engine) { e.onRotate = fn } }

// WithVerifier replaces the DNS verifier.
func WithVerifier(v Verifier) Option { return func(e *Engine) { e.verifier = v } }

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine owns domain scoring, warmup, and rotation.
type Engine struct {
	cfg      Config
	pool     *resource.Pool
	bus      Publisher
	rec      Recorder
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
	onRotate RotationHook

	// addMu serializes AddDomain so duplicate names cannot race in.
	addMu sync.Mutex

	dayMu   sync.Mutex
	lastDay time.Time

	rotations metric.Int64Counter
}

// New creates an engine over the shared pool.
func New(cfg Config, pool *resource.Pool, bus Publisher, rec Recorder, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		rec:      rec,
		verifier: DNSVerifier{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	e.lastDay = day(e.now())
	e.rotations, _ = telemetry.Meter("rex/domainhealth").Int64Counter("rex.domains.rotations",
		metric.WithDescription("Domain rotations, by reason"))
	return e
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	e.logger.Info("domainhealth: started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Tick rolls daily counters at UTC midnight, advances warmup, rescores every
// domain, and rotates those that fail evaluation.
func (e *Engine) Tick(ctx context.Context) {
	e.maybeResetDaily()

	step := e.cfg.WarmupStep()
	for _, d := range e.pool.Domains() {
		if d.Status == model.DomainRotated {
			continue
		}
		var changed bool
		updated, err := e.pool.UpdateDomain(d.ID, func(cur *model.Domain) {
			before := *cur
			if cur.Status == model.DomainWarming {
				cur.WarmupProgress = min(cur.WarmupProgress+step, 1)
				if cur.WarmupProgress >= 1 {
					cur.Status = model.DomainActive
				}
			}
			e.rescore(cur)
			changed = before.Status != cur.Status ||
				before.WarmupProgress != cur.WarmupProgress ||
				before.ReputationScore != cur.ReputationScore
			if changed {
				cur.UpdatedAt = e.now()
			}
		})
		if err != nil {
			continue
		}
		if changed {
			if d.Status == model.DomainWarming && updated.Status == model.DomainActive {
				e.logger.Info("domainhealth: warmup complete", "domain", updated.Name)
				e.rec.Log(model.NewLog(model.LogInfo, "domainhealth", "domain warmup complete", nil,
					map[string]any{"domain_id": updated.ID.String(), "domain": updated.Name}))
			}
			e.rec.RecordDomain(updated)
		}
		if reason, ok := e.evaluate(updated); ok {
			if _, err := e.rotate(ctx, updated.ID, reason, false); err != nil && !errors.Is(err, resource.ErrDomainRotated) {
				e.logger.Error("domainhealth: automatic rotation failed", "error", err, "domain", updated.Name)
			}
		}
	}
}

func (e *Engine) maybeResetDaily() {
	today := day(e.now())
	e.dayMu.Lock()
	roll := today.After(e.lastDay)
	if roll {
		e.lastDay = today
	}
	e.dayMu.Unlock()
	if roll {
		e.ResetDaily()
	}
}

// ResetDaily zeroes every domain's daily send counter and persists the result.
func (e *Engine) ResetDaily() {
	e.pool.ResetDailyCounters()
	for _, d := range e.pool.Domains() {
		e.rec.RecordDomain(d)
	}
	e.logger.Info("domainhealth: daily send counters reset")
}

// rescore recomputes rates and reputation from lifetime counters.
func (e *Engine) rescore(d *model.Domain) {
	if d.TotalSent <= 0 {
		return
	}
	sent := float64(d.TotalSent)
	d.BounceRate = float64(d.TotalBounced) / sent
	d.SpamComplaintRate = float64(d.TotalComplaints) / sent
	d.OpenRate = min(float64(d.TotalOpens)/sent, 1)
	d.ReputationScore = Score(e.cfg, d.BounceRate, d.SpamComplaintRate, d.OpenRate)
}

// evaluate returns the rotation reason when d must be rotated.
func (e *Engine) evaluate(d model.Domain) (string, bool) {
	if d.Status != model.DomainActive && d.Status != model.DomainWarming {
		return "", false
	}
	if d.TotalSent <= 0 {
		return "", false
	}
	if d.SpamComplaintRate > e.cfg.ComplaintCeiling {
		return ReasonComplaintCeiling, true
	}
	// Reputation alone is too noisy on a handful of sends.
	if d.TotalSent >= e.cfg.MinSampleSize && d.ReputationScore < e.cfg.RotationThreshold {
		return ReasonLowReputation, true
	}
	return "", false
}

// ReportOutcome folds a batch of delivery signals into a domain, rescoring
// it and rotating it when it fails evaluation. Outcomes for a rotated domain
// still update its counters.
func (e *Engine) ReportOutcome(ctx context.Context, id uuid.UUID, out model.SendOutcome) (model.Domain, error) {
	if out.Sent < 0 || out.Bounced < 0 || out.Complaints < 0 || out.Opens < 0 {
		return model.Domain{}, fmt.Errorf("%w: counts must be non-negative", ErrInvalidOutcome)
	}
	d, err := e.pool.UpdateDomain(id, func(cur *model.Domain) {
		cur.TotalSent += int64(out.Sent)
		cur.TotalBounced += int64(out.Bounced)
		cur.TotalComplaints += int64(out.Complaints)
		cur.TotalOpens += int64(out.Opens)
		e.rescore(cur)
		cur.UpdatedAt = e.now()
	})
	if err != nil {
		return model.Domain{}, fmt.Errorf("domainhealth: report outcome: %w", err)
	}
	e.rec.RecordDomain(d)

	reason, ok := e.evaluate(d)
	if !ok {
		return d, nil
	}
	rot, err := e.rotate(ctx, id, reason, false)
	if err != nil {
		if errors.Is(err, resource.ErrDomainRotated) {
			d, _ = e.pool.Domain(id)
			return d, nil
		}
		return d, err
	}
	return rot.Domain, nil
}

// RecordSend claims n units of a domain's daily headroom after the send
// gate accepts them. Rotated domains fail with resource.ErrDomainRotated.
func (e *Engine) RecordSend(_ context.Context, id uuid.UUID, n int) (model.Domain, error) {
	if n <= 0 {
		return model.Domain{}, fmt.Errorf("%w: send count must be positive", ErrInvalidOutcome)
	}
	d, err := e.pool.RecordSend(id, n)
	if err != nil {
		return d, fmt.Errorf("domainhealth: record send: %w", err)
	}
	e.rec.RecordDomain(d)
	return d, nil
}

// Rotate retires a domain on operator request. Unless immediate is set, the
// rotation is refused with resource.ErrNoReplacement when no replacement
// domain exists.
func (e *Engine) Rotate(ctx context.Context, id uuid.UUID, reason string, immediate bool) (model.RotateDomainResponse, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	rot, err := e.rotate(ctx, id, reason, !immediate)
	if err != nil {
		return model.RotateDomainResponse{}, err
	}
	resp := model.RotateDomainResponse{Rotated: true, WarmupETAHours: e.warmupETA(rot.Replacement)}
	if rot.Replacement != nil {
		rid := rot.Replacement.ID
		resp.ReplacementDomainID = &rid
	}
	return resp, nil
}

func (e *Engine) warmupETA(repl *model.Domain) float64 {
	if repl == nil || repl.Status == model.DomainActive {
		return 0
	}
	return (1 - repl.WarmupProgress) * e.cfg.WarmupDuration.Hours()
}

func (e *Engine) rotate(ctx context.Context, id uuid.UUID, reason string, requireReplacement bool) (resource.Rotation, error) {
	rot, err := e.pool.RotateDomain(id, reason, requireReplacement)
	if err != nil {
		return resource.Rotation{}, fmt.Errorf("domainhealth: rotate %s: %w", id, err)
	}
	eta := e.warmupETA(rot.Replacement)

	attrs := []any{"domain", rot.Domain.Name, "reason", reason, "warmup_eta_hours", eta}
	details := map[string]any{
		"domain_id":        rot.Domain.ID.String(),
		"domain":           rot.Domain.Name,
		"reason":           reason,
		"reputation_score": rot.Domain.ReputationScore,
		"complaint_rate":   rot.Domain.SpamComplaintRate,
		"warmup_eta_hours": eta,
	}
	var replID *uuid.UUID
	if rot.Replacement != nil {
		rid := rot.Replacement.ID
		replID = &rid
		attrs = append(attrs, "replacement", rot.Replacement.Name)
		details["replacement_domain_id"] = rid.String()
	}
	e.logger.Warn("domainhealth: domain rotated", attrs...)
	e.rec.Log(model.NewLog(model.LogWarn, "domainhealth", "domain rotated", rot.HolderMissionID, details))
	for _, d := range e.pool.Domains() {
		e.rec.RecordDomain(d)
	}
	if e.rotations != nil {
		e.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}

	msg := model.RexMessage{
		Sender:    model.AddrOrchestrator,
		Recipient: model.AddrBroadcast,
		MissionID: rot.HolderMissionID,
		Payload: model.DomainRotationNeeded{
			DomainID:            rot.Domain.ID,
			Domain:              rot.Domain.Name,
			Reason:              reason,
			ReplacementDomainID: replID,
			WarmupETAHours:      eta,
		},
	}
	if rot.HolderCrew != "" {
		msg.Recipient = model.CrewAddress(rot.HolderCrew)
	}
	if err := e.bus.Publish(msg); err != nil {
		e.logger.Error("domainhealth: publish rotation notice", "error", err, "domain", rot.Domain.Name)
	}
	if e.onRotate != nil {
		e.onRotate(ctx, rot)
	}
	return rot, nil
}

// AddDomain registers a sending domain. Custom domains start pending
// verification and return the DNS records their owner must publish;
// prewarmed domains start warming. With Verify set, verification runs at
// once and a failure returns ErrVerificationFailed with the domain kept.
func (e *Engine) AddDomain(ctx context.Context, req model.AddDomainRequest) (model.AddDomainResponse, error) {
	if err := req.Validate(); err != nil {
		return model.AddDomainResponse{}, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	name := strings.ToLower(strings.TrimSpace(req.Domain))
	now := e.now()
	d := model.Domain{
		ID:              uuid.New(),
		Owner:           req.Owner,
		Name:            name,
		Type:            req.Type,
		ReputationScore: e.cfg.Base,
		DailyLimit:      e.cfg.DefaultDailyLimit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var records []model.DNSRecord
	switch req.Type {
	case model.DomainPrewarmed:
		d.Status = model.DomainWarming
		d.WarmupProgress = e.cfg.PrewarmedProgress
	default:
		d.Status = model.DomainPendingVerification
		d.VerificationToken = strings.ReplaceAll(uuid.NewString(), "-", "")
		records = DNSRecords(name, d.VerificationToken, e.cfg.MailHost)
	}

	e.addMu.Lock()
	for _, existing := range e.pool.Domains() {
		if existing.Name == name {
			e.addMu.Unlock()
			return model.AddDomainResponse{}, fmt.Errorf("%w: %s", ErrDuplicateDomain, name)
		}
	}
	e.pool.UpsertDomain(d)
	e.addMu.Unlock()

	e.rec.RecordDomain(d)
	e.rec.Log(model.NewLog(model.LogInfo, "domainhealth", "domain added", nil,
		map[string]any{"domain_id": d.ID.String(), "domain": name, "type": string(d.Type), "owner": d.Owner}))
	e.logger.Info("domainhealth: domain added", "domain", name, "type", d.Type, "status", d.Status)

	resp := model.AddDomainResponse{Added: true, DomainID: d.ID, VerificationStatus: d.Status, DNSRecords: records}
	if req.Verify && d.Status == model.DomainPendingVerification {
		verified, err := e.Verify(ctx, d.ID)
		if err != nil {
			return resp, err
		}
		resp.VerificationStatus = verified.Status
	}
	return resp, nil
}

// Verify checks a pending domain's DNS proof and activates it on success.
// Domains that are not pending are returned unchanged.
func (e *Engine) Verify(ctx context.Context, id uuid.UUID) (model.Domain, error) {
	d, ok := e.pool.Domain(id)
	if !ok {
		return model.Domain{}, fmt.Errorf("domainhealth: verify: %w: %s", resource.ErrUnknownDomain, id)
	}
	if d.Status != model.DomainPendingVerification {
		return d, nil
	}
	if err := e.verifier.Verify(ctx, d.Name, d.VerificationToken); err != nil {
		e.rec.Log(model.NewLog(model.LogWarn, "domainhealth", "domain verification failed", nil,
			map[string]any{"domain_id": d.ID.String(), "domain": d.Name, "error": err.Error()}))
		return d, fmt.Errorf("%w: %s: %v", ErrVerificationFailed, d.Name, err)
	}
	updated, err := e.pool.UpdateDomain(id, func(cur *model.Domain) {
		if cur.Status == model.DomainPendingVerification {
			cur.Status = model.DomainActive
			cur.WarmupProgress = 1
			cur.UpdatedAt = e.now()
		}
	})
	if err != nil {
		return model.Domain{}, fmt.Errorf("domainhealth: verify: %w", err)
	}
	e.rec.RecordDomain(updated)
	e.rec.Log(model.NewLog(model.LogInfo, "domainhealth", "domain verified", nil,
		map[string]any{"domain_id": updated.ID.String(), "domain": updated.Name}))
	e.logger.Info("domainhealth: domain verified", "domain", updated.Name)
	return updated, nil
}
