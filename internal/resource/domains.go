package resource

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/rex/internal/model"
)

// Rotation describes the effect of RotateDomain.
type Rotation struct {
	Domain      model.Domain
	Replacement *model.Domain
	// HolderMissionID is the mission whose live allocation holds the
	// rotated domain, if any.
	HolderMissionID *uuid.UUID
	HolderCrew      string
}

// UpsertDomain inserts or replaces a domain. A rotated domain cannot be
// revived through an upsert.
func (p *Pool) UpsertDomain(d model.Domain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.domains[d.ID]; ok && cur.Status == model.DomainRotated {
		d.Status = model.DomainRotated
		d.RotatedAt = cur.RotatedAt
		d.RotationReason = cur.RotationReason
		d.ReplacementDomainID = cur.ReplacementDomainID
	}
	cp := d
	p.domains[d.ID] = &cp
	p.metrics.observe(p.snapshotLocked())
}

// Domain returns a copy of one domain.
func (p *Pool) Domain(id uuid.UUID) (model.Domain, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.domains[id]
	if !ok {
		return model.Domain{}, false
	}
	return *d, true
}

// Domains returns copies of every domain sorted by name.
func (p *Pool) Domains() []model.Domain {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Domain, 0, len(p.domains))
	for _, d := range p.domains {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b model.Domain) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// UpdateDomain applies fn to a domain under the pool lock and returns the
// result. fn must not change Status to or from rotated; use RotateDomain.
func (p *Pool) UpdateDomain(id uuid.UUID, fn func(*model.Domain)) (model.Domain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.domains[id]
	if !ok {
		return model.Domain{}, fmt.Errorf("%w: %s", ErrUnknownDomain, id)
	}
	wasRotated := d.Status == model.DomainRotated
	fn(d)
	if wasRotated {
		d.Status = model.DomainRotated
	} else if d.Status == model.DomainRotated {
		return model.Domain{}, fmt.Errorf("resource: update %s: rotation must go through RotateDomain", id)
	}
	p.metrics.observe(p.snapshotLocked())
	return *d, nil
}

// RotateDomain retires a domain and picks a replacement: the best unheld
// active domain, else the furthest-along warming one. When
// requireReplacement is set and none exists, nothing changes and
// ErrNoReplacement is returned.
func (p *Pool) RotateDomain(id uuid.UUID, reason string, requireReplacement bool) (Rotation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.domains[id]
	if !ok {
		return Rotation{}, fmt.Errorf("%w: %s", ErrUnknownDomain, id)
	}
	if d.Status == model.DomainRotated {
		return Rotation{}, fmt.Errorf("%w: %s", ErrDomainRotated, d.Name)
	}

	repl := p.replacementLocked(id)
	if repl == nil && requireReplacement {
		return Rotation{}, ErrNoReplacement
	}

	now := p.now()
	d.Status = model.DomainRotated
	d.RotatedAt = &now
	d.RotationReason = reason
	d.UpdatedAt = now
	d.ReplacementDomainID = nil

	rot := Rotation{}
	if repl != nil {
		rid := repl.ID
		d.ReplacementDomainID = &rid
		r := *repl
		rot.Replacement = &r
	}
	// Domains previously replaced by this one now point past it.
	for _, o := range p.domains {
		if o.ReplacementDomainID != nil && *o.ReplacementDomainID == id {
			if d.ReplacementDomainID == nil {
				o.ReplacementDomainID = nil
				continue
			}
			rid := *d.ReplacementDomainID
			o.ReplacementDomainID = &rid
		}
	}
	if allocID, held := p.holders[id]; held {
		if a, ok := p.allocations[allocID]; ok {
			mid := a.MissionID
			rot.HolderMissionID = &mid
			rot.HolderCrew = a.Crew
		}
	}
	rot.Domain = *d
	p.metrics.incRotation()
	p.metrics.observe(p.snapshotLocked())
	return rot, nil
}

func (p *Pool) replacementLocked(exclude uuid.UUID) *model.Domain {
	var active, warming []*model.Domain
	for _, d := range p.domains {
		if d.ID == exclude {
			continue
		}
		if _, held := p.holders[d.ID]; held {
			continue
		}
		switch d.Status {
		case model.DomainActive:
			active = append(active, d)
		case model.DomainWarming:
			warming = append(warming, d)
		}
	}
	if len(active) > 0 {
		slices.SortFunc(active, func(a, b *model.Domain) int {
			if a.ReputationScore != b.ReputationScore {
				if a.ReputationScore > b.ReputationScore {
					return -1
				}
				return 1
			}
			return strings.Compare(a.Name, b.Name)
		})
		return active[0]
	}
	if len(warming) > 0 {
		slices.SortFunc(warming, func(a, b *model.Domain) int {
			if a.WarmupProgress != b.WarmupProgress {
				if a.WarmupProgress > b.WarmupProgress {
					return -1
				}
				return 1
			}
			return strings.Compare(a.Name, b.Name)
		})
		return warming[0]
	}
	return nil
}

// SwapDomain replaces a rotated domain inside a live allocation with the best
// selectable unheld domain. The old grant is dropped even when no
// replacement exists, in which case the returned error wraps
// ErrInsufficientResources.
func (p *Pool) SwapDomain(allocationID, oldDomainID uuid.UUID) (model.DomainGrant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocations[allocationID]
	if !ok {
		return model.DomainGrant{}, fmt.Errorf("resource: swap domain: allocation %s not live", allocationID)
	}
	idx := slices.IndexFunc(a.Domains, func(g model.DomainGrant) bool { return g.ID == oldDomainID })
	if idx < 0 {
		return model.DomainGrant{}, fmt.Errorf("%w: %s not granted to allocation %s", ErrUnknownDomain, oldDomainID, allocationID)
	}
	a.Domains = slices.Delete(slices.Clone(a.Domains), idx, idx+1)
	if p.holders[oldDomainID] == allocationID {
		delete(p.holders, oldDomainID)
	}

	candidates := p.selectableDomains()
	if len(candidates) == 0 {
		p.metrics.observe(p.snapshotLocked())
		return model.DomainGrant{}, &ShortfallError{Class: "domains", Need: 1}
	}
	d := candidates[0]
	grant := model.DomainGrant{ID: d.ID, Name: d.Name}
	p.holders[d.ID] = allocationID
	a.Domains = append(a.Domains, grant)
	p.metrics.observe(p.snapshotLocked())
	return grant, nil
}

// CheckSend is the gate every send must pass. It rejects rotated domains
// with ErrDomainRotated and inactive or exhausted ones with
// ErrDomainUnavailable.
func (p *Pool) CheckSend(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.domains[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, id)
	}
	return checkSendLocked(d, 1)
}

// RecordSend passes the CheckSend gate for n sends and claims n units of
// daily headroom.
func (p *Pool) RecordSend(id uuid.UUID, n int) (model.Domain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.domains[id]
	if !ok {
		return model.Domain{}, fmt.Errorf("%w: %s", ErrUnknownDomain, id)
	}
	if err := checkSendLocked(d, n); err != nil {
		return *d, err
	}
	d.DailySent += n
	d.UpdatedAt = p.now()
	return *d, nil
}

func checkSendLocked(d *model.Domain, n int) error {
	switch {
	case d.Status == model.DomainRotated:
		return fmt.Errorf("%w: %s", ErrDomainRotated, d.Name)
	case d.Status != model.DomainActive:
		return fmt.Errorf("%w: %s is %s", ErrDomainUnavailable, d.Name, d.Status)
	case d.DailySent+n > d.DailyLimit:
		return fmt.Errorf("%w: %s daily limit reached (%d/%d)", ErrDomainUnavailable, d.Name, d.DailySent, d.DailyLimit)
	}
	return nil
}

// ResetDailyCounters zeroes every domain's daily send count.
func (p *Pool) ResetDailyCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, d := range p.domains {
		d.DailySent = 0
		d.UpdatedAt = now
	}
}
