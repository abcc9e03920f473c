// Package topology describes the crews, provider quotas, and per-mission-type
// resource profiles the orchestrator schedules against. A topology is loaded
// from YAML and may be reloaded while the server runs.
package topology

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/rex/internal/model"
)

// Topology is the full crew and quota layout.
type Topology struct {
	Crews     []Crew                        `yaml:"crews"`
	Providers []Provider                    `yaml:"providers"`
	Profiles  map[model.MissionType]Profile `yaml:"profiles"`
}

// Crew is a named group of agents capable of a set of mission types.
type Crew struct {
	Name         string              `yaml:"name"`
	Agents       []string            `yaml:"agents"`
	Capabilities []model.MissionType `yaml:"capabilities"`
}

// Capable reports whether the crew can run missions of type t.
func (c Crew) Capable(t model.MissionType) bool {
	for _, mt := range c.Capabilities {
		if mt == t {
			return true
		}
	}
	return false
}

// Provider is a third-party API with a windowed call budget.
type Provider struct {
	Name   string        `yaml:"name"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Profile is the resource footprint of one mission type.
type Profile struct {
	Agents            int            `yaml:"agents"`
	Domains           int            `yaml:"domains"`
	Quota             map[string]int `yaml:"quota"`
	EstimatedDuration time.Duration  `yaml:"estimated_duration"`
}

// Profile returns the profile for t, falling back to a single agent with
// no domains or quota.
func (t Topology) Profile(mt model.MissionType) Profile {
	if p, ok := t.Profiles[mt]; ok {
		return p
	}
	return Profile{Agents: 1, EstimatedDuration: 15 * time.Minute}
}

// Load reads and validates a topology file.
func Load(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("topology: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML topology bytes.
func Parse(data []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("topology: parse: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate checks names are unique and profiles are satisfiable by at least
// one capable crew.
func (t Topology) Validate() error {
	var errs []error
	crews := make(map[string]bool, len(t.Crews))
	for i, c := range t.Crews {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("crews[%d]: name is required", i))
			continue
		}
		if crews[c.Name] {
			errs = append(errs, fmt.Errorf("crews[%d]: duplicate crew %q", i, c.Name))
		}
		crews[c.Name] = true
		if len(c.Agents) == 0 {
			errs = append(errs, fmt.Errorf("crew %q: at least one agent is required", c.Name))
		}
		seen := make(map[string]bool, len(c.Agents))
		for _, a := range c.Agents {
			if seen[a] {
				errs = append(errs, fmt.Errorf("crew %q: duplicate agent %q", c.Name, a))
			}
			seen[a] = true
		}
		for _, mt := range c.Capabilities {
			if !mt.Valid() {
				errs = append(errs, fmt.Errorf("crew %q: unknown capability %q", c.Name, mt))
			}
		}
	}
	providers := make(map[string]bool, len(t.Providers))
	for i, p := range t.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if p.Limit < 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("provider %q: limit must be >= 0 and window > 0", p.Name))
		}
		providers[p.Name] = true
	}
	for mt, p := range t.Profiles {
		if !mt.Valid() {
			errs = append(errs, fmt.Errorf("profiles: unknown mission type %q", mt))
			continue
		}
		if p.Agents < 1 {
			errs = append(errs, fmt.Errorf("profile %q: agents must be >= 1", mt))
		}
		for name := range p.Quota {
			if !providers[name] {
				errs = append(errs, fmt.Errorf("profile %q: unknown provider %q", mt, name))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	return nil
}

// Default is the built-in topology used when no file is configured.
func Default() Topology {
	return Topology{
		Crews: []Crew{
			{
				Name:   "outreach",
				Agents: []string{"writer-1", "writer-2", "sender-1"},
				Capabilities: []model.MissionType{
					model.MissionLeadReactivation,
					model.MissionCampaignExecution,
				},
			},
			{
				Name:   "research",
				Agents: []string{"researcher-1", "researcher-2"},
				Capabilities: []model.MissionType{
					model.MissionICPExtraction,
					model.MissionPerformanceOptimization,
				},
			},
			{
				Name:   "ops",
				Agents: []string{"ops-1", "ops-2"},
				Capabilities: []model.MissionType{
					model.MissionDomainRotation,
					model.MissionErrorRecovery,
					model.MissionPerformanceOptimization,
				},
			},
		},
		Providers: []Provider{
			{Name: "llm", Limit: 20000, Window: 24 * time.Hour},
			{Name: "enrichment", Limit: 5000, Window: 24 * time.Hour},
		},
		Profiles: map[model.MissionType]Profile{
			model.MissionLeadReactivation:        {Agents: 2, Domains: 1, Quota: map[string]int{"llm": 200, "enrichment": 50}, EstimatedDuration: 45 * time.Minute},
			model.MissionCampaignExecution:       {Agents: 2, Domains: 1, Quota: map[string]int{"llm": 400}, EstimatedDuration: 2 * time.Hour},
			model.MissionICPExtraction:           {Agents: 1, Quota: map[string]int{"llm": 100, "enrichment": 200}, EstimatedDuration: 20 * time.Minute},
			model.MissionDomainRotation:          {Agents: 1, EstimatedDuration: 10 * time.Minute},
			model.MissionPerformanceOptimization: {Agents: 1, Quota: map[string]int{"llm": 50}, EstimatedDuration: 30 * time.Minute},
			model.MissionErrorRecovery:           {Agents: 1, EstimatedDuration: 15 * time.Minute},
		},
	}
}
