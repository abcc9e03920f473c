package topology

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/model"
)

const sample = `
crews:
  - name: outreach
    agents: [writer-1, writer-2]
    capabilities: [lead_reactivation, campaign_execution]
providers:
  - name: llm
    limit: 1000
    window: 24h
profiles:
  lead_reactivation:
    agents: 2
    domains: 1
    quota: {llm: 10}
    estimated_duration: 30m
`

func TestParse(t *testing.T) {
	top, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, top.Crews, 1)
	assert.True(t, top.Crews[0].Capable(model.MissionLeadReactivation))
	assert.False(t, top.Crews[0].Capable(model.MissionDomainRotation))
	assert.Equal(t, 24*time.Hour, top.Providers[0].Window)

	p := top.Profile(model.MissionLeadReactivation)
	assert.Equal(t, 2, p.Agents)
	assert.Equal(t, 30*time.Minute, p.EstimatedDuration)

	fallback := top.Profile(model.MissionICPExtraction)
	assert.Equal(t, 1, fallback.Agents)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	bad := `
crews:
  - name: a
    agents: []
    capabilities: [teleportation]
  - name: a
    agents: [x, x]
profiles:
  lead_reactivation:
    agents: 0
    quota: {missing: 1}
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "at least one agent")
	assert.Contains(t, msg, "unknown capability")
	assert.Contains(t, msg, "duplicate crew")
	assert.Contains(t, msg, "duplicate agent")
	assert.Contains(t, msg, "agents must be >= 1")
	assert.Contains(t, msg, `unknown provider "missing"`)
}

func TestDefaultIsValid(t *testing.T) {
	def := Default()
	require.NoError(t, def.Validate())
	for _, mt := range model.MissionTypes {
		capable := false
		for _, c := range def.Crews {
			capable = capable || c.Capable(mt)
		}
		assert.True(t, capable, "no crew can run %s", mt)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Topology, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.DiscardHandler), func(t Topology) { got <- t })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := `
crews:
  - name: outreach
    agents: [writer-1, writer-2, writer-3]
    capabilities: [lead_reactivation]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case top := <-got:
		require.Len(t, top.Crews, 1)
		assert.Len(t, top.Crews[0].Agents, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	assert.NoError(t, <-done)
}
