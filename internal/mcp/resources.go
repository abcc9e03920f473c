package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/rex/internal/model"
)

const (
	statusURI         = "rex://status"
	recentMissionsURI = "rex://missions/recent"
	missionURIPrefix  = "rex://missions/"
)

func (s *Server) registerResources() {
	// rex://status: capacity and health summary.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			statusURI,
			"System Status",
			mcplib.WithResourceDescription("Missions by state, crew capacity, and domain pool health"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	// rex://missions/recent: the most recent missions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentMissionsURI,
			"Recent Missions",
			mcplib.WithResourceDescription("The 20 most recently created missions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentMissions,
	)

	// rex://missions/{id}: one mission with its tasks.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"rex://missions/{id}",
			"Mission",
			mcplib.WithTemplateDescription("A single mission with progress and tasks"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMissionResource,
	)
}

func (s *Server) handleStatusResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	counts, err := s.missions.CountsByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: status: %w", err)
	}
	return jsonResource(statusURI, statusSummary(counts, s.pool.Snapshot()))
}

func (s *Server) handleRecentMissions(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	missions, err := s.missions.List(ctx, model.MissionFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent missions: %w", err)
	}
	out := make([]map[string]any, 0, len(missions))
	for _, m := range missions {
		out = append(out, compactMissionDetail(model.MissionDetail{Mission: m}))
	}
	return jsonResource(recentMissionsURI, out)
}

func (s *Server) handleMissionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseMissionURI(uri)
	if err != nil {
		return nil, err
	}
	detail, err := s.missions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: mission %s: %w", id, err)
	}
	return jsonResource(uri, compactMissionDetail(detail))
}

// parseMissionURI extracts the mission ID from rex://missions/{id}.
func parseMissionURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, missionURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid mission URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid mission id in URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
