// Package mcp implements the Model Context Protocol server for Rex.
//
// The MCP server exposes the operator-facing subset of the HTTP API as MCP
// tools and resources, so an MCP-compatible assistant can launch missions,
// follow their progress and inspect the sending-domain pool.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/rex/internal/model"
)

// Missions is the mission surface the tools call into.
type Missions interface {
	Create(ctx context.Context, req model.CreateMissionRequest) (model.CreateMissionResponse, error)
	Get(ctx context.Context, id uuid.UUID) (model.MissionDetail, error)
	List(ctx context.Context, f model.MissionFilter) ([]model.Mission, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (model.CancelMissionResponse, error)
	CountsByState(ctx context.Context) (map[model.MissionState]int, error)
}

// Pool is the read side of the resource pool.
type Pool interface {
	Domains() []model.Domain
	Snapshot() model.ResourcePool
}

// Server wraps the MCP server with Rex's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	missions  Missions
	pool      Pool
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts.
func New(missions Missions, pool Pool, logger *slog.Logger, version string) *Server {
	s := &Server{
		missions: missions,
		pool:     pool,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"rex",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Rex orchestrates outbound-sales missions across agent crews. "+
			"Call rex_status before launching work to see crew capacity and domain health."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
