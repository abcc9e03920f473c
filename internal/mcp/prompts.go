package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/rex/internal/model"
)

func (s *Server) registerPrompts() {
	// launch-mission: walks the assistant through a capacity check, launch, and follow-up.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("launch-mission",
			mcplib.WithPromptDescription("Check capacity, launch a mission, and follow it to completion"),
			mcplib.WithArgument("mission_type",
				mcplib.ArgumentDescription("The kind of mission to run (e.g., lead_reactivation, campaign_execution)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleLaunchMissionPrompt,
	)

	// operator-setup: system prompt snippet describing the Rex tool workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to operate Rex through its tools"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleLaunchMissionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	missionType := model.MissionType(request.Params.Arguments["mission_type"])
	if missionType == "" {
		return nil, fmt.Errorf("mission_type argument is required")
	}
	if !missionType.Valid() {
		return nil, fmt.Errorf("unknown mission_type %q", missionType)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Launch a %s mission", missionType),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Launch a %s mission with these steps:

1. CALL rex_status and check free_agents and can_send.
   - If can_send is false, no domain is active. Outreach missions will stall;
     tell the user before launching anything that sends email.
   - If free_agents is 0 the mission will queue until a crew frees up.

2. CALL rex_create_mission with type="%s". Pass target when the user named
   a segment or domain, and campaign_id when they named a campaign.

3. CALL rex_get_mission with the returned mission_id to report progress.
   Stop polling once state is completed, failed, or escalated, and
   summarize the outcome or error code for the user.`, missionType, missionType),
				},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Rex operator workflow for AI assistants",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can operate Rex, an orchestrator that runs outbound-sales missions on
crews of specialist agents and manages a pool of sending domains.

## Available Tools

- rex_status: Capacity and health. Call this before launching work.
- rex_create_mission: Launch a mission (operator only).
- rex_get_mission: Follow a mission's state, progress, and tasks.
- rex_cancel_mission: Stop a mission and release its agents (operator only).
- rex_list_domains: Inspect sending domains and their delivery rates.

## Mission Lifecycle

queued -> assigned -> executing -> collecting -> analyzing -> optimizing -> completed

Any working state can end in failed or escalated. Escalated missions need a
human; say so plainly rather than retrying.

## Domains

A domain is rotated out when its reputation score (driven by bounces,
complaints, and opens) drops below 0.5 or its complaint rate passes the
ceiling. Warming domains send at a reduced daily limit.`,
				},
			},
		},
	}, nil
}
