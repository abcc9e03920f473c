package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/rex/internal/auth"
	"github.com/ashita-ai/rex/internal/ctxutil"
	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/service/scheduler"
)

func (s *Server) registerTools() {
	// rex_create_mission: launch a new mission.
	s.mcpServer.AddTool(
		mcplib.NewTool("rex_create_mission",
			mcplib.WithDescription(`Launch a mission and let Rex assign it to a capable crew.

WHEN TO USE: When you want outbound work done: reactivating cold leads,
running a campaign, extracting an ideal customer profile, rotating a
burned sending domain, tuning performance, or recovering from errors.

Call rex_status FIRST. If no crew has available agents the mission still
queues, but it will wait until capacity frees up.

WHAT YOU GET BACK:
- mission_id: use with rex_get_mission to follow progress
- crew: the crew that will run it
- estimated_duration_seconds: a rough guide, not a deadline

Requires an operator token.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("type",
				mcplib.Description("Mission type"),
				mcplib.Required(),
				mcplib.Enum(missionTypeNames()...),
			),
			mcplib.WithNumber("priority",
				mcplib.Description("Scheduling priority. Higher runs first."),
				mcplib.Min(model.MinPriority),
				mcplib.Max(model.MaxPriority),
				mcplib.DefaultNumber(model.DefaultPriority),
			),
			mcplib.WithString("campaign_id",
				mcplib.Description("Optional campaign UUID the mission works on"),
			),
			mcplib.WithString("target",
				mcplib.Description("Optional free-form target, e.g. a segment name or the domain to rotate"),
			),
		),
		s.handleCreateMission,
	)

	// rex_get_mission: mission state, progress, and tasks.
	s.mcpServer.AddTool(
		mcplib.NewTool("rex_get_mission",
			mcplib.WithDescription(`Get a mission's state, progress, and task breakdown.

Progress runs from 0.0 to 1.0. A mission is finished when its state is
completed, failed, or escalated; failed and escalated missions carry an
error code explaining why.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("mission_id",
				mcplib.Description("Mission UUID returned by rex_create_mission"),
				mcplib.Required(),
			),
		),
		s.handleGetMission,
	)

	// rex_cancel_mission: stop a running or queued mission.
	s.mcpServer.AddTool(
		mcplib.NewTool("rex_cancel_mission",
			mcplib.WithDescription(`Cancel a mission. Its agents and domain are released immediately.
Cancelling a mission that already finished is a no-op and reports its final state.

Requires an operator token.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("mission_id",
				mcplib.Description("Mission UUID to cancel"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Why the mission is being cancelled"),
			),
		),
		s.handleCancelMission,
	)

	// rex_status: system health and capacity.
	s.mcpServer.AddTool(
		mcplib.NewTool("rex_status",
			mcplib.WithDescription(`Summarize system capacity: missions by state, free agents per crew,
and how many sending domains are active, warming, or rotated.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStatus,
	)

	// rex_list_domains: the sending-domain pool.
	s.mcpServer.AddTool(
		mcplib.NewTool("rex_list_domains",
			mcplib.WithDescription(`List sending domains with their reputation and delivery rates.
After enough sends, a domain is rotated out automatically when its spam
complaint rate passes the ceiling or its reputation score drops below 0.5.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only return domains in this status"),
				mcplib.Enum(domainStatusNames()...),
			),
		),
		s.handleListDomains,
	)
}

func missionTypeNames() []string {
	names := make([]string, len(model.MissionTypes))
	for i, t := range model.MissionTypes {
		names[i] = string(t)
	}
	return names
}

func domainStatusNames() []string {
	return []string{
		string(model.DomainActive),
		string(model.DomainWarming),
		string(model.DomainRotated),
		string(model.DomainFailed),
		string(model.DomainPendingVerification),
	}
}

// requireOperator returns an error result when the caller's token does not
// carry the operator role.
func requireOperator(ctx context.Context) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !claims.Role.AtLeast(auth.RoleOperator) {
		return errorResult("this tool requires an operator token")
	}
	return nil
}

func (s *Server) handleCreateMission(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}

	priority := request.GetInt("priority", model.DefaultPriority)
	req := model.CreateMissionRequest{
		Owner:    ctxutil.OwnerFromContext(ctx),
		Type:     model.MissionType(request.GetString("type", "")),
		Priority: &priority,
		Context: model.MissionContext{
			Target: strings.TrimSpace(request.GetString("target", "")),
		},
	}
	if raw := request.GetString("campaign_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid campaign_id: %s", raw)), nil
		}
		req.Context.CampaignID = &id
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.missions.Create(ctx, req)
	if err != nil {
		return s.missionError("create mission", err), nil
	}
	s.logger.Info("mcp: mission created",
		"mission_id", resp.MissionID,
		"type", req.Type,
		"crew", resp.Crew,
		"owner", req.Owner)
	return jsonResult(resp)
}

func (s *Server) handleGetMission(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, errRes := missionIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	detail, err := s.missions.Get(ctx, id)
	if err != nil {
		return s.missionError("get mission", err), nil
	}
	return jsonResult(compactMissionDetail(detail))
}

func (s *Server) handleCancelMission(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	id, errRes := missionIDArg(request)
	if errRes != nil {
		return errRes, nil
	}
	reason := request.GetString("reason", "")
	resp, err := s.missions.Cancel(ctx, id, reason)
	if err != nil {
		return s.missionError("cancel mission", err), nil
	}
	if resp.Cancelled {
		s.logger.Info("mcp: mission cancelled",
			"mission_id", id,
			"reason", reason,
			"owner", ctxutil.OwnerFromContext(ctx))
	}
	return jsonResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	counts, err := s.missions.CountsByState(ctx)
	if err != nil {
		s.logger.Error("mcp: count missions", "error", err)
		return errorResult("failed to count missions"), nil
	}
	return jsonResult(statusSummary(counts, s.pool.Snapshot()))
}

func (s *Server) handleListDomains(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := model.DomainStatus(request.GetString("status", ""))
	domains := s.pool.Domains()
	out := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, compactDomain(d))
	}
	return jsonResult(map[string]any{
		"domains": out,
		"total":   len(out),
	})
}

func missionIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("mission_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("mission_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("invalid mission_id: %s", raw))
	}
	return id, nil
}

// missionError maps scheduler sentinels to caller-facing messages. Anything
// else is logged and reported generically.
func (s *Server) missionError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, scheduler.ErrUnknownMission):
		return errorResult("mission not found")
	case errors.Is(err, scheduler.ErrInvalidMission):
		return errorResult(err.Error())
	case errors.Is(err, scheduler.ErrNoCapableCrew):
		return errorResult(model.ErrCodeInsufficientResources + ": no crew can run this mission type")
	}
	s.logger.Error("mcp: "+op, "error", err)
	return errorResult(fmt.Sprintf("failed to %s", op))
}
