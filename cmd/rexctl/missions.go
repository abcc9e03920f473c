package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashita-ai/rex/sdk/go/rex"
)

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Aliases: []string{"missions"}, Short: "Create, inspect, and cancel missions"}
	m.AddCommand(missionCreateCmd(), missionListCmd(), missionGetCmd(), missionCancelCmd(), missionWaitCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var (
		req        rex.CreateMissionRequest
		priority   int
		campaignID string
		leads      []string
		params     map[string]string
		key        string
	)
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Queue a mission",
		Long: `Queue a mission of the given type: lead_reactivation, campaign_execution,
icp_extraction, domain_rotation, performance_optimization, or error_recovery.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			req.Type = args[0]
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if campaignID != "" {
				id, err := uuid.Parse(campaignID)
				if err != nil {
					return fmt.Errorf("invalid --campaign-id: %w", err)
				}
				req.Context.CampaignID = &id
			}
			for _, l := range leads {
				id, err := uuid.Parse(l)
				if err != nil {
					return fmt.Errorf("invalid --lead %q: %w", l, err)
				}
				req.Context.LeadIDs = append(req.Context.LeadIDs, id)
			}
			req.Context.Parameters = params

			var resp *rex.CreateMissionResponse
			if key != "" {
				resp, err = c.CreateMissionIdempotent(cmd.Context(), key, req)
			} else {
				resp, err = c.CreateMission(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("mission %s queued for crew %s (est. %s)\n", resp.MissionID, resp.Crew,
				time.Duration(resp.EstimatedDurationSeconds)*time.Second)
			return nil
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 50, "priority 0-100; higher runs first")
	cmd.Flags().StringVar(&campaignID, "campaign-id", "", "campaign the mission works on")
	cmd.Flags().StringSliceVar(&leads, "lead", nil, "lead ID (repeatable)")
	cmd.Flags().StringVar(&req.Context.Target, "target", "", "free-form target, e.g. an industry or segment")
	cmd.Flags().StringToStringVar(&params, "param", nil, "mission parameter key=value (repeatable)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "reuse the mission created by an earlier call with this key")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f rex.MissionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			missions, err := c.ListMissions(cmd.Context(), f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(missions)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Type", "State", "Priority", "Crew", "Created"})
			for _, m := range missions {
				tw.AppendRow(table.Row{m.ID, m.Type, m.State, m.Priority, m.AssignedCrew, ago(&m.CreatedAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum missions to return")
	return cmd
}

func missionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a mission with its tasks and recent logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid mission id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.GetMission(cmd.Context(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			printMission(d)
			return nil
		},
	}
}

func printMission(d *rex.MissionDetail) {
	m := d.Mission
	fmt.Printf("Mission   %s\n", m.ID)
	fmt.Printf("Type      %s (priority %d)\n", m.Type, m.Priority)
	fmt.Printf("State     %s, %s complete\n", m.State, pct(d.Progress))
	if m.AssignedCrew != "" {
		fmt.Printf("Crew      %s [%s]\n", m.AssignedCrew, strings.Join(m.AssignedAgents, ", "))
	}
	if m.Error != nil {
		fmt.Printf("Error     %s: %s\n", m.Error.Code, m.Error.Message)
	}
	if m.Outcome != nil {
		fmt.Printf("Outcome   %s\n", m.Outcome.Summary)
	}
	if len(d.Tasks) > 0 {
		fmt.Println()
		tw := newTable()
		tw.AppendHeader(table.Row{"Task", "Agent", "State", "Retries", "Duration"})
		for _, t := range d.Tasks {
			tw.AppendRow(table.Row{shortID(t.ID), t.AgentName, t.State, t.RetryCount,
				(time.Duration(t.DurationMs) * time.Millisecond).String()})
		}
		tw.Render()
	}
	if len(d.Logs) > 0 {
		fmt.Println()
		for _, l := range d.Logs {
			fmt.Printf("%s  %-5s %-10s %s\n", l.CreatedAt.Format(time.TimeOnly), l.Level, l.Source, l.Message)
		}
	}
}

func missionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a mission and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid mission id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.CancelMission(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			if resp.Cancelled {
				fmt.Printf("mission %s cancelled\n", id)
			} else {
				fmt.Printf("mission %s already finished (%s)\n", id, resp.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the mission")
	return cmd
}

func missionWaitCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Block until a mission finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid mission id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.WaitForMission(cmd.Context(), id, interval)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			printMission(d)
			if d.Mission.State != "completed" {
				return fmt.Errorf("mission ended %s", d.Mission.State)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}
