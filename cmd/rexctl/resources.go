package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashita-ai/rex/sdk/go/rex"
)

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Aliases: []string{"agents"}, Short: "Inspect and restart agents"}
	a.AddCommand(agentListCmd(), agentRestartCmd())
	return a
}

func agentListCmd() *cobra.Command {
	var crew string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with their load and success rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context(), crew)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(agents)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Crew", "Agent", "Status", "Mission", "Done", "Failed", "Success", "Last run"})
			for _, a := range agents {
				mission := ""
				if a.CurrentMissionID != nil {
					mission = shortID(a.CurrentMissionID)
				}
				tw.AppendRow(table.Row{a.Crew, a.Name, a.Status, mission, a.TasksCompleted, a.TasksFailed,
					pct(a.SuccessRate), ago(a.LastExecutionAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&crew, "crew", "", "only this crew")
	return cmd
}

func agentRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <crew> <agent>",
		Short: "Return a failed agent to service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			restarted, status, err := c.RestartAgent(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"restarted": restarted, "status": status})
			}
			if restarted {
				fmt.Printf("%s/%s restarted (%s)\n", args[0], args[1], status)
			} else {
				fmt.Printf("%s/%s was not failed (%s)\n", args[0], args[1], status)
			}
			return nil
		},
	}
}

func domainCmd() *cobra.Command {
	d := &cobra.Command{Use: "domain", Aliases: []string{"domains"}, Short: "Manage sending domains"}
	d.AddCommand(domainListCmd(), domainGetCmd(), domainAddCmd(), domainVerifyCmd(), domainRotateCmd())
	return d
}

func domainListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List domains with reputation and daily headroom",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			domains, err := c.ListDomains(cmd.Context(), status)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(domains)
			}
			printDomains(domains)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, warming, rotated, failed, pending_verification)")
	return cmd
}

func printDomains(domains []rex.Domain) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Domain", "Status", "Reputation", "Sent today", "Bounce", "Complaints", "Warmup"})
	for _, d := range domains {
		warmup := ""
		if d.Status == "warming" {
			warmup = pct(d.WarmupProgress)
		}
		tw.AppendRow(table.Row{shortID(d.ID), d.Name, d.Status, fmt.Sprintf("%.2f", d.ReputationScore),
			fmt.Sprintf("%d/%d", d.DailySent, d.DailyLimit), pct(d.BounceRate), pct(d.SpamComplaintRate), warmup})
	}
	tw.Render()
}

func domainGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid domain id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.GetDomain(cmd.Context(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			printDomains([]rex.Domain{*d})
			if d.RotatedAt != nil {
				fmt.Printf("\nrotated %s: %s\n", ago(d.RotatedAt), d.RotationReason)
			}
			return nil
		},
	}
}

func domainAddCmd() *cobra.Command {
	var req rex.AddDomainRequest
	cmd := &cobra.Command{
		Use:   "add <domain>",
		Short: "Register a sending domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			req.Domain = args[0]
			resp, err := c.AddDomain(cmd.Context(), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("domain %s added (%s), id %s\n", req.Domain, resp.VerificationStatus, resp.DomainID)
			if len(resp.DNSRecords) > 0 {
				fmt.Println("\nPublish these records, then run 'rexctl domain verify':")
				tw := newTable()
				tw.AppendHeader(table.Row{"Type", "Host", "Value"})
				for _, r := range resp.DNSRecords {
					tw.AppendRow(table.Row{r.Type, r.Host, r.Value})
				}
				tw.Render()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "custom", "custom (warms up from zero) or prewarmed")
	cmd.Flags().BoolVar(&req.Verify, "verify", false, "check the DNS records right away (they must already be published)")
	return cmd
}

func domainVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-check a pending domain's DNS records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid domain id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := c.VerifyDomain(cmd.Context(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			fmt.Printf("%s is now %s\n", d.Name, d.Status)
			return nil
		},
	}
}

func domainRotateCmd() *cobra.Command {
	var (
		reason    string
		immediate bool
	)
	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Retire a domain and hand its work to a replacement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid domain id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.RotateDomain(cmd.Context(), id, reason, immediate)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			if resp.ReplacementDomainID != nil {
				fmt.Printf("rotated; replacement %s (warm in ~%.0fh)\n", resp.ReplacementDomainID, resp.WarmupETAHours)
			} else {
				fmt.Println("rotated; no replacement available")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the domain")
	cmd.Flags().BoolVar(&immediate, "immediate", false, "rotate even when no replacement is available")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system health, mission counts, and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Health  %s (up %ds)\n", st.Health, st.UptimeSeconds)

			states := make([]string, 0, len(st.MissionsByState))
			for s, n := range st.MissionsByState {
				states = append(states, fmt.Sprintf("%s=%d", s, n))
			}
			slices.Sort(states)
			fmt.Printf("Missions  %s\n\n", strings.Join(states, " "))

			tw := newTable()
			tw.AppendHeader(table.Row{"Crew", "Total", "Available", "Executing", "Failed"})
			crews := make([]string, 0, len(st.ResourcePool.Crews))
			for name := range st.ResourcePool.Crews {
				crews = append(crews, name)
			}
			slices.Sort(crews)
			for _, name := range crews {
				cc := st.ResourcePool.Crews[name]
				tw.AppendRow(table.Row{name, cc.Total, cc.Available, cc.Executing, cc.Failed})
			}
			tw.Render()
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var req rex.TokenRequest
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a token from a server running with REX_DEV_TOKENS=true",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rex.IssueDevToken(cmd.Context(), viper.GetString("server"), req)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Println(resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Subject, "subject", "operator", "token subject; owns the missions it creates")
	cmd.Flags().StringVar(&req.Role, "role", "operator", "observer, agent, or operator")
	cmd.Flags().StringVar(&req.Crew, "crew", "", "crew an agent token may speak for")
	return cmd
}
