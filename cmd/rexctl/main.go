package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashita-ai/rex/sdk/go/rex"
)

var rootCmd = &cobra.Command{
	Use:   "rexctl",
	Short: "Operate a Rex orchestrator",
	Long: `rexctl talks to a running Rex server over its HTTP API.

Missions are units of work (lead reactivation, campaign execution, ICP
extraction, ...) that Rex assigns to a capable crew of agents. Domains are the
sending identities crews send from; Rex scores them and rotates unhealthy
ones out. Use 'rexctl watch' to follow agent activity live.

Configuration comes from flags or REX_SERVER / REX_TOKEN.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "Rex server URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per-request timeout")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func registerCommands() {
	rootCmd.AddCommand(
		missionCmd(),
		agentCmd(),
		domainCmd(),
		statusCmd(),
		tokenCmd(),
		keygenCmd(),
		watchCmd(),
	)
}

func newClient() (*rex.Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, errors.New("no token: pass --token or set REX_TOKEN (see 'rexctl token')")
	}
	return rex.NewClient(rex.Config{
		BaseURL: viper.GetString("server"),
		Token:   token,
		Timeout: viper.GetDuration("timeout"),
	})
}

// describe turns API errors into one readable line.
func describe(err error) string {
	var apiErr *rex.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("%s: %s", apiErr.Code, apiErr.Message)
		if apiErr.RequestID != "" {
			msg += " (request " + apiErr.RequestID + ")"
		}
		return msg
	}
	return err.Error()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// interactive reports whether stdout is a terminal a person is reading.
func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newTable returns a writer bound to stdout, styled only for terminals.
func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if interactive() {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
		tw.Style().Options.DrawBorder = false
	}
	return tw
}

func shortID(s fmt.Stringer) string {
	id := s.String()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

func pct(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}
