package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashita-ai/rex/sdk/go/rex"
)

func watchCmd() *cobra.Command {
	var (
		refresh  time.Duration
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live agent activity",
		Long: `Subscribe to the activity stream and show the most recent agent activity.
On a terminal the view is redrawn in place; otherwise each changed entry is
printed as one JSON line. Connection changes are reported on stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := viper.GetString("token")
			if token == "" {
				return errors.New("no token: pass --token or set REX_TOKEN (see 'rexctl token')")
			}
			ec, err := rex.NewEventClient(rex.EventConfig{
				URL:         eventsURL(viper.GetString("server")),
				Token:       token,
				MaxAttempts: attempts,
			})
			if err != nil {
				return err
			}
			defer func() { _ = ec.Close() }()

			gaveUp := make(chan error, 1)
			unsubscribe := ec.Subscribe(func(st rex.ClientStatus) {
				switch {
				case st.GaveUp:
					select {
					case gaveUp <- st.Err:
					default:
					}
				case st.State == rex.StateBackoffWait:
					fmt.Fprintf(os.Stderr, "connection lost (%v), retry %d in %s\n", st.Err, st.Attempt, st.RetryIn)
				default:
					fmt.Fprintf(os.Stderr, "%s\n", st.State)
				}
			})
			defer unsubscribe()

			if err := ec.Connect(); err != nil {
				return err
			}

			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			tty := interactive()
			seen := make(map[string]rex.Activity)
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case err := <-gaveUp:
					return fmt.Errorf("gave up reconnecting: %w", err)
				case <-ticker.C:
					acts := ec.Activities()
					if tty {
						drawActivities(acts)
						continue
					}
					if err := printChanged(acts, seen); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "redraw interval")
	cmd.Flags().IntVar(&attempts, "max-attempts", rex.DefaultMaxAttempts, "reconnect attempts before giving up")
	return cmd
}

// eventsURL maps the API base URL onto the WebSocket endpoint.
func eventsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		server = "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		server = "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server + "/v1/events"
}

func drawActivities(acts []rex.Activity) {
	// Clear screen, cursor home.
	fmt.Print("\033[H\033[2J")
	fmt.Printf("Rex activity  %s\n\n", time.Now().Format(time.TimeOnly))
	tw := newTable()
	tw.AppendHeader(table.Row{"Time", "Crew", "Agent", "Action", "Status", "Mission", "State", "Progress"})
	for _, a := range acts {
		tw.AppendRow(table.Row{a.Timestamp.Local().Format(time.TimeOnly), a.Crew, a.Agent, a.Action, a.Status,
			shortID(a.MissionID), a.MissionState, pct(a.Progress)})
	}
	tw.Render()
}

// printChanged writes one JSON line per activity that is new or changed since
// the last tick, oldest first.
func printChanged(acts []rex.Activity, seen map[string]rex.Activity) error {
	enc := json.NewEncoder(os.Stdout)
	live := make(map[string]bool, len(acts))
	for i := len(acts) - 1; i >= 0; i-- {
		a := acts[i]
		key := a.ID.String()
		live[key] = true
		if prev, ok := seen[key]; ok && prev == a {
			continue
		}
		seen[key] = a
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	for k := range seen {
		if !live[k] {
			delete(seen, k)
		}
	}
	return nil
}
