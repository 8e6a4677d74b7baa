package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/config"
)

// --- sync ---

type manualResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

var syncCmd = &cobra.Command{
	Use:   "sync <meeting-id>",
	Short: "Fetch and analyze a meeting transcript now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSync(cmd.Context(), client, args[0])
	},
}

func runSync(ctx context.Context, c *apiClient, meetingID string) error {
	resp, err := c.post(ctx, "/meetings/"+url.PathEscape(meetingID)+"/sync", nil)
	if err != nil {
		return err
	}
	var res manualResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if !res.Success {
		printWarning("%s", res.Reason)
		return nil
	}
	printSuccess("%s", res.Reason)
	return nil
}

// --- intensive ---

var intensiveCmd = &cobra.Command{
	Use:   "intensive <meeting-id>",
	Short: "Poll aggressively for a meeting that just ended",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runIntensive(cmd.Context(), client, args[0])
	},
}

func runIntensive(ctx context.Context, c *apiClient, meetingID string) error {
	resp, err := c.post(ctx, "/meetings/"+url.PathEscape(meetingID)+"/sync/intensive", nil)
	if err != nil {
		return err
	}
	var res map[string]string
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	printSuccess("Intensive sync started for %s", meetingID)
	return nil
}

// --- coverage ---

var coverageCmd = &cobra.Command{
	Use:   "coverage <account-id>",
	Short: "Ensure background polling covers an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runCoverage(cmd.Context(), client, args[0])
	},
}

func runCoverage(ctx context.Context, c *apiClient, accountID string) error {
	resp, err := c.post(ctx, "/accounts/"+url.PathEscape(accountID)+"/coverage", nil)
	if err != nil {
		return err
	}
	var res struct {
		Started bool `json:"started"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if res.Started {
		printSuccess("Background coverage started for %s", accountID)
	} else {
		printStatus("Coverage", "already active for %s", accountID)
	}
	return nil
}

// --- momentum ---

type momentumView struct {
	DealID     string    `json:"deal_id"`
	Score      float64   `json:"score"`
	Trend      string    `json:"trend"`
	BasisSeq   int64     `json:"basis_seq"`
	ComputedAt time.Time `json:"last_computed_at"`
}

var momentumCmd = &cobra.Command{
	Use:   "momentum <deal-id>",
	Short: "Show the momentum score of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMomentum(cmd.Context(), client, args[0], os.Stdout)
	},
}

func runMomentum(ctx context.Context, c *apiClient, dealID string, out io.Writer) error {
	resp, err := c.get(ctx, "/deals/"+url.PathEscape(dealID)+"/momentum")
	if err != nil {
		return err
	}
	var m momentumView
	if err := decodeJSON(resp, &m); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s  %s  %s\n",
		colorize(colorBold, m.DealID),
		fmt.Sprintf("%.1f", m.Score),
		colorize(trendColor(m.Trend), m.Trend),
	)
	fmt.Fprintf(out, "  computed %s (signal %d)\n", m.ComputedAt.Local().Format(time.DateTime), m.BasisSeq)
	return nil
}

// --- stage ---

var stageCmd = &cobra.Command{
	Use:   "stage <deal-id> <stage>",
	Short: "Record a deal stage change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/deals/"+url.PathEscape(args[0])+"/stage", map[string]string{"stage": args[1]})
		if err != nil {
			return err
		}
		var res map[string]string
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Deal %s moved to %s", args[0], res["stage"])
		return nil
	},
}

// --- sessions ---

type sessionView struct {
	ID     string `json:"id"`
	Target struct {
		MeetingID string `json:"meeting_id"`
		DealID    string `json:"deal_id"`
		AccountID string `json:"account_id"`
	} `json:"target"`
	Policy struct {
		Kind string `json:"kind"`
	} `json:"policy"`
	State        string    `json:"state"`
	AttemptsMade int       `json:"attempts_made"`
	CreatedAt    time.Time `json:"created_at"`
	Reason       string    `json:"reason"`
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sync sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sessions, err := fetchSessions(cmd.Context(), client, state)
		if err != nil {
			return err
		}
		printSessions(os.Stdout, sessions)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().String("state", "", "only show sessions in this state (idle, polling, syncing, completed, abandoned)")
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(watchCmd)
}

func fetchSessions(ctx context.Context, c *apiClient, state string) ([]sessionView, error) {
	path := "/sessions"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var sessions []sessionView
	if err := decodeJSON(resp, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func printSessions(out io.Writer, sessions []sessionView) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	for _, s := range sessions {
		subject := s.Target.MeetingID
		if subject == "" {
			subject = "account " + s.Target.AccountID
		}
		line := fmt.Sprintf("%-10s  %-9s  %-28s  attempts=%d",
			s.Policy.Kind, colorize(stateColor(s.State), s.State), subject, s.AttemptsMade)
		if s.Reason != "" {
			line += "  " + s.Reason
		}
		fmt.Fprintln(out, line)
	}
}

// summarizeSessions renders counts per state, e.g. "2 polling, 1 idle".
func summarizeSessions(sessions []sessionView) string {
	if len(sessions) == 0 {
		return "none"
	}
	counts := map[string]int{}
	var order []string
	for _, s := range sessions {
		if counts[s.State] == 0 {
			order = append(order, s.State)
		}
		counts[s.State]++
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
	}
	return strings.Join(parts, ", ")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <account-id>",
	Short: "Stream change events for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runWatch(cmd.Context(), client, args[0], os.Stdout)
	},
}

func runWatch(ctx context.Context, c *apiClient, accountID string, out io.Writer) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/accounts/" + url.PathEscape(accountID) + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev bus.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		subject := ev.MeetingID
		if subject == "" {
			subject = ev.DealID
		}
		fmt.Fprintf(out, "%s  %-11s %-6s %s\n",
			ev.At.Local().Format(time.TimeOnly), ev.Table, ev.Op, colorize(colorCyan, subject))
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Secret keys (server.api_token, provider.api_key)\n" +
		"are written to the secrets file instead of config.json.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
