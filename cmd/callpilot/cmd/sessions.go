package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect and control connected devices",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsDescribeCmd = &cobra.Command{
	Use:   "describe <session-id>",
	Short: "Show rules, strategy state and channel history for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDescribe,
}

var sessionsRulesCmd = &cobra.Command{
	Use:   "rules <session-id>",
	Short: "Change a session's filter rules",
	Long: `Updates only the rules given as flags; everything else stays as it is.
The new rules are also pushed to the device.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsRules,
}

var sessionsStrategyCmd = &cobra.Command{
	Use:   "strategy <session-id> <strategy>",
	Short: "Switch a session to a strategy (A, B, C, Hybrid, Fallback)",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsStrategy,
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset-stats <session-id>",
	Short: "Clear a session's per-strategy success counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsReset,
}

var sessionsSendCmd = &cobra.Command{
	Use:   "send <session-id> <json>",
	Short: "Send a raw message to a device",
	Long: `Queues a message for the device as-is. The message must be a JSON object
with a "type" field, for example:

  callpilot sessions send <id> '{"type":"swipe","startX":540,"startY":1800,"endX":540,"endY":600}'`,
	Args: cobra.ExactArgs(2),
	RunE: runSessionsSend,
}

var rulesFlags struct {
	minAmount       int
	maxAmount       int
	minDistance     float64
	maxDistance     float64
	preferredAreas  []string
	avoidAreas      []string
	autoAccept      bool
	priorityHigh    bool
	avoidCongestion bool
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDescribeCmd)
	sessionsCmd.AddCommand(sessionsRulesCmd)
	sessionsCmd.AddCommand(sessionsStrategyCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
	sessionsCmd.AddCommand(sessionsSendCmd)

	f := sessionsRulesCmd.Flags()
	f.IntVar(&rulesFlags.minAmount, "min-amount", 0, "minimum fare")
	f.IntVar(&rulesFlags.maxAmount, "max-amount", 0, "maximum fare")
	f.Float64Var(&rulesFlags.minDistance, "min-distance", 0, "minimum distance in km")
	f.Float64Var(&rulesFlags.maxDistance, "max-distance", 0, "maximum distance in km")
	f.StringSliceVar(&rulesFlags.preferredAreas, "preferred", nil, "preferred areas (comma separated)")
	f.StringSliceVar(&rulesFlags.avoidAreas, "avoid", nil, "areas to reject (comma separated)")
	f.BoolVar(&rulesFlags.autoAccept, "auto-accept", true, "accept jobs automatically")
	f.BoolVar(&rulesFlags.priorityHigh, "priority-high", false, "always take high fares")
	f.BoolVar(&rulesFlags.avoidCongestion, "avoid-congestion", false, "reject non-preferred congested areas")
}

type sessionsListResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	var result sessionsListResponse
	if err := callAPI(http.MethodGet, "/api/sessions", nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No devices connected")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Status", "Strategy", "Calls", "Accepted", "Earnings", "Dropped", "Last Seen")
	for _, s := range result.Sessions {
		status := s.Status
		if status == "" {
			status = "-"
		}
		table.Append(
			s.ID,
			status,
			s.Strategy.StrategyName,
			fmt.Sprintf("%d", s.JobsSeen),
			fmt.Sprintf("%d", s.Accepted),
			fmt.Sprintf("%d", s.Earnings),
			fmt.Sprintf("%d", s.FramesDropped),
			formatAge(s.LastSeen),
		)
	}
	table.Render()
	fmt.Printf("\nTotal sessions: %d\n", result.Count)
	return nil
}

func runSessionsDescribe(cmd *cobra.Command, args []string) error {
	var info session.Info
	if err := callAPI(http.MethodGet, "/api/sessions/"+url.PathEscape(args[0]), nil, &info); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(info)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Session ID", info.ID})
	table.Append([]string{"Connected", info.CreatedAt.Format(time.RFC3339)})
	table.Append([]string{"Last Seen", formatAge(info.LastSeen)})
	if info.Status != "" {
		table.Append([]string{"Device Status", info.Status})
	}
	if info.LastLog != "" {
		table.Append([]string{"Last Log", info.LastLog})
	}
	table.Append([]string{"Calls Seen", fmt.Sprintf("%d", info.JobsSeen)})
	table.Append([]string{"Accepted / Rejected", fmt.Sprintf("%d / %d", info.Accepted, info.Rejected)})
	table.Append([]string{"Earnings", fmt.Sprintf("%d", info.Earnings)})
	table.Append([]string{"Frames", fmt.Sprintf("%d processed, %d dropped", info.FramesProcessed, info.FramesDropped)})
	appendRules(table, info.Rules)
	table.Append([]string{"Strategy", fmt.Sprintf("%s (%s)", info.Strategy.Strategy, info.Strategy.StrategyName)})
	table.Append([]string{"Consecutive Failures", fmt.Sprintf("%d", info.Strategy.ConsecutiveFailures)})
	table.Append([]string{"Strategy Switches", fmt.Sprintf("%d", info.Strategy.Switches)})
	table.Render()

	if len(info.Strategy.Stats) > 0 {
		fmt.Println("\nStrategy statistics:")
		renderStrategyStats(info.Strategy)
	}

	if len(info.Channels) > 0 {
		fmt.Println("\nDispatch channels:")
		ch := tablewriter.NewWriter(os.Stdout)
		ch.Header("Channel", "Attempts", "Success Rate", "Avg Latency")
		for _, c := range info.Channels {
			ch.Append(c.Channel, fmt.Sprintf("%d", c.Attempts),
				fmt.Sprintf("%.0f%%", c.SuccessRate*100), fmt.Sprintf("%.0fms", c.AvgLatencyMs))
		}
		ch.Render()
	}
	return nil
}

func appendRules(table *tablewriter.Table, r filter.Rules) {
	table.Append([]string{"Fare Range", fmt.Sprintf("%d - %d", r.MinAmount, r.MaxAmount)})
	table.Append([]string{"Distance Range", fmt.Sprintf("%.1f - %.1f km", r.MinDistance, r.MaxDistance)})
	table.Append([]string{"Preferred Areas", joinOrDash(r.PreferredAreas)})
	table.Append([]string{"Avoided Areas", joinOrDash(r.AvoidAreas)})
	table.Append([]string{"Auto Accept", fmt.Sprintf("%t", r.AutoAccept)})
	table.Append([]string{"Priority High Fare", fmt.Sprintf("%t", r.PriorityHigh)})
	table.Append([]string{"Avoid Congestion", fmt.Sprintf("%t", r.AvoidCongestion)})
}

func renderStrategyStats(snap strategy.Snapshot) {
	keys := make([]strategy.Strategy, 0, len(snap.Stats))
	for k := range snap.Stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Strategy", "Successes", "Failures", "Success Rate")
	for _, k := range keys {
		st := snap.Stats[k]
		name := string(k)
		if k == snap.Strategy {
			name += " *"
		}
		table.Append(name, fmt.Sprintf("%d", st.Successes), fmt.Sprintf("%d", st.Failures),
			fmt.Sprintf("%.0f%%", st.SuccessRate*100))
	}
	table.Render()
}

func runSessionsRules(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	patch := map[string]any{}
	if flags.Changed("min-amount") {
		patch["minAmount"] = rulesFlags.minAmount
	}
	if flags.Changed("max-amount") {
		patch["maxAmount"] = rulesFlags.maxAmount
	}
	if flags.Changed("min-distance") {
		patch["minDistance"] = rulesFlags.minDistance
	}
	if flags.Changed("max-distance") {
		patch["maxDistance"] = rulesFlags.maxDistance
	}
	if flags.Changed("preferred") {
		patch["preferredAreas"] = rulesFlags.preferredAreas
	}
	if flags.Changed("avoid") {
		patch["avoidAreas"] = rulesFlags.avoidAreas
	}
	if flags.Changed("auto-accept") {
		patch["autoAccept"] = rulesFlags.autoAccept
	}
	if flags.Changed("priority-high") {
		patch["priorityHigh"] = rulesFlags.priorityHigh
	}
	if flags.Changed("avoid-congestion") {
		patch["avoidTraffic"] = rulesFlags.avoidCongestion
	}
	if len(patch) == 0 {
		return fmt.Errorf("no rule flags given")
	}

	var rules filter.Rules
	if err := callAPI(http.MethodPut, "/api/sessions/"+url.PathEscape(args[0])+"/rules", patch, &rules); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(rules)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rule", "Value")
	appendRules(table, rules)
	table.Render()
	return nil
}

func runSessionsStrategy(cmd *cobra.Command, args []string) error {
	var snap strategy.Snapshot
	body := map[string]string{"strategy": args[1]}
	if err := callAPI(http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/strategy", body, &snap); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(snap)
	}
	fmt.Printf("Session %s now on strategy %s (%s)\n", args[0], snap.Strategy, snap.StrategyName)
	return nil
}

func runSessionsReset(cmd *cobra.Command, args []string) error {
	var snap strategy.Snapshot
	if err := callAPI(http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/stats/reset", nil, &snap); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(snap)
	}
	fmt.Printf("Strategy statistics cleared for session %s\n", args[0])
	return nil
}

func runSessionsSend(cmd *cobra.Command, args []string) error {
	raw := json.RawMessage(args[1])
	if !json.Valid(raw) {
		return fmt.Errorf("message is not valid JSON")
	}
	if err := callAPI(http.MethodPost, "/api/sessions/"+url.PathEscape(args[0])+"/command", raw, nil, http.StatusAccepted); err != nil {
		return err
	}
	fmt.Printf("Message queued for session %s\n", args[0])
	return nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
