package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kdimtricp/callpilot/internal/events"
	"github.com/kdimtricp/callpilot/internal/session"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server-wide totals",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var (
	decisionsSession  string
	decisionsAccepted string
	decisionsSince    time.Duration
	decisionsLimit    int
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List journaled accept/reject decisions, newest first",
	Long:  `Requires the server to run with journal.path set.`,
	Args:  cobra.NoArgs,
	RunE:  runDecisions,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(decisionsCmd)

	decisionsCmd.Flags().StringVar(&decisionsSession, "session", "", "only this session")
	decisionsCmd.Flags().StringVar(&decisionsAccepted, "accepted", "", "true or false to filter by outcome")
	decisionsCmd.Flags().DurationVar(&decisionsSince, "since", 0, "only decisions newer than this (e.g. 1h)")
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 20, "maximum number of decisions")
}

func runStats(cmd *cobra.Command, args []string) error {
	var totals session.TotalsSnapshot
	if err := callAPI(http.MethodGet, "/api/stats", nil, &totals); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(totals)
	}

	acceptRate := "-"
	if totals.JobsSeen > 0 {
		acceptRate = fmt.Sprintf("%.1f%%", float64(totals.Accepted)/float64(totals.JobsSeen)*100)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append([]string{"Active Sessions", strconv.Itoa(totals.ActiveSessions)})
	table.Append([]string{"Sessions Since Start", strconv.FormatInt(totals.SessionsOpened, 10)})
	table.Append([]string{"Calls Seen", strconv.FormatInt(totals.JobsSeen, 10)})
	table.Append([]string{"Accepted", strconv.FormatInt(totals.Accepted, 10)})
	table.Append([]string{"Rejected", strconv.FormatInt(totals.Rejected, 10)})
	table.Append([]string{"Accept Rate", acceptRate})
	table.Append([]string{"Earnings", strconv.FormatInt(totals.Earnings, 10)})
	table.Render()
	return nil
}

type decisionsListResponse struct {
	Decisions []events.Decision `json:"decisions"`
	Count     int               `json:"count"`
}

func runDecisions(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if decisionsSession != "" {
		q.Set("session", decisionsSession)
	}
	if decisionsAccepted != "" {
		if _, err := strconv.ParseBool(decisionsAccepted); err != nil {
			return fmt.Errorf("--accepted must be true or false")
		}
		q.Set("accepted", decisionsAccepted)
	}
	if decisionsSince > 0 {
		q.Set("since", time.Now().Add(-decisionsSince).UTC().Format(time.RFC3339))
	}
	if decisionsLimit > 0 {
		q.Set("limit", strconv.Itoa(decisionsLimit))
	}

	path := "/api/decisions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result decisionsListResponse
	if err := callAPI(http.MethodGet, path, nil, &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Decisions) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Session", "Strategy", "Fare", "Distance", "Decision", "Dispatch")
	for _, d := range result.Decisions {
		fare, distance := "-", "-"
		if d.Fare != nil {
			fare = strconv.Itoa(*d.Fare)
		}
		if d.DistanceKm != nil {
			distance = fmt.Sprintf("%.1fkm", *d.DistanceKm)
		}

		decision := "reject: " + d.Reason
		if d.Accept {
			decision = "accept"
		}

		dispatch := "-"
		switch {
		case d.Dispatched:
			dispatch = fmt.Sprintf("%s %dms", d.Channel, d.LatencyMs)
		case d.Accept:
			dispatch = "failed"
		}

		table.Append(
			d.At.Local().Format("01-02 15:04:05"),
			shortID(d.SessionID),
			d.Strategy,
			fare,
			distance,
			decision,
			dispatch,
		)
	}
	table.Render()
	fmt.Printf("\nShowing %d decisions\n", result.Count)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
