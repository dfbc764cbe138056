package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackaudit/stackaudit/internal/analytics"
	"github.com/stackaudit/stackaudit/internal/output"
	"github.com/stackaudit/stackaudit/internal/query"
	"github.com/stackaudit/stackaudit/internal/store"
)

var (
	trendDays     int
	highRiskDay   string
	highRiskMin   float64
	highRiskLimit int
	topIssuesMin  int
	topIssuesMax  int
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Risk trends, high-risk reports, and daily aggregates",
}

var analyticsTrendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show per-day risk statistics over the recent past",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		end := time.Now().UTC()
		start := end.AddDate(0, 0, -(trendDays - 1))
		points, err := query.New(s).RiskTrend(context.Background(),
			start.Format("2006-01-02"), end.Format("2006-01-02"))
		if err != nil {
			return err
		}

		table := ui.Table([]string{"Day", "Reviews", "Avg", "Min", "Max"})
		for _, p := range points {
			avg, min, max := "-", "-", "-"
			if p.Count > 0 {
				avg = output.RiskColor(p.Average)
				min = fmt.Sprintf("%.2f", p.Min)
				max = fmt.Sprintf("%.2f", p.Max)
			}
			table.Append([]string{p.Day, strconv.Itoa(p.Count), avg, min, max})
		}
		return table.Render()
	},
}

var analyticsHighRiskCmd = &cobra.Command{
	Use:   "high-risk",
	Short: "List high-risk reviews for a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		day := highRiskDay
		if day == "" {
			day = store.DayOf(time.Now())
		}
		entries, err := query.New(s).HighRisk(context.Background(), day, highRiskMin, highRiskLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			ui.Success("No reviews at or above %.2f on %s.", highRiskMin, day)
			return nil
		}

		table := ui.Table([]string{"Review", "Version", "Risk"})
		for _, e := range entries {
			table.Append([]string{e.ReviewID, strconv.Itoa(e.Version), output.RiskColor(e.RiskScore)})
		}
		return table.Render()
	},
}

var analyticsTopIssuesCmd = &cobra.Command{
	Use:   "top-issues <group-key>",
	Short: "Show issues recurring across a group's reviews",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		counts, err := query.New(s).RepeatedIssues(context.Background(), args[0], topIssuesMin, topIssuesMax)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			ui.Info("No issues seen %d+ times in group %s.", topIssuesMin, args[0])
			return nil
		}

		table := ui.Table([]string{"Count", "Category", "Issue", "Last Seen"})
		for _, c := range counts {
			table.Append([]string{
				strconv.Itoa(c.Occurrences),
				c.Category,
				c.Title,
				c.LastSeen.Format("2006-01-02 15:04"),
			})
		}
		return table.Render()
	},
}

var analyticsAggregateCmd = &cobra.Command{
	Use:   "aggregate [day]",
	Short: "Recompute the daily aggregate for a day (default yesterday)",
	Long: `Recompute and store the daily aggregate from the review indexes.
Safe to re-run: the stored aggregate is replaced, never stacked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		agg := analytics.New(s, logger)
		ctx := context.Background()

		if len(args) == 1 {
			a, err := agg.RunForDate(ctx, args[0])
			if err != nil {
				return err
			}
			ui.Success("Aggregated %s: %d reviews, avg risk %.2f", a.Day, a.ReviewCount, a.AverageRisk)
			return nil
		}
		a, err := agg.RunForYesterday(ctx)
		if err != nil {
			return err
		}
		ui.Success("Aggregated %s: %d reviews, avg risk %.2f", a.Day, a.ReviewCount, a.AverageRisk)
		return nil
	},
}

func init() {
	analyticsTrendCmd.Flags().IntVar(&trendDays, "days", 14, "Number of days to include")

	analyticsHighRiskCmd.Flags().StringVar(&highRiskDay, "day", "", "UTC day YYYY-MM-DD (default today)")
	analyticsHighRiskCmd.Flags().Float64Var(&highRiskMin, "min-score", 0.7, "Risk threshold")
	analyticsHighRiskCmd.Flags().IntVar(&highRiskLimit, "limit", 50, "Max entries")

	analyticsTopIssuesCmd.Flags().IntVar(&topIssuesMin, "min", 2, "Minimum occurrences")
	analyticsTopIssuesCmd.Flags().IntVar(&topIssuesMax, "limit", 20, "Max entries")

	analyticsCmd.AddCommand(analyticsTrendCmd)
	analyticsCmd.AddCommand(analyticsHighRiskCmd)
	analyticsCmd.AddCommand(analyticsTopIssuesCmd)
	analyticsCmd.AddCommand(analyticsAggregateCmd)
	rootCmd.AddCommand(analyticsCmd)
}
