package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackaudit/stackaudit/internal/models"
	"github.com/stackaudit/stackaudit/internal/output"
	"github.com/stackaudit/stackaudit/internal/query"
	"github.com/stackaudit/stackaudit/internal/review"
)

var (
	submitGroup    string
	submitCaller   string
	submitID       string
	submitRun      bool
	historyAfter   int
	historyLimit   int
	listStatus     string
	listLimit      int
	listOlderThan  string
	groupLimit     int
	showAsJSON     bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Submit and inspect code reviews",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit an infrastructure code file for review",
	Long: `Submit a file of infrastructure code. The review starts in pending
status as version 1 of a new chain. With --run the analysis executes
immediately; otherwise run it later with 'stackaudit review run'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		ui.VerboseLog("read %d bytes from %s", len(code), args[0])

		svc, err := getService()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if dryRun {
			ui.DryRunMsg("Would submit %s (%d bytes) for review", args[0], len(code))
			return nil
		}

		v, err := svc.Submit(ctx, review.SubmitRequest{
			ReviewID:    submitID,
			CodeSnippet: string(code),
			GroupKey:    submitGroup,
			CallerID:    submitCaller,
			OriginContext: map[string]string{
				"source_file": args[0],
			},
		})
		if err != nil {
			return err
		}
		ui.Success("Review %s submitted (version %d, %s)",
			v.Review.ReviewID, v.Version, output.StatusColor(string(v.Review.Status)))

		if !submitRun {
			return nil
		}
		done, err := svc.Run(ctx, v.Review.ReviewID)
		if err != nil {
			return err
		}
		return printVersion(done)
	},
}

var reviewRunCmd = &cobra.Command{
	Use:   "run <review-id>",
	Short: "Run the analysis for a pending review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := getService()
		if err != nil {
			return err
		}
		done, err := svc.Run(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printVersion(done)
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <review-id> [version]",
	Short: "Show the latest (or a specific) version of a review",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version must be a number: %q", args[1])
			}
			v, err := s.GetVersion(ctx, args[0], n)
			if err != nil {
				return err
			}
			return printVersion(v)
		}
		v, err := s.GetLatest(ctx, args[0])
		if err != nil {
			return err
		}
		return printVersion(v)
	},
}

var reviewHistoryCmd = &cobra.Command{
	Use:   "history <review-id>",
	Short: "List the version history of a review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		versions, next, err := s.History(context.Background(), args[0], historyAfter, historyLimit)
		if err != nil {
			return err
		}

		table := ui.Table([]string{"Version", "Status", "Risk", "Updated"})
		for _, v := range versions {
			risk := "-"
			if score, ok := v.Review.RiskScore(); ok {
				risk = output.RiskColor(score)
			}
			table.Append([]string{
				strconv.Itoa(v.Version),
				output.StatusColor(string(v.Review.Status)),
				risk,
				v.Review.UpdatedAt.Format(time.RFC3339),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
		if next > 0 {
			ui.Info("More versions available: --after %d", next)
		}
		return nil
	},
}

var reviewCompareCmd = &cobra.Command{
	Use:   "compare <review-id> <from> <to>",
	Short: "Diff two versions of a review",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("from version must be a number: %q", args[1])
		}
		to, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("to version must be a number: %q", args[2])
		}

		s, err := getStore()
		if err != nil {
			return err
		}
		diff, err := query.New(s).CompareVersions(context.Background(), args[0], from, to)
		if err != nil {
			return err
		}

		fmt.Fprintf(ui.Out, "%s: v%d -> v%d\n", diff.ReviewID, diff.FromVersion, diff.ToVersion)
		fmt.Fprintf(ui.Out, "  status:  %s -> %s\n",
			output.StatusColor(string(diff.FromStatus)), output.StatusColor(string(diff.ToStatus)))
		fmt.Fprintf(ui.Out, "  risk:    %+.2f\n", diff.RiskDelta)
		for _, cat := range []models.FindingCategory{models.CategorySecurity, models.CategoryCost, models.CategoryReliability} {
			if d := diff.FindingDeltas[cat]; d != 0 {
				fmt.Fprintf(ui.Out, "  %-8s %+d findings\n", cat+":", d)
			}
		}
		if diff.NewRemediation {
			fmt.Fprintln(ui.Out, "  remediation notes added")
		}
		fmt.Fprintf(ui.Out, "  elapsed: %s\n", diff.Elapsed)
		return nil
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviews by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		status := models.ReviewStatus(listStatus)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}

		var olderThan *time.Time
		if listOlderThan != "" {
			d, err := time.ParseDuration(listOlderThan)
			if err != nil {
				return fmt.Errorf("older-than must be a duration like 24h: %w", err)
			}
			ts := time.Now().UTC().Add(-d)
			olderThan = &ts
		}

		entries, err := s.ByStatus(context.Background(), status, olderThan, listLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			ui.Info("No %s reviews.", listStatus)
			return nil
		}

		table := ui.Table([]string{"Review", "Status", "Group", "Created"})
		for _, e := range entries {
			table.Append([]string{
				e.ReviewID,
				output.StatusColor(string(e.Status)),
				e.GroupKey,
				e.CreatedAt.Format(time.RFC3339),
			})
		}
		return table.Render()
	},
}

var reviewGroupCmd = &cobra.Command{
	Use:   "group <group-key>",
	Short: "List the latest reviews of a grouping key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		versions, err := query.New(s).ByGroup(context.Background(), args[0], groupLimit, true)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			ui.Info("No reviews under group %s.", args[0])
			return nil
		}

		table := ui.Table([]string{"Review", "Ver", "Status", "Risk", "Created"})
		for _, v := range versions {
			risk := "-"
			if score, ok := v.Review.RiskScore(); ok {
				risk = output.RiskColor(score)
			}
			table.Append([]string{
				v.Review.ReviewID,
				strconv.Itoa(v.Version),
				output.StatusColor(string(v.Review.Status)),
				risk,
				v.Review.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		return table.Render()
	},
}

// printVersion renders one review version, as JSON with --json.
func printVersion(v *models.Version) error {
	if showAsJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	r := v.Review
	fmt.Fprintf(ui.Out, "%s  version %d  %s\n", r.ReviewID, v.Version, output.StatusColor(string(r.Status)))
	if r.GroupKey != "" {
		fmt.Fprintf(ui.Out, "  group:   %s\n", r.GroupKey)
	}
	fmt.Fprintf(ui.Out, "  created: %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  updated: %s\n", r.UpdatedAt.Format(time.RFC3339))

	if score, ok := r.RiskScore(); ok {
		fmt.Fprintf(ui.Out, "  risk:    %s\n", output.RiskColor(score))
	}
	if r.Result == nil {
		return nil
	}

	findings := r.Result.AllFindings()
	if len(findings) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Category", "Severity", "Title", "Confidence"})
		for _, f := range findings {
			table.Append([]string{
				string(f.Category),
				string(f.Severity),
				f.Title,
				fmt.Sprintf("%.2f", f.ConfidenceScore),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	if r.Result.RemediationNotes != "" {
		fmt.Fprintf(ui.Out, "\n  %s\n", r.Result.RemediationNotes)
	}
	return nil
}

func init() {
	reviewSubmitCmd.Flags().StringVar(&submitID, "id", "", "Explicit review id (default: generated)")
	reviewSubmitCmd.Flags().StringVarP(&submitGroup, "group", "g", "", "Grouping key (e.g. CI run id)")
	reviewSubmitCmd.Flags().StringVar(&submitCaller, "caller", "cli", "Caller id recorded for audit")
	reviewSubmitCmd.Flags().BoolVar(&submitRun, "run", false, "Run the analysis immediately after submitting")

	reviewHistoryCmd.Flags().IntVar(&historyAfter, "after", 0, "Resume after this version token")
	reviewHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max versions per page")

	reviewListCmd.Flags().StringVar(&listStatus, "status", "pending", "Status to list (pending, in_progress, completed, failed)")
	reviewListCmd.Flags().IntVar(&listLimit, "limit", 50, "Max reviews")
	reviewListCmd.Flags().StringVar(&listOlderThan, "older-than", "", "Only reviews created longer ago than this (e.g. 24h)")

	reviewGroupCmd.Flags().IntVar(&groupLimit, "limit", 50, "Max reviews")

	reviewCmd.PersistentFlags().BoolVar(&showAsJSON, "json", false, "Output as JSON")

	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewRunCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewHistoryCmd)
	reviewCmd.AddCommand(reviewCompareCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewGroupCmd)
	rootCmd.AddCommand(reviewCmd)
}
