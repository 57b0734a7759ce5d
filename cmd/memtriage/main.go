package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daverage/memtriage/internal/app"
	"github.com/daverage/memtriage/internal/batch"
	"github.com/daverage/memtriage/internal/calibration"
	"github.com/daverage/memtriage/internal/importer"
	"github.com/daverage/memtriage/internal/quality"
	"github.com/daverage/memtriage/internal/queue"
	"github.com/daverage/memtriage/internal/record"
	"github.com/daverage/memtriage/internal/report"
	"github.com/daverage/memtriage/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "memtriage",
	Short: "memtriage - Automated triage for emotionally scored memory records",
	Long:  `memtriage validates batches of scored memory records, routes them to auto-approval, human review or rejection, and keeps the decision thresholds calibrated against reviewer feedback.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(completionCmd)
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate the autocompletion script for the specified shell",
	Long: `Generate the autocompletion script for memtriage for the specified shell.
See each command's help for details on how to use the generated script.
	`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating completion script: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
}

func runVersionCmd(a *app.App, cmd *cobra.Command, args []string) {
	fmt.Println("memtriage v0.1.0")
}

var validateCmd = &cobra.Command{
	Use:   "validate [records file]",
	Short: "Validate a batch of memory records",
	Long: `Validate a batch of scored memory records against the active thresholds.

Every record gets a confidence score and a verdict (auto_approve,
review_required or auto_reject). Decisions are persisted, a review queue
is built, and a markdown report is written.

The records file is CSV by default; a .json extension switches to a JSON
array of records.`,
	Args: cobra.ExactArgs(1),
}

var (
	validateOutput       string
	validateQueuePreview int
	validateQuiet        bool
)

func init() {
	validateCmd.Flags().StringVarP(&validateOutput, "output", "o", "", "Report file path (default: <report dir>/batch-<id>.md)")
	validateCmd.Flags().IntVar(&validateQueuePreview, "queue-preview", report.DefaultQueuePreview, "Queue rows shown in the report")
	validateCmd.Flags().BoolVarP(&validateQuiet, "quiet", "q", false, "Suppress the progress bar")
}

func runValidateCmd(a *app.App, cmd *cobra.Command, args []string) {
	records, rowFailures, err := loadRecords(args[0])
	if err != nil {
		a.Logger.Error("Failed to load records", zap.Error(err))
		fmt.Printf("❌ Failed to load records: %v\n", err)
		os.Exit(1)
	}
	printRowFailures("record", rowFailures)
	if len(records) == 0 {
		fmt.Println("❌ No usable records in input.")
		os.Exit(1)
	}

	var reporter batch.Reporter
	if !validateQuiet {
		reporter = batch.NewReporter()
	}
	processor := batch.NewProcessor(a.Logger, batch.Options{
		MaxWorkers:       a.Config.MaxWorkers,
		TargetThroughput: a.Config.TargetThroughput,
		Expected:         a.Config.Expected,
		Reporter:         reporter,
	})

	result := processor.Process(cmd.Context(), a.Engine.Snapshot(), records)

	writer := storage.NewDecisionWriter(a.Store, a.Logger)
	for i := range result.Decisions {
		writer.Enqueue(result.BatchID, result.Decisions[i])
	}
	writer.Close()
	if dropped := writer.Dropped(); dropped > 0 {
		fmt.Printf("! %d decisions were not persisted (write buffer overflow)\n", dropped)
	}

	if err := a.Store.SaveBatch(cmd.Context(), &result); err != nil {
		a.Logger.Error("Failed to save batch", zap.Error(err))
		fmt.Printf("❌ Failed to save batch: %v\n", err)
		os.Exit(1)
	}

	reviewQueue := queue.NewBuilder(a.Config.QueueHalfLife).Build(result.Decisions, records, time.Now())

	metrics, alerts := latestQuality(a)
	md := report.Batch(&result, &reviewQueue, metrics, alerts, report.Options{QueuePreview: validateQueuePreview})

	outPath := validateOutput
	if outPath == "" {
		outPath = filepath.Join(a.Config.ReportDir, fmt.Sprintf("batch-%s.md", result.BatchID))
	}
	if err := report.Write(outPath, md); err != nil {
		a.Logger.Error("Failed to write report", zap.Error(err))
		fmt.Printf("❌ Failed to write report: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Batch %s: %d records evaluated in %s\n", result.BatchID, result.Evaluated(), result.Duration.Round(time.Millisecond))
	fmt.Printf("   Auto-approved:   %d (%.1f%%)\n", result.Approved, result.ApprovalRate()*100)
	fmt.Printf("   Review required: %d (%.1f%%)\n", result.ReviewRequired, result.ReviewRate()*100)
	fmt.Printf("   Auto-rejected:   %d (%.1f%%)\n", result.Rejected, result.RejectRate()*100)
	if len(result.Errors) > 0 {
		fmt.Printf("   Failed:          %d\n", len(result.Errors))
	}
	if result.Distribution.Flagged {
		fmt.Println("! Verdict distribution outside expected bands:")
		for _, finding := range result.Distribution.Findings {
			fmt.Printf("    - %s\n", finding)
		}
	}
	fmt.Printf("   Review queue:    %d records, estimated %s\n", reviewQueue.Len(), reviewQueue.TotalEstimatedReview.Round(time.Second))
	fmt.Printf("   Report:          %s\n", outPath)
}

var queueCmd = &cobra.Command{
	Use:   "queue [records file]",
	Short: "Preview the review queue for a records file",
	Long: `Evaluate a records file against the active thresholds and print the
ordered review queue without persisting anything.`,
	Args: cobra.ExactArgs(1),
}

var queueLimit int

func init() {
	queueCmd.Flags().IntVarP(&queueLimit, "limit", "n", 20, "Maximum entries to print (0 = all)")
}

func runQueueCmd(a *app.App, cmd *cobra.Command, args []string) {
	records, rowFailures, err := loadRecords(args[0])
	if err != nil {
		a.Logger.Error("Failed to load records", zap.Error(err))
		fmt.Printf("❌ Failed to load records: %v\n", err)
		os.Exit(1)
	}
	printRowFailures("record", rowFailures)

	processor := batch.NewProcessor(a.Logger, batch.Options{
		MaxWorkers: a.Config.MaxWorkers,
		Expected:   a.Config.Expected,
	})
	result := processor.Process(cmd.Context(), a.Engine.Snapshot(), records)
	reviewQueue := queue.NewBuilder(a.Config.QueueHalfLife).Build(result.Decisions, records, time.Now())

	if reviewQueue.Len() == 0 {
		fmt.Println("Nothing awaiting review.")
		return
	}

	fmt.Printf("Review queue: %d of %d records, estimated %s of review\n\n",
		reviewQueue.Len(), result.Evaluated(), reviewQueue.TotalEstimatedReview.Round(time.Second))
	for _, entry := range reviewQueue.All() {
		if queueLimit > 0 && entry.Position > queueLimit {
			fmt.Printf("...and %d more.\n", reviewQueue.Len()-queueLimit)
			break
		}
		fmt.Printf("[%d] %s\n", entry.Position, entry.RecordID)
		fmt.Printf("    Priority: %s  Significance: %.2f  Confidence: %.3f\n",
			entry.Priority, entry.Significance, entry.Confidence)
		fmt.Printf("    Reason: %s  Estimated review: %s\n", entry.Reason, entry.EstimatedReview.Round(time.Second))
		fmt.Println()
	}
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback [feedback file]",
	Short: "Record human review outcomes",
	Long: `Import reviewer feedback from a CSV file and store it for quality
monitoring and threshold calibration.

Expected columns: record_id, decision, reviewer_confidence,
disagreement_reason, time_taken_seconds, quality_rating. An optional
trailing created_at column (RFC 3339) backdates entries.`,
	Args: cobra.ExactArgs(1),
}

func runFeedbackCmd(a *app.App, cmd *cobra.Command, args []string) {
	entries, rowFailures, err := importer.LoadFeedbackCSV(args[0], time.Now())
	if err != nil {
		a.Logger.Error("Failed to load feedback", zap.Error(err))
		fmt.Printf("❌ Failed to load feedback: %v\n", err)
		os.Exit(1)
	}
	printRowFailures("feedback", rowFailures)

	saved := 0
	for i := range entries {
		if err := a.Store.SaveFeedback(cmd.Context(), &entries[i]); err != nil {
			a.Logger.Error("Failed to save feedback", zap.String("record_id", entries[i].RecordID), zap.Error(err))
			fmt.Printf("❌ Failed to save feedback for %s: %v\n", entries[i].RecordID, err)
			os.Exit(1)
		}
		saved++
	}

	fmt.Printf("✅ Recorded %d feedback entries\n", saved)
	if len(rowFailures) > 0 {
		fmt.Printf("   Skipped rows:  %d\n", len(rowFailures))
	}
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Propose a threshold adjustment from recent feedback",
	Long: `Replay recent reviewer feedback against candidate threshold configs and
propose the adjustment that best matches human judgement. Without
--apply this is a dry run.`,
}

var calibrateApply bool

func init() {
	calibrateCmd.Flags().BoolVar(&calibrateApply, "apply", false, "Install the proposal instead of printing it")
}

func runCalibrateCmd(a *app.App, cmd *cobra.Command, args []string) {
	now := time.Now()
	feedback, err := a.Store.FeedbackSince(cmd.Context(), now.Add(-a.Config.Calibration.Window))
	if err != nil {
		a.Logger.Error("Failed to load feedback", zap.Error(err))
		fmt.Printf("❌ Failed to load feedback: %v\n", err)
		os.Exit(1)
	}

	metrics, _ := quality.Evaluate(a.Config.Quality, feedback, now)
	adj := a.Engine.Propose(feedback, metrics, now)
	printAdjustment(adj)

	if adj.Status != calibration.StatusProposed {
		return
	}
	if !calibrateApply {
		fmt.Println("\nDry run: pass --apply to install this proposal.")
		return
	}

	applied, err := a.Engine.Apply(adj)
	if err != nil {
		a.Logger.Error("Failed to apply adjustment", zap.Error(err))
		fmt.Printf("❌ Failed to apply adjustment: %v\n", err)
		os.Exit(1)
	}
	if err := a.Store.SaveThresholds(cmd.Context(), applied, storage.SourceCalibration); err != nil {
		a.Logger.Error("Failed to record thresholds", zap.Error(err))
		fmt.Printf("❌ Thresholds applied in memory but not recorded: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n✅ Thresholds recalibrated to version %d\n", applied.Version)
}

func printAdjustment(adj calibration.Adjustment) {
	fmt.Printf("Calibration over %d feedback samples: %s\n", adj.Samples, adj.Status)
	fmt.Printf("   Reason: %s\n", adj.Reason)
	if adj.Bias != calibration.BiasNone {
		fmt.Printf("   Bias: %s (false approvals %.1f%%, missed approvals %.1f%%)\n",
			adj.Bias, adj.FalseApprovalRate*100, adj.MissedApprovalRate*100)
	}
	if adj.Status != calibration.StatusProposed {
		return
	}

	fmt.Printf("   Replay agreement: %.1f%% -> %.1f%% (+%.1f points)\n",
		adj.CurrentAgreement*100, adj.ProposedAgreement*100, adj.Improvement*100)
	fmt.Printf("   Auto-approve:    %.3f -> %.3f\n", adj.Current.AutoApprove, adj.Proposed.AutoApprove)
	fmt.Printf("   Review floor:    %.3f -> %.3f\n", adj.Current.ReviewRequired, adj.Proposed.ReviewRequired)
	fmt.Printf("   Auto-reject:     %.3f -> %.3f\n", adj.Current.AutoReject, adj.Proposed.AutoReject)
	if adj.Proposed.Weights != adj.Current.Weights {
		fmt.Printf("   Weights:         extraction %.3f, coherence %.3f, relationship %.3f, context %.3f\n",
			adj.Proposed.Weights.Extraction, adj.Proposed.Weights.EmotionalCoherence,
			adj.Proposed.Weights.RelationshipAccuracy, adj.Proposed.Weights.ContextQuality)
	}
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the previous threshold version",
}

func runRollbackCmd(a *app.App, cmd *cobra.Command, args []string) {
	restored, err := a.Engine.Rollback()
	if err != nil {
		fmt.Printf("❌ Rollback failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.Store.SaveThresholds(cmd.Context(), restored, storage.SourceRollback); err != nil {
		a.Logger.Error("Failed to record thresholds", zap.Error(err))
		fmt.Printf("❌ Rollback applied in memory but not recorded: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Restored threshold version %d (approve %.2f, review %.2f, reject %.2f)\n",
		restored.Version, restored.AutoApprove, restored.ReviewRequired, restored.AutoReject)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate decision quality against reviewer feedback",
	Long: `Compare recent automated decisions with reviewer feedback and report
accuracy, false-positive rate and review-time savings. Alerts fire when
quality drops below the configured floors.

With --watch the monitor keeps re-evaluating on its configured interval
until interrupted.`,
}

var monitorWatch bool

func init() {
	monitorCmd.Flags().BoolVarP(&monitorWatch, "watch", "w", false, "Keep monitoring on the configured interval")
}

func runMonitorCmd(a *app.App, cmd *cobra.Command, args []string) {
	if monitorWatch {
		fmt.Printf("Monitoring quality every %s. Ctrl-C to stop.\n", a.Config.Quality.Interval)
		ctx, stop := signal.NotifyContext(a.Ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := a.Monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("❌ Monitor stopped: %v\n", err)
			os.Exit(1)
		}
		return
	}

	metrics, alerts, err := a.Monitor.EvaluateNow(cmd.Context())
	if err != nil {
		a.Logger.Error("Quality evaluation failed", zap.Error(err))
		fmt.Printf("❌ Quality evaluation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Quality window %s to %s (%d audited decisions)\n",
		metrics.WindowStart.Format("2006-01-02"), metrics.WindowEnd.Format("2006-01-02"), metrics.Samples)
	fmt.Printf("   Accuracy:              %.1f%%\n", metrics.Accuracy*100)
	fmt.Printf("   Auto-approve accuracy: %.1f%%\n", metrics.AutoApproveAccuracy*100)
	fmt.Printf("   False-positive rate:   %.1f%%\n", metrics.FalsePositiveRate*100)
	fmt.Printf("   False-negative rate:   %.1f%%\n", metrics.FalseNegativeRate*100)
	fmt.Printf("   Review time saved:     %.1f%%\n", metrics.ReviewTimeReduction*100)

	if len(alerts) == 0 {
		fmt.Println("✅ No active quality alerts")
		return
	}
	for _, alert := range alerts {
		fmt.Printf("! [%s] %s. %s.\n", alert.Severity, alert.Message, alert.Recommendation)
	}
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render an operational report from stored decisions",
}

var (
	reportSinceDays int
	reportOutput    string
)

func init() {
	reportCmd.Flags().IntVar(&reportSinceDays, "since-days", 30, "How many days of decisions to cover")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write the report to a file instead of stdout")
}

func runReportCmd(a *app.App, cmd *cobra.Command, args []string) {
	now := time.Now()
	since := now.AddDate(0, 0, -reportSinceDays)

	agg, err := a.Store.AggregateDecisions(cmd.Context(), since)
	if err != nil {
		a.Logger.Error("Failed to aggregate decisions", zap.Error(err))
		fmt.Printf("❌ Failed to aggregate decisions: %v\n", err)
		os.Exit(1)
	}
	batches, err := a.Store.RecentBatches(cmd.Context(), 10)
	if err != nil {
		a.Logger.Error("Failed to load batches", zap.Error(err))
		fmt.Printf("❌ Failed to load batches: %v\n", err)
		os.Exit(1)
	}
	history, err := a.Store.ThresholdHistory(cmd.Context(), 10)
	if err != nil {
		a.Logger.Error("Failed to load threshold history", zap.Error(err))
		fmt.Printf("❌ Failed to load threshold history: %v\n", err)
		os.Exit(1)
	}

	metrics, alerts := latestQuality(a)
	md := report.Operational(agg, batches, history, metrics, alerts, since, now)

	if reportOutput == "" {
		fmt.Print(md)
		return
	}
	if err := report.Write(reportOutput, md); err != nil {
		a.Logger.Error("Failed to write report", zap.Error(err))
		fmt.Printf("❌ Failed to write report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Report written to %s\n", reportOutput)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the memtriage installation",
}

func runHealthCmd(a *app.App, cmd *cobra.Command, args []string) {
	a.Logger.Info("Checking health...")

	if err := a.Store.Ping(cmd.Context()); err != nil {
		a.Logger.Error("Database connectivity check failed", zap.Error(err))
		fmt.Printf("❌ Database connectivity: %v\n", err)
	} else {
		fmt.Println("✅ Database connectivity: OK")
	}

	if cfg, ok, err := a.Store.LatestThresholds(cmd.Context()); err != nil {
		a.Logger.Error("Threshold check failed", zap.Error(err))
		fmt.Printf("❌ Threshold config: %v\n", err)
	} else if !ok {
		fmt.Println("! Threshold config: none recorded yet")
	} else {
		fmt.Printf("✅ Threshold config: version %d (approve %.2f, review %.2f, reject %.2f)\n",
			cfg.Version, cfg.AutoApprove, cfg.ReviewRequired, cfg.AutoReject)
	}

	if m, ok, err := a.Store.LatestMetrics(cmd.Context()); err != nil {
		a.Logger.Error("Metrics check failed", zap.Error(err))
		fmt.Printf("❌ Quality snapshots: %v\n", err)
	} else if !ok {
		fmt.Println("! Quality snapshots: none recorded yet")
	} else {
		fmt.Printf("✅ Quality snapshots: latest %s (%d samples)\n",
			m.ComputedAt.Format("2006-01-02 15:04"), m.Samples)
	}

	if err := os.MkdirAll(a.Config.ReportDir, 0755); err != nil {
		fmt.Printf("❌ Report directory: %v\n", err)
	} else {
		fmt.Printf("✅ Report directory: %s\n", a.Config.ReportDir)
	}

	if a.Config.WebhookURL != "" {
		fmt.Printf("✅ Alert webhook: %s\n", a.Config.WebhookURL)
	} else {
		fmt.Println("  Alert webhook: not configured (alerts go to the log)")
	}

	fmt.Println("Health check complete.")
}

// loadRecords picks the decoder by file extension: JSON arrays for
// .json, the CSV export format otherwise.
func loadRecords(path string) ([]record.MemoryRecord, []importer.RowError, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		records, err := importer.LoadJSON(path)
		return records, nil, err
	}
	return importer.LoadCSV(path)
}

const maxPrintedRowFailures = 5

func printRowFailures(kind string, failures []importer.RowError) {
	if len(failures) == 0 {
		return
	}
	fmt.Printf("! %d %s rows skipped:\n", len(failures), kind)
	for i, failure := range failures {
		if i == maxPrintedRowFailures {
			fmt.Printf("    ...and %d more.\n", len(failures)-maxPrintedRowFailures)
			break
		}
		fmt.Printf("    %s\n", failure.Error())
	}
}

// latestQuality refreshes the quality window and returns it for report
// rendering. Nothing to evaluate is not an error: the report simply
// omits the quality section.
func latestQuality(a *app.App) (*quality.Metrics, []quality.Alert) {
	metrics, alerts, err := a.Monitor.EvaluateNow(a.Ctx)
	if err != nil {
		a.Logger.Warn("Quality evaluation failed", zap.Error(err))
		return nil, nil
	}
	return &metrics, alerts
}

// newAppRunner creates a Cobra Run function closure with the app.App instance.
func newAppRunner(a *app.App, runFunc func(*app.App, *cobra.Command, []string)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		runFunc(a, cmd, args)
	}
}

func main() {
	appInstance, err := app.NewApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer appInstance.Close()

	versionCmd.Run = newAppRunner(appInstance, runVersionCmd)
	validateCmd.Run = newAppRunner(appInstance, runValidateCmd)
	queueCmd.Run = newAppRunner(appInstance, runQueueCmd)
	feedbackCmd.Run = newAppRunner(appInstance, runFeedbackCmd)
	calibrateCmd.Run = newAppRunner(appInstance, runCalibrateCmd)
	rollbackCmd.Run = newAppRunner(appInstance, runRollbackCmd)
	monitorCmd.Run = newAppRunner(appInstance, runMonitorCmd)
	reportCmd.Run = newAppRunner(appInstance, runReportCmd)
	healthCmd.Run = newAppRunner(appInstance, runHealthCmd)

	if err := rootCmd.Execute(); err != nil {
		appInstance.Logger.Error("Root command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
