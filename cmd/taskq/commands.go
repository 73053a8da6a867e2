package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/parser"
	"github.com/hochfrequenz/claude-task-queue/internal/scoring"
)

var (
	ingestHold bool

	evalTaskName    string
	evalFailed      bool
	evalFailureType string
	evalError       string
	evalTimeMs      int64

	listTaskName string
	listLimit    int
	listOffset   int

	nextQA bool

	escalateReason string
)

func init() {
	// ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest task bundles (YAML or markdown)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runIngest(cmd.Context(), cmd.OutOrStdout(), a, args, ingestHold)
			})
		},
	}
	ingestCmd.Flags().BoolVar(&ingestHold, "hold", false, "ingest as pending; enqueue later")
	rootCmd.AddCommand(ingestCmd)

	// stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runStats(cmd.Context(), cmd.OutOrStdout(), a)
			})
		},
	})

	// providers command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "providers",
		Short: "Show run statistics per execution provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runProviders(cmd.Context(), cmd.OutOrStdout(), a)
			})
		},
	})

	// retry-queue command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "retry-queue",
		Short: "List tasks waiting for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runRetryQueue(cmd.Context(), cmd.OutOrStdout(), a)
			})
		},
	})

	// evaluate command
	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a finished run of a task lineage",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := scoring.EvaluateRequest{
				TaskName:     evalTaskName,
				Success:      !evalFailed,
				FailureType:  domain.FailureType(evalFailureType),
				ErrorMessage: evalError,
			}
			if cmd.Flags().Changed("time-ms") {
				ms := evalTimeMs
				req.ExecutionTimeMs = &ms
			}
			return withApp(func(a *app) error {
				return runEvaluate(cmd.Context(), cmd.OutOrStdout(), a, req)
			})
		},
	}
	evaluateCmd.Flags().StringVar(&evalTaskName, "task-name", "", "lineage name")
	evaluateCmd.Flags().BoolVar(&evalFailed, "failed", false, "the run failed")
	evaluateCmd.Flags().StringVar(&evalFailureType, "failure-type", "", "failure type of a failed run")
	evaluateCmd.Flags().StringVar(&evalError, "error", "", "error message of a failed run")
	evaluateCmd.Flags().Int64Var(&evalTimeMs, "time-ms", 0, "execution time in milliseconds")
	evaluateCmd.MarkFlagRequired("task-name")
	rootCmd.AddCommand(evaluateCmd)

	// evaluations command
	evaluationsCmd := &cobra.Command{
		Use:   "evaluations",
		Short: "List recorded evaluations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.EvaluationFilter{TaskName: listTaskName, Limit: listLimit, Offset: listOffset}
			return withApp(func(a *app) error {
				return runEvaluations(cmd.Context(), cmd.OutOrStdout(), a, filter)
			})
		},
	}
	evaluationsCmd.Flags().StringVar(&listTaskName, "task-name", "", "filter by lineage name")
	evaluationsCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	evaluationsCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")
	rootCmd.AddCommand(evaluationsCmd)

	// next command
	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next execution packet (or QA packet with --qa)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runNext(cmd.Context(), cmd.OutOrStdout(), a, nextQA)
			})
		},
	}
	nextCmd.Flags().BoolVar(&nextQA, "qa", false, "show the next task awaiting QA")
	rootCmd.AddCommand(nextCmd)

	// release command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "release TASK",
		Short: "Return a claimed task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runRelease(cmd.Context(), cmd.OutOrStdout(), a, args[0])
			})
		},
	})

	// enqueue command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "enqueue TASK",
		Short: "Release a held task into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runEnqueue(cmd.Context(), cmd.OutOrStdout(), a, args[0])
			})
		},
	})

	// escalate command
	escalateCmd := &cobra.Command{
		Use:   "escalate TASK",
		Short: "Hand a task to a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return runEscalate(cmd.Context(), cmd.OutOrStdout(), a, args[0], escalateReason)
			})
		},
	}
	escalateCmd.Flags().StringVar(&escalateReason, "reason", "", "why the task needs a human")
	rootCmd.AddCommand(escalateCmd)
}

func runIngest(ctx context.Context, out io.Writer, a *app, files []string, hold bool) error {
	for _, file := range files {
		bundle, err := parser.ParseFile(file)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		held := hold || bundle.Hold

		var tasks []*domain.Task
		if len(bundle.Tasks) == 1 {
			task, err := a.machine.Ingest(ctx, bundle.Story, bundle.Tasks[0], held)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			tasks = append(tasks, task)
		} else {
			tasks, err = a.machine.IngestBulk(ctx, bundle.Story, bundle.Tasks, held)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
		}

		fmt.Fprintf(out, "%s: %d task(s) for story %d\n", file, len(tasks), bundle.Story.ID)
		for _, t := range tasks {
			fmt.Fprintf(out, "  %d  %s  %s  %s\n", t.ID, t.UUID, statusStyle(t.Status).Render(string(t.Status)), t.Title)
		}
	}
	return nil
}

func runStats(ctx context.Context, out io.Writer, a *app) error {
	stats, err := a.reader.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render("Queue"))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, st := range domain.AllStatuses() {
		n := stats.Counts[st]
		label := string(st)
		if n > 0 {
			label = statusStyle(st).Render(label)
		}
		fmt.Fprintf(w, "%s\t%d\n", label, n)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%s %d active | %d completed | %d failed\n",
		headerStyle.Render("Totals:"), stats.TotalActive, stats.TotalCompleted, stats.TotalFailed)
	return nil
}

func runProviders(ctx context.Context, out io.Writer, a *app) error {
	stats, err := a.reader.ProviderStats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tRUNS\tSUCCESS\tFAILED\tPROVIDER FAILED\tRATE\tAVG")
	for _, p := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%s\n",
			p.Provider, p.TotalRuns, p.Successes, p.Failures, p.ProviderFailures,
			p.SuccessRate*100, formatMillis(p.AvgDurationMs))
	}
	return w.Flush()
}

func runRetryQueue(ctx context.Context, out io.Writer, a *app) error {
	entries, err := a.reader.RetryQueue(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "Retry queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTITLE\tPRIORITY\tATTEMPT\tPROVIDERS\tLAST FAILURE")
	for _, e := range entries {
		reason := "-"
		if e.LastFailureReason != nil && *e.LastFailureReason != "" {
			reason = truncate(*e.LastFailureReason, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			e.TaskID, truncate(e.Title, 40), e.Priority, e.Attempt, e.MaxAttempts,
			strings.Join(e.ProvidersTried, ","), reason)
	}
	return w.Flush()
}

func runEvaluate(ctx context.Context, out io.Writer, a *app, req scoring.EvaluateRequest) error {
	eval, err := a.evaluator.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Evaluation %d for %s: %s\n", eval.ID, eval.TaskName, verdictStyle(eval.Verdict).Render(string(eval.Verdict)))
	fmt.Fprintf(out, "Confidence: %.4f (%+.4f)\n", eval.Confidence, eval.ConfidenceDelta)
	if eval.ShouldEscalate {
		fmt.Fprintf(out, "%s %s\n", failedStyle.Render("Escalate:"), eval.EscalationReason)
	}
	if g := eval.RetryGuidance; g != nil {
		fmt.Fprintf(out, "Retry: %v, after %ds, at most %d attempt(s)\n", g.ShouldRetry, g.SuggestedDelaySeconds, g.MaxRetryAttempts)
		for _, action := range g.SuggestedActions {
			fmt.Fprintf(out, "  - %s\n", action)
		}
	}
	return nil
}

func runEvaluations(ctx context.Context, out io.Writer, a *app, filter domain.EvaluationFilter) error {
	evals, err := a.evaluator.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(evals) == 0 {
		fmt.Fprintln(out, "No evaluations")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tVERDICT\tCONFIDENCE\tESCALATE\tAGE")
	for _, e := range evals {
		escalate := ""
		if e.ShouldEscalate {
			escalate = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.4f\t%s\t%s\n",
			e.ID, truncate(e.TaskName, 40), e.Verdict, e.Confidence, escalate, humanize.Time(e.CreatedAt))
	}
	return w.Flush()
}

func runNext(ctx context.Context, out io.Writer, a *app, qa bool) error {
	var packet any
	if qa {
		p, err := a.reader.NextQAPacket(ctx)
		if err != nil {
			return err
		}
		if p != nil {
			packet = p
		}
	} else {
		p, err := a.reader.NextTaskPacket(ctx)
		if err != nil {
			return err
		}
		if p != nil {
			packet = p
		}
	}
	if packet == nil {
		fmt.Fprintln(out, dimmedStyle.Render("Nothing waiting"))
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(packet)
}

func runRelease(ctx context.Context, out io.Writer, a *app, ref string) error {
	task, err := a.machine.Get(ctx, ref)
	if err != nil {
		return err
	}
	age := ""
	if task.ClaimedAt != nil {
		age = fmt.Sprintf(" (claimed by %s %s)", task.Holder(), humanize.Time(*task.ClaimedAt))
	}
	task, err = a.machine.Release(ctx, task.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Released task %d%s: %s\n", task.ID, age, task.Status)
	return nil
}

func runEnqueue(ctx context.Context, out io.Writer, a *app, ref string) error {
	task, err := a.machine.Get(ctx, ref)
	if err != nil {
		return err
	}
	task, err = a.machine.Enqueue(ctx, task.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Enqueued task %d: %s\n", task.ID, task.Status)
	return nil
}

func runEscalate(ctx context.Context, out io.Writer, a *app, ref, reason string) error {
	task, err := a.machine.Get(ctx, ref)
	if err != nil {
		return err
	}
	task, err = a.machine.Escalate(ctx, task.ID, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Escalated task %d: %s\n", task.ID, statusStyle(task.Status).Render(string(task.Status)))
	return nil
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return humanize.FtoaWithDigits(float64(ms)/1000, 1) + "s"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
