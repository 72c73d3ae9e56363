package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"extractd/internal/health"
	"extractd/internal/job"
	"extractd/internal/scheduler"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

// EnqueueAction submits a topic. An already active topic is reported, not
// treated as a failure.
func EnqueueAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Enqueue(ctx, cmd.String("topic"), cmd.String("requester"), cmd.Int("priority"))
	if err != nil && !errors.Is(err, scheduler.ErrAlreadyActive) {
		return err
	}
	return printJSON(res)
}

func StatusAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	v, err := c.Status(ctx, cmd.String("topic"))
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(v)
	}
	return renderJob(v)
}

func RetryAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.Retry(ctx, cmd.String("topic"))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func HealthAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	rep, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(rep)
	}
	return renderHealth(rep)
}

func RefreshAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	rep, err := c.Refresh(ctx, cmd.Bool("dry-run"))
	if err != nil {
		return err
	}
	return printJSON(rep)
}

// === rendering ===

func renderJob(v job.View) error {
	table := tablewriter.NewWriter(Stdout)
	table.Header("Field", "Value")
	rows := [][]string{
		{"Job ID", v.ID},
		{"Topic", v.Topic},
		{"Status", string(v.Status)},
		{"Priority", fmt.Sprint(v.Priority)},
		{"Attempts", fmt.Sprintf("%d/%d", v.AttemptCount, v.MaxAttempts)},
		{"Sources", fmt.Sprint(v.Progress)},
		{"Results", fmt.Sprint(v.ResultCount)},
		{"Created", formatTime(&v.CreatedAt)},
		{"Started", formatTime(v.StartedAt)},
		{"Completed", formatTime(v.CompletedAt)},
	}
	if v.EstimatedCompletion != nil {
		rows = append(rows, []string{"ETA", formatTime(v.EstimatedCompletion)})
	}
	if v.Error != nil {
		rows = append(rows, []string{"Error", v.Error.Error()})
	}
	for _, r := range rows {
		if err := table.Append(r[0], r[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderHealth(rep health.Report) error {
	table := tablewriter.NewWriter(Stdout)
	table.Header("Metric", "Value")
	avg := "-"
	if rep.AvgCompletionMinutes != nil {
		avg = fmt.Sprintf("%.1f min", *rep.AvgCompletionMinutes)
	}
	rows := [][]string{
		{"Workers active", fmt.Sprint(rep.WorkersActive)},
		{"Workers busy", fmt.Sprint(rep.WorkersBusy)},
		{"Queue size", fmt.Sprint(rep.QueueSize)},
		{"Processing", fmt.Sprint(rep.ProcessingCount)},
		{"Failed", fmt.Sprint(rep.FailedCount)},
		{"Avg completion", avg},
		{"Completed today", fmt.Sprint(rep.CompletedToday)},
	}
	for _, r := range rows {
		if err := table.Append(r[0], r[1]); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if len(rep.RecentFailures) == 0 {
		return nil
	}

	failures := tablewriter.NewWriter(Stdout)
	failures.Header("Topic", "Kind", "Error", "Attempts", "Failed At")
	for _, f := range rep.RecentFailures {
		kind, msg := "-", "-"
		if f.Error != nil {
			kind, msg = f.Error.Kind, truncate(f.Error.Message, 60)
		}
		if err := failures.Append(f.Topic, kind, msg, fmt.Sprint(f.AttemptCount), formatTime(&f.FailedAt)); err != nil {
			return err
		}
	}
	return failures.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
