package tasks

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/jobs"
)

// PruneExecutor runs borg prune with a retention policy.
type PruneExecutor struct {
	logger *zap.SugaredLogger
}

func (e *PruneExecutor) Kind() jobs.TaskKind { return jobs.TaskPrune }

func (e *PruneExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params PruneDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}
	repo, err := requireRepository(tc)
	if err != nil {
		return err
	}

	argv := tc.Borg.PruneCommand(borg.PruneOptions{
		Repository:     repo.Path,
		KeepWithinDays: params.KeepWithinDays,
		KeepDaily:      params.KeepDaily,
		KeepWeekly:     params.KeepWeekly,
		KeepMonthly:    params.KeepMonthly,
		KeepYearly:     params.KeepYearly,
		ShowList:       params.ShowList,
		ShowStats:      params.ShowStats,
		SaveSpace:      params.SaveSpace,
		DryRun:         params.DryRun,
	})

	e.logger.Infow("Prune starting",
		"job_id", tc.JobID, "repository", repo.Name, "policy", params.PolicyName, "dry_run", params.DryRun)

	res, err := runStreaming(ctx, tc, argv, tc.BorgEnv(false), true)
	if err != nil {
		return err
	}
	if err := exitError("borg prune", res.exit); err != nil {
		return err
	}

	summary := pruneSummary(res.stdout, params)
	tc.EmitLine(summary, streamMeta)
	if tc.Events != nil {
		tc.Events.Publish(events.NewTask(events.TypeTaskOutput, tc.JobID, tc.TaskIndex,
			map[string]interface{}{"summary": summary, "policy": params.PolicyName}))
	}
	return nil
}

// pruneSummary condenses prune --list output into one line: how many
// archives were kept and pruned under which policy.
func pruneSummary(stdout string, params PruneDefinition) string {
	kept, pruned := 0, 0
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Keeping archive"):
			kept++
		case strings.HasPrefix(trimmed, "Pruning archive"),
			strings.HasPrefix(trimmed, "Would prune"):
			pruned++
		}
	}

	var b strings.Builder
	b.WriteString("Prune finished")
	if params.PolicyName != "" {
		b.WriteString(" (policy " + params.PolicyName + ")")
	}
	if kept > 0 || pruned > 0 {
		b.WriteString(": ")
		b.WriteString(pluralArchives(kept))
		b.WriteString(" kept, ")
		b.WriteString(pluralArchives(pruned))
		b.WriteString(" pruned")
	}
	if params.DryRun {
		b.WriteString(" [dry run]")
	}
	return b.String()
}

func pluralArchives(n int) string {
	if n == 1 {
		return "1 archive"
	}
	return strconv.Itoa(n) + " archives"
}
