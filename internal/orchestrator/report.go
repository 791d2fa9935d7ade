package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"loom/internal/conflict"
	"loom/internal/fileutil"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/resource"
	"loom/internal/workpkg"
)

// Report summarizes a finished run.
type Report struct {
	OrchestratorID  string                  `json:"orchestrator_id"`
	Name            string                  `json:"name,omitempty"`
	State           State                   `json:"state"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Statistics      Statistics              `json:"statistics"`
	Workers         map[string]WorkerReport `json:"workers"`
	Failed          []FailedPackage         `json:"failed,omitempty"`
	Usage           *resource.Total         `json:"usage,omitempty"`
	Timing          Timing                  `json:"timing"`
	Syntheses       []Synthesis             `json:"syntheses,omitempty"`
	Conflicts       *conflict.Stats         `json:"conflicts,omitempty"`
	Packages        []workpkg.WorkPackage   `json:"packages"`
	Error           string                  `json:"error,omitempty"`
	Path            string                  `json:"-"`
}

// Statistics counts packages and workers.
type Statistics struct {
	TotalWorkers int `json:"total_workers"`
	WorkPackages int `json:"work_packages"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
}

// WorkerReport is one worker's contribution.
type WorkerReport struct {
	Type           string `json:"type"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
}

// FailedPackage names a package that ended in error.
type FailedPackage struct {
	ID       string `json:"id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Timing aggregates package durations in seconds.
type Timing struct {
	AverageSeconds float64 `json:"average_completion_seconds"`
	MinSeconds     float64 `json:"min_completion_seconds"`
	MaxSeconds     float64 `json:"max_completion_seconds"`
}

// finalize builds and persists the report, then records the terminal state.
func (o *Orchestrator) finalize(ctx context.Context) *Report {
	ctx = context.WithoutCancel(ctx)
	o.flushLedger(ctx)
	if o.State() == StateCompleting {
		if err := o.transition(StateCompleted); err != nil {
			o.fail(err)
		}
	}
	if o.State() == StateError {
		o.stopPool(ctx)
	}
	o.unsubscribe()
	o.deps.Bus.Stop()
	if o.deps.Locks != nil {
		if err := o.deps.Locks.ReleaseAll(); err != nil {
			o.logger.Warn("release locks failed", logging.Error(err))
		}
	}

	report := o.buildReport()
	report.Path = o.reportPath()
	if err := fileutil.WriteJSON(report.Path, report); err != nil {
		logging.WarnWithContext(o.logger, "report write failed", "report_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "final report only available from the ledger"),
		)
		report.Path = ""
	}
	if o.deps.Ledger != nil {
		data, _ := json.Marshal(report)
		if err := o.deps.Ledger.FinishRun(ctx, o.opts.ID, string(report.State), report.FinishedAt, data, report.Error); err != nil {
			o.logger.Warn("ledger finish failed", logging.Error(err))
		}
	}
	o.logger.Info("orchestration finished",
		logging.String(logging.FieldState, string(report.State)),
		logging.Int("completed", report.Statistics.Completed),
		logging.Int("failed", report.Statistics.Failed),
		logging.Float64("duration_seconds", report.DurationSeconds),
	)
	return report
}

func (o *Orchestrator) buildReport() *Report {
	var usage *resource.Total
	if o.deps.Global != nil {
		if total, err := o.deps.Global.TotalUsage(); err == nil {
			usage = &total
		}
	}
	var conflicts *conflict.Stats
	if cs, ok := o.deps.Synthesizer.(ConflictSynthesizer); ok && cs.Resolver != nil {
		if stats, err := cs.Resolver.Stats(); err == nil {
			conflicts = &stats
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	finished := o.now()
	report := &Report{
		OrchestratorID: o.opts.ID,
		Name:           o.opts.RunName,
		State:          o.state,
		StartedAt:      o.startedAt,
		FinishedAt:     finished,
		Workers:        map[string]WorkerReport{},
		Usage:          usage,
		Syntheses:      append([]Synthesis(nil), o.syntheses...),
		Conflicts:      conflicts,
	}
	if !o.startedAt.IsZero() {
		report.DurationSeconds = round2(finished.Sub(o.startedAt).Seconds())
	}
	if o.runErr != nil {
		report.Error = o.runErr.Error()
	}
	for _, set := range []map[string]*poolWorker{o.retired, o.pool} {
		for id, w := range set {
			report.Workers[id] = WorkerReport{Type: w.Type, TasksCompleted: w.TasksCompleted, TasksFailed: w.TasksFailed}
		}
	}

	var durations []float64
	for _, id := range o.order {
		pkg := o.packages[id]
		report.Packages = append(report.Packages, pkg.Clone())
		switch pkg.Status {
		case workpkg.StatusCompleted:
			report.Statistics.Completed++
			if d, ok := pkg.Duration(); ok {
				durations = append(durations, d.Seconds())
			}
		case workpkg.StatusError:
			report.Statistics.Failed++
			report.Failed = append(report.Failed, FailedPackage{ID: id, Error: pkg.Error, Attempts: pkg.Attempts})
		}
	}
	report.Statistics.WorkPackages = len(o.order)
	report.Statistics.TotalWorkers = len(report.Workers)
	report.Timing = timingOf(durations)
	return report
}

func timingOf(durations []float64) Timing {
	if len(durations) == 0 {
		return Timing{}
	}
	sort.Float64s(durations)
	var sum float64
	for _, d := range durations {
		sum += d
	}
	return Timing{
		AverageSeconds: round2(sum / float64(len(durations))),
		MinSeconds:     round2(durations[0]),
		MaxSeconds:     round2(durations[len(durations)-1]),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// flushLedger saves packages changed since the last flush.
func (o *Orchestrator) flushLedger(ctx context.Context) {
	if o.deps.Ledger == nil {
		return
	}
	o.mu.Lock()
	pending := make([]ledger.Package, 0, len(o.dirty))
	for id := range o.dirty {
		if pkg, ok := o.packages[id]; ok {
			pending = append(pending, o.ledgerPackage(pkg))
		}
	}
	o.dirty = map[string]struct{}{}
	o.mu.Unlock()

	for _, pkg := range pending {
		if err := o.deps.Ledger.SavePackage(ctx, pkg); err != nil {
			o.logger.Warn("ledger save failed", logging.String(logging.FieldPackageID, pkg.ID), logging.Error(err))
		}
	}
}

func (o *Orchestrator) ledgerPackage(pkg *workpkg.WorkPackage) ledger.Package {
	out := ledger.Package{
		RunID:          o.opts.ID,
		ID:             pkg.ID,
		Description:    pkg.Description,
		Type:           pkg.Type,
		Complexity:     int(pkg.Complexity),
		Status:         string(pkg.Status),
		AssignedWorker: pkg.AssignedWorker,
		Attempts:       pkg.Attempts,
		Error:          pkg.Error,
		CreatedAt:      pkg.CreatedAt,
		CompletedAt:    pkg.CompletedAt,
	}
	if len(pkg.Result) > 0 {
		if data, err := json.Marshal(pkg.Result); err == nil {
			out.ResultJSON = string(data)
		}
	}
	return out
}
