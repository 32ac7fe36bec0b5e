// Package pipeline runs the configured stages of an assembly in order.
//
// Every stage becomes a pool of jobs. A foreground stage must finish with
// all of its results before the next one starts, otherwise the run stops
// with a critical error. Background stages run through the limiter of the
// run and are awaited before finalization, their failure is an error only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/denovo/internal/cluster"
	"github.com/CZERTAINLY/denovo/internal/job"
	"github.com/CZERTAINLY/denovo/internal/log"
	"github.com/CZERTAINLY/denovo/internal/perfdb"
	"github.com/CZERTAINLY/denovo/internal/pool"
	"github.com/CZERTAINLY/denovo/internal/report"
	"github.com/CZERTAINLY/denovo/internal/runctx"
	"github.com/CZERTAINLY/denovo/internal/stage"
	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/cenkalti/backoff/v4"
)

var ErrStageFailed = errors.New("stage failed")

// AsyncWait names the pseudo stage awaiting background stages.
const AsyncWait = "AsyncWait"

type Controller struct {
	rc        *runctx.Context
	db        *perfdb.DB
	uploaders []report.Uploader
	hostname  string

	mx     sync.Mutex
	stages []*report.Stage
}

type Option func(*Controller)

// WithPerfDB imports the job records of every stage into db.
func WithPerfDB(db *perfdb.DB) Option {
	return func(c *Controller) { c.db = db }
}

// WithUploaders publishes the run summary at the end of the run.
func WithUploaders(u ...report.Uploader) Option {
	return func(c *Controller) { c.uploaders = append(c.uploaders, u...) }
}

func New(rc *runctx.Context, opts ...Option) *Controller {
	c := &Controller{rc: rc}
	c.hostname, _ = os.Hostname()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the stages and finalizes the run. The summary is returned
// even on error. Failed stages are reported with ErrStageFailed.
func (c *Controller) Run(ctx context.Context) (report.Summary, error) {
	ctx = log.WithRun(ctx, c.rc.ID)
	c.prerun(ctx)

	var runErr error
	for i, d := range c.rc.Config.Stages {
		if err := ctx.Err(); err != nil {
			c.rc.Status.Error(status.Critical, "pipeline cancelled: "+err.Error())
			runErr = err
			break
		}
		if err := c.runStage(ctx, i, d); err != nil {
			runErr = err
			break
		}
	}
	c.asyncWait(ctx)

	summary := c.finalize(ctx)
	return summary, runErr
}

func (c *Controller) prerun(ctx context.Context) {
	rc := c.rc
	rc.Status.Status("pipeline", "pid", strconv.Itoa(os.Getpid()))
	rc.Status.Status("pipeline", "hostname", c.hostname)
	rc.Status.Status("pipeline", "run_id", rc.ID)
	rc.Status.Status("pipeline", "status_file", rc.Path(rc.Config.Status.File))
	rc.Status.Status("pipeline", "start_iso", rc.Start().Format(time.RFC3339))
	rc.Report(fmt.Sprintf("  Pipeline start time: %s\n\n", rc.Start().Format(time.ANSIC)), true)
	rc.LogMemory(ctx, "start")

	if c.db != nil {
		err := c.db.BeginRun(ctx, perfdb.Run{ID: rc.ID, Name: rc.Config.Pipeline.Name, StartedAt: rc.Start()})
		if err != nil {
			slog.WarnContext(ctx, "perf database unavailable", "error", err)
			rc.Status.Error(status.Warning, "perf database: "+err.Error())
			c.db = nil
		}
	}
	slog.InfoContext(ctx, "pipeline started", "name", rc.Config.Pipeline.Name, "stages", len(rc.Config.Stages))
}

func (c *Controller) track(d stage.Definition) *report.Stage {
	st := &report.Stage{Name: d.Name, Kind: d.Kind.String(), Background: d.Background}
	c.mx.Lock()
	c.stages = append(c.stages, st)
	c.mx.Unlock()
	return st
}

// runStage runs, bypasses or starts in the background the stage at
// index i. Only failures that stop the pipeline are returned.
func (c *Controller) runStage(ctx context.Context, i int, d stage.Definition) error {
	rc := c.rc
	ctx = log.WithStage(ctx, d.Name)
	st := c.track(d)
	rc.Status.Status("progress", "stage_start", d.Name)

	if i < rc.Config.Pipeline.Bypass {
		rc.Report(fmt.Sprintf("Skipping stage number %d\n\n", i+1), true)
		st.Bypassed = true
		rc.Status.Status("progress", "stage_complete", d.Name)
		return nil
	}
	rc.Report(fmt.Sprintf("Executing stage number %d\n\n", i+1), true)

	p, err := c.newPool(ctx, d)
	if err != nil {
		c.fail(d, st, status.Critical, err.Error())
		rc.Status.Status("progress", "stage_complete", d.Name)
		return fmt.Errorf("stage %s: %w", d.Name, err)
	}

	if !d.Background {
		return c.execute(ctx, d, p, st)
	}
	err = rc.Background.Go(ctx, rc.Config.Pipeline.BackgroundLimit, func(ctx context.Context) error {
		return c.execute(ctx, d, p, st)
	})
	if err != nil {
		c.fail(d, st, status.Critical, "starting background stage: "+err.Error())
		rc.Status.Status("progress", "stage_complete", d.Name)
		return fmt.Errorf("stage %s: %w", d.Name, err)
	}
	slog.InfoContext(ctx, "background stage started", "jobs", p.Len())
	return nil
}

func (c *Controller) execute(ctx context.Context, d stage.Definition, p *pool.Pool, st *report.Stage) error {
	rc := c.rc
	level := status.Critical
	if d.Background {
		level = status.Error
	}
	rc.LogMemory(ctx, d.Name+" start")
	rc.Report(p.ArgumentsReport(), false)

	maxJobs := d.MaxJobs
	if maxJobs <= 0 {
		maxJobs = rc.Config.Pipeline.MaxJobs
	}
	runErr := p.Run(ctx, maxJobs)
	if p.Len() > 0 {
		rc.Report(p.PipeReport(ctx), true)
	}
	rc.LogMemory(ctx, d.Name+" end")

	jobs := p.Jobs()
	c.mx.Lock()
	st.Elapsed = p.Elapsed().Seconds()
	st.CPU = p.CPUTime().Seconds()
	for _, j := range jobs {
		st.Jobs = append(st.Jobs, report.FromJob(j))
	}
	c.mx.Unlock()
	c.importStage(ctx, d.Name, jobs)
	defer rc.Status.Status("progress", "stage_complete", d.Name)

	if runErr != nil {
		c.fail(d, st, level, runErr.Error())
		return fmt.Errorf("stage %s: %w", d.Name, runErr)
	}
	if !p.AllResultsFound() {
		failed := 0
		for _, j := range jobs {
			if !j.StdoutComplete() {
				failed++
			}
		}
		rc.Report(p.SimpleReport(ctx), true)
		msg := fmt.Sprintf("%d of %d jobs failed", failed, len(jobs))
		c.fail(d, st, level, msg)
		return fmt.Errorf("%w: %s: %s", ErrStageFailed, d.Name, msg)
	}
	return nil
}

func (c *Controller) fail(d stage.Definition, st *report.Stage, level status.Level, msg string) {
	c.mx.Lock()
	st.Failed = true
	c.mx.Unlock()
	msg = "stage " + d.Name + ": " + msg
	c.rc.Status.Error(level, msg)
	c.rc.Report(fmt.Sprintf("%s : %s\n", level, msg), true)
}

// newPool builds the jobs of d and a pool configured for them.
func (c *Controller) newPool(ctx context.Context, d stage.Definition) (*pool.Pool, error) {
	rc := c.rc
	cfg := rc.Config
	sess, err := rc.Session()
	if err != nil {
		return nil, err
	}

	env := stage.Env{
		OutputDir:       cfg.Pipeline.OutputDir,
		DefaultRestarts: cfg.Cluster.MaxRestarts,
	}
	if sess != nil {
		env.ClusterLogDir = rc.Path(cfg.Cluster.LogDir)
		if err := os.MkdirAll(env.ClusterLogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cluster log directory: %w", err)
		}
	}
	jobs, err := stage.Build(ctx, d, env)
	if err != nil {
		return nil, err
	}

	opts := []pool.Option{
		pool.WithEnv(c.jobEnv(sess)),
		pool.WithThreadBudget(cfg.Pipeline.ThreadBudget),
		pool.WithThrottle(cfg.Pipeline.Throttle),
		pool.WithPollInterval(cfg.Pipeline.PollInterval),
		pool.WithPacing(cfg.Pipeline.Pacing),
		pool.WithRecorder(rc.Status),
		pool.WithConsole(rc.Console),
		pool.WithInstrumentation(cfg.Pipeline.Time, cfg.Pipeline.Perf),
		pool.WithMarkerRetry(cfg.Pipeline.MarkerTries, cfg.Pipeline.MarkerDelay),
		pool.WithStdoutRecheck(cfg.Pipeline.StdoutRecheck),
	}
	if ho := cfg.Cluster.HostOffload; d.HostOffload && sess != nil && ho.Fraction > 0 {
		opts = append(opts, pool.WithHostOffload(pool.HostOffload{
			Fraction:       ho.Fraction,
			Threads:        ho.Threads,
			LargeMem:       ho.LargeMem,
			NativeSpec:     ho.NativeSpec,
			PrimaryThreads: ho.PrimaryThreads,
		}))
	}
	p := pool.New(d.Name, opts...)
	p.Add(jobs...)
	return p, nil
}

func (c *Controller) jobEnv(sess cluster.Session) job.Env {
	cfg := c.rc.Config
	env := job.Env{
		Session:       sess,
		NativeSpec:    cfg.Cluster.NativeSpec,
		StatusLogPath: c.rc.Path(cfg.Status.File),
		Recorder:      c.rc.Status,
		Exports:       exports(cfg.Pipeline.Exports),
		SSHExitCode:   cfg.Cluster.SSHExitCode,
		QueryDelay:    cfg.Cluster.QueryDelay,
		TimeBinary:    cfg.Pipeline.TimeBinary,
		PerfBinary:    cfg.Pipeline.PerfBinary,
	}
	initial, maxInterval := cfg.Cluster.SubmitBackoff, cfg.Cluster.SubmitBackoffMax
	env.SubmitBackoff = func() backoff.BackOff {
		if initial <= 0 {
			return &backoff.ZeroBackOff{}
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		if maxInterval > 0 {
			b.MaxInterval = maxInterval
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return env
}

// exports renders the environment exported into cluster scripts, sorted by
// name. Names are upper cased as the config loader folds map keys.
func exports(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, strings.ToUpper(k)+"="+os.ExpandEnv(v))
	}
	slices.Sort(out)
	return out
}

func (c *Controller) importStage(ctx context.Context, name string, jobs []*job.Job) {
	if c.db == nil || len(jobs) == 0 {
		return
	}
	rows := make([]perfdb.Row, 0, len(jobs))
	for _, j := range jobs {
		r := report.FromJob(j)
		rows = append(rows, perfdb.Row{
			Seq:            j.Seq,
			Name:           r.Name,
			Tag:            r.Tag,
			Threads:        r.Threads,
			RunSeconds:     r.RunSeconds,
			CPUSeconds:     r.CPUSeconds,
			CPUPercent:     r.CPUPercent,
			Host:           r.Host,
			ExitCode:       r.ExitCode,
			ResultFound:    r.ResultFound,
			StdoutComplete: r.StdoutComplete,
			Restarts:       r.Restarts,
		})
	}
	if err := c.db.InsertJobs(ctx, c.rc.ID, name, rows); err != nil {
		slog.WarnContext(ctx, "perf import failed", "error", err)
		c.rc.Status.Error(status.Warning, "perf import of "+name+": "+err.Error())
	}
}

// asyncWait blocks until every background stage returned. Their failures
// were already logged.
func (c *Controller) asyncWait(ctx context.Context) {
	rc := c.rc
	rc.Status.Status("progress", "stage_start", AsyncWait)
	if err := rc.Background.Wait(); err != nil {
		slog.WarnContext(ctx, "background stages failed", "error", err)
	}
	rc.Status.Status("progress", "stage_complete", AsyncWait)
}

func (c *Controller) finalize(ctx context.Context) report.Summary {
	rc := c.rc
	end := time.Now()
	elp := end.Sub(rc.Start()).Seconds()
	rc.LogMemory(ctx, "end")
	rc.Report(fmt.Sprintf("  Pipeline end time: %s\n  Elapsed time: %.2fm; %.2fh; %.2fd\n\n",
		end.Format(time.ANSIC), elp/60, elp/3600, elp/3600/24), true)

	errReport := rc.Status.Report()
	rc.Report(errReport, true)

	sum := rc.Status.Summary()
	outcome := sum.Outcome()
	switch outcome {
	case status.OutcomeFailure:
		rc.Report("Pipeline has failed\n", true)
	case status.OutcomeWithErrors:
		rc.Report("Pipeline has completed with errors\n", true)
	default:
		rc.Report("Pipeline has successfully completed\n", true)
	}
	rc.Status.Status("progress", "pipeline", outcome)
	slog.InfoContext(ctx, "pipeline finished", "outcome", outcome, "elapsed", end.Sub(rc.Start()),
		"warnings", sum.Warnings, "errors", sum.Errors, "critical", sum.Critical)

	if c.db != nil {
		if err := c.db.FinishRun(ctx, rc.ID, outcome, end); err != nil {
			slog.WarnContext(ctx, "recording run outcome failed", "error", err)
		}
	}

	c.mx.Lock()
	stages := make([]report.Stage, 0, len(c.stages))
	for _, st := range c.stages {
		stages = append(stages, *st)
	}
	c.mx.Unlock()
	summary := report.Summary{
		RunID:      rc.ID,
		Pipeline:   rc.Config.Pipeline.Name,
		Hostname:   c.hostname,
		StartedAt:  rc.Start(),
		FinishedAt: end,
		Elapsed:    elp,
		Outcome:    outcome,
		Errors:     sum,
		Messages:   rc.Status.Errors(),
		Stages:     stages,
	}
	c.publish(ctx, summary)
	return summary
}

func (c *Controller) publish(ctx context.Context, summary report.Summary) {
	if len(c.uploaders) == 0 {
		return
	}
	raw, err := summary.Marshal()
	if err != nil {
		slog.ErrorContext(ctx, "encoding run summary failed", "error", err)
		return
	}
	// a cancelled run still publishes its summary
	if err := report.Publish(context.WithoutCancel(ctx), c.uploaders, raw); err != nil {
		slog.ErrorContext(ctx, "publishing run summary failed", "error", err)
	}
}
