// Package pool runs a set of jobs under a concurrency and thread budget.
//
// Run is a single cooperative loop: admit what fits in insertion order,
// poll the active jobs in reverse order, release their resources, repeat
// until every job is complete. Parallelism comes from the child processes
// and cluster nodes, never from goroutines of the pool itself.
//
// Budget rules for local jobs: at most maxJobs are active and the sum of
// their threads never exceeds the thread budget. Cluster jobs bypass both
// and are only bounded by the throttle cap, which applies to jobs marked
// Throttled regardless of where they run.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/CZERTAINLY/denovo/internal/job"
	"github.com/CZERTAINLY/denovo/internal/status"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidConcurrency = errors.New("maximum concurrent jobs must be positive")
	ErrBudget             = errors.New("job needs more threads than the budget")
	ErrInvariant          = errors.New("job accounting invariant violated")
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultPacing       = 10 * time.Millisecond
)

// HostOffload moves the first Fraction of a cluster pool to a large memory
// host with its own native specification.
type HostOffload struct {
	Fraction   float64
	Threads    int
	LargeMem   string
	NativeSpec string
	// PrimaryThreads normalizes -TotalThreads of jobs left on the regular
	// nodes, 0 keeps their arguments.
	PrimaryThreads int
}

type Pool struct {
	name         string
	jobs         []*job.Job
	env          job.Env
	budget       int
	throttleMax  int
	pollInterval time.Duration
	pacing       time.Duration
	offload      *HostOffload
	recorder     status.Recorder
	console      io.Writer
	time         bool
	perf         bool
	markerTries  int
	markerDelay  time.Duration
	recheck      bool
	events       bool

	maxJobs   int
	elapsed   time.Duration
	cpuTime   time.Duration
	completed bool
}

type Option func(*Pool)

// WithEnv sets the scheduler session and related settings for cluster jobs.
func WithEnv(env job.Env) Option {
	return func(p *Pool) { p.env = env }
}

// WithThreadBudget sets the sum of threads local jobs may use, defaults to
// the maxJobs argument of Run.
func WithThreadBudget(n int) Option {
	return func(p *Pool) { p.budget = n }
}

// WithThrottle caps the active jobs marked Throttled, 0 disables the cap.
func WithThrottle(n int) Option {
	return func(p *Pool) { p.throttleMax = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithPacing sets the minimal delay between two admissions.
func WithPacing(d time.Duration) Option {
	return func(p *Pool) { p.pacing = d }
}

func WithHostOffload(h HostOffload) Option {
	return func(p *Pool) { p.offload = &h }
}

func WithRecorder(r status.Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithConsole sets where START/STOP lines go.
func WithConsole(w io.Writer) Option {
	return func(p *Pool) { p.console = w }
}

// WithInstrumentation wraps jobs in time and/or perf stat.
func WithInstrumentation(withTime, withPerf bool) Option {
	return func(p *Pool) { p.time, p.perf = withTime, withPerf }
}

// WithMarkerRetry sets how cluster jobs wait for their stdout marker.
func WithMarkerRetry(tries int, delay time.Duration) Option {
	return func(p *Pool) { p.markerTries, p.markerDelay = tries, delay }
}

// WithStdoutRecheck false makes reports assume every stdout is complete.
func WithStdoutRecheck(recheck bool) Option {
	return func(p *Pool) { p.recheck = recheck }
}

// WithoutStatusEvents disables the progress events of the pool.
func WithoutStatusEvents() Option {
	return func(p *Pool) { p.events = false }
}

func New(name string, opts ...Option) *Pool {
	p := &Pool{
		name:         name,
		pollInterval: defaultPollInterval,
		pacing:       defaultPacing,
		recorder:     status.Discard,
		console:      io.Discard,
		markerTries:  job.DefaultMarkerTries,
		markerDelay:  job.DefaultMarkerDelay,
		recheck:      true,
		events:       true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.env.Recorder == nil {
		p.env.Recorder = p.recorder
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Add appends j and assigns its 1-based sequence number.
func (p *Pool) Add(jobs ...*job.Job) {
	for _, j := range jobs {
		j.Time = p.time
		j.Perf = p.perf
		j.MarkerTries = p.markerTries
		j.MarkerDelay = p.markerDelay
		p.jobs = append(p.jobs, j)
		j.Seq = len(p.jobs)
	}
}

func (p *Pool) Jobs() []*job.Job {
	return append([]*job.Job(nil), p.jobs...)
}

func (p *Pool) Len() int { return len(p.jobs) }

// Elapsed is the wall time of the last Run.
func (p *Pool) Elapsed() time.Duration { return p.elapsed }

// CPUTime is the sum of the run times of all jobs.
func (p *Pool) CPUTime() time.Duration { return p.cpuTime }

func (p *Pool) Completed() bool { return p.completed }

// AllResultsFound reports whether every job finished with a complete
// stdout. It is vacuously true for an empty pool.
func (p *Pool) AllResultsFound() bool {
	for _, j := range p.jobs {
		if !j.StdoutComplete() {
			return false
		}
	}
	return true
}

func (p *Pool) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.console, format, args...)
}

func (p *Pool) validate(budget int) error {
	var errs []error
	for _, j := range p.jobs {
		switch {
		case j.OnCluster() && p.env.Session == nil:
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), job.ErrNoSession))
		case !j.OnCluster() && j.Threads() > budget:
			errs = append(errs, fmt.Errorf("%s: %w: %d > %d", j.Name(), ErrBudget, j.Threads(), budget))
		}
	}
	return errors.Join(errs...)
}

// Run executes all jobs and returns once each of them is complete. Job
// failures are not errors; check AllResultsFound. Errors are returned for
// an invalid configuration, a broken invariant or a cancelled ctx, in
// which case active jobs are killed.
func (p *Pool) Run(ctx context.Context, maxJobs int) error {
	if len(p.jobs) == 0 {
		p.printf(" Warning: number of jobs is 0, skipping stage: %s\n", p.name)
		slog.WarnContext(ctx, "no jobs, skipping stage", "stage", p.name)
		return nil
	}
	if maxJobs <= 0 {
		p.printf(" Error: maximum concurrent jobs must be > 0, skipping stage: %s\n", p.name)
		return fmt.Errorf("%s: %w: %d", p.name, ErrInvalidConcurrency, maxJobs)
	}
	budget := p.budget
	if budget <= 0 {
		budget = maxJobs
	}
	if err := p.validate(budget); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}

	p.maxJobs = maxJobs
	p.completed = false
	start := time.Now()
	p.printf(" Starting Multi-Threaded Process:\n  %s\n", p.name)
	p.printf("  Running %d jobs with %d threads\n", len(p.jobs), maxJobs)
	slog.InfoContext(ctx, "pool started", "stage", p.name, "jobs", len(p.jobs), "max_jobs", maxJobs, "thread_budget", budget)

	err := p.loop(ctx, maxJobs, budget)

	p.elapsed = time.Since(start)
	p.cpuTime = 0
	for _, j := range p.jobs {
		p.cpuTime += j.Stats().RunTime
	}
	if err != nil {
		return err
	}
	if !p.recheck {
		for _, j := range p.jobs {
			j.MarkStdoutComplete()
		}
	}
	p.completed = true
	p.printf(" Finished Multi-Threaded Process:\n  %s\n\n", p.name)
	slog.InfoContext(ctx, "pool finished", "stage", p.name, "elapsed", p.elapsed, "all_results_found", p.AllResultsFound())
	return nil
}

type counters struct {
	total       int
	active      int
	activeLocal int
	usedThreads int
	throttled   int
	finished    int
	remaining   int
}

func (p *Pool) loop(ctx context.Context, maxJobs, budget int) error {
	c := counters{total: len(p.jobs), remaining: len(p.jobs)}
	var active []*job.Job
	pacer := rate.NewLimiter(rate.Every(p.pacing), 1)
	if p.pacing <= 0 {
		pacer = rate.NewLimiter(rate.Inf, 1)
	}

	hostJobs := 0
	if p.offload != nil && p.env.Session != nil {
		hostJobs = int(math.Floor(p.offload.Fraction * float64(len(p.jobs))))
	}

	p.progress(c)
	lastPct, lastOutstanding := 0.0, c.total

	for {
		if err := ctx.Err(); err != nil {
			p.killAll(ctx, active)
			return err
		}

		for i, j := range p.jobs {
			if c.remaining == 0 {
				break
			}
			if j.State() != job.NotStarted || !j.Ready() {
				continue
			}
			local := !j.OnCluster()
			if local && (c.activeLocal >= maxJobs || budget-c.usedThreads < j.Threads()) {
				continue
			}
			if p.throttleMax > 0 && j.Throttled() && c.throttled >= p.throttleMax {
				continue
			}
			if err := pacer.Wait(ctx); err != nil {
				p.killAll(ctx, active)
				return err
			}

			env := p.env
			if !local && p.offload != nil {
				if i < hostJobs {
					j.OffloadToHost(p.offload.Threads, p.offload.LargeMem)
					if p.offload.NativeSpec != "" {
						env.NativeSpec = p.offload.NativeSpec
					}
				} else if p.offload.PrimaryThreads > 0 {
					j.NormalizeTotalThreads(p.offload.PrimaryThreads)
				}
			}

			// a failed start is kept by the job and reported by its next Poll
			_ = j.Start(ctx, env)
			c.active++
			c.remaining--
			if local {
				c.activeLocal++
				c.usedThreads += j.Threads()
			}
			if p.throttleMax > 0 && j.Throttled() {
				c.throttled++
			}
			active = append(active, j)
			p.printf("%s\n", j.StatusLine("START", c.active, c.total, c.finished, c.remaining))
		}

		for i := len(active) - 1; i >= 0; i-- {
			j := active[i]
			if !j.Poll(ctx) {
				continue
			}
			active = append(active[:i], active[i+1:]...)
			c.active--
			c.finished++
			if !j.OnCluster() {
				c.activeLocal--
				c.usedThreads = min(max(c.usedThreads-j.Threads(), 0), budget)
			}
			if p.throttleMax > 0 && j.Throttled() {
				c.throttled--
			}
			if j.Stats().CPUPercent <= 0 {
				slog.DebugContext(ctx, "job reported no cpu usage", "job", j.Name(), "cpu_time", j.Stats().CPUTime)
			}
			p.printf("%s\n", j.StatusLine("STOP", c.active, c.total, c.finished, c.remaining))
		}

		pct := float64(c.finished) * 100 / float64(c.total)
		outstanding := c.total - c.finished
		if pct != lastPct || outstanding != lastOutstanding {
			p.progress(c)
			lastPct, lastOutstanding = pct, outstanding
		}

		switch {
		case c.active == 0 && c.remaining == 0:
			return nil
		case c.active < 0 || c.remaining < 0:
			p.printf("ERROR in multithreading: invalid: active jobs: %d remaining jobs: %d\n", c.active, c.remaining)
			return fmt.Errorf("%s: %w: active=%d remaining=%d", p.name, ErrInvariant, c.active, c.remaining)
		case c.active == 0 && !p.admissible():
			p.printf("ERROR in multithreading: %d jobs can never start\n", c.remaining)
			return fmt.Errorf("%s: %w: %d jobs wait on predecessors outside the pool", p.name, ErrInvariant, c.remaining)
		}

		t := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// admissible reports whether some remaining job can ever become ready.
func (p *Pool) admissible() bool {
	for _, j := range p.jobs {
		if j.State() != job.NotStarted {
			continue
		}
		if j.Ready() {
			return true
		}
		if prev := j.Predecessor(); prev != nil && prev.State() != job.Complete && p.contains(prev) {
			return true
		}
	}
	return false
}

func (p *Pool) contains(j *job.Job) bool {
	for _, x := range p.jobs {
		if x == j {
			return true
		}
	}
	return false
}

func (p *Pool) progress(c counters) {
	if !p.events {
		return
	}
	pct := float64(c.finished) * 100 / float64(c.total)
	p.recorder.Status("progress", "jobs_outstanding", fmt.Sprintf("%d", c.total-c.finished), p.name)
	p.recorder.Status("progress", "stage_pct_done", fmt.Sprintf("%.1f", pct), p.name)
}

func (p *Pool) killAll(ctx context.Context, active []*job.Job) {
	// the caller's ctx is done already
	kctx := context.WithoutCancel(ctx)
	for _, j := range active {
		if !j.Kill(kctx) {
			slog.WarnContext(ctx, "job could not be killed", "job", j.Name())
		}
	}
	p.printf(" Cancelled Multi-Threaded Process:\n  %s\n", p.name)
}

// ArgumentsReport records that the stage constructed its jobs together with
// the exact command line of the first one.
func (p *Pool) ArgumentsReport() string {
	report := p.name + "\n"
	if len(p.jobs) > 0 {
		report += p.jobs[0].CommandLine() + "\n\n"
	}
	return report
}

func (p *Pool) recheckStdout(ctx context.Context, j *job.Job) {
	j.CheckArtifact()
	if p.recheck {
		j.CheckStdoutMarker(ctx, 0, 0)
	} else {
		j.MarkStdoutComplete()
	}
}

// RunReport lists each job in insertion order followed by pool totals.
func (p *Pool) RunReport(ctx context.Context) string {
	var sb strings.Builder
	for _, j := range p.jobs {
		p.recheckStdout(ctx, j)
		sb.WriteString(j.ReportString())
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "  Completed %d jobs on %d threads\n", len(p.jobs), p.maxJobs)
	sb.WriteString("  Clock time: " + job.FormatHours(p.elapsed.Seconds()))
	sb.WriteString("  CPU time  : " + job.FormatHours(p.cpuTime.Seconds()))
	return sb.String()
}

// ParseReport is the tab separated per job segment of the report.
func (p *Pool) ParseReport() string {
	var sb strings.Builder
	sb.WriteString("\n  Begin machine parsable segment for: " + p.name + "\n")
	for i, j := range p.jobs {
		if i == 0 {
			sb.WriteString(j.ParseHeader() + "\n")
		}
		sb.WriteString(j.ParseString())
	}
	sb.WriteByte('\n')
	return sb.String()
}

// SimpleReport lists failed jobs only.
func (p *Pool) SimpleReport(ctx context.Context) string {
	var sb strings.Builder
	for _, j := range p.jobs {
		p.recheckStdout(ctx, j)
		sb.WriteString(j.SimpleReportString())
	}
	return sb.String()
}

// PipeReport is the run report and the parse report, empty for a pool
// without jobs.
func (p *Pool) PipeReport(ctx context.Context) string {
	if len(p.jobs) == 0 {
		return ""
	}
	return p.RunReport(ctx) + p.ParseReport()
}
