package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/denovo/internal/cluster"
	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/cenkalti/backoff/v4"
)

const (
	// Marker terminates the stdout file of every successful tool run.
	Marker = "END of output\n"

	DefaultMaxRestarts = 3
	DefaultMarkerTries = 20
	DefaultMarkerDelay = 5 * time.Second
	DefaultSSHExitCode = 255

	// lostExitCode is reported for a job the scheduler forgot about.
	lostExitCode = 1000
)

var (
	ErrNotStarted     = errors.New("job not started")
	ErrAlreadyStarted = errors.New("job already started")
	ErrNoSession      = errors.New("cluster job without scheduler session")
	ErrNoArgs         = errors.New("job has no arguments")
	ErrChainedDepends = errors.New("contingent job chains are not supported")
)

type State int

const (
	NotStarted State = iota
	Running
	Complete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Spec is the immutable description of a job.
type Spec struct {
	// Args is the executable followed by its flags.
	Args []string
	Name string
	// Tag is unique within a run and names the cluster script and log.
	Tag        string
	ResultPath string
	StdoutPath string
	Threads    int
	Throttled  bool
	// MaxRestarts bounds resubmissions of a failed cluster job.
	MaxRestarts int

	// local only
	StdoutFile string
	StderrFile string
	Dir        string
	Environ    []string

	ClusterLogDir string
}

// Env carries what a job needs from its pool to start and to be polled.
type Env struct {
	Session cluster.Session
	// NativeSpec is a template expanded with $numthreads,
	// $status_log_filename and $restart_count.
	NativeSpec    string
	StatusLogPath string
	Recorder      status.Recorder
	// Exports are written as export lines into cluster scripts.
	Exports     []string
	SSHExitCode int
	QueryDelay  time.Duration
	// SubmitBackoff returns the delay policy between failed submissions,
	// nil means the exponential default starting at 30s.
	SubmitBackoff func() backoff.BackOff
	TimeBinary    string
	PerfBinary    string
}

func (e Env) recorder() status.Recorder {
	if e.Recorder == nil {
		return status.Discard
	}
	return e.Recorder
}

type Job struct {
	spec      Spec
	args      []string
	threads   int
	dependsOn *Job

	// set by the pool on Add
	Seq         int
	Time        bool
	Perf        bool
	MarkerTries int
	MarkerDelay time.Duration

	state          State
	remaining      int
	resultFound    bool
	stdoutComplete bool
	started        time.Time
	stopped        time.Time
	exitCode       int
	startErr       error
	stats          Stats
	parseString    string

	env    Env
	local  *localProc
	remote *remoteProc
}

func New(spec Spec) (*Job, error) {
	if len(spec.Args) == 0 {
		return nil, ErrNoArgs
	}
	if spec.Threads <= 0 {
		spec.Threads = 1
	}
	if spec.MaxRestarts < 0 {
		spec.MaxRestarts = 0
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Args[0])
	}
	if spec.Tag == "" {
		spec.Tag = spec.Name
	}
	return &Job{
		spec:        spec,
		args:        append([]string(nil), spec.Args...),
		threads:     spec.Threads,
		remaining:   spec.MaxRestarts,
		MarkerTries: DefaultMarkerTries,
		MarkerDelay: DefaultMarkerDelay,
		exitCode:    -1,
	}, nil
}

func (j *Job) Name() string      { return j.spec.Name }
func (j *Job) Tag() string       { return j.spec.Tag }
func (j *Job) Spec() Spec        { return j.spec }
func (j *Job) Threads() int      { return j.threads }
func (j *Job) Throttled() bool   { return j.spec.Throttled }
func (j *Job) State() State      { return j.state }
func (j *Job) OnCluster() bool   { return j.spec.ClusterLogDir != "" }
func (j *Job) ResultFound() bool { return j.resultFound }

// StdoutComplete reports whether the job succeeded.
func (j *Job) StdoutComplete() bool { return j.stdoutComplete }

// Args returns the current argument vector, which host offload may have
// edited.
func (j *Job) Args() []string { return append([]string(nil), j.args...) }

// Restarts returns how many resubmissions are left.
func (j *Job) Restarts() int { return j.remaining }

func (j *Job) ExitCode() int { return j.exitCode }

func (j *Job) Stats() Stats { return j.stats }

// DependsOn makes j admissible only after prev is complete. Only one level
// of dependency is supported.
func (j *Job) DependsOn(prev *Job) error {
	if prev == nil {
		j.dependsOn = nil
		return nil
	}
	if prev.dependsOn != nil {
		return fmt.Errorf("%w: %s -> %s -> %s", ErrChainedDepends, prev.dependsOn.Name(), prev.Name(), j.Name())
	}
	j.dependsOn = prev
	return nil
}

func (j *Job) Predecessor() *Job { return j.dependsOn }

// Ready reports whether the contingent predecessor, if any, is complete.
func (j *Job) Ready() bool {
	return j.dependsOn == nil || j.dependsOn.state == Complete
}

// MarkStdoutComplete records success without looking at the stdout file.
func (j *Job) MarkStdoutComplete() {
	j.stdoutComplete = true
}

// Start launches the job. A spawn failure leaves the job running with the
// error recorded, so the next Poll completes it as failed.
func (j *Job) Start(ctx context.Context, env Env) error {
	if j.state != NotStarted {
		return ErrAlreadyStarted
	}
	j.env = env
	j.state = Running
	j.started = time.Now()

	var err error
	if j.OnCluster() {
		err = j.startRemote(ctx)
	} else {
		err = j.startLocal(ctx)
	}
	if err != nil {
		j.startErr = err
		env.recorder().Error(status.Error, fmt.Sprintf("job %s failed to start: %v", j.Name(), err))
		slog.ErrorContext(ctx, "job failed to start", "job", j.Name(), "tag", j.Tag(), "error", err)
	}
	return err
}

// Poll advances a running job and reports whether it reached Complete.
func (j *Job) Poll(ctx context.Context) bool {
	switch j.state {
	case NotStarted:
		return false
	case Complete:
		return true
	}

	if j.startErr == nil {
		var done bool
		if j.OnCluster() {
			done = j.pollRemote(ctx)
		} else {
			done = j.pollLocal()
		}
		if !done {
			return false
		}
	}
	j.finish(ctx)
	return true
}

func (j *Job) finish(ctx context.Context) {
	j.stopped = time.Now()
	j.state = Complete
	j.stats.RunTime = j.stopped.Sub(j.started)
	j.CheckArtifact()
	switch {
	case j.startErr != nil:
		j.stdoutComplete = false
	case j.spec.StdoutPath == "":
		j.stdoutComplete = j.exitCode == 0
	default:
		// cluster jobs with restarts left were checked with retries already
		j.CheckStdoutMarker(ctx, 0, 0)
	}
	j.parseStats(ctx)
	slog.DebugContext(ctx, "job complete",
		"job", j.Name(),
		"tag", j.Tag(),
		"exit", j.exitCode,
		"result_found", j.resultFound,
		"stdout_complete", j.stdoutComplete,
		"run_time", j.stats.RunTime)
}

// Kill terminates a running job, waits a second and reports whether it is
// gone.
func (j *Job) Kill(ctx context.Context) bool {
	if j.state != Running {
		return true
	}
	if j.OnCluster() {
		if j.remote == nil || j.remote.id == "" {
			return true
		}
		err := j.env.Session.Terminate(ctx, j.remote.id)
		if err != nil {
			slog.WarnContext(ctx, "terminating cluster job failed", "job", j.Name(), "id", j.remote.id, "error", err)
			return false
		}
		return true
	}
	if j.local == nil {
		return true
	}
	ok := j.local.kill(time.Second)
	if !ok {
		slog.WarnContext(ctx, "job still running after kill", "job", j.Name())
	}
	return ok
}

// CheckArtifact records whether the expected result file exists.
func (j *Job) CheckArtifact() bool {
	if j.spec.ResultPath == "" {
		return j.resultFound
	}
	_, err := os.Stat(j.spec.ResultPath)
	j.resultFound = err == nil
	return j.resultFound
}

// CheckStdoutMarker sets StdoutComplete from the stdout file, retrying
// tries times with delay in between.
func (j *Job) CheckStdoutMarker(ctx context.Context, tries int, delay time.Duration) bool {
	if j.spec.StdoutPath == "" {
		return j.stdoutComplete
	}
	ok, err := CheckMarker(ctx, j.spec.StdoutPath, tries, delay)
	j.stdoutComplete = ok
	if !ok {
		msg := fmt.Sprintf("job has not completed, see stdout=%q", j.spec.StdoutPath)
		if err != nil {
			msg += ": " + err.Error()
		}
		j.env.recorder().Error(status.Error, msg)
	}
	return ok
}
