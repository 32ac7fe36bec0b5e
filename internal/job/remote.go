package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/denovo/internal/cluster"
	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/cenkalti/backoff/v4"
)

const (
	timeFormat        = "%U\t%S\t%E\t%P\t%M"
	defaultQueryDelay = 5 * time.Second
	// consecutive unanswered accounting queries before a job counts as lost
	maxWaitErrors = 12
)

type remoteProc struct {
	id         string
	nativeSpec string
	nextQuery  time.Time
	waitErrs   int
	submits    int
}

func (j *Job) clusterScript() string {
	return filepath.Join(j.spec.ClusterLogDir, j.Tag()+".sh")
}

func (j *Job) clusterLog() string {
	return filepath.Join(j.spec.ClusterLogDir, j.Tag()+".log")
}

// Script renders the wrapper script submitted for a cluster job.
func (j *Job) Script() string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&sb, "#$ -N %s\n#$ -o %s\n#$ -j y\n", j.Tag(), j.clusterLog())
	sb.WriteString("echo \"" + hostTag + "$(hostname)\"\nulimit -a\ndate\n")
	for _, e := range j.env.Exports {
		fmt.Fprintf(&sb, "export %s\n", e)
	}
	var line []string
	if j.Time {
		line = append(line, "${TIME_BINARY:="+j.env.timeBinary()+"}", "-f", `"%U\t%S\t%E\t%P\t%M"`)
	}
	if j.Perf {
		line = append(line, "${PERF_BINARY:="+j.env.perfBinary()+"}", "stat", "-x", `"$(printf '\t')"`, "--log-fd", "2")
	}
	for _, a := range j.args {
		line = append(line, shellQuote(a))
	}
	line = append(line, "&&", "date")
	sb.WriteString(strings.Join(line, " "))
	sb.WriteByte('\n')
	return sb.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,+@%", r):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// NativeSpec expands the native specification template of env for this
// job. Unknown variables are kept verbatim.
func (j *Job) NativeSpec(tmpl string) string {
	return os.Expand(tmpl, func(name string) string {
		switch name {
		case "numthreads":
			return strconv.Itoa(j.threads)
		case "status_log_filename":
			return j.env.StatusLogPath
		case "restart_count":
			return strconv.Itoa(j.spec.MaxRestarts - j.remaining)
		default:
			return "$" + name
		}
	})
}

func (j *Job) startRemote(ctx context.Context) error {
	if j.env.Session == nil {
		return ErrNoSession
	}
	if err := os.MkdirAll(j.spec.ClusterLogDir, 0o755); err != nil {
		return fmt.Errorf("creating cluster log dir: %w", err)
	}
	if err := os.WriteFile(j.clusterScript(), []byte(j.Script()), 0o775); err != nil {
		return fmt.Errorf("writing cluster script: %w", err)
	}
	j.remote = &remoteProc{}
	if j.env.NativeSpec != "" {
		j.remote.nativeSpec = j.NativeSpec(j.env.NativeSpec)
	}
	return j.submit(ctx)
}

func (j *Job) template() cluster.Template {
	return cluster.Template{
		JobName:    j.Tag(),
		Command:    j.clusterScript(),
		OutputPath: j.clusterLog(),
		JoinFiles:  true,
		WorkDir:    j.spec.Dir,
		NativeSpec: j.remote.nativeSpec,
	}
}

// submit retries until the scheduler accepts the job or ctx ends.
func (j *Job) submit(ctx context.Context) error {
	var b backoff.BackOff
	if j.env.SubmitBackoff != nil {
		b = j.env.SubmitBackoff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 30 * time.Second
		eb.MaxInterval = 5 * time.Minute
		eb.MaxElapsedTime = 0
		b = eb
	}

	tmpl := j.template()
	var id string
	op := func() error {
		var err error
		id, err = j.env.Session.Submit(ctx, tmpl)
		if errors.Is(err, cluster.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		msg := fmt.Sprintf("Exception encountered while submitting job: %v, nativeSpecification=%q", err, tmpl.NativeSpec)
		j.env.recorder().Error(status.Warning, msg)
		slog.WarnContext(ctx, "submitting job failed", "job", j.Name(), "tag", j.Tag(), "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("submitting %s: %w", j.Tag(), err)
	}
	j.remote.id = id
	j.remote.submits++
	j.remote.nextQuery = time.Time{}
	j.remote.waitErrs = 0
	slog.DebugContext(ctx, "job submitted", "job", j.Name(), "tag", j.Tag(), "id", id, "native_spec", tmpl.NativeSpec)
	return nil
}

func (j *Job) restart(ctx context.Context) {
	j.remaining--
	if err := j.submit(ctx); err != nil {
		j.startErr = err
	}
}

// Submissions returns how many times the scheduler accepted the job.
func (j *Job) Submissions() int {
	if j.remote == nil {
		return 0
	}
	return j.remote.submits
}

func (e Env) queryDelay() time.Duration {
	if e.QueryDelay <= 0 {
		return defaultQueryDelay
	}
	return e.QueryDelay
}

func (e Env) sshExitCode() int {
	if e.SSHExitCode == 0 {
		return DefaultSSHExitCode
	}
	return e.SSHExitCode
}

func (j *Job) pollRemote(ctx context.Context) bool {
	r := j.remote
	if time.Now().Before(r.nextQuery) {
		return false
	}
	rec := j.env.recorder()

	exit, known := j.queryExit(ctx)
	if !known {
		return false
	}
	r.waitErrs = 0

	if j.remaining > 0 && exit != 0 {
		if exit == j.env.sshExitCode() {
			rec.Error(status.Warning, fmt.Sprintf("job ssh failed (exit code %d), restarting, stdout=%s", exit, j.spec.StdoutPath))
			j.remaining++
		} else {
			rec.Error(status.Warning, fmt.Sprintf("job has non-zero exit code (%d), restarting, stdout=%s", exit, j.spec.StdoutPath))
		}
		j.restart(ctx)
		return j.startErr != nil
	}

	if j.remaining > 0 && exit == 0 && j.spec.StdoutPath != "" {
		ok, _ := CheckMarker(ctx, j.spec.StdoutPath, j.MarkerTries, j.MarkerDelay)
		if !ok {
			rec.Error(status.Warning, fmt.Sprintf("job was restarted, see stdout=%q", j.spec.StdoutPath))
			j.restart(ctx)
			return j.startErr != nil
		}
	}

	j.exitCode = exit
	return true
}

// queryExit asks the scheduler about the job. known is false while the
// job is queued or running, or when the answer has to be retried later.
func (j *Job) queryExit(ctx context.Context) (exit int, known bool) {
	r := j.remote
	sess := j.env.Session

	st, err := sess.State(ctx, r.id)
	switch {
	case errors.Is(err, cluster.ErrCommunication):
		slog.WarnContext(ctx, "could not communicate with the cluster scheduler to check job status", "job", j.Name(), "id", r.id, "error", err)
		r.nextQuery = time.Now().Add(j.env.queryDelay())
		return 0, false
	case err != nil:
		slog.WarnContext(ctx, "cluster scheduler lost job", "job", j.Name(), "id", r.id, "error", err)
		return lostExitCode, true
	case !st.Terminal():
		return 0, false
	}

	info, err := sess.Wait(ctx, r.id)
	switch {
	case errors.Is(err, cluster.ErrCommunication), errors.Is(err, cluster.ErrNotFinished):
		r.waitErrs++
		if r.waitErrs < maxWaitErrors {
			r.nextQuery = time.Now().Add(j.env.queryDelay())
			return 0, false
		}
		slog.WarnContext(ctx, "no exit status for finished job", "job", j.Name(), "id", r.id, "error", err)
		return lostExitCode, true
	case err != nil:
		slog.WarnContext(ctx, "cluster scheduler lost job", "job", j.Name(), "id", r.id, "error", err)
		return lostExitCode, true
	}
	return info.Code(), true
}
