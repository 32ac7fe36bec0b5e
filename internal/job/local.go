package job

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const waitDelay = 2 * time.Second

// localProc is a child process plus the goroutine waiting for it.
type localProc struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	files  []*os.File
	done   chan struct{}
	state  *os.ProcessState
	err    error
}

func (j *Job) argv() []string {
	var argv []string
	if j.Time {
		argv = append(argv, j.env.timeBinary(), "-f", timeFormat)
	}
	if j.Perf {
		argv = append(argv, j.env.perfBinary(), "stat", "-x", "\t", "--log-fd", "2")
	}
	return append(argv, j.args...)
}

func (e Env) timeBinary() string {
	if e.TimeBinary == "" {
		return "/usr/bin/time"
	}
	return e.TimeBinary
}

func (e Env) perfBinary() string {
	if e.PerfBinary == "" {
		return "/usr/bin/perf"
	}
	return e.PerfBinary
}

func (j *Job) startLocal(ctx context.Context) error {
	argv := j.argv()
	p := &localProc{done: make(chan struct{})}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = j.spec.Dir
	if len(j.spec.Environ) > 0 {
		cmd.Env = append(os.Environ(), j.spec.Environ...)
	}

	if j.spec.StdoutFile != "" {
		f, err := os.Create(j.spec.StdoutFile)
		if err != nil {
			slog.WarnContext(ctx, "can't open stdout file, discarding output", "job", j.Name(), "error", err)
		} else {
			cmd.Stdout = f
			p.files = append(p.files, f)
		}
	}
	if j.spec.StderrFile != "" {
		f, err := os.Create(j.spec.StderrFile)
		if err != nil {
			slog.WarnContext(ctx, "can't open stderr file, capturing in memory", "job", j.Name(), "error", err)
		} else {
			cmd.Stderr = f
			p.files = append(p.files, f)
		}
	}
	if cmd.Stderr == nil {
		p.stderr = &bytes.Buffer{}
		cmd.Stderr = p.stderr
	}

	// a grandchild holding the stderr pipe must not keep Wait blocked
	cmd.WaitDelay = waitDelay
	startGroup(cmd)

	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	p.cmd = cmd
	j.local = p
	slog.DebugContext(ctx, "job started", "job", j.Name(), "pid", cmd.Process.Pid, "args", argv)
	go p.wait()
	return nil
}

func (p *localProc) wait() {
	err := p.cmd.Wait()
	p.closeFiles()
	p.mx.Lock()
	p.state = p.cmd.ProcessState
	p.err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *localProc) closeFiles() {
	for _, f := range p.files {
		_ = f.Close()
	}
	p.files = nil
}

func (p *localProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *localProc) kill(grace time.Duration) bool {
	if p.exited() {
		return true
	}
	_ = killGroup(p.cmd)
	select {
	case <-p.done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (j *Job) pollLocal() bool {
	if !j.local.exited() {
		return false
	}
	j.local.mx.Lock()
	defer j.local.mx.Unlock()
	if j.local.state != nil {
		j.exitCode = j.local.state.ExitCode()
	}
	return true
}

// stderrText returns the captured diagnostics of a finished job.
func (j *Job) stderrText() (string, error) {
	switch {
	case j.OnCluster():
		b, err := os.ReadFile(j.clusterLog())
		return string(b), err
	case j.local != nil && j.local.stderr != nil:
		return j.local.stderr.String(), nil
	case j.spec.StderrFile != "":
		b, err := os.ReadFile(j.spec.StderrFile)
		return string(b), err
	default:
		return "", nil
	}
}
