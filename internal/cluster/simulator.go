package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

// Simulator is a Session executing submitted scripts on the local host.
// It is meant for dry runs on a workstation and for tests, which can make
// submissions fail or force exit codes.
type Simulator struct {
	shell string

	mx         sync.Mutex
	next       int
	jobs       map[string]*simJob
	exits      map[string][]int
	submitErrs int
	submits    int
	closed     bool
	wg         sync.WaitGroup
}

type simJob struct {
	cmd  *exec.Cmd
	done bool
	exit ExitInfo
}

// NewSimulator returns a simulator running scripts with shell, "sh" when
// empty.
func NewSimulator(shell string) *Simulator {
	if shell == "" {
		shell = "sh"
	}
	return &Simulator{
		shell: shell,
		jobs:  make(map[string]*simJob),
		exits: make(map[string][]int),
	}
}

// InjectExit makes the next len(codes) submissions named jobName end with
// the given exit codes without running anything.
func (s *Simulator) InjectExit(jobName string, codes ...int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.exits[jobName] = append(s.exits[jobName], codes...)
}

// InjectSubmitErrors makes the next n submissions fail with
// ErrCommunication.
func (s *Simulator) InjectSubmitErrors(n int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.submitErrs += n
}

// Submits returns how many submissions were accepted.
func (s *Simulator) Submits() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.submits
}

func (s *Simulator) Submit(_ context.Context, tmpl Template) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.submitErrs > 0 {
		s.submitErrs--
		return "", fmt.Errorf("%w: injected submit failure", ErrCommunication)
	}

	s.next++
	id := strconv.Itoa(s.next)
	if codes := s.exits[tmpl.JobName]; len(codes) > 0 {
		s.exits[tmpl.JobName] = codes[1:]
		s.jobs[id] = &simJob{done: true, exit: ExitInfo{Exited: true, ExitStatus: codes[0]}}
		s.submits++
		return id, nil
	}

	cmd := exec.Command(s.shell, append([]string{tmpl.Command}, tmpl.Args...)...)
	cmd.Dir = tmpl.WorkDir
	var out *os.File
	if tmpl.OutputPath != "" {
		var err error
		out, err = os.OpenFile(tmpl.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("%w: opening output: %w", ErrCommunication, err)
		}
		cmd.Stdout = out
		if tmpl.JoinFiles {
			cmd.Stderr = out
		}
	}
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return "", fmt.Errorf("%w: %w", ErrCommunication, err)
	}

	job := &simJob{cmd: cmd}
	s.jobs[id] = job
	s.submits++
	s.wg.Go(func() {
		err := cmd.Wait()
		if out != nil {
			_ = out.Close()
		}
		s.mx.Lock()
		defer s.mx.Unlock()
		job.done = true
		job.exit = exitInfo(cmd.ProcessState, err)
	})
	return id, nil
}

func exitInfo(state *os.ProcessState, err error) ExitInfo {
	if state == nil {
		return ExitInfo{Aborted: true}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitInfo{Signaled: true, Signal: ws.Signal().String()}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitInfo{Aborted: true}
	}
	return ExitInfo{Exited: true, ExitStatus: state.ExitCode()}
}

func (s *Simulator) State(_ context.Context, id string) (State, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Undetermined, fmt.Errorf("%w: %s", ErrJobLost, id)
	}
	if !job.done {
		return Running, nil
	}
	if job.exit.Code() != 0 {
		return Failed, nil
	}
	return Done, nil
}

func (s *Simulator) Wait(_ context.Context, id string) (ExitInfo, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ExitInfo{}, fmt.Errorf("%w: %s", ErrJobLost, id)
	}
	if !job.done {
		return ExitInfo{}, ErrNotFinished
	}
	return job.exit, nil
}

func (s *Simulator) Terminate(_ context.Context, id string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobLost, id)
	}
	if job.done || job.cmd == nil || job.cmd.Process == nil {
		return nil
	}
	return job.cmd.Process.Kill()
}

// Close kills running scripts and waits for them.
func (s *Simulator) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	for _, job := range s.jobs {
		if !job.done && job.cmd != nil && job.cmd.Process != nil {
			_ = job.cmd.Process.Kill()
		}
	}
	s.mx.Unlock()
	s.wg.Wait()
	return nil
}
