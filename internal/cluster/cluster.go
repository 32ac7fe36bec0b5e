// Package cluster talks to a batch scheduler.
//
// A Session submits wrapper scripts described by a Template and later
// answers two questions about the returned job id: is it still queued or
// running (State) and, once it is not, how did it end (Wait). Wait never
// blocks on an unfinished job.
//
// Errors wrapping ErrCommunication are transient and the caller is
// expected to ask again later. ErrJobLost means the scheduler does not know
// the job any more.
package cluster

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCommunication = errors.New("scheduler communication failed")
	ErrJobLost       = errors.New("job unknown to scheduler")
	ErrNotFinished   = errors.New("job not finished")
	ErrClosed        = errors.New("session closed")
)

type State int

const (
	Undetermined State = iota
	Queued
	Held
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Held:
		return "held"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "undetermined"
	}
}

// Terminal reports whether the job left the scheduler.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Template describes one submission.
type Template struct {
	JobName    string
	Command    string
	Args       []string
	OutputPath string
	// JoinFiles merges stderr into OutputPath.
	JoinFiles  bool
	WorkDir    string
	NativeSpec string
}

type ExitInfo struct {
	Exited     bool
	ExitStatus int
	Signaled   bool
	Signal     string
	Aborted    bool
}

// Code folds ExitInfo into a single number, 0 meaning success. An exit
// status wins over signal details when both are known.
func (e ExitInfo) Code() int {
	switch {
	case e.Aborted:
		return 1000
	case e.Exited:
		return e.ExitStatus
	case e.Signaled:
		return 128
	default:
		return 1
	}
}

func (e ExitInfo) String() string {
	switch {
	case e.Aborted:
		return "aborted"
	case e.Signaled && e.Exited:
		return fmt.Sprintf("exit %d (signal %s)", e.ExitStatus, e.Signal)
	case e.Signaled:
		return "signal " + e.Signal
	default:
		return fmt.Sprintf("exit %d", e.ExitStatus)
	}
}

type Session interface {
	Submit(ctx context.Context, tmpl Template) (string, error)
	State(ctx context.Context, id string) (State, error)
	Wait(ctx context.Context, id string) (ExitInfo, error)
	Terminate(ctx context.Context, id string) error
	Close() error
}
