// Package runctx holds the state shared by all stages of one pipeline run:
// identity, status and error log, stage report file, memory log, the
// limiter of background stages and the scheduler session.
package runctx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CZERTAINLY/denovo/internal/cluster"
	"github.com/CZERTAINLY/denovo/internal/limiter"
	"github.com/CZERTAINLY/denovo/internal/model"
	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

type Context struct {
	ID         string
	Config     model.Config
	Status     *status.Log
	Background *limiter.Limiter
	// Console receives the operator output, the report and START/STOP
	// lines. Writes are serialized, background stages share it.
	Console io.Writer

	start time.Time

	mx      sync.Mutex
	session cluster.Session
	report  *os.File
	memlog  *os.File
}

// New prepares the output directory and opens the status, report and
// memory log files of a run.
func New(cfg model.Config, console io.Writer) (*Context, error) {
	if console == nil {
		console = io.Discard
	}
	c := &Context{
		ID:         uuid.NewString(),
		Config:     cfg,
		Background: limiter.New(),
		Console:    &syncWriter{w: console},
		start:      time.Now(),
	}
	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var err error
	c.Status, err = status.Open(c.Path(cfg.Status.File))
	if err != nil {
		return nil, err
	}
	c.report, err = os.OpenFile(c.Path(cfg.Pipeline.ReportFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = c.Status.Close()
		return nil, fmt.Errorf("opening report file: %w", err)
	}
	if cfg.Pipeline.MemoryLog != "" {
		c.memlog, err = os.OpenFile(c.Path(cfg.Pipeline.MemoryLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			_ = c.Status.Close()
			_ = c.report.Close()
			return nil, fmt.Errorf("opening memory log: %w", err)
		}
	}
	return c, nil
}

// Path resolves p against the output directory unless it is absolute.
func (c *Context) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Config.Pipeline.OutputDir, p)
}

// Start is when the run began.
func (c *Context) Start() time.Time { return c.start }

func (c *Context) Elapsed() time.Duration { return time.Since(c.start) }

// ClusterEnabled reports whether jobs go to a scheduler.
func (c *Context) ClusterEnabled() bool { return c.Config.Cluster.Enabled }

// Session returns the scheduler session, created on first use. It is nil
// when the cluster is disabled.
func (c *Context) Session() (cluster.Session, error) {
	if !c.Config.Cluster.Enabled {
		return nil, nil
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	switch c.Config.Cluster.Scheduler {
	case model.SchedulerSGE:
		c.session = cluster.NewGridEngine(c.Config.Cluster.BinDir)
	case model.SchedulerSimulator:
		c.session = cluster.NewSimulator("sh")
	default:
		return nil, fmt.Errorf("%w: scheduler %q", model.ErrConfig, c.Config.Cluster.Scheduler)
	}
	return c.session, nil
}

// SetSession replaces the scheduler session, the Context closes it.
func (c *Context) SetSession(s cluster.Session) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.session = s
}

// Report appends text to the stage report file and optionally prints it.
func (c *Context) Report(text string, printAlso bool) {
	if printAlso {
		_, _ = io.WriteString(c.Console, text)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, err := io.WriteString(c.report, text); err != nil {
		slog.Warn("writing report file failed", "path", c.report.Name(), "error", err)
	}
}

// LogMemory appends the resident memory of this process and the system
// memory to the memory log:
//
//	stage  seconds  RSS MB  available GB  percent used
func (c *Context) LogMemory(ctx context.Context, stage string) {
	if c.memlog == nil {
		return
	}
	var rss, avail, pct float64
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			rss = float64(info.RSS) / 1e6
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		avail = float64(vm.Available) / 1e9
		pct = vm.UsedPercent
	} else {
		slog.DebugContext(ctx, "reading system memory failed", "error", err)
	}
	line := fmt.Sprintf("%32s\t%.1f\t%.2f\t%.2f\t%.3f\n", stage, c.Elapsed().Seconds(), rss, avail, pct)
	c.mx.Lock()
	defer c.mx.Unlock()
	_, _ = io.WriteString(c.memlog, line)
}

// Close releases the session and the files of the run. Background work
// must be awaited before.
func (c *Context) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Close())
		c.session = nil
	}
	errs = append(errs, c.report.Close(), c.Status.Close())
	if c.memlog != nil {
		errs = append(errs, c.memlog.Close())
	}
	return errors.Join(errs...)
}

type syncWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.w.Write(p)
}
