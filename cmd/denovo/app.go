package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"

	"github.com/CZERTAINLY/denovo/internal/model"
	"github.com/CZERTAINLY/denovo/internal/perfdb"
	"github.com/CZERTAINLY/denovo/internal/pipeline"
	"github.com/CZERTAINLY/denovo/internal/report"
	"github.com/CZERTAINLY/denovo/internal/runctx"
	"github.com/CZERTAINLY/denovo/internal/statusserver"
	"golang.org/x/sync/errgroup"
)

// app wires the run context, the perf database, the uploaders and the
// status server around one pipeline run.
type app struct {
	rc        *runctx.Context
	db        *perfdb.DB
	uploaders []report.Uploader
}

func newApp(ctx context.Context, cfg model.Config, console io.Writer, printSummary bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc, err := runctx.New(cfg, console)
	if err != nil {
		return nil, err
	}
	a := &app{rc: rc}

	if cfg.PerfDB.Path != "" {
		a.db, err = perfdb.Open(ctx, rc.Path(cfg.PerfDB.Path))
		if err != nil {
			_ = a.close()
			return nil, err
		}
	}
	var summaryOut io.Writer
	if printSummary {
		summaryOut = console
	}
	a.uploaders, err = report.Uploaders(ctx, cfg.Upload, summaryOut)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("configuring uploads: %w", err)
	}
	return a, nil
}

func (a *app) run(ctx context.Context) (err error) {
	defer func() {
		err = errors.Join(err, a.close())
	}()

	opts := []pipeline.Option{pipeline.WithUploaders(a.uploaders...)}
	if a.db != nil {
		opts = append(opts, pipeline.WithPerfDB(a.db))
	}
	ctrl := pipeline.New(a.rc, opts...)

	listenAddr := a.rc.Config.Status.Listen
	if listenAddr.AsTCPAddr() == nil {
		_, err := ctrl.Run(ctx)
		return err
	}

	ln, err := listen(listenAddr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(srvCtx)
	g.Go(func() error {
		return statusserver.New(a.rc.Status, a.rc.ID).Serve(gctx, ln)
	})

	_, runErr := ctrl.Run(ctx)
	stopServer()
	if err := g.Wait(); err != nil {
		slog.WarnContext(ctx, "status server failed", "error", err)
	}
	return runErr
}

func (a *app) close() error {
	report.Close(a.uploaders)
	a.uploaders = nil
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	if a.rc != nil {
		errs = append(errs, a.rc.Close())
		a.rc = nil
	}
	return errors.Join(errs...)
}

func printStats(ctx context.Context, w io.Writer, cfg model.Config, runID string) error {
	if cfg.PerfDB.Path == "" {
		return errors.New("perfdb.path is not configured")
	}
	path := cfg.PerfDB.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Pipeline.OutputDir, path)
	}
	db, err := perfdb.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	var run perfdb.Run
	if runID == "" {
		run, err = db.LatestRun(ctx)
		if err != nil {
			return err
		}
	} else {
		runs, err := db.Runs(ctx)
		if err != nil {
			return err
		}
		found := false
		for _, r := range runs {
			if r.ID == runID {
				run, found = r, true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", perfdb.ErrNotFound, runID)
		}
	}

	summaries, err := db.StageSummaries(ctx, run.ID)
	if err != nil {
		return err
	}
	outcome := run.Outcome
	if outcome == "" {
		outcome = "unfinished"
	}
	fmt.Fprintf(w, "run:     %s (%s)\nstarted: %s\noutcome: %s\n\n", run.ID, run.Name, run.StartedAt.Local().Format("2006-01-02 15:04:05"), outcome)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tJOBS\tFAILED\tRUN (s)\tMAX RUN (s)\tCPU (s)")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%.1f\t%.1f\n", s.Stage, s.Jobs, s.Failed, s.RunSeconds, s.MaxRunSeconds, s.CPUSeconds)
	}
	return tw.Flush()
}
