package cluster

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// GridEngine drives Sun/Univa/Son of Grid Engine through its command line
// tools qsub, qstat, qacct and qdel.
type GridEngine struct {
	// BinDir is prepended to the tool names; empty means $PATH lookup.
	BinDir string
}

func NewGridEngine(binDir string) *GridEngine {
	return &GridEngine{BinDir: binDir}
}

func (g *GridEngine) Submit(ctx context.Context, tmpl Template) (string, error) {
	args := []string{"-terse", "-N", tmpl.JobName}
	if tmpl.OutputPath != "" {
		args = append(args, "-o", tmpl.OutputPath)
	}
	if tmpl.JoinFiles {
		args = append(args, "-j", "y")
	}
	if tmpl.WorkDir != "" {
		args = append(args, "-wd", tmpl.WorkDir)
	}
	args = append(args, strings.Fields(tmpl.NativeSpec)...)
	args = append(args, tmpl.Command)
	args = append(args, tmpl.Args...)

	out, err := g.run(ctx, "qsub", args...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	id := strings.TrimSpace(string(out))
	// array jobs are reported as 123.1-10:1
	if i := strings.IndexByte(id, '.'); i > 0 {
		id = id[:i]
	}
	if id == "" {
		return "", fmt.Errorf("%w: qsub returned no job id", ErrCommunication)
	}
	return id, nil
}

// State lists the queue and looks the job up. A job missing from the
// listing has left the queue.
func (g *GridEngine) State(ctx context.Context, id string) (State, error) {
	out, err := g.run(ctx, "qstat", "-u", "*")
	if err != nil {
		return Undetermined, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != id {
			continue
		}
		return parseQstatState(fields[4]), nil
	}
	if err := scanner.Err(); err != nil {
		return Undetermined, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	return Done, nil
}

func parseQstatState(s string) State {
	switch {
	case strings.ContainsAny(s, "Eh"):
		return Held
	case strings.ContainsAny(s, "rtRsSTd"):
		return Running
	case strings.Contains(s, "q"):
		return Queued
	default:
		return Undetermined
	}
}

// Wait reads the accounting record of a finished job. Accounting is
// written asynchronously, a missing record is a communication error.
func (g *GridEngine) Wait(ctx context.Context, id string) (ExitInfo, error) {
	out, err := g.run(ctx, "qacct", "-j", id)
	if err != nil {
		return ExitInfo{}, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	return parseQacct(out)
}

// maxSignal is the highest signal number, including realtime signals.
const maxSignal = 64

func parseQacct(out []byte) (ExitInfo, error) {
	var info ExitInfo
	var failed, status string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "failed":
			failed = fields[1]
		case "exit_status":
			status = fields[1]
		}
	}
	if status == "" {
		return info, fmt.Errorf("%w: no exit_status in accounting record", ErrCommunication)
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return info, fmt.Errorf("%w: parsing exit_status %q: %w", ErrCommunication, status, err)
	}
	if failed != "" && failed != "0" && code == 0 {
		info.Aborted = true
		return info, nil
	}
	// exit_status is 128+N for a job killed by signal N, but 255 is also an
	// ordinary exit (ssh reports transport failures that way), so the raw
	// status is kept and Code() returns it unchanged.
	info.Exited = true
	info.ExitStatus = code
	if code > 128 && code-128 <= maxSignal {
		info.Signaled = true
		info.Signal = strconv.Itoa(code - 128)
	}
	return info, nil
}

func (g *GridEngine) Terminate(ctx context.Context, id string) error {
	_, err := g.run(ctx, "qdel", id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	return nil
}

func (g *GridEngine) Close() error {
	return nil
}

func (g *GridEngine) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	path := name
	if g.BinDir != "" {
		path = filepath.Join(g.BinDir, name)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
