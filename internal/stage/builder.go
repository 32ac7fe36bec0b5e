package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/denovo/internal/job"
	"github.com/bmatcuk/doublestar/v4"
)

// Env is what the builders need from the pipeline.
type Env struct {
	OutputDir string
	// ClusterLogDir makes jobs cluster jobs unless the stage is Local.
	ClusterLogDir   string
	DefaultRestarts int
}

// Builder creates the jobs of one stage invocation.
type Builder interface {
	Build(ctx context.Context, env Env) ([]*job.Job, error)
}

// Builder dispatches on the kind of the stage.
func (d Definition) Builder() Builder {
	switch {
	case d.Grouped:
		return grouped{d}
	case d.Kind == Pairwise:
		return partitioned{d}
	case d.Kind == Assembly || d.Kind == Merge:
		return single{d}
	default:
		return perInput{d}
	}
}

// Build creates the output directory of the stage and its jobs.
func Build(ctx context.Context, d Definition, env Env) ([]*job.Job, error) {
	if err := os.MkdirAll(d.OutDir(env), 0o755); err != nil {
		return nil, fmt.Errorf("stage %s: creating output directory: %w", d.Name, err)
	}
	jobs, err := d.Builder().Build(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", d.Name, err)
	}
	slog.DebugContext(ctx, "stage jobs built", "stage", d.Name, "kind", d.Kind, "jobs", len(jobs))
	return jobs, nil
}

// OutDir is the directory the stage writes to.
func (d Definition) OutDir(env Env) string {
	return filepath.Join(env.OutputDir, d.Name)
}

// ResolveInputs returns the sorted files matching the inputs pattern.
func (d Definition) ResolveInputs(env Env) ([]string, error) {
	if d.Inputs == "" {
		return nil, nil
	}
	pattern := d.Inputs
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(env.OutputDir, pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("resolving inputs %q: %w", d.Inputs, err)
	}
	slices.Sort(matches)
	return matches, nil
}

type vars map[string]string

func (v vars) expand(s string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		if val, ok := v[m[1:len(m)-1]]; ok {
			return val
		}
		return m
	})
}

func (v vars) expandArgs(tmpl []string, inputs []string) []string {
	args := make([]string, 0, len(tmpl)+len(inputs))
	for _, a := range tmpl {
		if a == "{inputs}" {
			args = append(args, inputs...)
			continue
		}
		args = append(args, v.expand(a))
	}
	return args
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var tagReplacer = strings.NewReplacer(" ", "_", "/", "_", "\t", "_")

// tags hands out unique tags within a stage.
type tags map[string]bool

func (t tags) unique(tag string) string {
	tag = tagReplacer.Replace(tag)
	out := tag
	for i := 2; t[out]; i++ {
		out = tag + "_" + strconv.Itoa(i)
	}
	t[out] = true
	return out
}

func (d Definition) baseVars(env Env, inputs []string) vars {
	return vars{
		"out":    d.OutDir(env),
		"stage":  d.Name,
		"inputs": strings.Join(inputs, " "),
		"count":  "1",
		"phase":  "",
	}
}

func (d Definition) newJob(env Env, v vars, cmd, inputs []string, name, tag string) (*job.Job, error) {
	threads := max(d.Threads, 1)
	v["threads"] = strconv.Itoa(threads)
	result := v.expand(d.Result)
	stdout := v.expand(d.Stdout)
	v["result"] = result
	v["stdout"] = stdout

	restarts := env.DefaultRestarts
	if d.MaxRestarts != nil {
		restarts = *d.MaxRestarts
	}
	spec := job.Spec{
		Args:        v.expandArgs(cmd, inputs),
		Name:        name,
		Tag:         tag,
		ResultPath:  result,
		StdoutPath:  stdout,
		Threads:     threads,
		Throttled:   d.Throttle,
		MaxRestarts: restarts,
		Dir:         d.OutDir(env),
	}
	if env.ClusterLogDir != "" && !d.Local {
		spec.ClusterLogDir = env.ClusterLogDir
	} else if d.CaptureStdout {
		spec.StdoutFile = stdout
	}
	return job.New(spec)
}

type partitioned struct{ d Definition }

func (b partitioned) Build(_ context.Context, env Env) ([]*job.Job, error) {
	d := b.d
	inputs, err := d.ResolveInputs(env)
	if err != nil {
		return nil, err
	}
	n := d.Partitions
	jobs := make([]*job.Job, 0, n)
	for i := 1; i <= n; i++ {
		v := d.baseVars(env, inputs)
		v["index"] = strconv.Itoa(i)
		v["count"] = strconv.Itoa(n)
		j, err := d.newJob(env, v, d.Command, inputs,
			fmt.Sprintf("%s %d of %d", d.Name, i, n),
			fmt.Sprintf("%s%dof%d", d.Name, i, n))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type perInput struct{ d Definition }

func (b perInput) Build(_ context.Context, env Env) ([]*job.Job, error) {
	d := b.d
	inputs, err := d.ResolveInputs(env)
	if err != nil {
		return nil, err
	}
	seen := make(tags, len(inputs))
	jobs := make([]*job.Job, 0, len(inputs))
	for i, in := range inputs {
		v := d.baseVars(env, inputs)
		v["input"] = in
		v["stem"] = stem(in)
		v["index"] = strconv.Itoa(i + 1)
		v["count"] = strconv.Itoa(len(inputs))
		j, err := d.newJob(env, v, d.Command, inputs,
			d.Name+" "+stem(in),
			seen.unique(d.Name+"_"+stem(in)))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type single struct{ d Definition }

func (b single) Build(_ context.Context, env Env) ([]*job.Job, error) {
	d := b.d
	inputs, err := d.ResolveInputs(env)
	if err != nil {
		return nil, err
	}
	v := d.baseVars(env, inputs)
	v["index"] = "1"
	if len(inputs) > 0 {
		v["input"] = inputs[0]
		v["stem"] = stem(inputs[0])
	}
	j, err := d.newJob(env, v, d.Command, inputs, d.Name, tagReplacer.Replace(d.Name))
	if err != nil {
		return nil, err
	}
	return []*job.Job{j}, nil
}

// grouped builds, per input, a phase 0 job and a phase 1 job which is only
// admitted once its phase 0 job is complete.
type grouped struct{ d Definition }

func (b grouped) Build(_ context.Context, env Env) ([]*job.Job, error) {
	d := b.d
	inputs, err := d.ResolveInputs(env)
	if err != nil {
		return nil, err
	}
	seen := make(tags, 2*len(inputs))
	jobs := make([]*job.Job, 0, 2*len(inputs))
	for i, in := range inputs {
		var prev *job.Job
		for phase, cmd := range [][]string{d.Command, d.Command1} {
			v := d.baseVars(env, inputs)
			v["input"] = in
			v["stem"] = stem(in)
			v["index"] = strconv.Itoa(i + 1)
			v["count"] = strconv.Itoa(len(inputs))
			v["phase"] = strconv.Itoa(phase)
			j, err := d.newJob(env, v, cmd, inputs,
				fmt.Sprintf("%s%d %s", d.Name, phase, stem(in)),
				seen.unique(fmt.Sprintf("%s%d_%s", d.Name, phase, stem(in))))
			if err != nil {
				return nil, err
			}
			if prev != nil {
				if err := j.DependsOn(prev); err != nil {
					return nil, err
				}
			}
			prev = j
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
