// Package stage turns configured stage definitions into the jobs of a pool.
//
// A stage is one step of the assembly pipeline. Its Kind selects how jobs
// are derived from the definition:
//
//	pairwise                       one job per partition (-partial i N)
//	refine, extension,             one job per input file
//	characterize, svdetect
//	assembly, merge                a single job over all inputs
//	refine, extension + grouped    per input a phase 0 job and a phase 1 job
//	                               contingent on it
//
// Command, result and stdout templates use {name} placeholders, see
// Placeholders.
package stage

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrUnknownKind = errors.New("unknown stage kind")
	ErrDefinition  = errors.New("invalid stage definition")
)

type Kind int

const (
	Pairwise Kind = iota + 1
	Assembly
	Refine
	Extension
	Merge
	Characterize
	SVDetect
)

var kindNames = map[Kind]string{
	Pairwise:     "pairwise",
	Assembly:     "assembly",
	Refine:       "refine",
	Extension:    "extension",
	Merge:        "merge",
	Characterize: "characterize",
	SVDetect:     "svdetect",
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// Placeholders known to command, result and stdout templates.
//
//	{input}   absolute path of the input file
//	{inputs}  all inputs, as separate arguments when it is a whole argument
//	{stem}    input file name without extension
//	{out}     output directory of the stage
//	{index}   1-based job index
//	{count}   number of jobs (partitions) of the stage
//	{phase}   0 or 1 for grouped stages, empty otherwise
//	{stage}   stage name
//	{threads} threads of the job
//	{result}  expanded result path (command only)
//	{stdout}  expanded stdout path (command only)
var Placeholders = []string{
	"input", "inputs", "stem", "out", "index", "count", "phase", "stage", "threads", "result", "stdout",
}

var placeholderRe = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// Definition is a stage of the pipeline as configured.
type Definition struct {
	Name string `mapstructure:"name" yaml:"name"`
	Kind Kind   `mapstructure:"kind" yaml:"kind"`
	// Command is the argument template of the jobs, phase 0 for grouped
	// stages.
	Command []string `mapstructure:"command" yaml:"command"`
	// Command1 is the argument template of phase 1 jobs of a grouped stage.
	Command1 []string `mapstructure:"command1" yaml:"command1,omitempty"`
	// Inputs is a doublestar glob, relative paths are resolved against the
	// pipeline output directory.
	Inputs string `mapstructure:"inputs" yaml:"inputs,omitempty"`
	// Partitions is the number of pairwise jobs.
	Partitions int    `mapstructure:"partitions" yaml:"partitions,omitempty"`
	Result     string `mapstructure:"result" yaml:"result,omitempty"`
	Stdout     string `mapstructure:"stdout" yaml:"stdout,omitempty"`
	// CaptureStdout redirects the stdout of local jobs into Stdout.
	CaptureStdout bool `mapstructure:"capture_stdout" yaml:"capture_stdout,omitempty"`
	Threads       int  `mapstructure:"threads" yaml:"threads,omitempty"`
	Throttle      bool `mapstructure:"throttle" yaml:"throttle,omitempty"`
	Grouped       bool `mapstructure:"grouped" yaml:"grouped,omitempty"`
	Background    bool `mapstructure:"background" yaml:"background,omitempty"`
	HostOffload   bool `mapstructure:"host_offload" yaml:"host_offload,omitempty"`
	// Local keeps the jobs on this host even when a cluster is configured.
	Local bool `mapstructure:"local" yaml:"local,omitempty"`
	// MaxJobs overrides the pipeline concurrency for this stage.
	MaxJobs     int  `mapstructure:"max_jobs" yaml:"max_jobs,omitempty"`
	MaxRestarts *int `mapstructure:"max_restarts" yaml:"max_restarts,omitempty"`
}

// Validate reports every problem of the definition at once.
func (d Definition) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: stage %q: %s", ErrDefinition, d.Name, fmt.Sprintf(format, args...)))
	}
	if d.Name == "" {
		add("name is empty")
	}
	if _, ok := kindNames[d.Kind]; !ok {
		add("%v", ErrUnknownKind)
	}
	if len(d.Command) == 0 {
		add("command is empty")
	}
	if d.Threads < 0 {
		add("threads must not be negative")
	}
	if d.MaxRestarts != nil && *d.MaxRestarts < 0 {
		add("max_restarts must not be negative")
	}
	if d.Inputs != "" && !doublestar.ValidatePattern(d.Inputs) {
		add("invalid inputs pattern %q", d.Inputs)
	}

	switch {
	case d.Grouped && d.Kind != Refine && d.Kind != Extension:
		add("only refine and extension stages can be grouped")
	case d.Grouped && len(d.Command1) == 0:
		add("grouped stage needs command1")
	case !d.Grouped && len(d.Command1) > 0:
		add("command1 is only used by grouped stages")
	}
	switch d.Kind {
	case Pairwise:
		if d.Partitions <= 0 {
			add("pairwise stage needs partitions > 0")
		}
	case Refine, Extension, Characterize, SVDetect:
		if d.Inputs == "" {
			add("%s stage needs inputs", d.Kind)
		}
	}

	templates := map[string][]string{
		"command":  d.Command,
		"command1": d.Command1,
		"result":   {d.Result},
		"stdout":   {d.Stdout},
	}
	for _, field := range slices.Sorted(maps.Keys(templates)) {
		for _, arg := range templates[field] {
			for _, m := range placeholderRe.FindAllStringSubmatch(arg, -1) {
				name := m[1]
				if !slices.Contains(Placeholders, name) {
					add("%s: unknown placeholder {%s}", field, name)
					continue
				}
				if field != "command" && field != "command1" && (name == "result" || name == "stdout") {
					add("%s: placeholder {%s} is only available in commands", field, name)
				}
			}
		}
	}
	if d.CaptureStdout && d.Stdout == "" {
		add("capture_stdout needs stdout")
	}
	return errors.Join(errs...)
}

// ValidateAll validates every definition and the uniqueness of stage names.
func ValidateAll(defs []Definition) error {
	var errs []error
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("%w: stage %q defined twice", ErrDefinition, d.Name))
		}
		seen[d.Name] = true
	}
	return errors.Join(errs...)
}
