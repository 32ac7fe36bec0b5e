package model

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/CZERTAINLY/denovo/internal/stage"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	SchedulerSGE       = "sge"
	SchedulerSimulator = "simulator"

	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	// EnvPrefix prefixes environment variables overriding the config file,
	// DENOVO_PIPELINE_MAX_JOBS overrides pipeline.max_jobs.
	EnvPrefix = "DENOVO"
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	Version  int                `mapstructure:"version" yaml:"version"` // fixed 0 for now
	Verbose  bool               `mapstructure:"verbose" yaml:"verbose"`
	Pipeline Pipeline           `mapstructure:"pipeline" yaml:"pipeline"`
	Cluster  Cluster            `mapstructure:"cluster" yaml:"cluster"`
	Status   Status             `mapstructure:"status" yaml:"status"`
	PerfDB   PerfDB             `mapstructure:"perfdb" yaml:"perfdb"`
	Upload   Upload             `mapstructure:"upload" yaml:"upload"`
	Stages   []stage.Definition `mapstructure:"stages" yaml:"stages"`
}

type Pipeline struct {
	Name      string `mapstructure:"name" yaml:"name"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	MaxJobs   int    `mapstructure:"max_jobs" yaml:"max_jobs"`
	// ThreadBudget bounds the sum of threads of local jobs, 0 means
	// max_jobs.
	ThreadBudget int           `mapstructure:"thread_budget" yaml:"thread_budget"`
	Throttle     int           `mapstructure:"throttle" yaml:"throttle"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Pacing       time.Duration `mapstructure:"pacing" yaml:"pacing"`
	// Bypass skips the first N stages.
	Bypass          int           `mapstructure:"bypass" yaml:"bypass"`
	Time            bool          `mapstructure:"time" yaml:"time"`
	Perf            bool          `mapstructure:"perf" yaml:"perf"`
	TimeBinary      string        `mapstructure:"time_binary" yaml:"time_binary,omitempty"`
	PerfBinary      string        `mapstructure:"perf_binary" yaml:"perf_binary,omitempty"`
	StdoutRecheck   bool          `mapstructure:"stdout_recheck" yaml:"stdout_recheck"`
	MarkerTries     int           `mapstructure:"marker_tries" yaml:"marker_tries"`
	MarkerDelay     time.Duration `mapstructure:"marker_delay" yaml:"marker_delay"`
	BackgroundLimit int           `mapstructure:"background_limit" yaml:"background_limit"`
	// ReportFile is relative to OutputDir unless absolute.
	ReportFile string `mapstructure:"report_file" yaml:"report_file"`
	// MemoryLog enables the memory log, relative to OutputDir unless
	// absolute.
	MemoryLog string `mapstructure:"memory_log" yaml:"memory_log,omitempty"`
	// Exports are exported into cluster job scripts, values go through
	// os.ExpandEnv.
	Exports map[string]string `mapstructure:"exports" yaml:"exports,omitempty"`
}

type Cluster struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Scheduler string `mapstructure:"scheduler" yaml:"scheduler"` // "sge" | "simulator"
	// BinDir holds qsub and friends, empty means $PATH.
	BinDir           string        `mapstructure:"bin_dir" yaml:"bin_dir,omitempty"`
	LogDir           string        `mapstructure:"log_dir" yaml:"log_dir"`
	NativeSpec       string        `mapstructure:"native_spec" yaml:"native_spec"`
	MaxRestarts      int           `mapstructure:"max_restarts" yaml:"max_restarts"`
	SSHExitCode      int           `mapstructure:"ssh_exit_code" yaml:"ssh_exit_code"`
	SubmitBackoff    time.Duration `mapstructure:"submit_backoff" yaml:"submit_backoff"`
	SubmitBackoffMax time.Duration `mapstructure:"submit_backoff_max" yaml:"submit_backoff_max"`
	QueryDelay       time.Duration `mapstructure:"query_delay" yaml:"query_delay"`
	HostOffload      HostOffload   `mapstructure:"host_offload" yaml:"host_offload"`
}

// HostOffload moves a fraction of the jobs of stages with host_offload
// enabled to a large memory host.
type HostOffload struct {
	Fraction       float64 `mapstructure:"fraction" yaml:"fraction"`
	Threads        int     `mapstructure:"threads" yaml:"threads"`
	NativeSpec     string  `mapstructure:"native_spec" yaml:"native_spec"`
	LargeMem       string  `mapstructure:"large_mem" yaml:"large_mem"`
	PrimaryThreads int     `mapstructure:"primary_threads" yaml:"primary_threads"`
}

type Status struct {
	// File is relative to OutputDir unless absolute.
	File string `mapstructure:"file" yaml:"file"`
	// Listen enables the status server.
	Listen *TCPAddr `mapstructure:"listen" yaml:"listen,omitempty"`
}

type PerfDB struct {
	// Path of the SQLite database, empty disables the import.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type Upload struct {
	Dir        string      `mapstructure:"dir" yaml:"dir,omitempty"`
	Repository *Repository `mapstructure:"repository" yaml:"repository,omitempty"`
	S3         *S3         `mapstructure:"s3" yaml:"s3,omitempty"`
}

// Repository publication settings.
type Repository struct {
	URL  URL  `mapstructure:"url" yaml:"url"`
	Auth Auth `mapstructure:"auth" yaml:"auth"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `mapstructure:"type" yaml:"type"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

type S3 struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// PathStyle is needed by most S3 compatible stores.
	PathStyle       bool   `mapstructure:"path_style" yaml:"path_style,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// DefaultConfig is the configuration written when none exists.
func DefaultConfig() Config {
	return Config{
		Pipeline: Pipeline{
			Name:            "denovo",
			OutputDir:       ".",
			MaxJobs:         runtime.NumCPU(),
			PollInterval:    50 * time.Millisecond,
			Pacing:          10 * time.Millisecond,
			StdoutRecheck:   true,
			MarkerTries:     20,
			MarkerDelay:     5 * time.Second,
			BackgroundLimit: 1,
			ReportFile:      "denovo_report.txt",
		},
		Cluster: Cluster{
			Scheduler:        SchedulerSGE,
			LogDir:           "cluster_logs",
			NativeSpec:       "-pe smp $numthreads",
			MaxRestarts:      3,
			SSHExitCode:      255,
			SubmitBackoff:    30 * time.Second,
			SubmitBackoffMax: 5 * time.Minute,
			QueryDelay:       5 * time.Second,
			HostOffload: HostOffload{
				Threads: 32,
			},
		},
		Status: Status{
			File: "status.xml",
		},
	}
}

// setDefaults registers DefaultConfig with v, so environment variables
// are recognized for every scalar key.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	for key, val := range map[string]any{
		"version":                       d.Version,
		"verbose":                       d.Verbose,
		"pipeline.name":                 d.Pipeline.Name,
		"pipeline.output_dir":           d.Pipeline.OutputDir,
		"pipeline.max_jobs":             d.Pipeline.MaxJobs,
		"pipeline.thread_budget":        d.Pipeline.ThreadBudget,
		"pipeline.throttle":             d.Pipeline.Throttle,
		"pipeline.poll_interval":        d.Pipeline.PollInterval,
		"pipeline.pacing":               d.Pipeline.Pacing,
		"pipeline.bypass":               d.Pipeline.Bypass,
		"pipeline.time":                 d.Pipeline.Time,
		"pipeline.perf":                 d.Pipeline.Perf,
		"pipeline.time_binary":          d.Pipeline.TimeBinary,
		"pipeline.perf_binary":          d.Pipeline.PerfBinary,
		"pipeline.stdout_recheck":       d.Pipeline.StdoutRecheck,
		"pipeline.marker_tries":         d.Pipeline.MarkerTries,
		"pipeline.marker_delay":         d.Pipeline.MarkerDelay,
		"pipeline.background_limit":     d.Pipeline.BackgroundLimit,
		"pipeline.report_file":          d.Pipeline.ReportFile,
		"pipeline.memory_log":           d.Pipeline.MemoryLog,
		"cluster.enabled":               d.Cluster.Enabled,
		"cluster.scheduler":             d.Cluster.Scheduler,
		"cluster.bin_dir":               d.Cluster.BinDir,
		"cluster.log_dir":               d.Cluster.LogDir,
		"cluster.native_spec":           d.Cluster.NativeSpec,
		"cluster.max_restarts":          d.Cluster.MaxRestarts,
		"cluster.ssh_exit_code":         d.Cluster.SSHExitCode,
		"cluster.submit_backoff":        d.Cluster.SubmitBackoff,
		"cluster.submit_backoff_max":    d.Cluster.SubmitBackoffMax,
		"cluster.query_delay":           d.Cluster.QueryDelay,
		"cluster.host_offload.fraction": d.Cluster.HostOffload.Fraction,
		"cluster.host_offload.threads":  d.Cluster.HostOffload.Threads,
		"status.file":                   d.Status.File,
		"perfdb.path":                   d.PerfDB.Path,
		"upload.dir":                    d.Upload.Dir,
	} {
		v.SetDefault(key, val)
	}
}

// DecodeHook converts durations, comma separated lists and
// encoding.TextUnmarshaler values (URL, TCPAddr, stage kinds).
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// LoadConfig reads YAML from r, applies DENOVO_* environment overrides and
// validates the result.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem of the configuration at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	if c.Version != 0 {
		add("version %d is not supported, expected 0", c.Version)
	}

	p := c.Pipeline
	if p.OutputDir == "" {
		add("pipeline.output_dir is empty")
	}
	if p.MaxJobs <= 0 {
		add("pipeline.max_jobs must be > 0")
	}
	if p.ThreadBudget < 0 {
		add("pipeline.thread_budget must not be negative")
	}
	if p.Throttle < 0 {
		add("pipeline.throttle must not be negative")
	}
	if p.Bypass < 0 || p.Bypass > len(c.Stages) {
		add("pipeline.bypass must be within 0..%d", len(c.Stages))
	}
	if p.BackgroundLimit <= 0 {
		add("pipeline.background_limit must be > 0")
	}
	if p.MarkerTries < 0 {
		add("pipeline.marker_tries must not be negative")
	}
	if p.ReportFile == "" {
		add("pipeline.report_file is empty")
	}

	cl := c.Cluster
	if cl.Enabled {
		switch cl.Scheduler {
		case SchedulerSGE, SchedulerSimulator:
		default:
			add("cluster.scheduler %q: possible values (%s,%s)", cl.Scheduler, SchedulerSGE, SchedulerSimulator)
		}
		if cl.LogDir == "" {
			add("cluster.log_dir is empty")
		}
		if cl.MaxRestarts < 0 {
			add("cluster.max_restarts must not be negative")
		}
		if cl.SSHExitCode < 0 || cl.SSHExitCode > 255 {
			add("cluster.ssh_exit_code must be within 0..255")
		}
		h := cl.HostOffload
		if h.Fraction < 0 || h.Fraction > 1 {
			add("cluster.host_offload.fraction must be within 0..1")
		}
		if h.Fraction > 0 && h.Threads <= 0 {
			add("cluster.host_offload.threads must be > 0")
		}
	}

	if c.Status.File == "" {
		add("status.file is empty")
	}

	if repo := c.Upload.Repository; repo != nil {
		if repo.URL.URL == nil || repo.URL.Host == "" {
			add("upload.repository.url is missing a host")
		}
		switch repo.Auth.Type {
		case "", AuthTypeNone:
		case AuthTypeStaticToken:
			if repo.Auth.Token == "" {
				add("upload.repository.auth.token is required for %s", AuthTypeStaticToken)
			}
		default:
			add("upload.repository.auth.type %q: possible values (%s,%s)", repo.Auth.Type, AuthTypeNone, AuthTypeStaticToken)
		}
	}
	if s3 := c.Upload.S3; s3 != nil && s3.Bucket == "" {
		add("upload.s3.bucket is empty")
	}

	if err := stage.ValidateAll(c.Stages); err != nil {
		errs = append(errs, err)
	}
	for _, d := range c.Stages {
		if d.Threads > c.Pipeline.budget() && (d.Local || !cl.Enabled) {
			add("stage %q: threads %d exceed the thread budget %d", d.Name, d.Threads, c.Pipeline.budget())
		}
	}
	return errors.Join(errs...)
}

func (p Pipeline) budget() int {
	if p.ThreadBudget > 0 {
		return p.ThreadBudget
	}
	return p.MaxJobs
}
