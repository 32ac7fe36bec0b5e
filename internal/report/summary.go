// Package report renders the JSON summary of a pipeline run and publishes
// it to a directory, a report repository or an S3 bucket.
package report

import (
	"encoding/json"
	"time"

	"github.com/CZERTAINLY/denovo/internal/job"
	"github.com/CZERTAINLY/denovo/internal/status"
)

const SchemaVersion = "1"

// Summary is the document published at the end of a run.
type Summary struct {
	Schema     string         `json:"schema"`
	RunID      string         `json:"runId"`
	Pipeline   string         `json:"pipeline"`
	Hostname   string         `json:"hostname,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Elapsed    float64        `json:"elapsedSeconds"`
	Outcome    string         `json:"outcome"`
	Errors     status.Summary `json:"errors"`
	Messages   []status.Entry `json:"messages,omitempty"`
	Stages     []Stage        `json:"stages"`
}

type Stage struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Bypassed   bool    `json:"bypassed,omitempty"`
	Background bool    `json:"background,omitempty"`
	Failed     bool    `json:"failed,omitempty"`
	Elapsed    float64 `json:"elapsedSeconds"`
	CPU        float64 `json:"cpuSeconds"`
	Jobs       []Job   `json:"jobs,omitempty"`
}

type Job struct {
	Name           string  `json:"name"`
	Tag            string  `json:"tag"`
	Threads        int     `json:"threads"`
	Host           string  `json:"host,omitempty"`
	ExitCode       int     `json:"exitCode"`
	RunSeconds     float64 `json:"runSeconds"`
	CPUSeconds     float64 `json:"cpuSeconds"`
	CPUPercent     float64 `json:"cpuPercent"`
	ResultFound    bool    `json:"resultFound"`
	StdoutComplete bool    `json:"stdoutComplete"`
	Restarts       int     `json:"restarts"`
}

// FromJob captures the outcome of a finished job.
func FromJob(j *job.Job) Job {
	st := j.Stats()
	restarts := j.Spec().MaxRestarts - j.Restarts()
	if restarts < 0 {
		restarts = 0
	}
	return Job{
		Name:           j.Name(),
		Tag:            j.Tag(),
		Threads:        j.Threads(),
		Host:           st.Host,
		ExitCode:       j.ExitCode(),
		RunSeconds:     st.RunTime.Seconds(),
		CPUSeconds:     st.CPUTime,
		CPUPercent:     st.CPUPercent,
		ResultFound:    j.ResultFound(),
		StdoutComplete: j.StdoutComplete(),
		Restarts:       restarts,
	}
}

func (s Summary) Marshal() ([]byte, error) {
	if s.Schema == "" {
		s.Schema = SchemaVersion
	}
	if s.Stages == nil {
		s.Stages = []Stage{}
	}
	return json.MarshalIndent(s, "", "  ")
}
