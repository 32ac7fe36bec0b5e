package job

import (
	"fmt"
	"strings"
	"time"
)

// FormatHours renders seconds as "%2dh %0.2fm".
func FormatHours(seconds float64) string {
	h := int(seconds / 3600)
	m := (seconds - float64(h)*3600) / 60
	return fmt.Sprintf("%2dh %0.2fm", h, m)
}

// ReportString is the line of the run report describing this job.
func (j *Job) ReportString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "   %s completed in: %6.1fs", j.Name(), j.runSeconds())
	if j.spec.ResultPath == "" {
		return sb.String()
	}
	found := "  Result Found"
	if !j.resultFound {
		found = fmt.Sprintf("  Result NOT Found: %s ", j.spec.ResultPath)
	}
	if j.spec.StdoutPath != "" && !j.stdoutComplete {
		found += fmt.Sprintf("  Stdout INCOMPLETE: %s ", j.spec.StdoutPath)
	}
	sb.WriteString(found)
	if !j.resultFound {
		sb.WriteString("\n   OFFENDING ARGUMENTS:\n")
		sb.WriteString(strings.Join(j.args, " "))
	}
	return sb.String()
}

// SimpleReportString is empty for a successful job.
func (j *Job) SimpleReportString() string {
	switch {
	case j.spec.StdoutPath != "" && !j.stdoutComplete:
		return fmt.Sprintf("Job failed: %s\n", j.spec.StdoutPath)
	case j.spec.ResultPath != "" && !j.resultFound:
		return fmt.Sprintf("Job failed: %s\n", j.spec.ResultPath)
	default:
		return ""
	}
}

// ParseHeader is the header of the machine parsable report.
func (j *Job) ParseHeader() string {
	const cols = "\tJob       \tQtime   \t"
	switch {
	case j.Time && j.Perf:
		return "time_perf_header" + cols + timeHeader + "\t" + j.stats.PerfHeader
	case j.Time:
		return "time_header" + cols + timeHeader
	case j.Perf:
		return "perf_header" + cols + j.stats.PerfHeader
	default:
		return "header" + cols
	}
}

// ParseString is the machine parsable line of this job, available once
// the job is complete.
func (j *Job) ParseString() string {
	return j.parseString
}

func (j *Job) parseLine() string {
	var sb strings.Builder
	sb.WriteString("time_")
	if j.Perf {
		sb.WriteString("perf_")
	}
	fmt.Fprintf(&sb, "line\t%-10s\t%3.5f", j.Tag(), j.runSeconds())
	if j.Time {
		sb.WriteString("\t" + j.stats.TimeString)
	}
	if j.Perf {
		sb.WriteString("\t" + j.stats.PerfString)
	}
	sb.WriteByte('\n')
	return sb.String()
}

// CommandLine is the exact command executed, instrumentation included.
func (j *Job) CommandLine() string {
	return strings.Join(j.argv(), " ")
}

func (j *Job) runSeconds() float64 {
	if j.state != Complete {
		return -1
	}
	return j.stats.RunTime.Seconds()
}

// StatusLine formats the START/STOP console lines of a pool.
func (j *Job) StatusLine(event string, running, total, finished, queued int) string {
	name := j.Name()
	if len(name) > 30 {
		name = name[:30]
	}
	line := fmt.Sprintf("   %-5s %4d: %30s, %3d Thr, %4d R, %4d T, %4d F, %4d Q",
		event, j.Seq, name, j.threads, running, total, finished, queued)
	if event != "STOP" {
		return line
	}
	st := j.stats
	line += "  TotalTime=" + FormatHours(st.RunTime.Seconds()) +
		"  RunTime=" + FormatHours(st.Elapsed()) +
		fmt.Sprintf("  CPUload=%d%%", int(st.CPUPercent))
	if st.Host != "" {
		line += " " + st.Host
	} else {
		line += " host=NA"
	}
	if st.ErrString != "" {
		line += " " + st.ErrString
	}
	return line
}

// Started returns when the job was started, zero before Start.
func (j *Job) Started() time.Time { return j.started }

// Stopped returns when the job became complete.
func (j *Job) Stopped() time.Time { return j.stopped }
