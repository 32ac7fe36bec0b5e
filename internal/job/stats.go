package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	timeHeader = "Usr\tSys\tElpsd\tCPU\tMaxMem\tEndTime"
	perfLines  = 10
)

// Stats are the resource figures of a finished job.
type Stats struct {
	// RunTime includes the time spent in the scheduler queue.
	RunTime    time.Duration
	CPUTime    float64
	CPUPercent float64
	Host       string
	ErrString  string
	TimeString string
	PerfString string
	PerfHeader string
}

// Elapsed is the wall time spent running, derived from CPU time and load.
func (s Stats) Elapsed() float64 {
	if s.CPUPercent <= 0 {
		return 0
	}
	return s.CPUTime * 100 / s.CPUPercent
}

func (j *Job) parseStats(ctx context.Context) {
	text, err := j.stderrText()
	if err != nil {
		slog.WarnContext(ctx, "can't read job diagnostics", "job", j.Name(), "error", err)
	}
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	st := ParseStats(lines, j.Time, j.Perf)
	st.RunTime = j.stats.RunTime
	if !j.Time && j.local != nil && j.local.state != nil {
		ps := j.local.state
		st.CPUTime = (ps.UserTime() + ps.SystemTime()).Seconds()
		if rt := st.RunTime.Seconds(); rt > 0 {
			st.CPUPercent = st.CPUTime * 100 / rt
		}
	}
	if !j.OnCluster() && (st.Host == "" || st.Host == "host=NA") {
		st.Host, _ = os.Hostname()
	}
	j.stats = st
	j.parseString = j.parseLine()
}

// ParseStats extracts timing and host details from the diagnostics of a
// job: the output of the time wrapper, the trailing date line, the ssh
// connection notice or the host line of the wrapper script, and the
// perf stat block.
func ParseStats(lines []string, withTime, withPerf bool) Stats {
	var st Stats
	if withTime && len(lines) > 0 {
		rest := append([]string(nil), lines...)
		pop := func() string {
			if len(rest) == 0 {
				return ""
			}
			l := rest[len(rest)-1]
			rest = rest[:len(rest)-1]
			return l
		}

		date := pop()
		if f := strings.Fields(date); len(f) > 2 && f[0] == "Connection" {
			st.Host = f[2]
			date = pop()
		} else {
			st.Host = hostFromLog(rest)
		}

		cpu := pop()
		switch firstField(cpu) {
		case "Appending":
			cpu, date = date, ""
		case "Command":
			st.ErrString = cpu
			cpu, date = date, ""
		default:
			// local runs have no trailing date line
			if !isTimeLine(cpu) && isTimeLine(date) {
				cpu, date = date, ""
			}
		}

		f := strings.Fields(strings.ReplaceAll(cpu, "\"", ""))
		if isTimeLine(cpu) {
			usr, _ := strconv.ParseFloat(f[0], 64)
			sys, _ := strconv.ParseFloat(f[1], 64)
			st.CPUTime = usr + sys
			if len(f) > 3 {
				pct, err := strconv.ParseFloat(strings.TrimSuffix(f[3], "%"), 64)
				if err == nil {
					st.CPUPercent = pct
				}
			}
			st.TimeString = strings.ReplaceAll(cpu+"\t"+date, "\"", "")
		} else {
			slog.Debug("invalid time line", "line", cpu)
		}
	}
	if withPerf {
		block := lines
		if len(block) > perfLines {
			block = block[len(block)-perfLines:]
		}
		st.PerfString, st.PerfHeader = parsePerf(block)
	}
	return st
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func isTimeLine(s string) bool {
	f := strings.Fields(strings.ReplaceAll(s, "\"", ""))
	if len(f) < 2 {
		return false
	}
	_, err0 := strconv.ParseFloat(f[0], 64)
	_, err1 := strconv.ParseFloat(f[1], 64)
	return err0 == nil && err1 == nil
}

// hostTag prefixes the host line written by the wrapper script.
const hostTag = "host="

// hostFromLog returns the host recorded by the wrapper script. Logs without
// the tagged line fall back to the line printed by hostname right before
// the ulimit -a dump (bash and dash formats).
func hostFromLog(lines []string) string {
	for _, l := range lines {
		if h, ok := strings.CutPrefix(l, hostTag); ok && h != "" {
			return h
		}
	}
	for i, l := range lines {
		if strings.HasPrefix(l, "real-time non-blocking") || strings.HasPrefix(l, "core file size") || strings.HasPrefix(l, "time(seconds)") {
			if i > 0 {
				return lines[i-1]
			}
			break
		}
	}
	return "host=NA"
}

func parsePerf(block []string) (values, header string) {
	var vb, hb strings.Builder
	for _, line := range block {
		tokens := strings.Split(line, "\t")
		if v, err := strconv.ParseInt(tokens[0], 10, 64); err == nil {
			fmt.Fprintf(&vb, "%d\t", v)
		} else if v, err := strconv.ParseFloat(tokens[0], 64); err == nil {
			fmt.Fprintf(&vb, "%10.5f\t", v)
		} else {
			vb.WriteString("N/A\t")
		}
		if len(tokens) > 1 {
			hb.WriteString(tokens[1] + "\t")
		}
	}
	return strings.TrimRight(vb.String(), " \t"), strings.TrimRight(hb.String(), " \t")
}
