package status

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level classifies an entry of the error log.
type Level int

const (
	Warning Level = iota
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Outcome values of the final pipeline status event.
const (
	OutcomeSuccess    = "success"
	OutcomeWithErrors = "complete_with_errors"
	OutcomeFailure    = "failure"
)

// Recorder receives progress events and error log entries.
type Recorder interface {
	Status(category, field string, values ...string)
	Error(level Level, msg string)
}

type discard struct{}

func (discard) Status(string, string, ...string) {}
func (discard) Error(Level, string)              {}

// Discard drops everything it receives.
var Discard Recorder = discard{}

type Event struct {
	Seq      int       `json:"seq"`
	Category string    `json:"category"`
	Field    string    `json:"field"`
	Values   []string  `json:"values"`
	Elapsed  float64   `json:"elapsed"`
	Time     time.Time `json:"time"`
}

type Entry struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Log appends status lines to a file and keeps every event and error
// in memory for later inspection. It is safe for concurrent use.
type Log struct {
	mx     sync.Mutex
	w      io.Writer
	closer io.Closer
	start  time.Time
	now    func() time.Time
	events []Event
	errors []Entry
}

// New returns a Log writing status lines to w. A nil w keeps
// events in memory only.
func New(w io.Writer) *Log {
	return &Log{
		w:     w,
		start: time.Now(),
		now:   time.Now,
	}
}

// Open creates (or truncates) the status file at path.
func Open(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating status log: %w", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Status records an event and appends the line
//
//	<category attr="field" val0="v0" val1="v1" time="12.3"/>
func (l *Log) Status(category, field string, values ...string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	now := l.now()
	elapsed := now.Sub(l.start).Seconds()
	l.events = append(l.events, Event{
		Seq:      len(l.events),
		Category: category,
		Field:    field,
		Values:   append([]string(nil), values...),
		Elapsed:  elapsed,
		Time:     now,
	})
	if l.w == nil {
		return
	}
	_, _ = io.WriteString(l.w, formatLine(category, field, values, elapsed))
}

func formatLine(category, field string, values []string, elapsed float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%s attr=\"%s\"", category, escape(field))
	for i, v := range values {
		fmt.Fprintf(&sb, " val%d=\"%s\"", i, escape(v))
	}
	fmt.Fprintf(&sb, " time=\"%.1f\"/>\n", elapsed)
	return sb.String()
}

// Error appends an entry to the error log. Warnings become a warning
// status line, everything else an error status line.
func (l *Log) Error(level Level, msg string) {
	msg = normalize(msg)
	l.mx.Lock()
	l.errors = append(l.errors, Entry{Level: level, Message: msg, Time: l.now()})
	l.mx.Unlock()

	if level == Warning {
		l.Status("warning", "message", msg)
		return
	}
	l.Status("error", level.String(), msg)
}

// Events returns the events with a sequence number >= from.
func (l *Log) Events(from int) []Event {
	l.mx.Lock()
	defer l.mx.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return []Event{}
	}
	return append([]Event(nil), l.events[from:]...)
}

func (l *Log) Errors() []Entry {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]Entry(nil), l.errors...)
}

func (l *Log) Summary() Summary {
	l.mx.Lock()
	defer l.mx.Unlock()
	var s Summary
	for _, e := range l.errors {
		switch e.Level {
		case Warning:
			s.Warnings++
		case Critical:
			s.Critical++
		default:
			s.Errors++
		}
	}
	return s
}

// Report renders the error log as the human readable block printed at
// the end of a run.
func (l *Log) Report() string {
	entries := l.Errors()
	if len(entries) == 0 {
		return "No errors detected\n"
	}
	var sb strings.Builder
	sb.WriteString("\nWarning/Error messages:\n")
	counts := make(map[string]int)
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s : %s\n", e.Level, e.Message)
		counts[e.Level.String()]++
	}
	s := l.Summary()
	switch {
	case s.Warnings > 0 && s.Errors+s.Critical == 0:
		sb.WriteString("\nWarning summary:\n")
	case s.Warnings > 0:
		sb.WriteString("\nWarning/Error summary:\n")
	default:
		sb.WriteString("\nError summary:\n")
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\t%d %s(s)\n", counts[k], k)
	}
	return sb.String()
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type Summary struct {
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	Critical int `json:"critical"`
}

// Outcome maps the summary to the final pipeline status.
func (s Summary) Outcome() string {
	switch {
	case s.Critical > 0:
		return OutcomeFailure
	case s.Errors > 0:
		return OutcomeWithErrors
	default:
		return OutcomeSuccess
	}
}

// normalize keeps an error message on a single line.
func normalize(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(strings.TrimSpace(s))
}

// escape quotes an attribute value; newlines become character references so
// the status file stays one record per line.
func escape(s string) string {
	var sb strings.Builder
	_ = xml.EscapeText(&sb, []byte(strings.TrimSpace(s)))
	return sb.String()
}
