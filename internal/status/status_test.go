package status_test

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/stretchr/testify/require"
)

func TestStatusLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := status.New(&buf)

	l.Status("progress", "jobs_outstanding", "3")
	l.Status("stage", "stage_start", "pairwise", "extra \"quoted\" <&>\nnext")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Regexp(t, regexp.MustCompile(`^<progress attr="jobs_outstanding" val0="3" time="\d+\.\d"/>$`), lines[0])
	require.Regexp(t, regexp.MustCompile(`^<stage attr="stage_start" val0="pairwise" val1="extra &#34;quoted&#34; &lt;&amp;&gt;&#xA;next" time="\d+\.\d"/>$`), lines[1])

	var rec struct {
		XMLName xml.Name
		Attr    string `xml:"attr,attr"`
		Val1    string `xml:"val1,attr"`
	}
	require.NoError(t, xml.Unmarshal([]byte(lines[1]), &rec))
	require.Equal(t, "stage", rec.XMLName.Local)
	require.Equal(t, "stage_start", rec.Attr)
	require.Equal(t, "extra \"quoted\" <&>\nnext", rec.Val1)

	events := l.Events(1)
	require.Len(t, events, 1)
	require.Equal(t, "stage_start", events[0].Field)
	require.Equal(t, 1, events[0].Seq)
	require.Empty(t, l.Events(10))
}

func TestErrorLog(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    []status.Level
		then     string
	}{
		{"empty", nil, status.OutcomeSuccess},
		{"warnings only", []status.Level{status.Warning, status.Warning}, status.OutcomeSuccess},
		{"errors", []status.Level{status.Warning, status.Error}, status.OutcomeWithErrors},
		{"critical", []status.Level{status.Error, status.Critical}, status.OutcomeFailure},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			l := status.New(&buf)
			for _, lvl := range tt.given {
				l.Error(lvl, "something\nhappened")
			}
			require.Equal(t, tt.then, l.Summary().Outcome())
			require.Len(t, l.Errors(), len(tt.given))
			if len(tt.given) == 0 {
				require.Equal(t, "No errors detected\n", l.Report())
				return
			}
			require.Contains(t, buf.String(), "something happened")
			require.Contains(t, l.Report(), "Warning/Error messages:")
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "status.xml")
	l, err := status.Open(path)
	require.NoError(t, err)
	l.Error(status.Critical, "stage pairwise failed")
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(b), `<error attr="critical" val0="stage pairwise failed"`))

	status.Discard.Status("a", "b")
	status.Discard.Error(status.Error, "ignored")
}
