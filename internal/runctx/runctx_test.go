package runctx_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/denovo/internal/cluster"
	"github.com/CZERTAINLY/denovo/internal/model"
	"github.com/CZERTAINLY/denovo/internal/runctx"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Pipeline.OutputDir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func TestContext(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Pipeline.MemoryLog = "memory.log"
	var console bytes.Buffer

	rc, err := runctx.New(cfg, &console)
	require.NoError(t, err)
	_, err = uuid.Parse(rc.ID)
	require.NoError(t, err)

	rc.Report("printed\n", true)
	rc.Report("quiet\n", false)
	rc.Status.Status("progress", "stage_start", "pairwise")
	rc.LogMemory(t.Context(), "pairwise start")

	sess, err := rc.Session()
	require.NoError(t, err)
	require.Nil(t, sess)
	require.NoError(t, rc.Close())

	require.Equal(t, "printed\n", console.String())
	report, err := os.ReadFile(filepath.Join(cfg.Pipeline.OutputDir, "denovo_report.txt"))
	require.NoError(t, err)
	require.Equal(t, "printed\nquiet\n", string(report))

	statusFile, err := os.ReadFile(filepath.Join(cfg.Pipeline.OutputDir, "status.xml"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(statusFile), `<progress attr="stage_start" val0="pairwise" time="`))

	memlog, err := os.ReadFile(filepath.Join(cfg.Pipeline.OutputDir, "memory.log"))
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSuffix(string(memlog), "\n"), "\t")
	require.Len(t, fields, 5)
	require.Equal(t, "pairwise start", strings.TrimSpace(fields[0]))
}

func TestSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Cluster.Enabled = true
	cfg.Cluster.Scheduler = model.SchedulerSimulator

	rc, err := runctx.New(cfg, nil)
	require.NoError(t, err)
	s1, err := rc.Session()
	require.NoError(t, err)
	require.IsType(t, &cluster.Simulator{}, s1)
	s2, err := rc.Session()
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.NoError(t, rc.Close())

	cfg = testConfig(t)
	cfg.Cluster.Enabled = true
	cfg.Cluster.Scheduler = "pbs"
	rc, err = runctx.New(cfg, nil)
	require.NoError(t, err)
	_, err = rc.Session()
	require.ErrorIs(t, err, model.ErrConfig)
	require.NoError(t, rc.Close())
}

func TestPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	rc, err := runctx.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	require.Equal(t, "/abs/x", rc.Path("/abs/x"))
	require.Equal(t, filepath.Join(cfg.Pipeline.OutputDir, "x"), rc.Path("x"))
}
