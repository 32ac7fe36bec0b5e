package stage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/denovo/internal/job"
	"github.com/CZERTAINLY/denovo/internal/stage"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		given string
		then  stage.Kind
	}{
		{"pairwise", stage.Pairwise},
		{"Assembly", stage.Assembly},
		{"REFINE", stage.Refine},
		{"extension", stage.Extension},
		{"merge", stage.Merge},
		{"characterize", stage.Characterize},
		{"svdetect", stage.SVDetect},
	}
	for _, tc := range tests {
		t.Run(tc.given, func(t *testing.T) {
			k, err := stage.ParseKind(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, k)
			text, err := k.MarshalText()
			require.NoError(t, err)
			require.Equal(t, k.String(), string(text))
		})
	}

	var k stage.Kind
	require.ErrorIs(t, k.UnmarshalText([]byte("refinement")), stage.ErrUnknownKind)
	_, err := k.MarshalText()
	require.ErrorIs(t, err, stage.ErrUnknownKind)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := stage.Definition{
		Name:    "refineA",
		Kind:    stage.Refine,
		Command: []string{"RefAligner", "-i", "{input}", "-o", "{out}/{stem}"},
		Inputs:  "assembly/*.cmap",
		Result:  "{out}/{stem}.cmap",
		Stdout:  "{out}/{stem}.stdout",
	}
	require.NoError(t, valid.Validate())

	var tests = []struct {
		name   string
		modify func(*stage.Definition)
		msg    string
	}{
		{"no name", func(d *stage.Definition) { d.Name = "" }, "name is empty"},
		{"no kind", func(d *stage.Definition) { d.Kind = 0 }, "unknown stage kind"},
		{"no command", func(d *stage.Definition) { d.Command = nil }, "command is empty"},
		{"no inputs", func(d *stage.Definition) { d.Inputs = "" }, "refine stage needs inputs"},
		{"bad glob", func(d *stage.Definition) { d.Inputs = "assembly/[*.cmap" }, "invalid inputs pattern"},
		{"unknown placeholder", func(d *stage.Definition) { d.Command = []string{"x", "{contig}"} }, "unknown placeholder {contig}"},
		{"result in result", func(d *stage.Definition) { d.Stdout = "{result}.stdout" }, "only available in commands"},
		{"grouped merge", func(d *stage.Definition) { d.Kind = stage.Merge; d.Grouped = true; d.Command1 = []string{"x"} }, "only refine and extension"},
		{"grouped no command1", func(d *stage.Definition) { d.Grouped = true }, "needs command1"},
		{"stray command1", func(d *stage.Definition) { d.Command1 = []string{"x"} }, "only used by grouped"},
		{"pairwise partitions", func(d *stage.Definition) { d.Kind = stage.Pairwise }, "partitions > 0"},
		{"negative restarts", func(d *stage.Definition) { n := -1; d.MaxRestarts = &n }, "max_restarts"},
		{"capture", func(d *stage.Definition) { d.Stdout = ""; d.CaptureStdout = true }, "capture_stdout needs stdout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := valid
			tc.modify(&d)
			err := d.Validate()
			require.ErrorIs(t, err, stage.ErrDefinition)
			require.ErrorContains(t, err, tc.msg)
		})
	}

	err := stage.ValidateAll([]stage.Definition{valid, valid})
	require.ErrorContains(t, err, `stage "refineA" defined twice`)
}

func writeInputs(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
}

func TestBuildPerInput(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeInputs(t, root, "assembly/b.cmap", "assembly/a.cmap", "assembly/a.xmap", "assembly/sub/c.cmap")

	d := stage.Definition{
		Name:    "refineA",
		Kind:    stage.Refine,
		Command: []string{"RefAligner", "-i", "{input}", "-o", "{out}/{stem}", "-maxthreads", "{threads}", "-stdout", "{stdout}"},
		Inputs:  "assembly/**/*.cmap",
		Result:  "{out}/{stem}_refined.cmap",
		Stdout:  "{out}/{stem}.stdout",
		Threads: 4,
	}
	require.NoError(t, d.Validate())
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: root, DefaultRestarts: 2})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.DirExists(t, filepath.Join(root, "refineA"))

	out := filepath.Join(root, "refineA")
	first := jobs[0]
	require.Equal(t, "refineA a", first.Name())
	require.Equal(t, "refineA_a", first.Tag())
	require.Equal(t, 4, first.Threads())
	require.Equal(t, 2, first.Restarts())
	require.False(t, first.OnCluster())
	require.Equal(t, []string{
		"RefAligner", "-i", filepath.Join(root, "assembly/a.cmap"),
		"-o", out + "/a", "-maxthreads", "4", "-stdout", out + "/a.stdout",
	}, first.Args())
	require.Equal(t, out+"/a_refined.cmap", first.Spec().ResultPath)
	require.Equal(t, "refineA_b", jobs[1].Tag())
	require.Equal(t, "refineA_c", jobs[2].Tag())
}

func TestBuildNoInputs(t *testing.T) {
	t.Parallel()
	d := stage.Definition{
		Name:    "characterize",
		Kind:    stage.Characterize,
		Command: []string{"RefAligner", "{input}"},
		Inputs:  "nothing/*.cmap",
	}
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestBuildPartitioned(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	n := 1
	d := stage.Definition{
		Name:        "pairwise",
		Kind:        stage.Pairwise,
		Command:     []string{"RefAligner", "-partial", "{index}", "{count}", "-o", "{out}/pairwise{index}of{count}"},
		Partitions:  3,
		Result:      "{out}/pairwise{index}of{count}.align",
		Throttle:    true,
		MaxRestarts: &n,
	}
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: root, ClusterLogDir: filepath.Join(root, "logs"), DefaultRestarts: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "pairwise 2 of 3", jobs[1].Name())
	require.Equal(t, "pairwise2of3", jobs[1].Tag())
	require.Equal(t, []string{"RefAligner", "-partial", "2", "3", "-o", filepath.Join(root, "pairwise") + "/pairwise2of3"}, jobs[1].Args())
	require.True(t, jobs[1].Throttled())
	require.True(t, jobs[1].OnCluster())
	require.Equal(t, 1, jobs[1].Restarts())
}

func TestBuildSingle(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeInputs(t, root, "pairwise/p2.align", "pairwise/p1.align")
	d := stage.Definition{
		Name:    "assembly",
		Kind:    stage.Assembly,
		Command: []string{"Assembler", "-a", "{inputs}", "-o", "{out}/exp", "-list", "{inputs}.txt"},
		Inputs:  "pairwise/*.align",
		Local:   true,
	}
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: root, ClusterLogDir: filepath.Join(root, "logs")})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	p1, p2 := filepath.Join(root, "pairwise/p1.align"), filepath.Join(root, "pairwise/p2.align")
	require.Equal(t, []string{"Assembler", "-a", p1, p2, "-o", filepath.Join(root, "assembly") + "/exp", "-list", p1 + " " + p2 + ".txt"}, jobs[0].Args())
	require.False(t, jobs[0].OnCluster())
	require.Equal(t, "assembly", jobs[0].Tag())
}

func TestBuildGrouped(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeInputs(t, root, "groups/g1.cmap", "groups/g2.cmap")
	d := stage.Definition{
		Name:     "refineB",
		Kind:     stage.Refine,
		Grouped:  true,
		Command:  []string{"RefAligner", "-refine", "0", "-i", "{input}", "-o", "{out}/{stem}_{phase}"},
		Command1: []string{"RefAligner", "-refine", "1", "-i", "{out}/{stem}_0_mapped.bnx"},
		Inputs:   "groups/*.cmap",
		Stdout:   "{out}/{stem}_{phase}.stdout",
	}
	require.NoError(t, d.Validate())
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: root})
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	tags := make([]string, 0, len(jobs))
	for _, j := range jobs {
		tags = append(tags, j.Tag())
	}
	require.Equal(t, []string{"refineB0_g1", "refineB1_g1", "refineB0_g2", "refineB1_g2"}, tags)
	require.Nil(t, jobs[0].Predecessor())
	require.Same(t, jobs[0], jobs[1].Predecessor())
	require.Same(t, jobs[2], jobs[3].Predecessor())
	require.False(t, jobs[1].Ready())
	out := filepath.Join(root, "refineB")
	require.Equal(t, out+"/g1_1.stdout", jobs[1].Spec().StdoutPath)
	require.Equal(t, "RefAligner -refine 1 -i "+out+"/g1_0_mapped.bnx", jobs[1].CommandLine())
	require.Equal(t, job.NotStarted, jobs[1].State())
}

func TestCaptureStdout(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	d := stage.Definition{
		Name:          "merge",
		Kind:          stage.Merge,
		Command:       []string{"sh", "-c", "echo merged"},
		Stdout:        "{out}/merge.stdout",
		CaptureStdout: true,
	}
	jobs, err := stage.Build(t.Context(), d, stage.Env{OutputDir: root})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "merge", "merge.stdout"), jobs[0].Spec().StdoutFile)

	jobs, err = stage.Build(t.Context(), d, stage.Env{OutputDir: root, ClusterLogDir: root})
	require.NoError(t, err)
	require.Empty(t, jobs[0].Spec().StdoutFile)
}
