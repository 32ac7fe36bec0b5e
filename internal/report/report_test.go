package report_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/denovo/internal/model"
	"github.com/CZERTAINLY/denovo/internal/report"
	"github.com/CZERTAINLY/denovo/internal/status"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

func summary() report.Summary {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return report.Summary{
		RunID:      "r1",
		Pipeline:   "human",
		StartedAt:  start,
		FinishedAt: start.Add(time.Hour),
		Elapsed:    3600,
		Outcome:    status.OutcomeWithErrors,
		Errors:     status.Summary{Warnings: 1, Errors: 1},
		Stages: []report.Stage{
			{Name: "pairwise", Kind: "pairwise", Jobs: []report.Job{{Name: "pairwise 1 of 1", Tag: "pairwise1of1", Threads: 4}}},
			{Name: "assembly", Kind: "assembly", Bypassed: true},
		},
	}
}

func TestSummaryMarshal(t *testing.T) {
	t.Parallel()
	raw, err := summary().Marshal()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, report.SchemaVersion, doc["schema"])
	require.Equal(t, "complete_with_errors", doc["outcome"])
	require.Equal(t, "2026-03-01T10:00:00Z", doc["startedAt"])
	stages := doc["stages"].([]any)
	require.Len(t, stages, 2)
	require.Equal(t, true, stages[1].(map[string]any)["bypassed"])

	raw, err = report.Summary{}.Marshal()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"stages": []`)
}

func TestDirUploader(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "reports")
	u, err := report.NewDirUploader(dir)
	require.NoError(t, err)

	require.NoError(t, u.Upload(t.Context(), []byte(`{"runId":"r1"}`)))
	require.NoError(t, u.Close())
	require.Error(t, u.Close())
	require.Error(t, u.Upload(t.Context(), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "denovo-"))
	require.True(t, strings.HasSuffix(entries[0].Name(), ".json"))
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Equal(t, `{"runId":"r1"}`, string(raw))
}

func parseURL(t *testing.T, s string) model.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return model.URL{URL: u}
}

func TestRepositoryUploader(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		switch string(b) {
		case "conflict":
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"detail":"run already stored"}`))
		case "boom":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"r1"}`))
		}
	}))
	t.Cleanup(srv.Close)

	u, err := report.NewRepositoryUploader(parseURL(t, srv.URL+"/repo"),
		model.Auth{Type: model.AuthTypeStaticToken, Token: "secret"})
	require.NoError(t, err)

	require.NoError(t, u.Upload(t.Context(), []byte(`{"runId":"r1"}`)))
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "/repo/api/v1/runs", gotPath)
	require.Equal(t, `{"runId":"r1"}`, gotBody)

	err = u.Upload(t.Context(), []byte("conflict"))
	require.EqualError(t, err, "status code: 409, detail: run already stored")

	err = u.Upload(t.Context(), []byte("boom"))
	require.EqualError(t, err, "unknown error, status: 500, body: boom")
}

func TestRepositoryUploader_Fail(t *testing.T) {
	t.Parallel()
	_, err := report.NewRepositoryUploader(model.URL{}, model.Auth{})
	require.Error(t, err)
	_, err = report.NewRepositoryUploader(parseURL(t, "localhost"), model.Auth{})
	require.Error(t, err)
	_, err = report.NewRepositoryUploader(parseURL(t, "http://localhost"), model.Auth{Type: model.AuthTypeStaticToken})
	require.Error(t, err)
	_, err = report.NewRepositoryUploader(parseURL(t, "http://localhost"), model.Auth{Type: "oauth"})
	require.Error(t, err)
}

type fakePutter struct {
	in  *s3.PutObjectInput
	raw []byte
	err error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.raw, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Uploader(t *testing.T) {
	t.Parallel()
	fake := &fakePutter{}
	u := report.NewS3UploaderWithClient(fake, "bucket", "runs/human")

	require.NoError(t, u.Upload(t.Context(), []byte(`{}`)))
	require.Equal(t, "bucket", aws.ToString(fake.in.Bucket))
	key := aws.ToString(fake.in.Key)
	require.True(t, strings.HasPrefix(key, "runs/human/denovo-"), key)
	require.Equal(t, int64(2), aws.ToInt64(fake.in.ContentLength))
	require.Equal(t, "application/json", aws.ToString(fake.in.ContentType))
	require.Equal(t, `{}`, string(fake.raw))

	fake.err = errors.New("access denied")
	require.ErrorContains(t, u.Upload(t.Context(), []byte(`{}`)), "access denied")

	_, err := report.NewS3Uploader(t.Context(), model.S3{})
	require.Error(t, err)
}

func TestUploaders(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ups, err := report.Uploaders(t.Context(), model.Upload{}, &buf)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	require.NoError(t, report.Publish(t.Context(), ups, []byte("x")))
	require.Equal(t, "x", buf.String())

	dir := t.TempDir()
	ups, err = report.Uploaders(t.Context(), model.Upload{Dir: dir}, &buf)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	require.IsType(t, &report.DirUploader{}, ups[0])
	report.Close(ups)

	_, err = report.Uploaders(t.Context(), model.Upload{
		Dir:        dir,
		Repository: &model.Repository{Auth: model.Auth{Type: "oauth"}},
	}, nil)
	require.Error(t, err)

	ups, err = report.Uploaders(t.Context(), model.Upload{}, nil)
	require.NoError(t, err)
	require.Empty(t, ups)
}
