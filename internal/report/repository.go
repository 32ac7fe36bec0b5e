package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/CZERTAINLY/denovo/internal/model"
)

const (
	uploadPath  = "api/v1/runs"
	contentType = "application/json"
)

// RepositoryUploader posts run summaries to a report repository.
type RepositoryUploader struct {
	requestURL model.URL
	token      string
	client     *http.Client
}

func NewRepositoryUploader(serverURL model.URL, auth model.Auth) (*RepositoryUploader, error) {
	if serverURL.IsZero() || serverURL.Scheme == "" || serverURL.Host == "" {
		return nil, errors.New("please define the repository url with a scheme, e.g. `http://some-url.com`")
	}
	u := &RepositoryUploader{
		requestURL: serverURL.JoinPath(uploadPath),
		client:     &http.Client{Timeout: time.Minute},
	}
	switch auth.Type {
	case "", model.AuthTypeNone:
	case model.AuthTypeStaticToken:
		if auth.Token == "" {
			return nil, errors.New("static token is empty")
		}
		u.token = auth.Token
	default:
		return nil, fmt.Errorf("unsupported auth type %q", auth.Type)
	}
	return u, nil
}

func (c *RepositoryUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "run summary uploaded", slog.String("id", created.ID))
	return nil
}

type RunCreateResponse struct {
	ID string `json:"id"`
}

func (c *RepositoryUploader) decodeUploadResponse(resp *http.Response) (RunCreateResponse, error) {
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil && resp.StatusCode != http.StatusUnauthorized {
		return RunCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if ct != "application/json" {
			return RunCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", ct)
		}
		var rc RunCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&rc); err != nil {
			return RunCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if rc.ID == "" {
			return RunCreateResponse{}, errors.New("received unexpected body")
		}
		return rc, nil

	case http.StatusUnauthorized:
		return RunCreateResponse{}, errors.New("status code: 401, repository rejected the credentials")

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if ct != "application/problem+json" {
			return RunCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", ct)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return RunCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return RunCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return RunCreateResponse{}, err
	}
	return RunCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
