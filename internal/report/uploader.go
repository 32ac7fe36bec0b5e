package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/denovo/internal/model"
)

type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}

// Uploaders builds the publishers configured in cfg. Without any, the
// summary goes to w.
func Uploaders(ctx context.Context, cfg model.Upload, w io.Writer) ([]Uploader, error) {
	var uploaders []Uploader
	if cfg.Dir != "" {
		u, err := NewDirUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if cfg.Repository != nil {
		u, err := NewRepositoryUploader(cfg.Repository.URL, cfg.Repository.Auth)
		if err != nil {
			Close(uploaders)
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if cfg.S3 != nil {
		u, err := NewS3Uploader(ctx, *cfg.S3)
		if err != nil {
			Close(uploaders)
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if len(uploaders) == 0 && w != nil {
		uploaders = append(uploaders, NewWriteUploader(w))
	}
	return uploaders, nil
}

// Publish hands raw to every uploader and joins their errors.
func Publish(ctx context.Context, uploaders []Uploader, raw []byte) error {
	var errs []error
	for _, u := range uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the uploaders holding resources.
func Close(uploaders []Uploader) {
	for _, u := range uploaders {
		if c, ok := u.(UploadCloser); ok {
			if err := c.Close(); err != nil {
				slog.Warn("closing uploader failed", "error", err)
			}
		}
	}
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// DirUploader stores each summary as a new file inside a directory.
type DirUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewDirUploader(path string) (*DirUploader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirUploader{root: root, now: time.Now}, nil
}

func (u *DirUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "denovo-" + u.now().Format("2006-01-02-15-04-05") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating run summary: %w", err)
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving run summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run summary: %w", err)
	}
	slog.InfoContext(ctx, "run summary saved", "path", path)
	return nil
}

func (u *DirUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
