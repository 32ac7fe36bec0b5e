package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var ErrMarkerMissing = errors.New("missing end marker")

// CheckMarker reports whether the file at path ends with Marker. Shared
// filesystems may publish the file late, so a failed check is repeated up
// to tries more times, delay apart. The returned error explains the last
// failed attempt.
func CheckMarker(ctx context.Context, path string, tries int, delay time.Duration) (bool, error) {
	for attempt := 0; ; attempt++ {
		err := hasMarker(path)
		if err == nil {
			return true, nil
		}
		if attempt >= tries {
			return false, err
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
	}
}

func hasMarker(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	off := info.Size() - int64(len(Marker))
	if off < 0 {
		off = 0
	}
	buf := make([]byte, len(Marker))
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if string(buf[:n]) != Marker {
		return fmt.Errorf("%w in %q (found %q)", ErrMarkerMissing, path, buf[:n])
	}
	return nil
}
