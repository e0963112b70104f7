package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

const defaultRemoteTimeout = 5 * time.Minute

func isRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// openRemote downloads rawURL to a temporary file that keeps the URL's file
// name and opens it like a local path. Closing the source removes the file.
func openRemote(ctx context.Context, rawURL, hint string, opts Options) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	dir, err := os.MkdirTemp("", "gridetl-remote-*")
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "download"
	}
	local := dir + string(os.PathSeparator) + name

	if err := download(ctx, rawURL, local, opts); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if u.Fragment != "" {
		local += "#" + u.Fragment
	}

	src, err := Open(ctx, local, hint, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	opts.logger().Debug("downloaded remote source", "url", rawURL, "path", local)
	return &tempSource{Source: src, dir: dir}, nil
}

func download(ctx context.Context, rawURL, dst string, opts Options) error {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.RemoteTimeout
		if timeout <= 0 {
			timeout = defaultRemoteTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return &domain.TimeoutError{Op: "download", Path: rawURL, Err: err}
		}
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("download %s: status %d: %s", rawURL, resp.StatusCode, body)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		if isTimeout(ctx, err) {
			return &domain.TimeoutError{Op: "download", Path: rawURL, Err: err}
		}
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return f.Close()
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

type tempSource struct {
	Source
	dir string
}

func (s *tempSource) Close() error {
	err := s.Source.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return err
}
