// Package archive keeps rendered reconciliation reports in a local
// directory or a Google Cloud Storage bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/option"

	"github.com/roach88/payledger/internal/config"
	"github.com/roach88/payledger/internal/reconcile"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("archive: object not found")

// Archive stores named objects.
type Archive interface {
	// Put stores body under name and returns its location.
	Put(ctx context.Context, name string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// Open returns the archive described by cfg, or nil for kind none.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "dir":
		return NewDir(cfg.Dir)
	case "gcs":
		var opts []option.ClientOption
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
		}
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix, opts...)
	default:
		return nil, fmt.Errorf("archive: unknown kind %q", cfg.Kind)
	}
}

// Dir is an archive rooted at a local directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("archive: empty directory")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("archive: invalid object name %q", name)
	}
	return filepath.Join(d.root, clean), nil
}

// Put writes the object through a temporary file so readers never see a
// partial report.
func (d *Dir) Put(_ context.Context, name string, body []byte, _ string) (string, error) {
	dst, err := d.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return dst, nil
}

func (d *Dir) Get(_ context.Context, name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return b, err
}

func (d *Dir) Close() error { return nil }

// ReportNames returns the text and JSON object names of a report.
func ReportNames(r *reconcile.Report) (text, data string) {
	const layout = "20060102T150405Z"
	base := fmt.Sprintf("reconcile/%s_%s", r.From.UTC().Format(layout), r.To.UTC().Format(layout))
	return base + ".txt", base + ".json"
}

// SaveReport stores the text rendering and the JSON form of r and returns
// the location of the text rendering.
func SaveReport(ctx context.Context, a Archive, r *reconcile.Report) (string, error) {
	textName, dataName := ReportNames(r)

	var text bytes.Buffer
	if err := r.Render(&text); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	if _, err := a.Put(ctx, dataName, append(data, '\n'), "application/json"); err != nil {
		return "", err
	}
	return a.Put(ctx, textName, text.Bytes(), "text/plain; charset=utf-8")
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
