package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/risk"
	"github.com/setevik/sitesentry/internal/store"
)

// Baselines stores known-good file hashes.
type Baselines interface {
	ListBaselines(ctx context.Context) ([]store.Baseline, error)
	UpsertBaseline(ctx context.Context, b store.Baseline) error
	DeleteBaseline(ctx context.Context, path string) error
}

// IntegrityReport summarizes one integrity pass.
type IntegrityReport struct {
	Checked  int
	Created  []string
	Changed  []string
	Deleted  []string
	Seeded   bool // first pass recorded baselines without raising events
	Duration time.Duration
}

// Integrity compares monitored files to their stored baselines.
type Integrity struct {
	baselines Baselines
	now       func() time.Time
}

// NewIntegrity creates an integrity checker.
func NewIntegrity(b Baselines, now func() time.Time) *Integrity {
	if now == nil {
		now = time.Now
	}
	return &Integrity{baselines: b, now: now}
}

// Check hashes every regular file under paths and queues file_creation,
// file_change and file_deletion events against the stored baselines. With
// no baselines stored it seeds them silently.
func (c *Integrity) Check(ctx context.Context, paths []string, q Queuer) (IntegrityReport, error) {
	start := c.now()
	var rep IntegrityReport

	known, err := c.baselines.ListBaselines(ctx)
	if err != nil {
		return rep, err
	}
	rep.Seeded = len(known) == 0

	byPath := make(map[string]store.Baseline, len(known))
	for _, b := range known {
		byPath[b.Path] = b
	}
	seen := make(map[string]bool)

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			seen[path] = true
			sum, size, err := hashFile(path)
			if err != nil {
				slog.Warn("hashing file", "path", path, "error", err)
				return nil
			}
			rep.Checked++

			prev, ok := byPath[path]
			switch {
			case !ok:
				if !rep.Seeded {
					rep.Created = append(rep.Created, path)
					c.queue(ctx, q, event.TypeFileCreation, event.Data{
						event.KeyFilePath: path,
						"new_hash":        sum,
						"file_size":       size,
					})
				}
			case prev.SHA256 != sum:
				rep.Changed = append(rep.Changed, path)
				c.queue(ctx, q, event.TypeFileChange, event.Data{
					event.KeyFilePath: path,
					"old_hash":        prev.SHA256,
					"new_hash":        sum,
					"file_size":       size,
				})
			default:
				return nil
			}
			return c.baselines.UpsertBaseline(ctx, store.Baseline{Path: path, SHA256: sum, Size: size, CheckedAt: c.now()})
		})
		if err != nil {
			return rep, fmt.Errorf("checking %s: %w", root, err)
		}
	}

	for _, b := range known {
		if seen[b.Path] || !underAny(b.Path, paths) {
			continue
		}
		rep.Deleted = append(rep.Deleted, b.Path)
		c.queue(ctx, q, event.TypeFileDeletion, event.Data{
			event.KeyFilePath: b.Path,
			"old_hash":        b.SHA256,
		})
		if err := c.baselines.DeleteBaseline(ctx, b.Path); err != nil {
			return rep, err
		}
	}

	rep.Duration = c.now().Sub(start)
	slog.Debug("integrity check complete",
		"checked", rep.Checked, "created", len(rep.Created),
		"changed", len(rep.Changed), "deleted", len(rep.Deleted), "seeded", rep.Seeded)
	return rep, nil
}

// queue picks the priority from path sensitivity: config files are high,
// extension code medium, everything else low.
func (c *Integrity) queue(ctx context.Context, q Queuer, t event.Type, data event.Data) {
	prio := event.PriorityLow
	switch s := risk.PathSensitivity(data.FilePath()); {
	case s >= 0.8:
		prio = event.PriorityHigh
	case s >= 0.4:
		prio = event.PriorityMedium
	}
	if err := q.QueueEvent(ctx, t, data, prio); err != nil {
		slog.Warn("queueing integrity event", "type", t, "path", data.FilePath(), "error", err)
	}
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if path == r || strings.HasPrefix(path, strings.TrimSuffix(r, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
