package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/format"
)

// Scanner threat thresholds.
const (
	ReportThreshold   = 50 // queue malware_detected at or above
	CriticalThreshold = 80 // queue with critical priority at or above
)

// Finding is the result of scanning one file.
type Finding struct {
	Path        string
	Signatures  []string
	ThreatScore int
	Size        int64
}

// Scanner matches files against malware signatures.
type Scanner struct {
	maxBytes int64
}

// NewScanner creates a scanner that reads at most maxBytes per file.
func NewScanner(maxBytes int64) *Scanner {
	if maxBytes <= 0 {
		maxBytes = 5 * format.MiB
	}
	return &Scanner{maxBytes: maxBytes}
}

// ScanFile returns the signatures matched in path. Files larger than the
// read limit are scanned up to the limit.
func (s *Scanner) ScanFile(path string) (Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return Finding{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Finding{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > s.maxBytes {
		slog.Debug("scanning truncated file", "path", path, "size", format.Size(info.Size()), "limit", format.Size(s.maxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes))
	if err != nil {
		return Finding{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return s.Scan(path, data, info.Size()), nil
}

// Scan matches content already in memory.
func (s *Scanner) Scan(path string, data []byte, size int64) Finding {
	res := Finding{Path: path, Size: size}
	for _, sig := range allSignatures {
		if sig.re.Match(data) {
			res.Signatures = append(res.Signatures, sig.name)
			res.ThreatScore += sig.weight
		}
	}
	if res.ThreatScore > 100 {
		res.ThreatScore = 100
	}
	return res
}

// ScanTree walks root and queues a malware_detected event for every file at
// or above ReportThreshold. It returns the findings that were reported.
func (s *Scanner) ScanTree(ctx context.Context, root string, q Queuer) ([]Finding, error) {
	var reported []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				slog.Debug("skipping unreadable path", "path", path)
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !scanExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		res, err := s.ScanFile(path)
		if err != nil {
			slog.Warn("scan failed", "path", path, "error", err)
			return nil
		}
		if res.ThreatScore < ReportThreshold {
			return nil
		}

		prio := event.PriorityHigh
		if res.ThreatScore >= CriticalThreshold {
			prio = event.PriorityCritical
		}
		data := event.Data{
			event.KeyFilePath: path,
			"threat_score":    res.ThreatScore,
			"signatures":      res.Signatures,
			"file_size":       res.Size,
		}
		if err := q.QueueEvent(ctx, event.TypeMalwareDetected, data, prio); err != nil {
			slog.Warn("queueing malware finding", "path", path, "error", err)
		}
		reported = append(reported, res)
		return nil
	})
	if err != nil {
		return reported, fmt.Errorf("scanning %s: %w", root, err)
	}
	return reported, nil
}
