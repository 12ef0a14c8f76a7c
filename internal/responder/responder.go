package responder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/setevik/sitesentry/internal/collector"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/store"
)

// MonitorDuration is how long a target stays under enhanced monitoring.
const MonitorDuration = 24 * time.Hour

// Recorder persists executed actions.
type Recorder interface {
	RecordAction(ctx context.Context, r store.ActionRecord) error
}

// Flagger learns about blocked IPs so later risk scores account for them.
type Flagger interface {
	MarkMalicious(ip string, at time.Time)
}

// Responder executes actions against the local site.
type Responder struct {
	cfg      config.ResponderConfig
	siteRoot string
	rec      Recorder
	flagger  Flagger
	now      func() time.Time

	mu      sync.Mutex
	watched map[string]time.Time // target -> until
}

// New creates a Responder. flagger may be nil.
func New(cfg config.ResponderConfig, siteRoot string, rec Recorder, flagger Flagger, now func() time.Time) *Responder {
	if now == nil {
		now = time.Now
	}
	return &Responder{
		cfg:      cfg,
		siteRoot: siteRoot,
		rec:      rec,
		flagger:  flagger,
		now:      now,
		watched:  make(map[string]time.Time),
	}
}

// Execute runs actions in order. A failing action is recorded and logged
// but never stops the remaining ones.
func (r *Responder) Execute(ctx context.Context, actions []Action) []store.ActionRecord {
	records := make([]store.ActionRecord, 0, len(actions))
	for _, a := range actions {
		rec := store.ActionRecord{
			ID:         uuid.NewString(),
			Kind:       string(a.Kind),
			Target:     a.Target,
			Reason:     a.Reason,
			ExecutedAt: r.now(),
		}

		if !r.cfg.Enabled {
			rec.Outcome, rec.Detail = OutcomeSkipped, "responder disabled"
		} else {
			detail, err := r.run(a)
			switch {
			case errors.Is(err, errSkipped):
				rec.Outcome, rec.Detail = OutcomeSkipped, detail
			case err != nil:
				rec.Outcome, rec.Detail = OutcomeFailed, err.Error()
				slog.Error("response action failed", "action", a.Kind, "target", a.Target, "error", err)
			default:
				rec.Outcome, rec.Detail = OutcomeOK, detail
				slog.Warn("response action executed", "action", a.Kind, "target", a.Target, "detail", detail)
			}
		}

		if r.rec != nil {
			if err := r.rec.RecordAction(ctx, rec); err != nil {
				slog.Error("recording response action", "action", a.Kind, "error", err)
			}
		}
		records = append(records, rec)
	}
	return records
}

var errSkipped = errors.New("skipped")

func (r *Responder) run(a Action) (string, error) {
	switch a.Kind {
	case KindQuarantineFile, KindEmergencyQuarantine:
		return r.quarantine(a.Target)
	case KindBlockIP:
		return r.blockIP(a.Target)
	case KindCreateBackup:
		return r.backup(a.Target)
	case KindEnhancedMonitoring:
		return r.monitor(a.Target)
	case KindIsolateSite:
		return r.isolate(a.Reason)
	default:
		return "unknown action", errSkipped
	}
}

// quarantine moves a file out of the web root and strips its permissions.
func (r *Responder) quarantine(path string) (string, error) {
	if path == "" {
		return "no file path", errSkipped
	}
	path, err := collector.SitePath(r.siteRoot, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "file not found (already removed?)", errSkipped
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	if err := os.MkdirAll(r.cfg.QuarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("creating quarantine dir: %w", err)
	}
	dest := filepath.Join(r.cfg.QuarantineDir,
		fmt.Sprintf("%s_%s.quarantine", r.now().UTC().Format("20060102T150405"), filepath.Base(path)))

	if err := os.Rename(path, dest); err != nil {
		// Cross-device moves need a copy.
		if err := copyFile(path, dest); err != nil {
			return "", fmt.Errorf("quarantining %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("removing %s after copy: %w", path, err)
		}
	}
	if err := os.Chmod(dest, 0o400); err != nil {
		return "", fmt.Errorf("chmod %s: %w", dest, err)
	}
	return "moved to " + dest, nil
}

// blockIP appends ip to the blocklist file once and flags it as malicious.
func (r *Responder) blockIP(ip string) (string, error) {
	if ip == "" {
		return "no ip address", errSkipped
	}
	if r.flagger != nil {
		r.flagger.MarkMalicious(ip, r.now())
	}
	if r.cfg.BlocklistPath == "" {
		return "no blocklist configured; flagged in memory", nil
	}

	blocked, err := readBlocklist(r.cfg.BlocklistPath)
	if err != nil {
		return "", err
	}
	if blocked[ip] {
		return "already blocked", errSkipped
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.BlocklistPath), 0o755); err != nil {
		return "", fmt.Errorf("creating blocklist dir: %w", err)
	}
	f, err := os.OpenFile(r.cfg.BlocklistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("opening blocklist: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, ip); err != nil {
		return "", fmt.Errorf("writing blocklist: %w", err)
	}
	return "added to " + r.cfg.BlocklistPath, nil
}

// Blocked returns the IPs in the blocklist file.
func (r *Responder) Blocked() ([]string, error) {
	if r.cfg.BlocklistPath == "" {
		return nil, nil
	}
	set, err := readBlocklist(r.cfg.BlocklistPath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for ip := range set {
		out = append(out, ip)
	}
	return out, nil
}

func readBlocklist(path string) (map[string]bool, error) {
	set := make(map[string]bool)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening blocklist: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			set[line] = true
		}
	}
	return set, sc.Err()
}

// backup copies a file, or the whole site root for SiteTarget, into a
// timestamped directory under the backup dir.
func (r *Responder) backup(target string) (string, error) {
	var src string
	if target == "" || target == SiteTarget {
		src = r.siteRoot
	} else {
		var err error
		if src, err = collector.SitePath(r.siteRoot, target); err != nil {
			return "", err
		}
	}
	if src == "" {
		return "no site root configured", errSkipped
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return src + " not found", errSkipped
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	dest := filepath.Join(r.cfg.BackupDir, r.now().UTC().Format("20060102T150405"), filepath.Base(src))
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return "", fmt.Errorf("creating backup dir: %w", err)
		}
		if err := copyFile(src, dest); err != nil {
			return "", err
		}
		return "copied to " + dest, nil
	}

	files := 0
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		out := filepath.Join(dest, rel)
		if d.IsDir() && p == r.cfg.BackupDir {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return os.MkdirAll(out, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files++
		return copyFile(p, out)
	})
	if err != nil {
		return "", fmt.Errorf("backing up %s: %w", src, err)
	}
	return fmt.Sprintf("copied %d files to %s", files, dest), nil
}

// monitor puts target under enhanced monitoring for MonitorDuration.
func (r *Responder) monitor(target string) (string, error) {
	if target == "" {
		target = SiteTarget
	}
	until := r.now().Add(MonitorDuration)
	r.mu.Lock()
	r.watched[target] = until
	r.mu.Unlock()
	return "monitored until " + until.UTC().Format(time.RFC3339), nil
}

// Monitored reports whether target, or the whole site, is under enhanced
// monitoring.
func (r *Responder) Monitored(target string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range []string{target, SiteTarget} {
		if until, ok := r.watched[t]; ok {
			if now.Before(until) {
				return true
			}
			delete(r.watched, t)
		}
	}
	return false
}

// Watchlist returns targets currently under enhanced monitoring.
func (r *Responder) Watchlist() map[string]time.Time {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.watched))
	for t, until := range r.watched {
		if now.Before(until) {
			out[t] = until
		}
	}
	return out
}

// isolate drops the maintenance file the web server serves instead of the site.
func (r *Responder) isolate(reason string) (string, error) {
	if r.cfg.MaintenanceFile == "" {
		return "no maintenance file configured", errSkipped
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.MaintenanceFile), 0o755); err != nil {
		return "", fmt.Errorf("creating maintenance dir: %w", err)
	}
	content := fmt.Sprintf("isolated at %s\n%s\n", r.now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(r.cfg.MaintenanceFile, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing maintenance file: %w", err)
	}
	return "maintenance file written to " + r.cfg.MaintenanceFile, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
