package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/collector"
	"github.com/setevik/sitesentry/internal/correlation"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/responder"
	"github.com/setevik/sitesentry/internal/risk"
)

// Malware threat-score bands.
const (
	threatEmergency  = 90
	threatQuarantine = 70
	threatMonitor    = 40
)

// Path sensitivity at or above which file activity is worth an alert.
const (
	sensitiveLocation = 0.3
	criticalConfig    = 0.8
)

// Source is the alert source for processor-raised alerts.
const Source = "event_processor"

func (p *Processor) defaultHandlers() map[event.Type]Handler {
	return map[event.Type]Handler{
		event.TypeFileChange:            p.handleFile,
		event.TypeFileCreation:          p.handleFile,
		event.TypeFileDeletion:          p.handleFileDeletion,
		event.TypeLoginAttempt:          p.handleLogin,
		event.TypeLoginFailure:          p.handleLogin,
		event.TypeLoginSuccess:          p.handleLoginSuccess,
		event.TypeAdminAction:           p.handleAdmin,
		event.TypePluginActivation:      p.handleAdmin,
		event.TypeThemeChange:           p.handleAdmin,
		event.TypeMalwareDetected:       p.handleMalware,
		event.TypeSuspiciousActivity:    p.handleSuspicious,
		event.TypeVulnerabilityDetected: p.handleVulnerability,
		event.TypeConfigurationChange:   p.handleConfigChange,
		event.TypeUserRegistration:      p.handleRegistration,
		event.TypeDatabaseQuery:         recordOnly,
		event.TypeNetworkRequest:        recordOnly,
		event.TypeErrorOccurrence:       recordOnly,
	}
}

func recordOnly(context.Context, *event.Event) (Result, error) {
	return Result{}, nil
}

func invalid(ev *event.Event, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev.Type, err)
}

// raise creates an alert for ev and records the outcome in res.
func (p *Processor) raise(ctx context.Context, ev *event.Event, res Result, req alert.Request) error {
	if p.alerts == nil {
		return nil
	}
	req.Source = Source
	req.Metadata = metadata(ev)

	out, err := p.alerts.CreateAlert(ctx, req)
	if err != nil {
		return fmt.Errorf("creating %s alert: %w", req.Type, err)
	}
	entry := map[string]any{"type": string(req.Type), "severity": string(req.Severity)}
	switch {
	case out.RateLimited:
		entry["rate_limited"] = true
		entry["retry_after"] = out.RetryAfter.String()
	case out.Duplicate:
		entry["alert_id"] = out.AlertID
		entry["duplicate"] = true
	default:
		entry["alert_id"] = out.AlertID
	}
	alerts, _ := res["alerts"].([]map[string]any)
	res["alerts"] = append(alerts, entry)
	return nil
}

// metadata captures request context at alert creation time.
func metadata(ev *event.Event) map[string]string {
	md := map[string]string{
		"event_id":       ev.ID,
		"correlation_id": ev.CorrelationID,
	}
	for _, k := range []string{event.KeyIPAddress, "user_agent", "request_uri"} {
		if v := ev.Data.String(k); v != "" {
			md[k] = v
		}
	}
	return md
}

// details keeps the non-empty values of keys from ev.Data. Only stable keys
// belong here: details feed the dedup signature.
func details(ev *event.Event, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v := ev.Data.String(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func reason(ev *event.Event) string {
	return fmt.Sprintf("%s event %s", ev.Type, ev.ID)
}

// handleFile covers file_change and file_creation: scan the file, record the
// integrity check, and alert on malware or sensitive locations.
func (p *Processor) handleFile(ctx context.Context, ev *event.Event) (Result, error) {
	fp, err := ev.Data.File()
	if err != nil {
		return nil, invalid(ev, err)
	}
	res := Result{event.KeyFilePath: fp.Path}

	malicious := false
	if finding, ok := p.scan(fp.Path); ok {
		res["malware_scan"] = map[string]any{"threat_score": finding.ThreatScore, "signatures": finding.Signatures}
		if finding.ThreatScore >= collector.ReportThreshold {
			malicious = true
			res.addAction(responder.KindQuarantineFile, fp.Path, reason(ev))
			if err := p.raise(ctx, ev, res, alert.Request{
				Type:     alert.TypeMalwareDetected,
				Severity: alert.SevCritical,
				Title:    "Malware detected in " + filepath.Base(fp.Path),
				Message: fmt.Sprintf("%s matched %s (threat score %d).",
					fp.Path, strings.Join(finding.Signatures, ", "), finding.ThreatScore),
				Details: map[string]any{event.KeyFilePath: fp.Path},
			}); err != nil {
				return nil, err
			}
		}
	} else {
		res["malware_scan"] = "skipped"
	}

	sensitivity := risk.PathSensitivity(fp.Path)
	res["integrity"] = map[string]any{
		"old_hash":    fp.OldHash,
		"new_hash":    fp.NewHash,
		"changed":     fp.OldHash != fp.NewHash,
		"sensitivity": sensitivity,
	}
	if malicious {
		return res, nil
	}

	switch {
	case ev.Type == event.TypeFileCreation && sensitivity >= sensitiveLocation:
		err = p.raise(ctx, ev, res, alert.Request{
			Type:     alert.TypeSuspiciousActivity,
			Severity: alert.SevMedium,
			Title:    "New file in sensitive location",
			Message:  fmt.Sprintf("%s was created in a sensitive location.", fp.Path),
			Details:  map[string]any{event.KeyFilePath: fp.Path, "change": "created"},
		})
	case ev.Type == event.TypeFileChange && sensitivity >= criticalConfig:
		res.addAction(responder.KindEnhancedMonitoring, fp.Path, reason(ev))
		err = p.raise(ctx, ev, res, alert.Request{
			Type:     alert.TypeIntegrityViolation,
			Severity: alert.SevHigh,
			Title:    "Configuration file modified",
			Message:  fmt.Sprintf("%s changed (hash %s -> %s).", fp.Path, short(fp.OldHash), short(fp.NewHash)),
			Details:  map[string]any{event.KeyFilePath: fp.Path, "new_hash": fp.NewHash},
		})
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	if hash == "" {
		return "-"
	}
	return hash
}

// scan runs the malware scanner when the file is reachable.
func (p *Processor) scan(path string) (collector.Finding, bool) {
	if p.scanner == nil {
		return collector.Finding{}, false
	}
	full, err := collector.SitePath(p.opts.SiteRoot, path)
	if err != nil {
		slog.Warn("refusing to scan", "path", path, "error", err)
		return collector.Finding{}, false
	}
	finding, err := p.scanner.ScanFile(full)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("malware scan failed", "path", full, "error", err)
		}
		return collector.Finding{}, false
	}
	return finding, true
}

func (p *Processor) handleFileDeletion(ctx context.Context, ev *event.Event) (Result, error) {
	fp, err := ev.Data.File()
	if err != nil {
		return nil, invalid(ev, err)
	}
	res := Result{event.KeyFilePath: fp.Path}
	if risk.PathSensitivity(fp.Path) < sensitiveLocation {
		return res, nil
	}
	err = p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeFileDeleted,
		Severity: alert.SevMedium,
		Title:    "Sensitive file deleted",
		Message:  fmt.Sprintf("%s was deleted.", fp.Path),
		Details:  map[string]any{event.KeyFilePath: fp.Path},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleMalware branches on the reported threat score.
func (p *Processor) handleMalware(ctx context.Context, ev *event.Event) (Result, error) {
	mp, err := ev.Data.Malware()
	if err != nil {
		return nil, invalid(ev, err)
	}
	res := Result{event.KeyFilePath: mp.FilePath, "threat_score": mp.ThreatScore}

	var sev alert.Severity
	switch {
	case mp.ThreatScore >= threatEmergency:
		sev = alert.SevCritical
		res.addAction(responder.KindEmergencyQuarantine, mp.FilePath, reason(ev))
	case mp.ThreatScore >= threatQuarantine:
		sev = alert.SevHigh
		res.addAction(responder.KindQuarantineFile, mp.FilePath, reason(ev))
	case mp.ThreatScore >= threatMonitor:
		sev = alert.SevMedium
		res.addAction(responder.KindEnhancedMonitoring, mp.FilePath, reason(ev))
	default:
		res["action"] = "none"
		return res, nil
	}

	msg := fmt.Sprintf("Threat score %d", mp.ThreatScore)
	if mp.FilePath != "" {
		msg += " for " + mp.FilePath
	}
	if len(mp.Signatures) > 0 {
		msg += " (" + strings.Join(mp.Signatures, ", ") + ")"
	}
	err = p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeMalwareDetected,
		Severity: sev,
		Title:    "Malware detected",
		Message:  msg + ".",
		Details:  details(ev, event.KeyFilePath),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleLogin covers login_failure and login_attempt.
func (p *Processor) handleLogin(ctx context.Context, ev *event.Event) (Result, error) {
	lp, err := ev.Data.Login()
	if err != nil {
		return nil, invalid(ev, err)
	}
	analysis, err := p.activity.Analyze(ctx, ev.Type, lp.IP, p.now())
	if err != nil {
		return nil, fmt.Errorf("analyzing login activity: %w", err)
	}
	res := Result{"analysis": analysis}
	if !analysis.BruteForce {
		return res, nil
	}

	if p.opts.BlockBruteForce {
		res.addAction(responder.KindBlockIP, lp.IP, reason(ev))
	}
	err = p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeBruteForceAttack,
		Severity: alert.SevHigh,
		Title:    "Brute force attack from " + lp.IP,
		Message:  fmt.Sprintf("%d %s events from %s in the detection window.", analysis.Recent+1, ev.Type.Label(), lp.IP),
		Details:  map[string]any{event.KeyIPAddress: lp.IP},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleLoginSuccess flags a successful login that follows a run of failures.
func (p *Processor) handleLoginSuccess(ctx context.Context, ev *event.Event) (Result, error) {
	lp, err := ev.Data.Login()
	if err != nil {
		return nil, invalid(ev, err)
	}
	failures, err := p.activity.RecentFailures(ctx, lp.IP, p.now())
	if err != nil {
		return nil, fmt.Errorf("counting login failures: %w", err)
	}
	res := Result{"recent_failures": failures}
	if failures < collector.SuccessAfterFailures {
		return res, nil
	}

	who := lp.Username
	if who == "" {
		who = lp.UserID
	}
	err = p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeSuspiciousLogin,
		Severity: alert.SevMedium,
		Title:    "Login after repeated failures",
		Message:  fmt.Sprintf("%s logged in from %s after %d failed attempts.", orUnknown(who), lp.IP, failures),
		Details:  details(ev, event.KeyIPAddress, event.KeyUsername),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown user"
	}
	return s
}

// handleSuspicious always alerts, with severity from the event's own score.
func (p *Processor) handleSuspicious(ctx context.Context, ev *event.Event) (Result, error) {
	var sev alert.Severity
	switch {
	case ev.RiskScore >= 70:
		sev = alert.SevHigh
	case ev.RiskScore >= 40:
		sev = alert.SevMedium
	default:
		sev = alert.SevLow
	}

	msg := ev.Data.String("description")
	if msg == "" {
		msg = fmt.Sprintf("Suspicious activity reported (risk score %d).", ev.RiskScore)
	}
	res := Result{"severity": string(sev)}
	err := p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeSuspiciousActivity,
		Severity: sev,
		Title:    "Suspicious activity detected",
		Message:  msg,
		Details:  details(ev, event.KeyIPAddress, event.KeyUserID, event.KeyFilePath, "description"),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleAdmin covers admin_action, plugin_activation and theme_change. Only
// risky changes alert.
func (p *Processor) handleAdmin(ctx context.Context, ev *event.Event) (Result, error) {
	res := Result{}
	if ev.RiskScore < 40 {
		return res, nil
	}
	subject := ev.Data.String("action")
	for _, k := range []string{"plugin", "theme"} {
		if v := ev.Data.String(k); v != "" {
			subject = k + " " + v
		}
	}
	if subject == "" {
		subject = ev.Type.Label()
	}
	err := p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeAdminActivity,
		Severity: alert.SevLow,
		Title:    ev.Type.Label() + " flagged",
		Message:  fmt.Sprintf("%s by %s (risk score %d).", subject, orUnknown(ev.UserID()), ev.RiskScore),
		Details:  details(ev, event.KeyUserID, "action", "plugin", "theme"),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) handleVulnerability(ctx context.Context, ev *event.Event) (Result, error) {
	sev := alert.Severity(strings.ToLower(ev.Data.String("severity")))
	if !sev.Valid() {
		sev = alert.SevHigh
	}
	component := ev.Data.String("component")
	if component == "" {
		component = "unknown component"
	}
	msg := "Vulnerability reported in " + component
	if cve := ev.Data.String("cve"); cve != "" {
		msg += " (" + cve + ")"
	}
	res := Result{"severity": string(sev)}
	err := p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeVulnerability,
		Severity: sev,
		Title:    "Vulnerability detected",
		Message:  msg + ".",
		Details:  details(ev, "component", "version", "cve"),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) handleConfigChange(ctx context.Context, ev *event.Event) (Result, error) {
	setting := ev.Data.String("setting")
	if setting == "" {
		setting = "site configuration"
	}
	res := Result{}
	err := p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeConfigurationChange,
		Severity: alert.SevMedium,
		Title:    "Configuration changed",
		Message:  fmt.Sprintf("%s changed by %s.", setting, orUnknown(ev.UserID())),
		Details:  details(ev, "setting", "new_value", event.KeyUserID),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// handleRegistration alerts only when the new account is an administrator.
func (p *Processor) handleRegistration(ctx context.Context, ev *event.Event) (Result, error) {
	res := Result{"administrator": ev.Data.IsAdministrator()}
	if !ev.Data.IsAdministrator() {
		return res, nil
	}
	err := p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeUserRegistration,
		Severity: alert.SevHigh,
		Title:    "Administrator account registered",
		Message:  fmt.Sprintf("New administrator %s registered.", orUnknown(ev.Data.String(event.KeyUsername))),
		Details:  details(ev, event.KeyUserID, event.KeyUsername),
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// raiseCorrelation alerts when correlation rules fired for ev.
func (p *Processor) raiseCorrelation(ctx context.Context, ev *event.Event, res Result) error {
	corr := ev.Correlation
	if corr == nil || len(corr.PatternsDetected) == 0 {
		return nil
	}
	patterns := append([]string(nil), corr.PatternsDetected...)
	sort.Strings(patterns)

	sev := alert.SevMedium
	if corr.HasPattern(correlation.RuleCoordinatedAttack) {
		sev = alert.SevHigh
	}
	d := map[string]any{"patterns": strings.Join(patterns, ",")}
	if ip := ev.IP(); ip != "" {
		d[event.KeyIPAddress] = ip
	}
	return p.raise(ctx, ev, res, alert.Request{
		Type:     alert.TypeCorrelationPattern,
		Severity: sev,
		Title:    "Attack pattern detected: " + strings.Join(patterns, ", "),
		Message: fmt.Sprintf("%s matched %d related events (risk +%d).",
			ev.Type.Label(), len(corr.CorrelatedEvents), corr.RiskAmplification),
		Details: d,
	})
}
