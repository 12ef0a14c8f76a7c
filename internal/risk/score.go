// Package risk maps events to a 0-100 risk score and tracks a rolling
// site-wide risk level.
package risk

import (
	"math"
	"path"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// MaxScore caps every risk score.
const MaxScore = 100

var baseScores = map[event.Type]int{
	event.TypeMalwareDetected:       80,
	event.TypeVulnerabilityDetected: 70,
	event.TypeSuspiciousActivity:    60,
	event.TypeFileDeletion:          45,
	event.TypeConfigurationChange:   40,
	event.TypeFileChange:            35,
	event.TypePluginActivation:      35,
	event.TypeFileCreation:          30,
	event.TypeThemeChange:           30,
	event.TypeAdminAction:           30,
	event.TypeLoginFailure:          25,
	event.TypeDatabaseQuery:         25,
	event.TypeNetworkRequest:        20,
	event.TypeUserRegistration:      15,
	event.TypeErrorOccurrence:       15,
	event.TypeLoginAttempt:          10,
	event.TypeLoginSuccess:          5,
}

// BaseScore returns the fixed per-type score. Unknown types score 10.
func BaseScore(t event.Type) int {
	if s, ok := baseScores[t]; ok {
		return s
	}
	return 10
}

// Context multiplier bonuses.
const (
	offHoursBonus  = 0.3
	nonAdminBonus  = 0.2
	maliciousBonus = 0.5
)

// PathSensitivity returns the multiplier bonus for a file path. Empty paths
// contribute nothing.
func PathSensitivity(p string) float64 {
	if p == "" {
		return 0
	}
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	switch base := path.Base(p); {
	case base == "wp-config.php" || base == "config.php" || base == ".env":
		return 1.0
	case base == ".htaccess" || base == "web.config" || base == "nginx.conf":
		return 0.8
	case strings.Contains(p, "/plugins/") || strings.Contains(p, "/mu-plugins/") || strings.Contains(p, "/extensions/"):
		return 0.6
	case strings.Contains(p, "/themes/"):
		return 0.4
	case strings.Contains(p, "/uploads/"):
		return 0.3
	default:
		return 0.1
	}
}

// Scorer computes deterministic risk scores.
type Scorer struct {
	reputation *Reputation
	loc        *time.Location
}

// NewScorer returns a scorer. Business hours are evaluated in loc; nil means
// the local zone.
func NewScorer(rep *Reputation, loc *time.Location) *Scorer {
	if rep == nil {
		rep = NewReputation(nil, 0)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scorer{reputation: rep, loc: loc}
}

// Reputation exposes the IP reputation set so responders can flag IPs.
func (s *Scorer) Reputation() *Reputation {
	return s.reputation
}

// Multiplier returns the context multiplier for ev, starting at 1.0.
func (s *Scorer) Multiplier(ev *event.Event) float64 {
	m := 1.0
	if h := ev.CreatedAt.In(s.loc).Hour(); h < 6 || h >= 22 {
		m += offHoursBonus
	}
	if !ev.Data.IsAdministrator() {
		m += nonAdminBonus
	}
	if s.reputation.IsMalicious(ev.IP()) {
		m += maliciousBonus
	}
	m += PathSensitivity(ev.FilePath())
	return m
}

// Score returns min(100, round(base x multiplier + amplification)).
func (s *Scorer) Score(ev *event.Event, corr *event.Correlation) int {
	raw := float64(BaseScore(ev.Type)) * s.Multiplier(ev)
	if corr != nil {
		raw += float64(corr.RiskAmplification)
	}
	score := int(math.Round(raw))
	if score > MaxScore {
		return MaxScore
	}
	if score < 0 {
		return 0
	}
	return score
}
