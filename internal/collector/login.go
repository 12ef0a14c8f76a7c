package collector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// accessLogRe matches the combined log format:
//
//	203.0.113.7 - - [01/Mar/2026:12:00:00 +0000] "POST /wp-login.php HTTP/1.1" 200 1234 "-" "curl/8.0"
var accessLogRe = regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "(\S+) (\S+)[^"]*" (\d{3}) \S+(?: "([^"]*)" "([^"]*)")?`)

const accessLogTime = "02/Jan/2006:15:04:05 -0700"

// probePaths are requests no legitimate visitor makes.
var probePaths = []string{
	"/wp-config.php",
	"/.env",
	"/.git/",
	"/phpmyadmin",
	"/wp-admin/install.php",
	"../",
}

// Request is one parsed access-log line.
type Request struct {
	IP        string
	User      string
	Time      time.Time
	Method    string
	Path      string
	Status    int
	UserAgent string
}

// ParseAccessLine parses a combined-format access log line.
func ParseAccessLine(line string) (Request, error) {
	m := accessLogRe.FindStringSubmatch(line)
	if m == nil {
		return Request{}, fmt.Errorf("not a combined log line")
	}
	ts, err := time.Parse(accessLogTime, m[3])
	if err != nil {
		return Request{}, fmt.Errorf("parsing timestamp %q: %w", m[3], err)
	}
	status, _ := strconv.Atoi(m[6])
	r := Request{
		IP:        m[1],
		Time:      ts,
		Method:    m[4],
		Path:      m[5],
		Status:    status,
		UserAgent: m[8],
	}
	if m[2] != "-" {
		r.User = m[2]
	}
	return r, nil
}

// LoginAnalyzer turns web access-log lines into login and probe events.
type LoginAnalyzer struct {
	q Queuer
}

// NewLoginAnalyzer creates an analyzer queueing into q.
func NewLoginAnalyzer(q Queuer) *LoginAnalyzer {
	return &LoginAnalyzer{q: q}
}

// Classify maps a request to an event. ok is false for uninteresting traffic.
func Classify(r Request) (t event.Type, data event.Data, p event.Priority, ok bool) {
	path := strings.ToLower(r.Path)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	data = event.Data{
		event.KeyIPAddress: r.IP,
		"path":             r.Path,
		"status":           r.Status,
		"user_agent":       r.UserAgent,
		"observed_at":      r.Time.UTC().Format(time.RFC3339),
	}
	if r.User != "" {
		data[event.KeyUsername] = r.User
	}

	switch {
	case r.Method == "POST" && path == "/wp-login.php":
		// Successful logins redirect; failures re-render the form.
		if r.Status == 302 || r.Status == 303 {
			return event.TypeLoginSuccess, data, event.PriorityMedium, true
		}
		return event.TypeLoginFailure, data, event.PriorityHigh, true
	case r.Method == "POST" && path == "/xmlrpc.php":
		return event.TypeLoginAttempt, data, event.PriorityMedium, true
	}

	for _, probe := range probePaths {
		if strings.Contains(path, probe) {
			data["probe"] = probe
			return event.TypeNetworkRequest, data, event.PriorityLow, true
		}
	}
	return "", nil, "", false
}

// HandleLine parses and queues one access-log line. Unparseable and
// uninteresting lines are ignored.
func (a *LoginAnalyzer) HandleLine(ctx context.Context, line string) (bool, error) {
	r, err := ParseAccessLine(line)
	if err != nil {
		return false, nil
	}
	t, data, p, ok := Classify(r)
	if !ok {
		return false, nil
	}
	if err := a.q.QueueEvent(ctx, t, data, p); err != nil {
		return false, fmt.Errorf("queueing %s: %w", t, err)
	}
	return true, nil
}
