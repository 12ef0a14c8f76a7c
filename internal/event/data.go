package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known payload keys used by risk scoring and correlation.
const (
	KeyIPAddress = "ip_address"
	KeyUserID    = "user_id"
	KeyUserRole  = "user_role"
	KeyUsername  = "username"
	KeyFilePath  = "file_path"
)

// Data is the loosely-shaped payload a collector attaches to an event.
// Handlers validate the fields they need through the typed views below.
type Data map[string]any

// String returns the value at key rendered as a string, or "" if absent.
func (d Data) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Float returns a numeric value at key. Numeric strings are accepted.
func (d Data) Float(key string) (float64, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns a numeric value at key truncated to int.
func (d Data) Int(key string) (int, bool) {
	f, ok := d.Float(key)
	return int(f), ok
}

// Bool returns a boolean value at key. "true"/"1" strings are accepted.
func (d Data) Bool(key string) bool {
	switch val := d[key].(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case float64:
		return val != 0
	case int:
		return val != 0
	}
	return false
}

// Strings returns a string list at key. A single string becomes a one-element list.
func (d Data) Strings(key string) []string {
	switch val := d[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			out = append(out, fmt.Sprintf("%v", v))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	}
	return nil
}

func (d Data) IP() string       { return d.String(KeyIPAddress) }
func (d Data) UserID() string   { return d.String(KeyUserID) }
func (d Data) FilePath() string { return d.String(KeyFilePath) }

// IsAdministrator reports whether the acting user holds the administrator role.
func (d Data) IsAdministrator() bool {
	return strings.EqualFold(d.String(KeyUserRole), "administrator") || d.Bool("is_admin")
}

// FilePayload is the typed view of file_change/file_creation/file_deletion data.
type FilePayload struct {
	Path    string
	OldHash string
	NewHash string
	Size    int64
}

// File extracts the file payload. Path is required.
func (d Data) File() (FilePayload, error) {
	p := FilePayload{
		Path:    d.FilePath(),
		OldHash: d.String("old_hash"),
		NewHash: d.String("new_hash"),
	}
	if size, ok := d.Float("file_size"); ok {
		p.Size = int64(size)
	}
	if p.Path == "" {
		return p, fmt.Errorf("missing %s", KeyFilePath)
	}
	return p, nil
}

// LoginPayload is the typed view of login_* data.
type LoginPayload struct {
	IP        string
	Username  string
	UserID    string
	UserAgent string
}

// Login extracts the login payload. IP is required.
func (d Data) Login() (LoginPayload, error) {
	p := LoginPayload{
		IP:        d.IP(),
		Username:  d.String(KeyUsername),
		UserID:    d.UserID(),
		UserAgent: d.String("user_agent"),
	}
	if p.IP == "" {
		return p, fmt.Errorf("missing %s", KeyIPAddress)
	}
	return p, nil
}

// MalwarePayload is the typed view of malware_detected data.
type MalwarePayload struct {
	FilePath    string
	ThreatScore int
	Signatures  []string
}

// Malware extracts the malware payload. threat_score is required.
func (d Data) Malware() (MalwarePayload, error) {
	p := MalwarePayload{
		FilePath:   d.FilePath(),
		Signatures: d.Strings("signatures"),
	}
	score, ok := d.Int("threat_score")
	if !ok {
		return p, fmt.Errorf("missing threat_score")
	}
	p.ThreatScore = score
	return p, nil
}
