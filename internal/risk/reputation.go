package risk

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reputation answers whether an IP is known to be malicious. Static entries
// come from configuration and never expire; runtime entries (IPs the
// responder blocks) live in a bounded LRU.
type Reputation struct {
	static  map[string]bool
	flagged *lru.Cache[string, time.Time]
}

// NewReputation builds a reputation set from a static list and a runtime
// cache capacity.
func NewReputation(static []string, size int) *Reputation {
	if size <= 0 {
		size = 4096
	}
	cache, _ := lru.New[string, time.Time](size)
	r := &Reputation{
		static:  make(map[string]bool, len(static)),
		flagged: cache,
	}
	for _, ip := range static {
		if ip = strings.TrimSpace(ip); ip != "" {
			r.static[ip] = true
		}
	}
	return r
}

// MarkMalicious records ip as malicious from now on.
func (r *Reputation) MarkMalicious(ip string, at time.Time) {
	if ip == "" {
		return
	}
	r.flagged.Add(ip, at)
}

// IsMalicious reports whether ip is on the static list or was flagged.
func (r *Reputation) IsMalicious(ip string) bool {
	if ip == "" {
		return false
	}
	if r.static[ip] {
		return true
	}
	_, ok := r.flagged.Get(ip)
	return ok
}

// Len returns the number of known-malicious IPs.
func (r *Reputation) Len() int {
	return len(r.static) + r.flagged.Len()
}
