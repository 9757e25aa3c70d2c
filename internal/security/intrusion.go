package security

import (
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Intrusion rule weights.
const (
	weightSQLInjection  = 20
	weightPathTraversal = 20
	weightSuspiciousUA  = 10
	weightEmptyUA       = 10
	weightUnusualMethod = 10

	// IntrusionBlockThreshold is the cumulative score at which an IP
	// is handed to the blocklist.
	IntrusionBlockThreshold = 100
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)('\s*or\s)|(union\s+select)|(;\s*drop\s)|(--\s*$)|('\s*=\s*')|(\bor\b\s+'?1'?\s*=\s*'?1)`)
	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./)|(\.\.\\)|(%2e%2e)|(\.\.%2f)|(%252e)`)

	suspiciousAgents = []string{
		"sqlmap", "nikto", "nmap", "masscan", "zgrab", "gobuster",
		"dirbuster", "wpscan", "hydra", "metasploit", "nessus", "acunetix",
	}

	allowedMethods = map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"HEAD": true, "OPTIONS": true, "PATCH": true,
	}
)

// IntrusionSignal is one request's worth of inspected material.
type IntrusionSignal struct {
	Path      string
	Query     string
	Method    string
	UserAgent string
}

// IntrusionResult reports the fired rules and the IP's cumulative score.
type IntrusionResult struct {
	Score      int
	Cumulative int
	Rules      []string
	Block      bool
}

type intrusionEntry struct {
	score    int
	lastSeen time.Time
}

// IntrusionDetector pattern-matches request material against the
// known-attack rules and accumulates a per-IP score.
type IntrusionDetector struct {
	mu      sync.Mutex
	entries map[netip.Addr]*intrusionEntry
	ttl     time.Duration
}

// NewIntrusionDetector creates a detector with an hour of score memory.
func NewIntrusionDetector() *IntrusionDetector {
	return &IntrusionDetector{
		entries: make(map[netip.Addr]*intrusionEntry),
		ttl:     time.Hour,
	}
}

// Check scores one request. A single request may fire several rules;
// the sum lands on the IP's cumulative score. Block is set once the
// cumulative score reaches the threshold.
func (d *IntrusionDetector) Check(ip netip.Addr, sig IntrusionSignal) IntrusionResult {
	var score int
	var rules []string

	target := sig.Path
	if sig.Query != "" {
		target += "?" + sig.Query
	}
	if sqlInjectionPattern.MatchString(target) {
		score += weightSQLInjection
		rules = append(rules, "sql_injection")
	}
	if pathTraversalPattern.MatchString(target) {
		score += weightPathTraversal
		rules = append(rules, "path_traversal")
	}

	ua := strings.ToLower(strings.TrimSpace(sig.UserAgent))
	if ua == "" {
		score += weightEmptyUA
		rules = append(rules, "empty_user_agent")
	} else {
		for _, agent := range suspiciousAgents {
			if strings.Contains(ua, agent) {
				score += weightSuspiciousUA
				rules = append(rules, "suspicious_user_agent")
				break
			}
		}
	}

	if !allowedMethods[sig.Method] {
		score += weightUnusualMethod
		rules = append(rules, "unusual_method")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[ip]
	if !ok {
		entry = &intrusionEntry{}
		d.entries[ip] = entry
	}
	entry.score += score
	entry.lastSeen = time.Now()

	return IntrusionResult{
		Score:      score,
		Cumulative: entry.score,
		Rules:      rules,
		Block:      entry.score >= IntrusionBlockThreshold,
	}
}

// Score returns the cumulative score for an IP.
func (d *IntrusionDetector) Score(ip netip.Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[ip]; ok {
		return entry.score
	}
	return 0
}

// Reset clears the score for an IP, used by unblock.
func (d *IntrusionDetector) Reset(ip netip.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, ip)
}

// Reap drops entries idle past the TTL.
func (d *IntrusionDetector) Reap() {
	cutoff := time.Now().Add(-d.ttl)
	d.mu.Lock()
	defer d.mu.Unlock()
	for ip, entry := range d.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(d.entries, ip)
		}
	}
}
