package security

import (
	"net/netip"
	"testing"
)

func TestIntrusionSQLInjection(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.7")

	res := d.Check(ip, IntrusionSignal{
		Path:      "/v1/models",
		Query:     "id=1' OR '1'='1",
		Method:    "GET",
		UserAgent: "curl/8.0",
	})
	if res.Score < weightSQLInjection {
		t.Errorf("expected score >= %d for SQL injection, got %d", weightSQLInjection, res.Score)
	}
	hasRule := false
	for _, r := range res.Rules {
		if r == "sql_injection" {
			hasRule = true
		}
	}
	if !hasRule {
		t.Errorf("expected sql_injection rule, got %v", res.Rules)
	}
}

func TestIntrusionPathTraversal(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.8")

	for _, path := range []string{"/../../etc/passwd", "/a/%2e%2e/b", `/a\..\b`} {
		res := d.Check(ip, IntrusionSignal{Path: path, Method: "GET", UserAgent: "x"})
		found := false
		for _, r := range res.Rules {
			if r == "path_traversal" {
				found = true
			}
		}
		if !found {
			t.Errorf("path %q should fire path_traversal, rules=%v", path, res.Rules)
		}
	}
}

func TestIntrusionUserAgentRules(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.9")

	res := d.Check(ip, IntrusionSignal{Path: "/", Method: "GET", UserAgent: "sqlmap/1.7"})
	if res.Score != weightSuspiciousUA {
		t.Errorf("expected %d for scanner UA, got %d", weightSuspiciousUA, res.Score)
	}

	res = d.Check(ip, IntrusionSignal{Path: "/", Method: "GET", UserAgent: ""})
	if res.Score != weightEmptyUA {
		t.Errorf("expected %d for empty UA, got %d", weightEmptyUA, res.Score)
	}
}

func TestIntrusionUnusualMethod(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.10")

	res := d.Check(ip, IntrusionSignal{Path: "/", Method: "TRACE", UserAgent: "x"})
	if res.Score != weightUnusualMethod {
		t.Errorf("expected %d for TRACE, got %d", weightUnusualMethod, res.Score)
	}
	res = d.Check(ip, IntrusionSignal{Path: "/", Method: "POST", UserAgent: "x"})
	if res.Score != 0 {
		t.Errorf("POST should not fire, got %d", res.Score)
	}
}

func TestIntrusionMultipleRulesOneRequest(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.11")

	res := d.Check(ip, IntrusionSignal{
		Path:      "/../admin",
		Query:     "q=union select 1",
		Method:    "CONNECT",
		UserAgent: "",
	})
	want := weightSQLInjection + weightPathTraversal + weightEmptyUA + weightUnusualMethod
	if res.Score != want {
		t.Errorf("expected combined score %d, got %d (rules %v)", want, res.Score, res.Rules)
	}
}

func TestIntrusionCumulativeBlock(t *testing.T) {
	d := NewIntrusionDetector()
	ip := netip.MustParseAddr("203.0.113.12")

	var res IntrusionResult
	for i := 0; i < 5; i++ {
		res = d.Check(ip, IntrusionSignal{Path: "/", Query: "x=' OR 1=1", Method: "GET", UserAgent: "x"})
	}
	if res.Cumulative < IntrusionBlockThreshold {
		t.Fatalf("expected cumulative >= %d, got %d", IntrusionBlockThreshold, res.Cumulative)
	}
	if !res.Block {
		t.Error("expected block decision at threshold")
	}

	d.Reset(ip)
	if d.Score(ip) != 0 {
		t.Error("reset should zero the score")
	}
}
