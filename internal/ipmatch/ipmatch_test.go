package ipmatch

import "testing"

func TestIsIP(t *testing.T) {
	cases := map[string]bool{
		"192.168.1.1": true,
		"::1":         true,
		"not-an-ip":   false,
		"10.0.0.0/8":  false,
	}
	for in, want := range cases {
		if got := IsIP(in); got != want {
			t.Errorf("IsIP(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsCIDR(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.0/8": true,
		"192.168.1.1": false,
		"garbage":     false,
	}
	for in, want := range cases {
		if got := IsCIDR(in); got != want {
			t.Errorf("IsCIDR(%q) = %v, want %v", in, got, want)
		}
	}
}

// T3: any IPv4 address or CIDR added to a whitelist is stored as its /24
// supernet; any IPv4 inside that /24 matches it, any outside does not.
func TestNormalizeWidensIPv4ToSlash24(t *testing.T) {
	norm, err := Normalize("192.168.1.57")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if norm != "192.168.1.0/24" {
		t.Fatalf("got %q, want 192.168.1.0/24", norm)
	}

	inside := IPInCIDR("192.168.1.200", norm)
	outside := IPInCIDR("192.168.2.1", norm)
	if !inside {
		t.Error("expected 192.168.1.200 to be inside normalized /24")
	}
	if outside {
		t.Error("expected 192.168.2.1 to be outside normalized /24")
	}
}

func TestNormalizeWidensIPv4CIDR(t *testing.T) {
	norm, err := Normalize("10.1.2.0/28")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if norm != "10.1.2.0/24" {
		t.Fatalf("got %q, want 10.1.2.0/24", norm)
	}
}

// T4: two syntactic representations of the same IPv6 address normalize
// identically.
func TestNormalizeIPv6Canonical(t *testing.T) {
	a, err := Normalize("2001:0db8:0000:0000:0000:0000:0000:0001")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize("2001:db8::1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal canonical forms, got %q and %q", a, b)
	}
	if a != "2001:db8::1/128" {
		t.Fatalf("got %q, want 2001:db8::1/128", a)
	}
}

func TestMatchFirstMatchWins(t *testing.T) {
	m := NewMatcher([]string{"10.0.0.0/8", "192.168.1.0/24"})
	ok, pattern := m.Match("192.168.1.5")
	if !ok || pattern != "192.168.1.0/24" {
		t.Fatalf("Match = (%v, %q), want (true, 192.168.1.0/24)", ok, pattern)
	}

	ok, _ = m.Match("203.0.113.1")
	if ok {
		t.Fatal("expected no match for unrelated address")
	}

	// Overlapping patterns: the earlier, wider pattern wins over the later,
	// more specific one.
	m = NewMatcher([]string{"192.168.0.0/16", "192.168.1.0/24"})
	ok, pattern = m.Match("192.168.1.5")
	if !ok || pattern != "192.168.0.0/16" {
		t.Fatalf("Match = (%v, %q), want (true, 192.168.0.0/16)", ok, pattern)
	}
}

func TestMatchFailsSoftOnGarbageIP(t *testing.T) {
	m := NewMatcher([]string{"10.0.0.0/8"})
	ok, pattern := m.Match("not-an-ip")
	if ok || pattern != "" {
		t.Fatalf("Match(garbage) = (%v, %q), want (false, \"\")", ok, pattern)
	}
}

func TestExamples(t *testing.T) {
	ips, err := Examples("192.168.1.0/30", 10)
	if err != nil {
		t.Fatalf("Examples: %v", err)
	}
	if len(ips) != 4 {
		t.Fatalf("got %d examples, want 4", len(ips))
	}
}
