package registry

import (
	"errors"
	"testing"
)

func target(tunnelID string) RouteTarget {
	return RouteTarget{TunnelID: tunnelID, TargetAddr: TunnelRouteAddr(tunnelID)}
}

func TestRegisterAndLookupExact(t *testing.T) {
	r := New()
	key := HttpHost("hello.example.com")

	if err := r.Register(key, target("t1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Lookup(key)
	if !ok || got.TunnelID != "t1" {
		t.Fatalf("lookup miss or wrong target: %+v, %v", got, ok)
	}
}

func TestRegisterConflictDifferentTunnel(t *testing.T) {
	r := New()
	key := HttpHost("api.example.com")

	if err := r.Register(key, target("t1")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(key, target("t2"))
	if !errors.Is(err, ErrRouteAlreadyExists) {
		t.Fatalf("expected ErrRouteAlreadyExists, got %v", err)
	}
}

func TestRegisterReconnectForceReplace(t *testing.T) {
	r := New()
	key := TcpPort(9000)

	if err := r.Register(key, RouteTarget{TunnelID: "t1", TargetAddr: "1.2.3.4:9000"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same tunnel_id re-registers (reconnect): must silently replace.
	newTarget := RouteTarget{TunnelID: "t1", TargetAddr: "5.6.7.8:9000"}
	if err := r.Register(key, newTarget); err != nil {
		t.Fatalf("reconnect register: %v", err)
	}
	got, ok := r.Lookup(key)
	if !ok || got.TargetAddr != "5.6.7.8:9000" {
		t.Fatalf("expected force-replaced target, got %+v", got)
	}
}

func TestWildcardPatternValidation(t *testing.T) {
	cases := []struct {
		pattern string
		valid   bool
	}{
		{"*.example.com", true},
		{"*.a.b.example.com", true},
		{"example.com", false},
		{"*.", false},
		{"*", false},
		{"*example.com", false},
		{"*.com", false}, // no dot after the single label, fails "at least one dot after"
	}
	for _, c := range cases {
		_, err := NewWildcardPattern(c.pattern)
		if (err == nil) != c.valid {
			t.Errorf("pattern %q: valid=%v, want %v (err=%v)", c.pattern, err == nil, c.valid, err)
		}
	}
}

func TestWildcardMatchesSingleLabel(t *testing.T) {
	p, err := NewWildcardPattern("*.example.com")
	if err != nil {
		t.Fatalf("new pattern: %v", err)
	}
	if !p.Matches("hello.example.com") {
		t.Error("expected single-label subdomain to match")
	}
	if p.Matches("a.b.example.com") {
		t.Error("deeper subdomain must NOT match")
	}
	if p.Matches("example.com") {
		t.Error("bare base domain must NOT match its own wildcard")
	}
	if p.Matches("other.com") {
		t.Error("unrelated host must not match")
	}
}

func TestLookupFallsBackToWildcard(t *testing.T) {
	r := New()
	pattern, _ := NewWildcardPattern("*.db.example.com")
	if err := r.RegisterWildcard(pattern, target("t-wild")); err != nil {
		t.Fatalf("register wildcard: %v", err)
	}

	got, ok := r.Lookup(TlsSni("primary.db.example.com"))
	if !ok || got.TunnelID != "t-wild" {
		t.Fatalf("expected wildcard fallback match, got %+v, %v", got, ok)
	}
}

func TestLookupExactBeatsWildcard(t *testing.T) {
	r := New()
	pattern, _ := NewWildcardPattern("*.example.com")
	if err := r.RegisterWildcard(pattern, target("t-wild")); err != nil {
		t.Fatalf("register wildcard: %v", err)
	}
	exactKey := HttpHost("hello.example.com")
	if err := r.Register(exactKey, target("t-exact")); err != nil {
		t.Fatalf("register exact: %v", err)
	}

	got, ok := r.Lookup(exactKey)
	if !ok || got.TunnelID != "t-exact" {
		t.Fatalf("expected exact match to win, got %+v", got)
	}
}

func TestLookupDeepSubdomainDoesNotMatchWildcard(t *testing.T) {
	r := New()
	pattern, _ := NewWildcardPattern("*.example.com")
	_ = r.RegisterWildcard(pattern, target("t-wild"))

	if _, ok := r.Lookup(HttpHost("a.b.example.com")); ok {
		t.Fatal("deep subdomain must not match single-label wildcard")
	}
}

func TestLookupBaseDomainDoesNotMatchOwnWildcard(t *testing.T) {
	r := New()
	pattern, _ := NewWildcardPattern("*.example.com")
	_ = r.RegisterWildcard(pattern, target("t-wild"))

	if _, ok := r.Lookup(HttpHost("example.com")); ok {
		t.Fatal("base domain must not match its own wildcard pattern")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	key := HttpHost("gone.example.com")
	r.Unregister(key) // absent: non-fatal
	_ = r.Register(key, target("t1"))
	r.Unregister(key)
	r.Unregister(key) // idempotent
	if r.Exists(key) {
		t.Fatal("expected route to be gone after unregister")
	}
}

func TestTcpPortKeyDistinctFromHostKey(t *testing.T) {
	r := New()
	_ = r.Register(TcpPort(8080), target("t1"))
	if r.Exists(HttpHost("8080")) {
		t.Fatal("TcpPort and HttpHost keys must not collide")
	}
}

func TestCountsAndAllRoutes(t *testing.T) {
	r := New()
	_ = r.Register(HttpHost("a.example.com"), target("t1"))
	_ = r.Register(TcpPort(1234), target("t2"))
	pattern, _ := NewWildcardPattern("*.wild.example.com")
	_ = r.RegisterWildcard(pattern, target("t3"))

	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := r.WildcardCount(); got != 1 {
		t.Errorf("WildcardCount() = %d, want 1", got)
	}
	if got := r.TotalCount(); got != 3 {
		t.Errorf("TotalCount() = %d, want 3", got)
	}
	if len(r.AllRoutes()) != 2 {
		t.Error("AllRoutes length mismatch")
	}
	if len(r.AllWildcardRoutes()) != 1 {
		t.Error("AllWildcardRoutes length mismatch")
	}
}

func TestUnregisterAllForTunnel(t *testing.T) {
	r := New()
	_ = r.Register(HttpHost("a.example.com"), target("t1"))
	_ = r.Register(TcpPort(1234), target("t1"))
	_ = r.Register(HttpHost("b.example.com"), target("t2"))
	pattern, _ := NewWildcardPattern("*.t1.example.com")
	_ = r.RegisterWildcard(pattern, target("t1"))

	r.UnregisterAllForTunnel("t1")

	if r.Exists(HttpHost("a.example.com")) || r.Exists(TcpPort(1234)) {
		t.Fatal("expected all t1 routes removed")
	}
	if !r.Exists(HttpHost("b.example.com")) {
		t.Fatal("expected t2 route to survive")
	}
	if r.WildcardExists(pattern) {
		t.Fatal("expected t1 wildcard removed")
	}
}

func TestClear(t *testing.T) {
	r := New()
	_ = r.Register(HttpHost("a.example.com"), target("t1"))
	pattern, _ := NewWildcardPattern("*.example.com")
	_ = r.RegisterWildcard(pattern, target("t1"))
	r.Clear()
	if r.TotalCount() != 0 {
		t.Fatal("expected registry empty after Clear")
	}
}

func TestParentWildcardNoLabelToDrops(t *testing.T) {
	if _, ok := ParentWildcard("localhost"); ok {
		t.Fatal("single-label host has no parent wildcard")
	}
}
