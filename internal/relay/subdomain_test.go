package relay

import "testing"

func TestGenerateSubdomainDeterministic(t *testing.T) {
	a := GenerateSubdomain("my-tunnel-123", "192.168.1.100")
	b := GenerateSubdomain("my-tunnel-123", "192.168.1.100")
	if a != b {
		t.Errorf("expected stable output, got %q and %q", a, b)
	}
}

func TestGenerateSubdomainDifferentTunnelIDs(t *testing.T) {
	a := GenerateSubdomain("tunnel-1", "192.168.1.100")
	b := GenerateSubdomain("tunnel-2", "192.168.1.100")
	if a == b {
		t.Error("expected different subdomains for different tunnel ids")
	}
}

func TestGenerateSubdomainDifferentPeerIPs(t *testing.T) {
	a := GenerateSubdomain("tunnel-with-port-3000", "192.168.1.100")
	b := GenerateSubdomain("tunnel-with-port-3000", "192.168.1.101")
	if a == b {
		t.Error("expected different subdomains for different peer IPs")
	}
}

func TestGenerateSubdomainLengthAndCharset(t *testing.T) {
	s := GenerateSubdomain("test-tunnel", "10.0.0.1")
	if len(s) != subdomainLen {
		t.Fatalf("len = %d, want %d", len(s), subdomainLen)
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			t.Errorf("unexpected character %q in subdomain %q", c, s)
		}
	}
}
