package transport

import (
	"net"
	"testing"
)

// TestCandidateValidateBoundary walks the ordered policy in Candidate.Validate:
// local-IP rejection first, then the zero-address check, then the
// port-range/private-IP rule — exercising the tie-break cases called out in
// its doc comment.
func TestCandidateValidateBoundary(t *testing.T) {
	cases := []struct {
		name          string
		ip            string
		port          int
		allowLocalIPs bool
		wantErr       bool
	}{
		{"public ip high port", "203.0.113.5", 54321, false, false},
		{"loopback rejected", "127.0.0.1", 5000, false, true},
		{"loopback allowed with flag", "127.0.0.1", 5000, true, false},
		{"link-local rejected", "169.254.1.1", 5000, false, true},
		{"ipv6 loopback rejected", "::1", 5000, false, true},
		{"unspecified ipv4 rejected even with allowLocalIPs", "0.0.0.0", 5000, true, true},
		{"unspecified ipv6 rejected", "::", 5000, false, true},
		{"port 80 public ip allowed", "203.0.113.5", 80, false, false},
		{"port 443 public ip allowed", "203.0.113.5", 443, false, false},
		{"low port not 80/443 rejected", "203.0.113.5", 1023, false, true},
		{"port 1024 boundary allowed", "203.0.113.5", 1024, false, false},
		{"port 80 private ip rejected", "10.0.0.5", 80, false, true},
		{"port 443 private ip rejected", "192.168.1.5", 443, false, true},
		{"low port private ip rejected for port first", "192.168.1.5", 22, false, true},
		{"local ip rejected before port 80 rule", "169.254.0.0", 80, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Candidate{ChannelName: "tunnel", IP: net.ParseIP(tc.ip), Port: tc.port}
			err := c.Validate(tc.allowLocalIPs)
			if tc.wantErr && err == nil {
				t.Fatalf("Validate(%q, %d, allowLocalIPs=%v) = nil, want error", tc.ip, tc.port, tc.allowLocalIPs)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate(%q, %d, allowLocalIPs=%v) = %v, want nil", tc.ip, tc.port, tc.allowLocalIPs, err)
			}
			if err != nil {
				if _, ok := err.(*ParseError); !ok {
					t.Fatalf("expected *ParseError, got %T", err)
				}
			}
		})
	}
}

func TestCandidateValidateNilIP(t *testing.T) {
	c := Candidate{ChannelName: "tunnel", Port: 5000}
	if err := c.Validate(false); err == nil {
		t.Fatal("expected error for nil IP, got nil")
	}
}

func TestCandidateClone(t *testing.T) {
	c := Candidate{
		ChannelName: "tunnel",
		IP:          net.ParseIP("203.0.113.5"),
		Port:        5000,
		Extra:       map[string]string{"raw": "candidate:1 1 udp 12345 203.0.113.5 5000 typ host"},
	}
	clone := c.Clone()

	clone.Extra["raw"] = "mutated"
	if c.Extra["raw"] == "mutated" {
		t.Fatal("Clone did not deep-copy Extra: mutation leaked back to original")
	}
	if clone.ChannelName != c.ChannelName || clone.Port != c.Port {
		t.Fatal("Clone lost scalar fields")
	}
}
