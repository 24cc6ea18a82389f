package ippool

import (
	"net/netip"
	"testing"
)

func TestAddrUint32RoundTrip(t *testing.T) {
	cases := []string{"0.0.0.1", "10.0.0.1", "172.16.0.254", "192.168.255.255", "255.255.255.255"}
	for _, s := range cases {
		addr := netip.MustParseAddr(s)
		got := uint32ToAddr(addrToUint32(addr))
		if got != addr {
			t.Errorf("round trip of %s gave %s", addr, got)
		}
	}
}

func TestAddrUint32Ordering(t *testing.T) {
	// Ascending integer order must match ascending address order, since the
	// allocator scans integers and promises lowest-address-wins.
	a := addrToUint32(netip.MustParseAddr("172.16.0.2"))
	b := addrToUint32(netip.MustParseAddr("172.16.0.10"))
	c := addrToUint32(netip.MustParseAddr("172.16.1.1"))
	if !(a < b && b < c) {
		t.Errorf("integer order does not follow address order: %d %d %d", a, b, c)
	}
}

func TestDeriveRange(t *testing.T) {
	t.Run("slash24 with first-host gateway", func(t *testing.T) {
		start, end, err := deriveRange("172.16.0.0/24", "172.16.0.1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if start != "172.16.0.2" {
			t.Errorf("start = %s, want 172.16.0.2", start)
		}
		if end != "172.16.0.254" {
			t.Errorf("end = %s, want 172.16.0.254", end)
		}
	})

	t.Run("gateway in the middle stays inside range", func(t *testing.T) {
		// The scan skips the gateway at allocation time; the stored range
		// only shrinks when the gateway sits at an edge.
		start, end, err := deriveRange("10.0.0.0/28", "10.0.0.5")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if start != "10.0.0.1" || end != "10.0.0.14" {
			t.Errorf("range = %s-%s, want 10.0.0.1-10.0.0.14", start, end)
		}
	})

	t.Run("gateway at last host shrinks the end", func(t *testing.T) {
		start, end, err := deriveRange("10.0.0.0/29", "10.0.0.6")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if start != "10.0.0.1" || end != "10.0.0.5" {
			t.Errorf("range = %s-%s, want 10.0.0.1-10.0.0.5", start, end)
		}
	})

	t.Run("unmasked CIDR input", func(t *testing.T) {
		start, end, err := deriveRange("192.168.1.77/24", "192.168.1.1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if start != "192.168.1.2" || end != "192.168.1.254" {
			t.Errorf("range = %s-%s", start, end)
		}
	})

	t.Run("slash31 and slash32 rejected", func(t *testing.T) {
		if _, _, err := deriveRange("10.0.0.0/31", "10.0.0.0"); err == nil {
			t.Error("expected error for /31")
		}
		if _, _, err := deriveRange("10.0.0.1/32", "10.0.0.1"); err == nil {
			t.Error("expected error for /32")
		}
	})

	t.Run("invalid inputs rejected", func(t *testing.T) {
		if _, _, err := deriveRange("not-a-cidr", "10.0.0.1"); err == nil {
			t.Error("expected error for bad CIDR")
		}
		if _, _, err := deriveRange("10.0.0.0/24", "nope"); err == nil {
			t.Error("expected error for bad gateway")
		}
		if _, _, err := deriveRange("2001:db8::/64", "2001:db8::1"); err == nil {
			t.Error("expected error for IPv6 CIDR")
		}
	})
}
