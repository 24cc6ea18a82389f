package ippool

import (
	"fmt"
	"net/netip"
)

// addrToUint32 converts an IPv4 address to its integer form for range scans.
func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// uint32ToAddr converts the integer form back to an IPv4 address.
func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// rangeCapacity returns the number of assignable addresses in [start, end].
// A gateway at either edge is already excluded by deriveRange; one strictly
// inside the range is skipped during allocation and must not count.
func rangeCapacity(start, end uint32, gateway string) int {
	total := int(end - start + 1)
	if gw, err := netip.ParseAddr(gateway); err == nil {
		g := addrToUint32(gw)
		if g > start && g < end {
			total--
		}
	}
	return total
}

// deriveRange computes the assignable address range of a pool from its CIDR
// and gateway: all host addresses of the network (network and broadcast
// excluded), minus the gateway. Returns the first and last assignable
// address. Called once at pool creation; the result is stored on the pool
// row and never recomputed.
func deriveRange(cidr, gateway string) (start, end string, err error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", "", fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return "", "", fmt.Errorf("pool CIDR must be IPv4, got %q", cidr)
	}

	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return "", "", fmt.Errorf("invalid gateway %q: %w", gateway, err)
	}
	if !gw.Is4() {
		return "", "", fmt.Errorf("gateway must be IPv4, got %q", gateway)
	}

	prefix = prefix.Masked()
	bits := prefix.Bits()
	if bits >= 31 {
		return "", "", fmt.Errorf("network %s has no usable hosts", cidr)
	}

	network := addrToUint32(prefix.Addr())
	broadcast := network + (1<<(32-bits) - 1)
	firstHost := network + 1
	lastHost := broadcast - 1

	gwInt := addrToUint32(gw)
	for firstHost <= lastHost && firstHost == gwInt {
		firstHost++
	}
	for lastHost >= firstHost && lastHost == gwInt {
		lastHost--
	}
	if firstHost > lastHost {
		return "", "", fmt.Errorf("no assignable addresses in %s after excluding gateway %s", cidr, gateway)
	}

	return uint32ToAddr(firstHost).String(), uint32ToAddr(lastHost).String(), nil
}
