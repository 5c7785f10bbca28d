package targets

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/errors"
)

var groupReplacer = strings.NewReplacer("/", "_", ":", "_", "%", "_")

// SafeGroup turns a range identifier into something usable as a directory name.
func SafeGroup(id string) string {
	return groupReplacer.Replace(id)
}

// addrRange is an inclusive span of addresses in one family.
type addrRange struct {
	entry string
	id    string
	first netip.Addr
	last  netip.Addr
}

// parseRange recognizes CIDR prefixes and dash ranges. It reports
// isRange=false for anything that should be treated as a host name.
// A prefix that covers a single address is returned as a one-element range.
func parseRange(entry string) (addrRange, bool, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return addrRange{}, false, errors.ErrInvalidTarget(entry, err.Error())
		}
		return prefixRange(entry, prefix.Masked()), true, nil
	}

	left, right, ok := strings.Cut(entry, "-")
	if !ok {
		return addrRange{}, false, nil
	}
	first, err := netip.ParseAddr(left)
	if err != nil {
		// host names may contain dashes
		return addrRange{}, false, nil
	}
	first = first.Unmap()

	last, err := parseRangeEnd(first, right)
	if err != nil {
		return addrRange{}, false, errors.ErrInvalidTarget(entry, err.Error())
	}
	if last.Less(first) {
		return addrRange{}, false, errors.ErrInvalidTarget(entry, "range end precedes start")
	}

	return addrRange{entry: entry, id: SafeGroup(entry), first: first, last: last}, true, nil
}

// parseRangeEnd accepts a full address or, for IPv4, a bare last octet.
func parseRangeEnd(first netip.Addr, s string) (netip.Addr, error) {
	if last, err := netip.ParseAddr(s); err == nil {
		last = last.Unmap()
		if last.Is4() != first.Is4() {
			return netip.Addr{}, fmt.Errorf("mixed address families")
		}
		return last, nil
	}
	if !first.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid range end %q", s)
	}
	octet, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid range end %q", s)
	}
	b := first.As4()
	b[3] = byte(octet)
	return netip.AddrFrom4(b), nil
}

// prefixRange returns the usable hosts of a prefix. IPv4 drops the network
// and broadcast addresses and IPv6 drops the subnet-router anycast address,
// except for the point-to-point and single-host prefix lengths.
func prefixRange(entry string, p netip.Prefix) addrRange {
	first := p.Addr()
	last := lastAddr(p)
	hostBits := first.BitLen() - p.Bits()

	if hostBits >= 2 {
		first = first.Next()
		if first.Is4() {
			last = last.Prev()
		}
	}

	return addrRange{entry: entry, id: SafeGroup(p.String()), first: first, last: last}
}

func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Addr()
	bits := p.Bits()
	if a.Is4() {
		b := a.As4()
		for i := bits; i < 32; i++ {
			b[i/8] |= 1 << (7 - uint(i%8))
		}
		return netip.AddrFrom4(b)
	}
	b := a.As16()
	for i := bits; i < 128; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	return netip.AddrFrom16(b)
}

// size returns the number of addresses in the range, stopping at limit+1.
func (r addrRange) size(limit int) int {
	if r.first.Is4() {
		f, l := r.first.As4(), r.last.As4()
		n := uint64(l[0])<<24 | uint64(l[1])<<16 | uint64(l[2])<<8 | uint64(l[3])
		n -= uint64(f[0])<<24 | uint64(f[1])<<16 | uint64(f[2])<<8 | uint64(f[3])
		if n+1 > uint64(limit) {
			return limit + 1
		}
		return int(n + 1)
	}
	count := 0
	for a := r.first; a.IsValid() && !r.last.Less(a); a = a.Next() {
		count++
		if count > limit {
			break
		}
	}
	return count
}

// expand lists every address in the range. A range holding a single
// address is not a range target and gets no group.
func (r addrRange) expand(limit int) ([]Target, error) {
	n := r.size(limit)
	if n > limit {
		return nil, errors.ErrInvalidTarget(r.entry,
			fmt.Sprintf("range exceeds %d addresses", limit))
	}
	if n == 1 {
		return []Target{{Address: r.first.String()}}, nil
	}

	out := make([]Target, 0, n)
	for a := r.first; a.IsValid() && !r.last.Less(a); a = a.Next() {
		out = append(out, Target{Address: a.String(), Group: r.id})
	}
	return out, nil
}
