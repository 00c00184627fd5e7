// Package pool provides the inclusive address range the server allocates
// dynamic leases from.
package pool

import (
	"fmt"
	"net"

	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// Range is a closed interval of IPv4 addresses, [Start, End].
type Range struct {
	Start net.IP
	End   net.IP

	startU uint32
	endU   uint32
}

// NewRange builds a Range after checking ordering and subnet membership.
// network and mask describe the server subnet both boundaries must lie in.
func NewRange(start, end, network, mask net.IP) (*Range, error) {
	startU := dhcpv4.IPToUint32(start.To4())
	endU := dhcpv4.IPToUint32(end.To4())

	if endU < startU {
		return nil, fmt.Errorf("pool end %s is before start %s", end, start)
	}
	if !dhcpv4.SameSubnet(start, network, mask) {
		return nil, fmt.Errorf("pool start %s not in subnet of %s", start, network)
	}
	if !dhcpv4.SameSubnet(end, network, mask) {
		return nil, fmt.Errorf("pool end %s not in subnet of %s", end, network)
	}

	return &Range{
		Start:  start.To4(),
		End:    end.To4(),
		startU: startU,
		endU:   endU,
	}, nil
}

// Size returns the number of addresses in the range.
func (r *Range) Size() uint32 {
	return r.endU - r.startU + 1
}

// Contains reports whether ip falls inside the range.
func (r *Range) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip.To4())
	return u >= r.startU && u <= r.endU
}

// ForEach visits every address in ascending order until fn returns false.
func (r *Range) ForEach(fn func(ip net.IP) bool) {
	for u := r.startU; ; u++ {
		if !fn(dhcpv4.Uint32ToIP(u)) {
			return
		}
		if u == r.endU {
			return
		}
	}
}

// String returns the range as "start-end".
func (r *Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}
