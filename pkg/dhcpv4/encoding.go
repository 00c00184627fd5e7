package dhcpv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidAddress is returned when a dotted-quad string or byte slice
// does not describe a valid IPv4 address.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

// ParseIPv4 parses a dotted-quad string into a 4-byte net.IP.
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, s)
	}
	return ip4, nil
}

// IPToBytes converts a net.IP to a 4-byte slice.
func IPToBytes(ip net.IP) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return []byte{0, 0, 0, 0}
	}
	return []byte(ip4)
}

// BytesToIP converts a 4-byte slice to net.IP.
func BytesToIP(b []byte) net.IP {
	if len(b) != 4 {
		return nil
	}
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// IPListToBytes converts a slice of net.IP to bytes (N*4).
func IPListToBytes(ips []net.IP) []byte {
	buf := make([]byte, 0, len(ips)*4)
	for _, ip := range ips {
		buf = append(buf, IPToBytes(ip)...)
	}
	return buf
}

// BytesToIPList converts bytes to a slice of net.IP (N*4).
func BytesToIPList(b []byte) ([]net.IP, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid IP list length %d: must be multiple of 4", len(b))
	}
	ips := make([]net.IP, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		ips = append(ips, BytesToIP(b[i:i+4]))
	}
	return ips, nil
}

// Uint16ToBytes converts a uint16 to 2 bytes (big-endian).
func Uint16ToBytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// BytesToUint16 converts 2 bytes to uint16 (big-endian).
func BytesToUint16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("invalid uint16 length %d: expected 2", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32ToBytes converts a uint32 to 4 bytes (big-endian).
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// BytesToUint32 converts 4 bytes to uint32 (big-endian).
func BytesToUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("invalid uint32 length %d: expected 4", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// IPToUint32 converts a net.IP to a host-order uint32.
func IPToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Uint32ToIP converts a uint32 to a net.IP.
func Uint32ToIP(n uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// SameSubnet reports whether ip and network share the network bits
// selected by mask: (ip & mask) == (network & mask).
func SameSubnet(ip, network, mask net.IP) bool {
	m := IPToUint32(mask)
	return IPToUint32(ip)&m == IPToUint32(network)&m
}

// HostBits returns the host portion of ip under mask.
func HostBits(ip, mask net.IP) uint32 {
	return IPToUint32(ip) &^ IPToUint32(mask)
}

// NetworkBits returns the network portion of ip under mask.
func NetworkBits(ip, mask net.IP) uint32 {
	return IPToUint32(ip) & IPToUint32(mask)
}

// NextIP returns the next IP address after the given one.
func NextIP(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	next := make(net.IP, 4)
	copy(next, ip4)
	for i := 3; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// IPRangeSize returns the number of IPs in a range (inclusive).
func IPRangeSize(start, end net.IP) uint32 {
	s := IPToUint32(start)
	e := IPToUint32(end)
	if e < s {
		return 0
	}
	return e - s + 1
}

// FormatMAC formats bytes as a colon-separated lower-case hex MAC string.
func FormatMAC(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
