// Package netguard keeps outbound relay traffic away from private networks.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// ErrBlocked is returned when a destination address is not publicly routable.
var ErrBlocked = errors.New("destination address is not allowed")

// Allowed reports whether ip is a public unicast address.
func Allowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}

// CheckHost rejects host when it is an IP literal that is not Allowed.
// Hostnames pass; they are checked again after resolution by Dialer.
func CheckHost(host string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if !Allowed(ip) {
		return fmt.Errorf("%s: %w", host, ErrBlocked)
	}
	return nil
}

// Dialer returns a dialer with the given timeout. Unless allowPrivate is
// set, connections to non-public addresses fail with ErrBlocked after DNS
// resolution.
func Dialer(timeout time.Duration, allowPrivate bool) *net.Dialer {
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if !allowPrivate {
		d.Control = control
	}
	return d
}

func control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%s: %w", address, ErrBlocked)
	}
	if !Allowed(net.IP(ap.Addr().Unmap().AsSlice())) {
		return fmt.Errorf("%s: %w", address, ErrBlocked)
	}
	return nil
}
