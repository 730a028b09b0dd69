package security

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Hostnames that are never dialed regardless of what DNS says for them.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// ValidateEndpointURL vets an operator-supplied outbound endpoint before the
// engine will POST to it. It refuses non-HTTP schemes and any host that is,
// or resolves to, a loopback, private, link-local, or unspecified address.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	// An IP literal is checked as-is; anything else goes through DNS and
	// every resolved address must pass.
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolved, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, r := range resolved {
		addr, err := netip.ParseAddr(r)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
