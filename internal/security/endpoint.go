package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that are never acceptable disbursement destinations, checked
// before any DNS lookup happens.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL vets an operator-configured URL, such as the payout
// endpoint, before the service will POST signed requests to it. Loopback,
// private, link-local, and metadata destinations are rejected, for IP
// literals and for every address a hostname resolves to.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return errors.New("URL scheme must be http or https")
	}

	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	// An IP literal is checked directly; no DNS involved.
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	// A hostname must be safe under every address it resolves to, or a
	// crafted DNS record could steer the payout request inward.
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}

	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case ip.IsPrivate():
		return errors.New("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
