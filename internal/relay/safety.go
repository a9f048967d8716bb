package relay

import (
	"net"
	"net/url"
	"strings"

	"nostr-peoplesync/internal/util"
)

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Loopback is allowed for development; other private ranges are blocked.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}
	if util.IsInternalHost(host) || strings.HasSuffix(host, ".") {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return isRelayIPSafe(ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// unresolvable here may still resolve for the dialer; let the dial decide
		return true
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

var metadataIP = net.ParseIP("169.254.169.254")

// isRelayIPSafe allows loopback but blocks private, link-local, unspecified and multicast addresses.
func isRelayIPSafe(ip net.IP) bool {
	switch {
	case ip == nil:
		return false
	case ip.IsLoopback():
		return true
	case ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(),
		ip.IsMulticast(),
		ip.Equal(metadataIP):
		return false
	}
	return true
}
