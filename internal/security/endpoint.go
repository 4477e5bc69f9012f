package security

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// metadataHosts are cloud metadata services a telemetry exporter must never
// be pointed at. A copy-pasted endpoint hitting one of these would leak
// instance credentials with every span batch.
var metadataHosts = []string{
	"metadata.google.internal",
	"metadata.google",
	"169.254.169.254",
}

// ValidateCollectorEndpoint checks that an OTLP gRPC collector endpoint is a
// plain host:port dial target. The exporter does not take a URL; a scheme or
// path here means the operator pasted the wrong kind of value, which would
// fail at dial time with a much less helpful error. Loopback and private
// addresses are fine since collectors normally run in-cluster.
func ValidateCollectorEndpoint(endpoint string) error {
	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("collector endpoint must be host:port, not a URL")
	}
	if strings.ContainsAny(endpoint, "/?#@") {
		return fmt.Errorf("collector endpoint must be host:port without path or credentials")
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("collector endpoint must be host:port: %v", err)
	}
	if host == "" {
		return fmt.Errorf("collector endpoint must have a host")
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("collector endpoint port %q is not a valid port", port)
	}

	for _, blocked := range metadataHosts {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("collector endpoint host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return fmt.Errorf("collector endpoint cannot be an unspecified address")
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("collector endpoint cannot be a link-local address")
		}
	}

	return nil
}
