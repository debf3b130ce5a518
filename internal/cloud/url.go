package cloud

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const streamPath = "/connection/websocket"

// DeriveStreamURL computes the default streaming endpoint for an API base URL.
// Multi-label hostnames swap their first DNS label for "streaming" and always
// use a secure scheme; single-label hosts and IP literals keep their host and
// map the scheme directly, so local development servers stay reachable.
func DeriveStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL %q: %w", base, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("server URL %q has no host", base)
	}

	scheme := ""
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("server URL %q has unsupported scheme %q", base, u.Scheme)
	}

	if net.ParseIP(host) == nil && strings.Contains(host, ".") {
		_, parent, _ := strings.Cut(host, ".")
		host = "streaming." + parent
		scheme = "wss"
	}

	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	return scheme + "://" + host + streamPath, nil
}
