package httpapi

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// AudioURLResolver builds the URI speakers fetch a broadcast file from.
// When baseURL is empty the host is derived from the primary outbound
// interface and the listen address's port, since speakers cannot reach
// loopback.
func AudioURLResolver(baseURL, listenAddr string) (func(file string) string, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		host, err := outboundIP()
		if err != nil {
			return nil, fmt.Errorf("derive audio base url: %w", err)
		}
		_, port, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr %q: %w", listenAddr, err)
		}
		base = fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
	}
	return func(file string) string {
		return base + "/audio/" + url.PathEscape(file)
	}, nil
}

// outboundIP finds the local address used to reach the wider network.
// No packet is sent; the connect only resolves a route.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
