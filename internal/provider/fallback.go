package provider

import (
	"net/http"
	"strings"
)

// fallbackTransport implements spec.md §4.1's self-hosted fallback rule: if
// the request host contains "host.docker.internal" and the round trip fails
// to connect, retry once against "localhost"; conversely, if it contains
// "localhost" or "127.0.0.1" and fails, retry against "host.docker.internal".
// This supports users toggling between containerized and bare-metal
// deployments without reconfiguring the provider's base URL.
type fallbackTransport struct {
	next http.RoundTripper
}

func (t *fallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	altHost, ok := fallbackHost(req.URL.Host)
	if !ok {
		return nil, err
	}

	altReq := req.Clone(req.Context())
	altReq.URL.Host = altHost
	altReq.Host = altHost

	return t.next.RoundTrip(altReq)
}

// fallbackHost returns the swapped host to retry against, and whether a
// fallback applies at all.
func fallbackHost(host string) (string, bool) {
	switch {
	case strings.Contains(host, "host.docker.internal"):
		return strings.ReplaceAll(host, "host.docker.internal", "localhost"), true
	case strings.Contains(host, "localhost"):
		return strings.ReplaceAll(host, "localhost", "host.docker.internal"), true
	case strings.Contains(host, "127.0.0.1"):
		return strings.ReplaceAll(host, "127.0.0.1", "host.docker.internal"), true
	default:
		return "", false
	}
}

// withFallbackTransport wraps an adapter's underlying HTTP transport with
// the self-hosted docker/bare-metal fallback rule. Only self-hosted
// deployments exercise this — hosted vendors always resolve, so the wrap is
// applied selectively by NewSelfHosted rather than globally in NewOpenAI.
func withFallbackTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &fallbackTransport{next: rt}
}
