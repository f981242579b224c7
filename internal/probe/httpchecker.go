package probe

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// HTTPChecker issues a HEAD request. Any HTTP response, whatever its status,
// counts as reachable; only transport failures are Down.
type HTTPChecker struct {
	Client *http.Client
}

// NewHTTPChecker returns a checker whose client keeps idle connections so
// repeated rounds reuse them. Redirects are not followed.
func NewHTTPChecker() *HTTPChecker {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &HTTPChecker{
		Client: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *HTTPChecker) Probe(ctx context.Context, t domain.Target) Outcome {
	ctx, cancel := context.WithDeadline(ctx, deadline(ctx, t.Timeout))
	defer cancel()

	var resolved string
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if ta, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				resolved = ta.IP.String()
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodHead, t.URL, nil)
	if err != nil {
		return down(err, "")
	}
	req.Header.Set("User-Agent", "lanwatch/1")

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return down(ErrTimeout, resolved)
		}
		return down(err, resolved)
	}
	rtt := time.Since(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return Outcome{Up: true, Latency: rtt, Resolved: resolved}
}
