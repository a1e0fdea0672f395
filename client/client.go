package client

import (
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-edge/types"
)

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Host":                {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

func buildRequest(req *fasthttp.Request, r *types.Request, userAgent string) {
	target := r.Target()

	req.SetRequestURI(target.String())
	req.Header.SetMethod(r.Method)

	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	// Same-origin requests keep the public host so the origin renders
	// absolute links for the address the browser used.
	if r.Upstream != nil && r.URL.Host != target.Host {
		req.UseHostHeader = true
		req.Header.SetHost(r.URL.Host)
	}

	if len(req.Header.UserAgent()) == 0 && userAgent != "" {
		req.Header.SetUserAgent(userAgent)
	}

	if len(r.Body) > 0 {
		req.SetBody(r.Body)
	}
}

func readSnapshot(resp *fasthttp.Response) *types.Snapshot {
	header := make(http.Header)

	resp.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if isHopByHop(name) {
			return
		}
		header.Add(name, string(value))
	})

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())

	return &types.Snapshot{
		Status:   resp.StatusCode(),
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}

func hostKey(r *types.Request) string {
	return strings.ToLower(r.Target().Host)
}
