package types

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

type RequestKind string

const (
	KindExcluded       RequestKind = "excluded"
	KindStaticAsset    RequestKind = "static-asset"
	KindImageAsset     RequestKind = "image-asset"
	KindAPICall        RequestKind = "api-call"
	KindSameOriginPage RequestKind = "same-origin-page"
	KindExternal       RequestKind = "external-resource"
)

type StrategyKind string

const (
	StrategyBypass       StrategyKind = "bypass"
	StrategyCacheFirst   StrategyKind = "cache-first"
	StrategyNetworkFirst StrategyKind = "network-first"
)

type PartitionKind string

const (
	PartitionStatic  PartitionKind = "static"
	PartitionDynamic PartitionKind = "dynamic"
	PartitionAPI     PartitionKind = "api"
)

var PartitionKinds = []PartitionKind{PartitionStatic, PartitionDynamic, PartitionAPI}

type ResponseSource string

const (
	SourceCache    ResponseSource = "cache"
	SourceNetwork  ResponseSource = "network"
	SourceFallback ResponseSource = "fallback"
	SourceBypass   ResponseSource = "bypass"
	SourceRejected ResponseSource = "rejected"
)

// Decision is the classifier output for one request.
type Decision struct {
	Kind       RequestKind
	Strategy   StrategyKind
	Partition  PartitionKind
	Timeout    time.Duration
	MaxEntries int
	Bypass     bool
}

// Request is an intercepted browser request. URL is what the page asked for
// and is the cache identity; Upstream, when set, is where it is fetched from.
type Request struct {
	Method     string
	URL        *url.URL
	Upstream   *url.URL
	Header     http.Header
	Body       []byte
	SameOrigin bool
}

func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, WrapError(err, "failed to parse request url")
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, Errorf(ErrInvalidParameter, "url must be absolute: %s", rawURL)
	}

	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
	}, nil
}

func (r *Request) Key() string {
	return r.URL.String()
}

func (r *Request) Target() *url.URL {
	if r.Upstream != nil {
		return r.Upstream
	}
	return r.URL
}

// Rebase marks requests addressed to the public host as same-origin and
// points them at upstream. URL stays the cache identity.
func (r *Request) Rebase(public, upstream *url.URL) {
	if public == nil || !strings.EqualFold(r.URL.Host, public.Host) {
		return
	}

	r.SameOrigin = true

	if upstream == nil || (strings.EqualFold(upstream.Host, public.Host) && upstream.Scheme == public.Scheme) {
		return
	}

	target := *r.URL
	target.Scheme = upstream.Scheme
	target.Host = upstream.Host
	r.Upstream = &target
}

func (r *Request) Accepts(mime string) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(accept, mime) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether the request loads a top-level document.
// Clients that send no fetch metadata are treated as navigations.
func (r *Request) IsNavigation() bool {
	mode := r.Header.Get("Sec-Fetch-Mode")
	dest := r.Header.Get("Sec-Fetch-Dest")

	if mode == "" && dest == "" {
		return r.Method == http.MethodGet
	}

	return mode == "navigate" || dest == "document"
}

// Snapshot is a stored or freshly fetched response.
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *Snapshot) OK() bool {
	return s != nil && s.Status >= 200 && s.Status < 300
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	body := make([]byte, len(s.Body))
	copy(body, s.Body)

	return &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		Body:     body,
		StoredAt: s.StoredAt,
	}
}
