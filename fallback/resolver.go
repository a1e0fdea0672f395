package fallback

import (
	"context"
	_ "embed"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

//go:embed offline.html
var offlinePage []byte

// pixel is a 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x01, 0x44, 0x00, 0x3b,
}

type apiOfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// Resolver produces the response served when a strategy could not reach the
// network and had nothing cached.
type Resolver struct {
	config     *types.FallbackConfig
	partitions types.PartitionManager
	logger     types.Logger
	metrics    types.MetricsManager
	offlineKey string
	apiBody    []byte
}

func NewResolver(config *types.FallbackConfig, publicURL *url.URL, partitions types.PartitionManager, logger types.Logger, metrics types.MetricsManager) (*Resolver, error) {
	doc, err := url.Parse(config.OfflineDocument)
	if err != nil {
		return nil, types.WrapError(err, "failed to parse offline document path")
	}

	apiBody, err := utils.Marshal(&apiOfflineBody{
		Error:   "Network unavailable",
		Message: "You are currently offline. Please check your connection.",
		Offline: true,
	})
	if err != nil {
		return nil, types.WrapError(err, "failed to build api fallback body")
	}

	return &Resolver{
		config:     config,
		partitions: partitions,
		logger:     logger,
		metrics:    metrics,
		offlineKey: publicURL.ResolveReference(doc).String(),
		apiBody:    apiBody,
	}, nil
}

// OfflineKey is the cache key under which the offline document is installed.
func (r *Resolver) OfflineKey() string {
	return r.offlineKey
}

// Resolve returns a substitute response for req, or cause when nothing
// applies.
func (r *Resolver) Resolve(ctx context.Context, req *types.Request, decision types.Decision, cause error) (*types.Snapshot, error) {
	switch {
	case r.isDocument(req):
		return r.document(ctx, req), nil

	case decision.Kind == types.KindImageAsset:
		r.count("image")
		return synthesized(http.StatusOK, "image/gif", pixel), nil

	case decision.Kind == types.KindAPICall:
		r.count("api")
		return synthesized(http.StatusServiceUnavailable, "application/json", r.apiBody), nil

	case r.isStatic(req, decision):
		r.count("static")
		return synthesized(http.StatusNotFound, "", nil), nil
	}

	r.count("none")
	return nil, cause
}

func (r *Resolver) document(ctx context.Context, req *types.Request) *types.Snapshot {
	if dynamic := r.partitions.Partition(types.PartitionDynamic); dynamic != nil {
		if cached, found, _ := dynamic.Match(ctx, req.Key()); found {
			r.count("cached-page")
			return cached
		}
	}

	if static := r.partitions.Partition(types.PartitionStatic); static != nil {
		if cached, found, _ := static.Match(ctx, r.offlineKey); found {
			r.count("offline-document")
			return cached
		}
	}

	r.logger.Debug("Offline document not installed, serving built-in page",
		zap.String("key", r.offlineKey))

	r.count("offline-page")
	return synthesized(http.StatusOK, "text/html; charset=utf-8", offlinePage)
}

func (r *Resolver) isDocument(req *types.Request) bool {
	if !req.IsNavigation() || !req.Accepts("text/html") {
		return false
	}
	return !r.hasStaticPrefix(req.URL.Path)
}

func (r *Resolver) isStatic(req *types.Request, decision types.Decision) bool {
	if decision.Kind == types.KindStaticAsset {
		return true
	}
	if strings.HasSuffix(req.URL.Path, "favicon.ico") {
		return true
	}
	return r.hasStaticPrefix(req.URL.Path)
}

func (r *Resolver) hasStaticPrefix(path string) bool {
	for _, prefix := range r.config.StaticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (r *Resolver) count(kind string) {
	r.metrics.Counter("fallback_responses_total", map[string]string{"kind": kind}).Inc()
}

func synthesized(status int, contentType string, body []byte) *types.Snapshot {
	header := make(http.Header)
	header.Set("Cache-Control", "no-store")
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	out := make([]byte, len(body))
	copy(out, body)

	return &types.Snapshot{
		Status:   status,
		Header:   header,
		Body:     out,
		StoredAt: time.Now().UTC(),
	}
}
