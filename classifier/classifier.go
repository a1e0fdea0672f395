package classifier

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

// Classifier maps a request to a caching decision. It holds no state beyond
// its configuration and is safe for concurrent use.
type Classifier struct {
	staticExt     map[string]struct{}
	imageExt      map[string]struct{}
	apiPrefixes   []string
	authenticated []string
	excluded      []string
	allowed       []string
	strategy      types.StrategyConfig
	eviction      types.EvictionConfig
}

func New(config *types.ClassifierConfig, strategy *types.StrategyConfig, eviction *types.EvictionConfig) *Classifier {
	return &Classifier{
		staticExt:     toSet(utils.NormalizeList(config.StaticExtensions, ".")),
		imageExt:      toSet(utils.NormalizeList(config.ImageExtensions, ".")),
		apiPrefixes:   config.APIPrefixes,
		authenticated: config.AuthenticatedPaths,
		excluded:      utils.NormalizeList(config.ExcludedDomains, ""),
		allowed:       utils.NormalizeList(config.ExternalHosts, ""),
		strategy:      *strategy,
		eviction:      *eviction,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (c *Classifier) Classify(req *types.Request) types.Decision {
	if c.IsExcluded(req) {
		return types.Decision{
			Kind:     types.KindExcluded,
			Strategy: types.StrategyBypass,
			Bypass:   true,
		}
	}

	p := req.URL.Path

	if c.isAuthenticated(p) {
		return types.Decision{
			Kind:       types.KindSameOriginPage,
			Strategy:   types.StrategyNetworkFirst,
			Partition:  types.PartitionDynamic,
			Timeout:    c.strategy.AuthenticatedTimeout,
			MaxEntries: c.eviction.DynamicNetworkFirst,
		}
	}

	ext := Extension(p)

	if _, ok := c.staticExt[ext]; ok {
		return types.Decision{
			Kind:       types.KindStaticAsset,
			Strategy:   types.StrategyCacheFirst,
			Partition:  types.PartitionStatic,
			MaxEntries: c.eviction.Static,
		}
	}

	if _, ok := c.imageExt[ext]; ok {
		return types.Decision{
			Kind:       types.KindImageAsset,
			Strategy:   types.StrategyCacheFirst,
			Partition:  types.PartitionDynamic,
			MaxEntries: c.eviction.DynamicCacheFirst,
		}
	}

	if c.isAPI(p) {
		return types.Decision{
			Kind:       types.KindAPICall,
			Strategy:   types.StrategyNetworkFirst,
			Partition:  types.PartitionAPI,
			Timeout:    c.strategy.APITimeout,
			MaxEntries: c.eviction.API,
		}
	}

	if req.SameOrigin {
		return types.Decision{
			Kind:       types.KindSameOriginPage,
			Strategy:   types.StrategyNetworkFirst,
			Partition:  types.PartitionDynamic,
			Timeout:    c.strategy.PageTimeout,
			MaxEntries: c.eviction.DynamicNetworkFirst,
		}
	}

	return types.Decision{
		Kind:       types.KindExternal,
		Strategy:   types.StrategyNetworkFirst,
		Partition:  types.PartitionDynamic,
		Timeout:    c.strategy.ExternalTimeout,
		MaxEntries: c.eviction.DynamicNetworkFirst,
	}
}

// IsExcluded reports whether the request must never be intercepted.
func (c *Classifier) IsExcluded(req *types.Request) bool {
	if req.Method != http.MethodGet {
		return true
	}

	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}

	return c.IsExcludedHost(req.URL.Hostname())
}

func (c *Classifier) IsExcludedHost(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range c.excluded {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// AllowManifestHosts admits the hosts of absolute manifest entries.
// Relative entries belong to the public origin and are ignored. Call it
// before the classifier is shared.
func (c *Classifier) AllowManifestHosts(entries ...string) {
	for _, entry := range entries {
		u, err := url.Parse(entry)
		if err != nil || u.Host == "" {
			continue
		}
		c.allowed = append(c.allowed, strings.ToLower(u.Hostname()))
	}
}

// IsAllowedHost reports whether a host other than the public origin may be
// fetched: it is listed in external_hosts, comes from a manifest or belongs
// to an excluded domain, which is forwarded but never cached.
func (c *Classifier) IsAllowedHost(host string) bool {
	host = strings.ToLower(host)

	for _, entry := range c.allowed {
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) || host == entry[1:] {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}

	for _, domain := range c.excluded {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

func (c *Classifier) isAuthenticated(p string) bool {
	for _, marker := range c.authenticated {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}

func (c *Classifier) isAPI(p string) bool {
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Extension returns the lowercase text after the last dot of the final
// path segment, or "" when there is none.
func Extension(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}
