package lifecycle

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

// HostFilter tells which hosts must never be fetched into a partition and
// which third-party hosts may be.
type HostFilter interface {
	IsExcludedHost(host string) bool
	IsAllowedHost(host string) bool
}

// Flusher replays the offline queue.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Controller drives the install/activate cycle of one cache version and
// answers the messages pages and the operator send to it.
type Controller struct {
	config     *types.LifecycleConfig
	version    string
	public     *url.URL
	upstream   *url.URL
	ceiling    int
	partitions types.PartitionManager
	fetcher    types.Fetcher
	hosts      HostFilter
	notifier   types.Notifier
	logger     types.Logger
	metrics    types.MetricsManager

	mu          sync.Mutex
	state       types.WorkerState
	skipWaiting bool
	controlling atomic.Bool

	hooksMu sync.RWMutex
	hooks   map[string]types.SyncHook
}

func NewController(config types.ConfigManager, partitions types.PartitionManager, fetcher types.Fetcher, hosts HostFilter, notifier types.Notifier, flusher Flusher, logger types.Logger, metrics types.MetricsManager) (*Controller, error) {
	serviceConfig := config.GetConfig()

	public, err := url.Parse(serviceConfig.Origin.PublicURL)
	if err != nil {
		return nil, types.WrapError(err, "failed to parse public url")
	}

	upstream, err := url.Parse(serviceConfig.Origin.URL)
	if err != nil {
		return nil, types.WrapError(err, "failed to parse origin url")
	}

	ceiling := 0
	if serviceConfig.Eviction != nil {
		ceiling = serviceConfig.Eviction.DynamicNetworkFirst
	}

	c := &Controller{
		config:     serviceConfig.Lifecycle,
		version:    serviceConfig.Version,
		public:     public,
		upstream:   upstream,
		ceiling:    ceiling,
		partitions: partitions,
		fetcher:    fetcher,
		hosts:      hosts,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
		state:      types.WorkerParsed,
		hooks:      make(map[string]types.SyncHook),
	}

	if flusher != nil {
		_ = c.RegisterSync(types.SyncTagBackground, func(ctx context.Context) error {
			_, err := flusher.Flush(ctx)
			return err
		})
	}

	return c, nil
}

func (c *Controller) State() types.WorkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Controlling reports whether the data plane should intercept requests.
func (c *Controller) Controlling() bool {
	return c.controlling.Load()
}

// Run installs the current version and activates it right away when
// skip-waiting was requested.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	skip := c.skipWaiting
	c.mu.Unlock()

	if !skip {
		c.logger.Info("Installed version is waiting for SKIP_WAITING",
			zap.String("version", c.version))
		return nil
	}

	return c.Activate(ctx)
}

// Install pre-caches the install manifest into the static partition.
// Individual fetch failures are logged and never abort the install.
func (c *Controller) Install(ctx context.Context) error {
	if !c.transition([]types.WorkerState{types.WorkerParsed, types.WorkerRedundant}, types.WorkerInstalling) {
		return types.Errorf(types.ErrLifecycleInvalidState, "install from %s", c.State())
	}

	start := time.Now()

	static, err := c.partitions.Open(ctx, types.PartitionStatic)
	if err != nil {
		c.setState(types.WorkerRedundant)
		c.logger.Error("Install failed", zap.Error(err))
		return types.Errorf(types.ErrInstallFailed, "%v", err)
	}

	installCtx := ctx
	if c.config.InstallTimeout > 0 {
		var cancel context.CancelFunc
		installCtx, cancel = context.WithTimeout(ctx, c.config.InstallTimeout)
		defer cancel()
	}

	cached, failed := c.precache(installCtx, static, c.config.InstallManifest)

	c.mu.Lock()
	c.state = types.WorkerWaiting
	if c.config.SkipWaiting {
		c.skipWaiting = true
	}
	c.mu.Unlock()

	c.metrics.Counter("lifecycle_installs_total", nil).Inc()

	c.logger.Info("Version installed",
		zap.String("version", c.version),
		zap.Int("cached", cached),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// Activate removes caches of older versions, takes control of the data
// plane and warms the external manifest, all concurrently.
func (c *Controller) Activate(ctx context.Context) error {
	if !c.transition([]types.WorkerState{types.WorkerWaiting}, types.WorkerActivating) {
		return types.Errorf(types.ErrLifecycleInvalidState, "activate from %s", c.State())
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deleted, err := c.partitions.DeleteStale(gCtx)
		if err != nil {
			c.logger.Error("Failed to delete stale partitions", zap.Error(err))
			return nil
		}
		if len(deleted) > 0 {
			c.logger.Info("Deleted stale partitions", zap.Strings("partitions", deleted))
		}
		return nil
	})

	g.Go(func() error {
		c.controlling.Store(true)
		if err := c.notifier.Broadcast(gCtx, types.EventControllerChange, map[string]string{"version": c.version}); err != nil {
			c.logger.Warn("Failed to announce controller change", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		if len(c.config.ExternalManifest) == 0 {
			return nil
		}

		dynamic, err := c.partitions.Open(gCtx, types.PartitionDynamic)
		if err != nil {
			c.logger.Warn("Failed to open dynamic partition for warm-up", zap.Error(err))
			return nil
		}

		c.precache(gCtx, dynamic, c.config.ExternalManifest)
		return nil
	})

	_ = g.Wait()

	c.setState(types.WorkerActivated)
	c.metrics.Counter("lifecycle_activations_total", nil).Inc()

	c.logger.Info("Version activated", zap.String("version", c.version))
	return nil
}

// HandleMessage processes one page message.
func (c *Controller) HandleMessage(ctx context.Context, raw []byte) error {
	var message types.Message
	if err := utils.Unmarshal(raw, &message); err != nil {
		return types.Errorf(types.ErrMessageInvalid, "%v", err)
	}

	switch message.Type {
	case types.MessageSkipWaiting:
		c.countMessage(message.Type)
		return c.handleSkipWaiting(ctx)
	case types.MessageCacheURLs:
		c.countMessage(message.Type)
		return c.CacheURLs(ctx, message.URLs)
	default:
		c.countMessage("unknown")
		return types.Errorf(types.ErrUnknownMessage, "type: %q", message.Type)
	}
}

func (c *Controller) countMessage(messageType string) {
	c.metrics.Counter("lifecycle_messages_total", map[string]string{"type": messageType}).Inc()
}

func (c *Controller) handleSkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	if state != types.WorkerWaiting {
		c.skipWaiting = true
	}
	c.mu.Unlock()

	if state != types.WorkerWaiting {
		c.logger.Debug("SKIP_WAITING remembered", zap.String("state", string(state)))
		return nil
	}

	return c.Activate(ctx)
}

// CacheURLs adds every URL to the dynamic partition or none of them.
func (c *Controller) CacheURLs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	requests := make([]*types.Request, len(urls))
	for i, raw := range urls {
		req, err := c.request(raw)
		if err != nil {
			return types.Errorf(types.ErrCacheURLsFailed, "%v", err)
		}
		if !req.SameOrigin && c.hosts != nil && !c.hosts.IsAllowedHost(req.URL.Hostname()) {
			return types.Errorf(types.ErrCacheURLsFailed, "host %s is not allowed", req.URL.Hostname())
		}
		requests[i] = req
	}

	snapshots := make([]*types.Snapshot, len(requests))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())

	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			snapshot, err := c.fetcher.Fetch(gCtx, req)
			if err != nil {
				return types.WrapError(err, req.Key())
			}
			if !snapshot.OK() {
				return types.NewErrorf("%s answered %d", req.Key(), snapshot.Status)
			}
			snapshots[i] = snapshot
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn("CACHE_URLS failed, nothing stored", zap.Error(err))
		return types.Errorf(types.ErrCacheURLsFailed, "%v", err)
	}

	dynamic, err := c.partitions.Open(ctx, types.PartitionDynamic)
	if err != nil {
		return types.Errorf(types.ErrCacheURLsFailed, "%v", err)
	}

	for i, req := range requests {
		if err := dynamic.Put(ctx, req.Key(), snapshots[i]); err != nil {
			return types.Errorf(types.ErrCacheURLsFailed, "%v", err)
		}
	}

	if _, err := c.partitions.Prune(ctx, dynamic, c.ceiling); err != nil {
		c.logger.Warn("Failed to prune dynamic partition", zap.Error(err))
	}

	c.logger.Debug("URLs cached", zap.Int("count", len(requests)))
	return nil
}

// Push shows a notification built from payload.
func (c *Controller) Push(ctx context.Context, payload *types.PushPayload) (*types.Notification, error) {
	if payload == nil || payload.Title == "" {
		return nil, types.Errorf(types.ErrPushPayloadInvalid, "title is required")
	}

	n := &types.Notification{
		Title:              payload.Title,
		Body:               payload.Body,
		Icon:               payload.Icon,
		Data:               payload.Data,
		Actions:            payload.Actions,
		RequireInteraction: payload.RequireInteraction,
	}
	if n.Actions == nil {
		n.Actions = []types.NotificationAction{}
	}

	if err := c.notifier.Show(ctx, n); err != nil {
		return n, err
	}

	return n, nil
}

// NotificationClick dismisses the notification. For the default and "open"
// actions it returns the page to open; other actions return "".
func (c *Controller) NotificationClick(ctx context.Context, id, action string) (string, error) {
	n, err := c.notifier.Click(ctx, id, action)
	if err != nil {
		return "", err
	}

	if action != "" && action != "open" {
		return "", nil
	}

	target := n.URL()

	if err := c.notifier.Broadcast(ctx, types.EventNotificationClick, map[string]string{
		"id":  id,
		"url": target,
	}); err != nil {
		c.logger.Warn("Failed to announce notification click", zap.Error(err))
	}

	return target, nil
}

func (c *Controller) RegisterSync(tag string, hook types.SyncHook) error {
	if hook == nil {
		return types.ErrSyncHookIsNil
	}

	c.hooksMu.Lock()
	c.hooks[tag] = hook
	c.hooksMu.Unlock()

	return nil
}

// Sync runs the hook registered for tag.
func (c *Controller) Sync(ctx context.Context, tag string) error {
	c.hooksMu.RLock()
	hook, exists := c.hooks[tag]
	c.hooksMu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrUnknownSyncTag, "tag: %s", tag)
	}

	if err := hook(ctx); err != nil {
		c.logger.Error("Sync hook failed",
			zap.String("tag", tag),
			zap.Error(err))
		c.metrics.Counter("lifecycle_syncs_total", map[string]string{"tag": tag, "result": "error"}).Inc()
		return err
	}

	c.metrics.Counter("lifecycle_syncs_total", map[string]string{"tag": tag, "result": "success"}).Inc()
	return nil
}

func (c *Controller) VersionInfo(ctx context.Context) *types.VersionInfo {
	names := c.partitions.Names()
	partitions := make(map[string]string, len(names))
	for kind, name := range names {
		partitions[string(kind)] = name
	}

	info := &types.VersionInfo{
		Version:     c.version,
		State:       c.State(),
		Controlling: c.Controlling(),
		Partitions:  partitions,
	}

	if existing, err := c.partitions.Existing(ctx); err == nil {
		info.Existing = existing
	}

	return info
}

// precache fetches entries into partition with bounded parallelism and
// reports how many were stored and how many failed.
func (c *Controller) precache(ctx context.Context, partition types.Partition, entries []string) (int, int) {
	var cached, failed atomic.Int32

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := c.precacheOne(gCtx, partition, entry); err != nil {
				failed.Add(1)
				c.logger.Warn("Failed to precache",
					zap.String("partition", partition.Name()),
					zap.String("url", entry),
					zap.Error(err))
				c.metrics.Counter("lifecycle_precache_total", map[string]string{"result": "error"}).Inc()
				return nil
			}
			cached.Add(1)
			c.metrics.Counter("lifecycle_precache_total", map[string]string{"result": "success"}).Inc()
			return nil
		})
	}

	_ = g.Wait()

	return int(cached.Load()), int(failed.Load())
}

func (c *Controller) precacheOne(ctx context.Context, partition types.Partition, entry string) error {
	req, err := c.request(entry)
	if err != nil {
		return err
	}

	snapshot, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}

	if !snapshot.OK() {
		return types.NewErrorf("origin answered %d", snapshot.Status)
	}

	return partition.Put(ctx, req.Key(), snapshot)
}

// request resolves a manifest entry against the public origin. Only
// http(s) URLs on hosts that are not excluded can be cached.
func (c *Controller) request(entry string) (*types.Request, error) {
	ref, err := url.Parse(entry)
	if err != nil {
		return nil, types.WrapError(err, "invalid url "+entry)
	}

	req, err := types.NewRequest(http.MethodGet, c.public.ResolveReference(ref).String())
	if err != nil {
		return nil, err
	}

	if scheme := strings.ToLower(req.URL.Scheme); scheme != "http" && scheme != "https" {
		return nil, types.Errorf(types.ErrInvalidParameter, "scheme %s cannot be cached: %s", req.URL.Scheme, entry)
	}

	if c.hosts != nil && c.hosts.IsExcludedHost(req.URL.Hostname()) {
		return nil, types.Errorf(types.ErrInvalidParameter, "host %s is excluded", req.URL.Hostname())
	}

	req.Rebase(c.public, c.upstream)
	return req, nil
}

func (c *Controller) concurrency() int {
	if c.config.Concurrency > 0 {
		return c.config.Concurrency
	}
	return 4
}

func (c *Controller) transition(from []types.WorkerState, to types.WorkerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, state := range from {
		if c.state == state {
			c.state = to
			return true
		}
	}
	return false
}

func (c *Controller) setState(state types.WorkerState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
