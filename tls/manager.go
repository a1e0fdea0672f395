package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-edge/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const challengePrefix = "/.well-known/acme-challenge/"

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// CertManager terminates TLS for the data plane. Certificates come either
// from a key pair on disk, re-read on every refresh so rotated files are
// picked up, or from an ACME directory through autocert.
type CertManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	challenge       fasthttp.RequestHandler
	stopCh          chan struct{}
	done            chan struct{}
	mu              sync.RWMutex
	current         *tls.Certificate
	certificates    map[string]*tls.Certificate
	state           atomic.Value
	refreshInterval time.Duration
	renewBefore     time.Duration
}

func NewCertManager(ctx context.Context, config *types.TLSConfig, logger types.Logger, metrics types.MetricsManager) (*CertManager, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "server.tls")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		config:          config,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
		certificates:    make(map[string]*tls.Certificate),
		refreshInterval: 12 * time.Hour,
		renewBefore:     30 * 24 * time.Hour,
	}

	cm.state.Store(StateStopped)

	var err error
	if config.AutoCert {
		err = cm.initializeAutocert()
	} else if config.CertFile == "" || config.KeyFile == "" {
		err = types.Errorf(types.ErrTLSConfigInvalid, "cert_file and key_file are required without auto_cert")
	}

	if err != nil {
		cancel()
		return nil, err
	}

	return cm, nil
}

func (cm *CertManager) Listen(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	ln, err := tls.Listen("tcp", addr, cm.GetTLSConfig())
	if err != nil {
		return nil, types.WrapError(err, "failed to create TLS listener")
	}

	return ln, nil
}

func (cm *CertManager) GetTLSConfig() *tls.Config {
	getCertificate := cm.fileCertificate
	if cm.autocertMgr != nil {
		getCertificate = cm.autocertMgr.GetCertificate
	}

	return &tls.Config{
		GetCertificate: cm.logFailures(getCertificate),
		NextProtos:     []string{"http/1.1", acme.ALPNProto},
		MinVersion:     tls.VersionTLS12,
		CipherSuites:   cipherSuites,
	}
}

// ChallengeHandler answers ACME http-01 challenges in front of next. Without
// autocert it returns next unchanged.
func (cm *CertManager) ChallengeHandler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if cm.challenge == nil {
		return next
	}

	return func(ctx *fasthttp.RequestCtx) {
		if strings.HasPrefix(string(ctx.Path()), challengePrefix) {
			cm.challenge(ctx)
			return
		}
		next(ctx)
	}
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if cm.autocertMgr == nil {
		if err := cm.loadKeyPair(); err != nil {
			cm.setState(StateStopped)
			return err
		}
	} else {
		cm.preloadCertificates()
	}

	go cm.refreshLoop()

	cm.setState(StateRunning)

	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.autocertMgr != nil),
		zap.Strings("domains", cm.domains()))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.setState(StateStopped)
		cm.cancel()
	}()

	close(cm.stopCh)
	<-cm.done

	cm.logger.Info("TLS certificate manager stopped gracefully")

	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *CertManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *CertManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *CertManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrTLSConfigInvalid, "auto_cert needs at least one domain")
	}

	for _, domain := range cm.config.Domains {
		if strings.TrimSpace(domain) == "" {
			return types.Errorf(types.ErrTLSConfigInvalid, "empty domain name")
		}
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:       autocert.DirCache(cacheDir),
		Prompt:      autocert.AcceptTOS,
		HostPolicy:  autocert.HostWhitelist(cm.config.Domains...),
		Email:       cm.config.Email,
		RenewBefore: cm.renewBefore,
	}

	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{
			DirectoryURL: cm.config.ACMEDirectory,
		}
	}

	cm.challenge = fasthttpadaptor.NewFastHTTPHandler(cm.autocertMgr.HTTPHandler(nil))

	return nil
}

func (cm *CertManager) loadKeyPair() error {
	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return types.Errorf(types.ErrTLSConfigInvalid, "load key pair: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.Errorf(types.ErrTLSConfigInvalid, "parse certificate: %v", err)
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) {
		return types.Errorf(types.ErrTLSConfigInvalid, "certificate not valid before %s", leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return types.Errorf(types.ErrTLSConfigInvalid, "certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}

	cert.Leaf = leaf

	names := leaf.DNSNames
	if len(names) == 0 && leaf.Subject.CommonName != "" {
		names = []string{leaf.Subject.CommonName}
	}

	cm.mu.Lock()
	cm.current = &cert
	cm.certificates = make(map[string]*tls.Certificate, len(names))
	for _, name := range names {
		cm.certificates[name] = &cert
	}
	cm.mu.Unlock()

	return nil
}

func (cm *CertManager) fileCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.current == nil {
		return nil, types.Errorf(types.ErrTLSConfigInvalid, "no certificate loaded")
	}
	return cm.current, nil
}

func (cm *CertManager) logFailures(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := getCert(hello)
		if err != nil {
			cm.logger.Error("Failed to get certificate",
				zap.String("server_name", hello.ServerName),
				zap.Error(err))
			return nil, err
		}
		return cert, nil
	}
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, 60*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range cm.config.Domains {
		domain := domain
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
			if err != nil {
				cm.logger.Warn("Failed to preload certificate",
					zap.String("domain", domain),
					zap.Error(err))
				return nil
			}

			cm.mu.Lock()
			cm.certificates[domain] = cert
			cm.mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cm.logger.Warn("Certificate preloading interrupted", zap.Error(err))
	}
}

func (cm *CertManager) refreshLoop() {
	defer close(cm.done)

	ticker := time.NewTicker(cm.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.refresh()
		case <-cm.stopCh:
			return
		case <-cm.ctx.Done():
			return
		}
	}
}

// refresh re-reads rotated files, or asks autocert again for certificates
// inside the renewal window, then publishes expiry gauges.
func (cm *CertManager) refresh() {
	if cm.autocertMgr == nil {
		if err := cm.loadKeyPair(); err != nil {
			cm.logger.Error("Failed to reload certificate files", zap.Error(err))
		}
	} else {
		for domain, status := range cm.GetCertificateStatus() {
			if status.Status == "valid" {
				continue
			}

			cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
			if err != nil {
				cm.logger.Error("Failed to renew certificate", zap.String("domain", domain), zap.Error(err))
				continue
			}

			cm.mu.Lock()
			cm.certificates[domain] = cert
			cm.mu.Unlock()

			cm.logger.Info("Certificate renewed", zap.String("domain", domain))
		}
	}

	for domain, status := range cm.GetCertificateStatus() {
		cm.metrics.Gauge("tls_certificate_expiry_days", map[string]string{"domain": domain}).Set(float64(status.DaysUntilExpiry))
	}
}

func (cm *CertManager) domains() []string {
	if cm.autocertMgr != nil {
		return cm.config.Domains
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	domains := make([]string, 0, len(cm.certificates))
	for domain := range cm.certificates {
		domains = append(domains, domain)
	}
	return domains
}

func (cm *CertManager) GetCertificateStatus() map[string]types.CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]types.CertificateStatus, len(cm.certificates))

	for domain, cert := range cm.certificates {
		if len(cert.Certificate) == 0 {
			status[domain] = types.CertificateStatus{Domain: domain, Status: "error", Error: "no certificate data"}
			continue
		}

		leaf := cert.Leaf
		if leaf == nil {
			parsed, err := x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				status[domain] = types.CertificateStatus{Domain: domain, Status: "error", Error: err.Error()}
				continue
			}
			leaf = parsed
		}

		remaining := time.Until(leaf.NotAfter)
		certStatus := "valid"
		switch {
		case remaining <= 0:
			certStatus = "expired"
		case remaining <= cm.renewBefore:
			certStatus = "expiring_soon"
		}

		status[domain] = types.CertificateStatus{
			Domain:          domain,
			Status:          certStatus,
			Issuer:          leaf.Issuer.String(),
			Subject:         leaf.Subject.String(),
			NotBefore:       leaf.NotBefore,
			NotAfter:        leaf.NotAfter,
			DaysUntilExpiry: int(remaining.Hours() / 24),
		}
	}

	return status
}
