package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const renewBefore = 30 * 24 * time.Hour

type CertificateStatus struct {
	Domain          string    `json:"domain"`
	Status          string    `json:"status"`
	Issuer          string    `json:"issuer,omitempty"`
	NotAfter        time.Time `json:"not_after,omitempty"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	Error           string    `json:"error,omitempty"`
}

// CertManager terminates TLS for the proxy with either a static key pair or
// certificates obtained through ACME.
type CertManager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	config       *types.TLSConfig
	autocertMgr  *autocert.Manager
	static       *tls.Certificate
	certificates map[string]*tls.Certificate
	mu           sync.RWMutex
	state        atomic.Value
	preloadLimit time.Duration
}

func NewCertManager(ctx context.Context, config *types.TLSConfig, logger types.Logger) (*CertManager, error) {
	if config == nil || !config.Enabled {
		return nil, types.Errorf(types.ErrInvalidParameter, "tls is not enabled")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		config:       config,
		certificates: make(map[string]*tls.Certificate),
		preloadLimit: 60 * time.Second,
	}

	cm.state.Store(StateStopped)

	if config.AutoCert {
		if err := cm.initializeAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
	} else if config.CertFile == "" || config.KeyFile == "" {
		cancel()
		return nil, types.Errorf(types.ErrInvalidParameter, "tls enabled but cert_file or key_file not specified")
	}

	return cm, nil
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if !cm.config.AutoCert {
		cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
		if err != nil {
			cm.setState(StateStopped)
			return types.WrapError(err, "failed to load certificate files")
		}

		if _, err = validateCertificate(&cert, time.Now()); err != nil {
			cm.setState(StateStopped)
			return err
		}

		cm.mu.Lock()
		cm.static = &cert
		cm.mu.Unlock()
	} else {
		go cm.preloadCertificates()
	}

	cm.setState(StateRunning)

	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.config.AutoCert),
		zap.Strings("domains", cm.config.Domains))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer cm.setState(StateStopped)

	cm.cancel()
	cm.logger.Info("TLS certificate manager stopped")

	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
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
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		NextProtos: []string{"http/1.1"},
	}

	if cm.autocertMgr != nil {
		tlsConfig.GetCertificate = cm.getCertificate
		tlsConfig.NextProtos = append(tlsConfig.NextProtos, acme.ALPNProto)
		return tlsConfig
	}

	cm.mu.RLock()
	if cm.static != nil {
		tlsConfig.Certificates = []tls.Certificate{*cm.static}
	}
	cm.mu.RUnlock()

	return tlsConfig
}

// Status reports every certificate the manager currently holds.
func (cm *CertManager) Status() map[string]CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]CertificateStatus, len(cm.certificates)+1)
	now := time.Now()

	report := func(domain string, cert *tls.Certificate) {
		leaf, err := validateCertificate(cert, now)
		if leaf == nil {
			status[domain] = CertificateStatus{Domain: domain, Status: "error", Error: err.Error()}
			return
		}

		entry := CertificateStatus{
			Domain:          domain,
			Status:          "valid",
			Issuer:          leaf.Issuer.String(),
			NotAfter:        leaf.NotAfter,
			DaysUntilExpiry: int(leaf.NotAfter.Sub(now).Hours() / 24),
		}

		switch {
		case err != nil:
			entry.Status = "invalid"
			entry.Error = err.Error()
		case leaf.NotAfter.Sub(now) < renewBefore:
			entry.Status = "expiring_soon"
		}
		status[domain] = entry
	}

	if cm.static != nil {
		report("static", cm.static)
	}
	for domain, cert := range cm.certificates {
		report(domain, cert)
	}

	return status
}

func (cm *CertManager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := cm.autocertMgr.GetCertificate(hello)
	if err != nil {
		cm.logger.Error("Failed to get certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
		return nil, err
	}

	if hello.ServerName != "" {
		cm.mu.Lock()
		cm.certificates[hello.ServerName] = cert
		cm.mu.Unlock()
	}

	return cert, nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "no domains specified for TLS certificate")
	}

	for _, domain := range cm.config.Domains {
		if domain == "" {
			return types.Errorf(types.ErrInvalidParameter, "empty domain name")
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
		RenewBefore: renewBefore,
	}

	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{
			DirectoryURL: cm.config.ACMEDirectory,
		}
	}

	return nil
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, cm.preloadLimit)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range cm.config.Domains {
		d := domain
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}

			if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: d}); err != nil {
				cm.logger.Warn("Failed to preload certificate",
					zap.String("domain", d),
					zap.Error(err))
				return nil
			}

			cm.logger.Info("Certificate preloaded", zap.String("domain", d))
			return nil
		})
	}

	_ = g.Wait()
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

// validateCertificate returns the parsed leaf, and an error when the leaf is
// outside its validity window at now.
func validateCertificate(cert *tls.Certificate, now time.Time) (*x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "no certificate data")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, types.WrapError(err, "failed to parse certificate")
	}

	if now.Before(leaf.NotBefore) {
		return leaf, types.Errorf(types.ErrInvalidParameter, "certificate not yet valid")
	}
	if now.After(leaf.NotAfter) {
		return leaf, types.Errorf(types.ErrInvalidParameter, "certificate expired")
	}

	return leaf, nil
}
