// Package orchestrator wires together a sovereign's security module,
// key material, identity certificate, and governance policy into a
// running process: it resolves the configured key-acquisition strategy,
// measures the enclave's integrity registers, and serves the key-sync,
// monitoring, and attestation listeners until told to stop.
package orchestrator

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sovereign-tee/sovereign/infrastructure/logging"
	"github.com/sovereign-tee/sovereign/infrastructure/middleware"
	"github.com/sovereign-tee/sovereign/infrastructure/utils"
	"github.com/sovereign-tee/sovereign/internal/governance"
	"github.com/sovereign-tee/sovereign/internal/identity"
	"github.com/sovereign-tee/sovereign/internal/keymaterial"
	"github.com/sovereign-tee/sovereign/internal/keysync"
	"github.com/sovereign-tee/sovereign/internal/rpcsign"
	"github.com/sovereign-tee/sovereign/internal/secmod"
	"github.com/sovereign-tee/sovereign/internal/sovereignconfig"
)

// sovereignVersion is reported on the monitoring health endpoint.
const sovereignVersion = "0.1.0"

// Sovereign is one fully started sovereign process: its key material,
// certificate identity, and the listeners serving peers and operators.
type Sovereign struct {
	Config     *sovereignconfig.Config
	Module     secmod.Module
	Attestor   secmod.Attestor
	KeyServer  *keymaterial.KeyServer
	Cert       *identity.Certificate
	Authorizer *governance.Authorizer
	Metrics    *Metrics
	Logger     *logging.Logger
}

// Start runs the full startup sequence: init the attestor, acquire key
// material (generating it locally or pulling it from a running leader over
// key-sync), build the key server and self-signed identity, and measure
// the enclave's integrity registers. The returned Sovereign is ready for
// Run to serve its listeners.
func Start(ctx context.Context, mod secmod.Module, cfg *sovereignconfig.Config) (*Sovereign, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewFromEnv("sovereign")
	attestor, err := mod.InitAttestor()
	if err != nil {
		return nil, fmt.Errorf("initialize attestor: %w", err)
	}

	authorizer := &governance.Authorizer{Module: mod, Attestor: attestor}
	if cfg.Governance.Kind == governance.Safe {
		authorizer.Safe = governance.NewSafeAuthorizer(nil)
	}

	material, err := acquireKeyMaterial(ctx, mod, attestor, authorizer, cfg)
	if err != nil {
		return nil, fmt.Errorf("acquire key material: %w", err)
	}

	keyServer, err := keymaterial.NewKeyServer(material)
	if err != nil {
		return nil, fmt.Errorf("build key server: %w", err)
	}

	cert, err := identity.NewSelfSigned(keyServer.CertKey(), cfg.AltNames)
	if err != nil {
		return nil, fmt.Errorf("build identity certificate: %w", err)
	}

	pairs := keyServer.Pairs()
	if len(pairs) < 2 {
		return nil, fmt.Errorf("key server has fewer than 2 signing keys")
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration for measurement: %w", err)
	}
	measurements := [][]byte{
		cert.CertDER,
		pairs[0].CompressedPublicKey(),
		pairs[1].CompressedPublicKey(),
		configJSON,
	}
	if err := mod.MeasureEnclave(attestor, measurements); err != nil {
		return nil, fmt.Errorf("measure enclave: %w", err)
	}

	return &Sovereign{
		Config:     cfg,
		Module:     mod,
		Attestor:   attestor,
		KeyServer:  keyServer,
		Cert:       cert,
		Authorizer: authorizer,
		Metrics:    NewMetrics(),
		Logger:     logger,
	}, nil
}

// acquireKeyMaterial generates fresh key material locally, or pulls it
// from a leader already running elsewhere by listening for one inbound
// key-sync connection and running the follower side of the protocol.
func acquireKeyMaterial(ctx context.Context, mod secmod.Module, attestor secmod.Attestor, authorizer *governance.Authorizer, cfg *sovereignconfig.Config) (*keymaterial.SecretKeyMaterial, error) {
	switch cfg.SecretKeysFrom.Kind {
	case sovereignconfig.Generate:
		return keymaterial.GenerateRandom(cfg.SecretKeysFrom.NumKeys, keymaterial.RandReader)
	case sovereignconfig.KeySync:
		listener, err := mod.Listen(ctx, cfg.SecretKeysFrom.Port)
		if err != nil {
			return nil, fmt.Errorf("listen for leader on port %d: %w", cfg.SecretKeysFrom.Port, err)
		}
		defer listener.Close()

		conn, err := listener.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept leader connection: %w", err)
		}
		defer conn.Close()

		raw, err := keysync.ServeFollower(ctx, mod, attestor, authorizer, cfg.Governance, conn)
		if err != nil {
			return nil, fmt.Errorf("key-sync with leader: %w", err)
		}
		return keymaterial.UnmarshalSecretKeyMaterial(raw)
	default:
		return nil, fmt.Errorf("unknown secret-keys-from kind %q", cfg.SecretKeysFrom.Kind)
	}
}

// Run serves the key-sync, monitoring, and attestation listeners until ctx
// is canceled, then closes them and returns. Each listener's accept loop
// runs in its own goroutine; Run blocks until all have exited.
func (s *Sovereign) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveKeySync(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("key-sync listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveRPCSign(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("rpcsign listener: %w", err)
		}
	}()

	monitoringServer := &http.Server{Handler: s.monitoringHandler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveHTTP(ctx, monitoringServer, s.Config.MonitoringPort); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("monitoring listener: %w", err)
		}
	}()

	attestationHandler := s.attestationHandler()
	httpAttestationServer := &http.Server{Handler: attestationHandler}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveHTTP(ctx, httpAttestationServer, s.Config.HTTPAttestationPort); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http attestation listener: %w", err)
		}
	}()

	httpsAttestationServer := &http.Server{
		Handler:   attestationHandler,
		TLSConfig: s.tlsConfig(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveHTTPS(ctx, httpsAttestationServer, s.Config.HTTPSAttestationPort); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("https attestation listener: %w", err)
		}
	}()

	monitoringShutdown := middleware.NewGracefulShutdown(monitoringServer, 5*time.Second)
	httpAttestationShutdown := middleware.NewGracefulShutdown(httpAttestationServer, 5*time.Second)
	httpsAttestationShutdown := middleware.NewGracefulShutdown(httpsAttestationServer, 5*time.Second)
	utils.SafeGo(func() {
		<-ctx.Done()
		monitoringShutdown.Shutdown()
		httpAttestationShutdown.Shutdown()
		httpsAttestationShutdown.Shutdown()
	}, func(err error) {
		s.Logger.Error(ctx, "panic while closing listeners on shutdown", err, nil)
	})

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// attestationHandler wraps the attestation route in the same
// recovery/body-limit/CORS middleware stack the teacher's HTTP services
// build on top of gorilla/mux, narrowed to this endpoint's one route, plus
// the standard security response headers for a TEE-facing document endpoint.
func (s *Sovereign) attestationHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleAttestation).Methods(http.MethodGet)

	recovery := middleware.NewRecoveryMiddleware(s.Logger)
	bodyLimit := middleware.NewBodyLimitMiddleware(4 << 10)
	// This endpoint only ever serves GET /, so the default CORS method list
	// (GET/POST/PUT/DELETE/OPTIONS) is narrowed to just GET.
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedMethods: []string{http.MethodGet}})
	securityHeaders := middleware.NewSecurityHeadersMiddleware(nil)

	return recovery.Handler(bodyLimit.Handler(securityHeaders.Handler(cors.Handler(router))))
}

// monitoringHandler serves Prometheus metrics alongside a liveness/readiness
// health check, the two narrow operator-facing surfaces this sovereign
// exposes on its monitoring port.
func (s *Sovereign) monitoringHandler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/", s.Metrics.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)

	health := middleware.NewHealthChecker(sovereignVersion)
	health.RegisterCheck("key-server", func() error {
		if s.KeyServer == nil {
			return fmt.Errorf("key server not initialized")
		}
		return nil
	})
	router.Handle("/health", health.Handler()).Methods(http.MethodGet)

	return router
}

// serveRPCSign listens on the configured Unix-domain socket and serves
// signing RPC requests against this sovereign's key pool until ctx is
// canceled.
func (s *Sovereign) serveRPCSign(ctx context.Context) error {
	socketPath := s.Config.RPCSocket()
	_ = os.Remove(socketPath)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on rpc socket %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	rpcServer := &rpcsign.Server{KeyServer: s.KeyServer}
	return rpcServer.Serve(ctx, listener)
}

func (s *Sovereign) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{s.Cert.CertDER}, PrivateKey: s.KeyServer.CertKey()}},
		MinVersion:   tls.VersionTLS12,
	}
}

// serveKeySync accepts repeated leader-side key-sync connections on
// KeySyncPort, serving this sovereign's current key material to whichever
// followers join later.
func (s *Sovereign) serveKeySync(ctx context.Context) error {
	listener, err := s.Module.Listen(ctx, s.Config.KeySyncPort)
	if err != nil {
		return fmt.Errorf("listen on key-sync port %d: %w", s.Config.KeySyncPort, err)
	}
	utils.SafeGo(func() {
		<-ctx.Done()
		_ = listener.Close()
	}, func(err error) {
		s.Logger.Error(ctx, "panic while closing key-sync listener on shutdown", err, nil)
	})

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleKeySyncConn(ctx, conn)
	}
}

func (s *Sovereign) handleKeySyncConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	material := s.KeyServer.ExtractSecretKeyMaterial()
	raw, err := material.Marshal()
	code := "ok"
	if err == nil {
		err = keysync.ServeLeader(ctx, s.Module, s.Attestor, s.Authorizer, s.Config.Governance, raw, conn)
	}
	if err != nil {
		code = "error"
		s.Logger.WithError(err).Warn("key-sync exchange failed")
	}
	s.Metrics.Observe("key-sync", "serve-leader", code, time.Since(start).Seconds())
}

func (s *Sovereign) serveHTTP(ctx context.Context, server *http.Server, port uint32) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	err = server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Sovereign) serveHTTPS(ctx context.Context, server *http.Server, port uint32) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	err = server.ServeTLS(listener, "", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleAttestation serves GET / with optional nonce/public-key/user-data
// hex query parameters, returning a fresh attestation document embedding
// them.
func (s *Sovereign) handleAttestation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	nonce, err := hexQueryParam(r, "nonce")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	publicKey, err := hexQueryParam(r, "public-key")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userData, err := hexQueryParam(r, "user-data")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := s.Module.NewAttestation(s.Attestor, nonce, publicKey, userData)
	code := "ok"
	if err != nil {
		code = "error"
	}
	s.Metrics.Observe("http-attestation", "GET /", code, time.Since(start).Seconds())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(doc)
}

func hexQueryParam(r *http.Request, name string) ([]byte, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return decoded, nil
}
