package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keyforge/go-backend/internal/onboarding"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/ratelimiter"
	"keyforge/go-backend/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultRPCAddr = "127.0.0.1:8787"

var ErrTokenRequired = errors.New("rpc token is required when listening on a non-loopback address")

// ForgeService is the onboarding surface exposed over JSON-RPC.
type ForgeService interface {
	Start() string
	Generate(forgeID string, protect, force bool) (models.Identity, error)
	Import(ctx context.Context, forgeID, text string, protect, force bool) (onboarding.ImportResult, error)
	Reveal(forgeID string) (onboarding.RevealResult, error)
	SetDisplayed(forgeID string, displayed bool) error
	Secure(forgeID string) error
	BeginSubmission(forgeID string) error
	EndSubmission(forgeID string) error
	PersistRecovery(ctx context.Context, forgeID, passphrase string, req onboarding.SigningRequest) (string, error)
	PublishProfile(ctx context.Context, forgeID string, meta models.ProfileMetadata, req onboarding.SigningRequest) (models.PublishReceipt, error)
	SignInvitation(ctx context.Context, forgeID, invitee, note string, req onboarding.SigningRequest) (models.Event, error)
	IssueOwnership(ctx context.Context, forgeID, contact string) (models.OwnershipSessionInfo, error)
	VerifyOwnership(forgeID, code string) error
	Status(forgeID string) (models.ForgeStatus, error)
	Teardown(forgeID string) error
}

// NoticeInbox holds sealed challenge notices addressed to local recipients.
type NoticeInbox interface {
	PendingNotices(recipient string) [][]byte
}

type Options struct {
	Addr            string
	Token           string
	RPS             float64
	Burst           int
	VerifyPerMinute int
	Gatherer        prometheus.Gatherer
	Inbox           NoticeInbox
	Logger          *slog.Logger
}

type Server struct {
	httpServer     *http.Server
	service        ForgeService
	inbox          NoticeInbox
	logger         *slog.Logger
	rpcToken       string
	rpcLimiter     *ratelimiter.KeyLimiter
	verifyLimiter  *ratelimiter.KeyLimiter
	metricsHandler http.Handler
}

func NewServer(svc ForgeService, opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultRPCAddr
	}
	opts.Token = strings.TrimSpace(opts.Token)
	if opts.Token == "" && !isLoopbackAddr(opts.Addr) {
		return nil, fmt.Errorf("%w: %s", ErrTokenRequired, opts.Addr)
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:       svc,
		inbox:         opts.Inbox,
		logger:        privacylog.Ensure(opts.Logger),
		rpcToken:      opts.Token,
		rpcLimiter:    ratelimiter.New(ratelimiter.Config{Enabled: opts.RPS > 0, RPS: opts.RPS, Burst: opts.Burst}),
		verifyLimiter: ratelimiter.New(ratelimiter.PerMinute(opts.VerifyPerMinute)),
	}
	if opts.Gatherer != nil {
		s.metricsHandler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	if s.rpcToken == "" {
		s.logger.Warn("rpc token is not set; RPC auth disabled on loopback listener")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("rpc server listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRPC(w, r) {
		return
	}
	if s.metricsHandler == nil {
		http.NotFound(w, r)
		return
	}
	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Forge-RPC-Token")
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("X-Forge-RPC-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
