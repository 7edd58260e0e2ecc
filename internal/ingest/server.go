// Package ingest terminates platform webhooks. It verifies each request
// with the provider's own scheme, resolves the sender to a binding, and
// hands the dispatcher a request before acknowledging, so platform
// delivery timeouts never wait on an agent run.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relay/internal/channel"
	"relay/internal/domain"
)

const maxBodySize = 1 << 20 // 1MB

// Enqueuer is the slice of the dispatcher the ingest server needs. The
// non-waiting variant keeps the webhook handler inside the platform's
// delivery timeout even when the queue is saturated.
type Enqueuer interface {
	TryEnqueue(req domain.DispatchRequest) bool
}

// BindingResolver resolves a platform identity to its binding, creating
// a guest binding on first contact.
type BindingResolver interface {
	ResolveOrCreate(ctx context.Context, channelID, externalID string) (*domain.Binding, error)
}

type Config struct {
	Addr       string
	Store      domain.Store
	Resolver   BindingResolver
	Dispatcher Enqueuer
	Hub        *channel.Hub
	AgentRef   string // agent every inbound message is routed to
	Logger     *slog.Logger
}

type Server struct {
	addr       string
	store      domain.Store
	resolver   BindingResolver
	dispatcher Enqueuer
	hub        *channel.Hub
	agentRef   string
	logger     *slog.Logger
	server     *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	return &Server{
		addr:       cfg.Addr,
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		dispatcher: cfg.Dispatcher,
		hub:        cfg.Hub,
		agentRef:   cfg.AgentRef,
		logger:     cfg.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{channel}", s.handleWebhook)
	mux.HandleFunc("GET /webhook/{channel}", s.handleEcho)
	mux.HandleFunc("GET /stream/{channel}/{target}", s.handleStream)
	return mux
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("ingest server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ingest server: %w", err)
	}
}

func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadChannel(rw, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	inbound, verr := extractInbound(cfg, r, body)
	if verr != nil {
		s.logger.Warn("webhook rejected",
			"channel", cfg.ID,
			"provider", cfg.Provider,
			"err", verr.err,
		)
		http.Error(rw, verr.msg, verr.status)
		return
	}
	if inbound == nil {
		// Verified control traffic (Slack URL check, bot echoes).
		rw.WriteHeader(http.StatusOK)
		return
	}
	if inbound.challenge != "" {
		rw.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(rw, inbound.challenge)
		return
	}

	binding, err := s.resolver.ResolveOrCreate(r.Context(), cfg.ID, inbound.externalID)
	if err != nil {
		s.logger.Error("webhook binding resolution failed", "channel", cfg.ID, "err", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("webhook received",
		"channel", cfg.ID,
		"provider", cfg.Provider,
		"binding", binding.ID,
		"content_len", len(inbound.text),
	)

	if !s.dispatcher.TryEnqueue(domain.DispatchRequest{
		Trigger:        domain.TriggerReactive,
		AgentRef:       s.agentRef,
		Prompt:         inbound.text,
		ChannelID:      cfg.ID,
		TargetID:       inbound.targetID,
		ConversationID: binding.ConversationID,
	}) {
		// Dropped dispatches still get a success ack: the sender and
		// the downstream outcome are decoupled, and a non-2xx would
		// make the platform redeliver an event we cannot take anyway.
		s.logger.Warn("webhook dispatch dropped", "channel", cfg.ID)
	}

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}

// handleEcho answers WeCom's callback URL verification, a GET with a
// signed echostr the endpoint must decode and return.
func (s *Server) handleEcho(rw http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadChannel(rw, r)
	if !ok {
		return
	}
	if cfg.Provider != domain.ProviderWeCom {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	echostr := q.Get("echostr")
	if !channel.VerifyWeComSignature(cfg.Secret, q.Get("timestamp"), q.Get("nonce"), echostr, q.Get("msg_signature")) {
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}
	fmt.Fprint(rw, echostr)
}

func (s *Server) handleStream(rw http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadChannel(rw, r)
	if !ok {
		return
	}
	if cfg.Provider != domain.ProviderWebStream {
		http.Error(rw, "Not Found", http.StatusNotFound)
		return
	}
	s.hub.Attach(rw, r, cfg.ID, r.PathValue("target"))
}

// loadChannel fetches the channel named in the path and fails closed:
// unknown channels are 404, deactivated ones 403.
func (s *Server) loadChannel(rw http.ResponseWriter, r *http.Request) (*domain.ChannelConfig, bool) {
	cfg, err := s.store.GetChannel(r.Context(), r.PathValue("channel"))
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			http.Error(rw, "Not Found", http.StatusNotFound)
		} else {
			s.logger.Error("webhook channel lookup failed", "err", err)
			http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		}
		return nil, false
	}
	if !cfg.Active {
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return cfg, true
}

// verifyHMAC checks the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
