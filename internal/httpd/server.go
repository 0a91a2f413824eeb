package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/relay"
	"github.com/relaybot/relayd/internal/store"
	"github.com/relaybot/relayd/internal/verify"
)

// Config for the HTTP surface.
type Config struct {
	Listen     string
	AdminToken string
}

// Server exposes the web-widget, operator and admin endpoints over fasthttp.
type Server struct {
	db       *store.DB
	engine   *relay.Engine
	verifier *verify.Machine
	logger   *zap.Logger
	cfg      Config

	srv     *fasthttp.Server
	ln      net.Listener
	metrics fasthttp.RequestHandler
}

// NewServer builds the HTTP server. The prometheus registry backs /metrics.
func NewServer(db *store.DB, engine *relay.Engine, verifier *verify.Machine,
	reg *prometheus.Registry, logger *zap.Logger, cfg Config) *Server {
	s := &Server{
		db:       db,
		engine:   engine,
		verifier: verifier,
		logger:   logger.Named("httpd"),
		cfg:      cfg,
		metrics: fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	s.srv = &fasthttp.Server{
		Handler: s.route,
		Name:    "relayd",
	}
	return s
}

// Start begins listening. Returns once the listener is bound; serving happens
// on a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln
	s.logger.Info("http listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.logger.Error("http serve stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case path == "/metrics" && method == fasthttp.MethodGet:
		s.metrics(ctx)

	case path == "/v1/session" && method == fasthttp.MethodPost:
		s.handleOpenSession(ctx)
	case path == "/v1/messages" && method == fasthttp.MethodPost:
		s.handleWebInbound(ctx)
	case path == "/v1/messages" && method == fasthttp.MethodGet:
		s.handleWebPoll(ctx)
	case path == "/v1/challenge" && method == fasthttp.MethodPost:
		s.handleWebChallenge(ctx)

	case strings.HasPrefix(path, "/v1/operator/") || strings.HasPrefix(path, "/admin/"):
		if !s.adminAuthorized(ctx) {
			writeError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			return
		}
		s.routeAdmin(ctx, path, method)

	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) routeAdmin(ctx *fasthttp.RequestCtx, path, method string) {
	switch {
	case path == "/v1/operator/reply" && method == fasthttp.MethodPost:
		s.handleOperatorReply(ctx)

	case path == "/admin/contacts" && method == fasthttp.MethodGet:
		s.handleListContacts(ctx)
	case strings.HasPrefix(path, "/admin/contacts/") && method == fasthttp.MethodPost:
		s.handleContactAction(ctx, strings.TrimPrefix(path, "/admin/contacts/"))

	case path == "/admin/terms" && method == fasthttp.MethodGet:
		s.handleListTerms(ctx)
	case path == "/admin/terms" && method == fasthttp.MethodPost:
		s.handleUpsertTerm(ctx)
	case path == "/admin/terms" && method == fasthttp.MethodDelete:
		s.handleDeleteTerm(ctx)

	case path == "/admin/settings" && method == fasthttp.MethodGet:
		s.handleGetSettings(ctx)
	case path == "/admin/settings" && method == fasthttp.MethodPut:
		s.handlePutSettings(ctx)

	case path == "/admin/messages/search" && method == fasthttp.MethodGet:
		s.handleSearchMessages(ctx)

	case path == "/admin/broadcast" && method == fasthttp.MethodPost:
		s.handleBroadcast(ctx)
	case path == "/admin/stats" && method == fasthttp.MethodGet:
		s.handleStats(ctx)

	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// adminAuthorized checks the static bearer token. An empty configured token
// disables the admin surface entirely.
func (s *Server) adminAuthorized(ctx *fasthttp.RequestCtx) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	return bearerToken(ctx) == s.cfg.AdminToken
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}
