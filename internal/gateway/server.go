package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// ServerConfig tunes the control surface.
type ServerConfig struct {
	Host           string
	Port           int
	Token          string
	AllowedOrigins []string

	// Tailscale exposes the same mux on a tsnet listener when enabled.
	TailscaleEnabled  bool
	TailscaleHostname string
	TailscaleStateDir string
	TailscaleAuthKey  string
}

// Server is the WebSocket/HTTP control surface: health, status, chat
// injection, aborts, and pairing approval.
type Server struct {
	cfg      ServerConfig
	orch     *Orchestrator
	pairing  *pairing.Store
	sessions *sessions.Store
	manager  *channels.Manager
	router   *Router

	upgrader   websocket.Upgrader
	httpServer *http.Server
	tsServer   *tsnet.Server
	startedAt  time.Time
}

// NewServer creates the control surface server.
func NewServer(cfg ServerConfig, orch *Orchestrator, ps *pairing.Store, ss *sessions.Store, cm *channels.Manager, router *Router) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		pairing:  ps,
		sessions: ss,
		manager:  cm,
		router:   router,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates browser origins. Empty Origin headers (CLI, SDK)
// always pass; an empty allowlist allows everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok && after == s.cfg.Token {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.Token
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	mux := s.buildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("gateway.listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.cfg.TailscaleEnabled {
		if err := s.startTailscale(mux, errCh); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

// startTailscale exposes the same mux on a tailnet listener.
func (s *Server) startTailscale(mux *http.ServeMux, errCh chan<- error) error {
	hostname := s.cfg.TailscaleHostname
	if hostname == "" {
		hostname = "openclaw"
	}
	s.tsServer = &tsnet.Server{
		Hostname: hostname,
		Dir:      s.cfg.TailscaleStateDir,
		AuthKey:  s.cfg.TailscaleAuthKey,
	}
	ln, err := s.tsServer.Listen("tcp", ":80")
	if err != nil {
		return fmt.Errorf("tsnet listen: %w", err)
	}
	go func() {
		slog.Info("gateway.tailscale_listening", "hostname", hostname)
		if err := http.Serve(ln, mux); err != nil && !isClosedErr(err) {
			errCh <- err
		}
	}()
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed")
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.tsServer != nil {
		s.tsServer.Close()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req protocol.Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.ws_read_failed", "error", err)
			}
			return
		}
		resp := s.dispatch(r.Context(), &req)
		if err := conn.WriteJSON(resp); err != nil {
			slog.Debug("gateway.ws_write_failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *protocol.Request) protocol.Response {
	result, err := s.invoke(ctx, req.Method, req.Params)
	if err != nil {
		return protocol.Response{ID: req.ID, Error: err.Error()}
	}
	return protocol.Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodConnect, protocol.MethodHealth:
		return map[string]any{"ok": true}, nil

	case protocol.MethodStatus:
		return s.status(ctx), nil

	case protocol.MethodChatSend:
		var p protocol.ChatSendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("message required")
		}
		mc := &bus.MsgContext{
			Body:      p.Message,
			From:      "acp",
			To:        p.To,
			ChatType:  "direct",
			Provider:  "cli",
			Surface:   "acp",
			Timestamp: time.Now().UnixMilli(),
		}
		if p.Channel != "" {
			mc.OriginatingChannel = p.Channel
			mc.OriginatingTo = p.To
		}
		res := s.orch.HandleInbound(ctx, mc)
		return res, nil

	case protocol.MethodChatAbort:
		var p protocol.ChatAbortParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		stopped := s.orch.fastAbort(sessions.Canonicalize(p.SessionKey))
		return map[string]any{"stoppedSubagents": stopped}, nil

	case protocol.MethodPairingList:
		var p protocol.PairingListParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		return s.pairing.ListRequests(p.Channel, p.AccountID)

	case protocol.MethodPairingApprove:
		var p protocol.PairingApproveParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		id, err := s.pairing.ApproveCode(ctx, p.Channel, p.Code, p.AccountID)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("code %s matched no pending request", p.Code)
		}
		return map[string]any{"id": id}, nil

	case protocol.MethodSessionsList:
		var p protocol.SessionsListParams
		if params != nil {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("bad params: %w", err)
			}
		}
		path := sessions.ResolveStorePath(s.router.StorePathHint, s.router.BaseDir, p.AgentID)
		return s.sessions.Load(path)

	case protocol.MethodSessionsReset:
		var p protocol.SessionsResetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
		path := sessions.ResolveStorePath(s.router.StorePathHint, s.router.BaseDir, p.AgentID)
		if err := s.sessions.Reset(ctx, path, sessions.Canonicalize(p.SessionKey)); err != nil {
			return nil, err
		}
		return map[string]any{"reset": true}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (s *Server) status(ctx context.Context) protocol.StatusResult {
	st := protocol.StatusResult{
		Channels: make(map[string]protocol.ChannelStatus),
		Uptime:   time.Since(s.startedAt).Milliseconds(),
	}
	for _, name := range s.manager.Names() {
		adapter, ok := s.manager.Get(name)
		if !ok {
			continue
		}
		probe := adapter.Probe(ctx)
		st.Channels[name] = protocol.ChannelStatus{
			Connected: probe.OK,
			Bot:       probe.Bot,
			Error:     probe.Error,
		}
	}
	if entries, err := s.sessions.Load(sessions.ResolveStorePath(s.router.StorePathHint, s.router.BaseDir, s.router.DefaultAgent)); err == nil {
		st.Sessions = len(entries)
	}
	return st
}
