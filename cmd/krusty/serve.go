package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/honeycomb-technologies/krusty/internal/agent"
	"github.com/honeycomb-technologies/krusty/internal/agent/providers"
	"github.com/honeycomb-technologies/krusty/internal/auth"
	"github.com/honeycomb-technologies/krusty/internal/config"
	"github.com/honeycomb-technologies/krusty/internal/notify"
	"github.com/honeycomb-technologies/krusty/internal/observability"
	"github.com/honeycomb-technologies/krusty/internal/sessions"
	"github.com/honeycomb-technologies/krusty/internal/tools/exec"
	"github.com/honeycomb-technologies/krusty/internal/tools/websearch"
	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// buildServeCmd creates the "serve" command, which starts the HTTP control
// surface described in SPEC_FULL.md §6: a UI event stream per run plus the
// back-channel (approvals, followups, cancel) and the notification
// subscription endpoints, all behind bearer-token verification when auth is
// configured.
func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Krusty HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			srv, err := newServer(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return srv.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// server bundles the wiring a running Krusty instance needs: the turn-loop
// orchestrator (C5), its session store (C6), the auth service guarding the
// control surface, and the notifier for terminal-event fan-out (C7).
type server struct {
	cfg             *config.Config
	logger          *observability.Logger
	orchestrator    *agent.Orchestrator
	sessions        sessions.Store
	authSvc         *auth.Service
	approvalChecker *agent.ApprovalChecker
	notifier        *notify.Notifier
	notifyStore     notify.Store
	runs            map[string]context.CancelFunc
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	store, err := buildSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewToolRegistry()
	registry.Register(websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: 8000}))
	if cfg.Workspace.Path != "" {
		registry.Register(exec.NewExecTool("exec", exec.NewManager(cfg.Workspace.Path)))
	}

	approvalChecker := agent.NewApprovalChecker(nil)
	approvalChecker.SetStore(agent.NewMemoryApprovalStore())

	orch := agent.NewOrchestrator(provider, registry, store, &agent.OrchestratorConfig{
		MaxTurns:        32,
		MaxTokens:       4096,
		MaxToolCalls:    200,
		MaxWallTime:     10 * time.Minute,
		ApprovalChecker: approvalChecker,
		ToolExec: agent.ToolExecConfig{
			Concurrency:    4,
			PerToolTimeout: 30 * time.Second,
			MaxAttempts:    1,
		},
	})
	if cfg.LLM.DefaultProvider != "" {
		if p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && p.DefaultModel != "" {
			orch.SetDefaultModel(p.DefaultModel)
		}
	}

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     convertAPIKeys(cfg.Auth.APIKeys),
	})

	notifyStore := notify.NewMemoryStore()
	keys, err := notify.EnsureVAPIDKeys(ctx, notify.NewMemoryKeyStore(), "mailto:ops@"+firstNonEmpty(cfg.Server.Host, "localhost"))
	if err != nil {
		return nil, fmt.Errorf("ensure vapid keys: %w", err)
	}
	notifier := notify.NewNotifier(notifyStore, notify.NewSender(keys, logger), logger)

	return &server{
		cfg:             cfg,
		logger:          logger,
		orchestrator:    orch,
		sessions:        store,
		authSvc:         authSvc,
		approvalChecker: approvalChecker,
		notifier:        notifier,
		notifyStore:     notifyStore,
		runs:            make(map[string]context.CancelFunc),
	}, nil
}

func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return sessions.NewMemoryStore(), nil
	}
	pool := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, pool)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}
	providerCfg := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported default LLM provider %q", name)
	}
}

func convertAPIKeys(keys []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, len(keys))
	for i, k := range keys {
		out[i] = auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *server) run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/sessions", s.requireAuth(s.handleCreateSession))
	mux.Handle("POST /v1/sessions/{id}/messages", s.requireAuth(s.handleSendMessage))
	mux.Handle("POST /v1/sessions/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.Handle("POST /v1/sessions/{id}/approvals", s.requireAuth(s.handleApproval))
	mux.Handle("POST /v1/notifications/subscribe", s.requireAuth(s.handleSubscribe))
	mux.Handle("POST /v1/notifications/test", s.requireAuth(s.handleTestNotification))

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	if s.cfg.Server.HTTPPort == 0 {
		addr = fmt.Sprintf("%s:8080", s.cfg.Server.Host)
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info(ctx, "starting http control surface", "addr", addr)
	return httpSrv.ListenAndServe()
}

// requireAuth enforces bearer-token verification on any HTTP-exposed control
// surface endpoint per SPEC_FULL.md §6, using internal/auth's JWT/API-key
// Service. Auth is a no-op pass-through when the service has no secret or
// keys configured (local development).
func (s *server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authSvc.Enabled() {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		user, err := s.authSvc.ValidateJWT(token)
		if err != nil || user == nil {
			user, err = s.authSvc.ValidateAPIKey(token)
		}
		if err != nil || user == nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := &models.Session{
		ID:         uuid.NewString(),
		WorkMode:   models.WorkModeBuild,
		AgentState: models.AgentStateIdle,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.sessions.Create(r.Context(), session); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// wireChunk is ResponseChunk flattened for JSON: ResponseChunk.Error is
// untagged (`json:"-"`) since it's an `error` interface, so the UI event
// stream needs its own rendering of it.
type wireChunk struct {
	Text       string               `json:"text,omitempty"`
	Event      *models.RuntimeEvent `json:"event,omitempty"`
	ToolEvent  *models.ToolEvent    `json:"tool_event,omitempty"`
	ToolResult *models.ToolResult   `json:"tool_result,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// handleSendMessage runs one turn of the orchestrator's turn loop and
// streams the resulting event union (§4.3 deltas + §4.5 LoopEvent variants)
// back as newline-delimited JSON, preserving emission order.
func (s *server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	session, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg := &models.Message{
		ID:      uuid.NewString(),
		Role:    models.RoleUser,
		Content: models.Blocks{models.TextBlock{Text: req.Text}},
	}

	runCtx, cancel := context.WithCancel(r.Context())
	s.runs[sessionID] = cancel
	defer delete(s.runs, sessionID)

	chunks, err := s.orchestrator.Run(runCtx, session, msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	for chunk := range chunks {
		out := wireChunk{
			Text:       chunk.Text,
			Event:      chunk.Event,
			ToolEvent:  chunk.ToolEvent,
			ToolResult: chunk.ToolResult,
		}
		if chunk.Error != nil {
			out.Error = chunk.Error.Error()
		}
		payload, err := json.Marshal(out)
		if err != nil {
			continue
		}
		w.Write(payload)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	if session.AgentState == models.AgentStateIdle {
		s.notifyTerminal(r.Context(), session, notify.EventCompletion)
	}
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	cancel, ok := s.runs[sessionID]
	if !ok {
		http.Error(w, "no active run for session", http.StatusNotFound)
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}

type approvalRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"` // "approve" or "deny"
	DecidedBy string `json:"decided_by"`
}

// handleApproval implements the tool approval protocol's user-facing half: a
// denial still lets the turn loop continue, by surfacing a ToolResult with
// is_error=true, which the orchestrator's tool-execution phase is
// responsible for once ApprovalChecker.Deny records the decision.
func (s *server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var err error
	switch req.Decision {
	case "approve":
		err = s.approvalChecker.Approve(r.Context(), req.RequestID, req.DecidedBy)
	case "deny":
		err = s.approvalChecker.Deny(r.Context(), req.RequestID, req.DecidedBy)
	default:
		http.Error(w, "decision must be approve or deny", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	user, _ := auth.UserFromContext(r.Context())
	sub := &notify.Subscription{Endpoint: req.Endpoint, P256dh: req.P256dh, Auth: req.Auth}
	if user != nil {
		sub.UserID = user.ID
	}
	if err := s.notifyStore.PutSubscription(r.Context(), sub); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	userID := ""
	if user != nil {
		userID = user.ID
	}
	event := notify.Event{Type: notify.EventTest, Payload: notify.Payload{Title: "Krusty", Body: "Test notification"}}
	if err := s.notifier.Notify(r.Context(), userID, event); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) notifyTerminal(ctx context.Context, session *models.Session, eventType notify.EventType) {
	event := notify.Event{Type: eventType, Payload: notify.Payload{
		Title:     "Krusty",
		Body:      fmt.Sprintf("Session %s finished", session.ID),
		SessionID: session.ID,
	}}
	if err := s.notifier.Notify(ctx, "", event); err != nil {
		s.logger.Warn(ctx, "notification fan-out failed", "error", err, "session_id", session.ID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
