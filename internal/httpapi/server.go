package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/replyflow/replyflow/internal/replyflow"
)

type ServerConfig struct {
	// AppSecret signs webhook deliveries; VerifyToken gates the
	// subscription handshake.
	AppSecret   string
	VerifyToken string
	AdminToken  string
	// PublicURL is what the status endpoint reports as the configured
	// webhook endpoint.
	PublicURL    string
	MaxBodyBytes int64
}

type Server struct {
	engine *replyflow.Engine
	feed   *FeedHub
	cfg    ServerConfig
}

func NewServer(engine *replyflow.Engine, feed *FeedHub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "/webhooks/instagram"
	}
	return &Server{engine: engine, feed: feed, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhooks/instagram" {
		switch r.Method {
		case http.MethodGet:
			s.handleWebhookVerify(w, r)
		case http.MethodPost:
			s.handleWebhookDelivery(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
		return
	}
	if r.URL.Path == "/v1/status" && r.Method == http.MethodGet {
		s.handleStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "workspaces" && parts[3] == "conversations" && r.Method == http.MethodGet:
		// Back-compat alias for /conversations/summary.
		s.handleConversationSummary(w, r, parts[2])
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "workspaces" && parts[3] == "conversations" && parts[4] == "summary" && r.Method == http.MethodGet:
		s.handleConversationSummary(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "accounts" && r.Method == http.MethodGet:
		s.handleAdminAccounts(w, r)
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "accounts" && parts[4] == "refresh" && r.Method == http.MethodPost:
		s.handleAdminAccountRefresh(w, r, parts[3])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "events" && parts[3] == "live" && r.Method == http.MethodGet:
		s.handleLiveFeed(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	challenge, ok := verifyChallenge(
		s.cfg.VerifyToken,
		query.Get("hub.mode"),
		query.Get("hub.verify_token"),
		query.Get("hub.challenge"),
	)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhookDelivery verifies the signature, acknowledges immediately
// and processes the delivery on its own goroutine. A payload that decodes
// badly is still acknowledged with 200: the sender retrying cannot fix a
// malformed body.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if authErr := verifySignature(s.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	events, parseErr := replyflow.ParseDelivery(body, time.Now().UTC())

	// Acknowledge before any downstream work so the platform stops
	// retrying the delivery.
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})

	if parseErr != nil {
		if errors.Is(parseErr, replyflow.ErrMalformedPayload) {
			log.Printf("httpapi: malformed webhook payload acknowledged and dropped: %v", parseErr)
			return
		}
		log.Printf("httpapi: webhook parse error: %v", parseErr)
		return
	}
	if len(events) == 0 {
		return
	}
	go s.engine.HandleDelivery(context.Background(), events)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_ = r
	kinds := replyflow.KnownKinds()
	kindNames := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kindNames = append(kindNames, string(kind))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook": map[string]any{
			"endpoint":         s.cfg.PublicURL,
			"eventKinds":       kindNames,
			"verificationMode": "hmac-sha256",
			"handshake":        "verify-token",
		},
		"ingress":   s.engine.Router.Stats(),
		"scheduler": s.engine.Scheduler.Stats(),
	})
}

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request, workspaceID string) {
	_ = r
	if strings.TrimSpace(workspaceID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing workspace id")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Memory.Summarize(workspaceID))
}

func (s *Server) handleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	accounts := s.engine.Tokens.Accounts()
	// Tokens are operational secrets; the admin surface reports state,
	// not credentials.
	for i := range accounts {
		accounts[i].AccessToken = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleAdminAccountRefresh(w http.ResponseWriter, r *http.Request, accountID string) {
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	err := s.engine.Tokens.RefreshAccount(r.Context(), accountID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed", "accountId": accountID})
	case errors.Is(err, replyflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown account")
	default:
		// The failure path already deactivated the account; surface
		// that to the operator.
		writeJSON(w, http.StatusConflict, map[string]string{
			"status":    "deactivated",
			"accountId": accountID,
			"error":     err.Error(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
