package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/commitsync/internal/commitsync"
	"github.com/agentworkforce/commitsync/internal/tokens"
)

// IssueEventHandler applies one verified issues webhook.
type IssueEventHandler interface {
	HandleIssueEvent(ctx context.Context, ev commitsync.IssueEvent) (commitsync.Result, error)
}

// NotificationDispatcher processes a notification batch after the
// request has been acknowledged.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, batch []commitsync.TaskNotification)
}

// TokenProbe is checked before a batch is accepted so a missing task
// credential surfaces as 503 instead of a batch of failures.
type TokenProbe interface {
	Token(ctx context.Context) (string, error)
}

type LinkReader interface {
	Get(ctx context.Context, fingerprint string) (commitsync.Link, error)
}

type LeaseReporter interface {
	Leases() []string
	LastReport() (commitsync.RenewReport, bool)
}

type Dependencies struct {
	Issues        IssueEventHandler
	Notifications NotificationDispatcher
	Tokens        TokenProbe
	Links         LinkReader
	Leases        LeaseReporter
	Activity      *Hub
}

type ServerConfig struct {
	WebhookSecret   string
	JWTSecret       string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxBodyBytes    int64
	ActivityOrigins []string
	Logger          *slog.Logger
	Clock           func() time.Time
}

type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type webhookAck struct {
	Status     string `json:"status"`
	DeliveryID string `json:"deliveryId,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Accepted   int    `json:"accepted,omitempty"`
}

type leasesResponse struct {
	Leases     []string                `json:"leases"`
	LastReport *commitsync.RenewReport `json:"lastReport,omitempty"`
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Ceil(cfg.RateLimitRPS))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = &rateLimiter{
			limit:   rate.Limit(cfg.RateLimitRPS),
			burst:   cfg.RateLimitBurst,
			idleTTL: 3 * time.Minute,
			entries: map[string]*rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if s.rateLimiter != nil {
		if ok, retryAfter := s.rateLimiter.allow(clientIP(r), s.now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
	}

	switch {
	case r.URL.Path == "/webhooks/github" && r.Method == http.MethodPost:
		s.handleIssueWebhook(w, r)
	case r.URL.Path == "/webhooks/graph" && (r.Method == http.MethodPost || r.Method == http.MethodGet):
		s.handleTaskWebhook(w, r)
	case r.URL.Path == "/v1/admin/links" && r.Method == http.MethodGet:
		s.handleAdminLinks(w, r)
	case r.URL.Path == "/v1/admin/leases" && r.Method == http.MethodGet:
		s.handleAdminLeases(w, r)
	case r.URL.Path == "/v1/activity" && r.Method == http.MethodGet:
		s.handleActivity(w, r)
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleIssueWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, r.Header.Get("X-Hub-Signature-256"), body); authErr != nil {
		s.logger.Warn("issue webhook rejected", "reason", authErr.message, "remote", clientIP(r))
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	if event := r.Header.Get("X-GitHub-Event"); event != "issues" {
		writeJSON(w, http.StatusOK, webhookAck{Status: string(commitsync.OutcomeIgnored), DeliveryID: deliveryID, Detail: event})
		return
	}

	ev, err := commitsync.ParseIssueEvent(deliveryID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if s.deps.Issues == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "issue sync is not configured", correlationID)
		return
	}
	res, err := s.deps.Issues.HandleIssueEvent(r.Context(), ev)
	if err != nil && credentialUnavailable(err) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusServiceUnavailable, "credential_unavailable", err.Error(), correlationID)
		return
	}
	// Sync failures are already logged by the engine; GitHub only needs
	// to know the delivery arrived.
	writeJSON(w, http.StatusOK, webhookAck{Status: string(res.Outcome), DeliveryID: deliveryID, Detail: res.Detail})
}

func (s *Server) handleTaskWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if token, ok := r.URL.Query()["validationToken"]; ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, strings.Join(token, ""))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	batch, err := commitsync.ParseNotificationBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if s.deps.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task sync is not configured", correlationID)
		return
	}
	if s.deps.Tokens != nil {
		if _, err := s.deps.Tokens.Token(r.Context()); err != nil && credentialUnavailable(err) {
			s.logger.Error("task credential unavailable", "error", err)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusServiceUnavailable, "credential_unavailable", err.Error(), correlationID)
			return
		}
	}
	s.deps.Notifications.Dispatch(r.Context(), batch)
	writeJSON(w, http.StatusAccepted, webhookAck{Status: "accepted", Accepted: len(batch)})
}

func (s *Server) handleAdminLinks(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "links:read", s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	fingerprint := strings.TrimSpace(r.URL.Query().Get("fingerprint"))
	if fingerprint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "fingerprint is required", correlationID)
		return
	}
	if s.deps.Links == nil {
		writeError(w, http.StatusNotFound, "not_found", "link store is not configured", correlationID)
		return
	}
	link, err := s.deps.Links.Get(r.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, commitsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleAdminLeases(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "leases:read", s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	resp := leasesResponse{Leases: []string{}}
	if s.deps.Leases != nil {
		resp.Leases = append(resp.Leases, s.deps.Leases.Leases()...)
		if report, ok := s.deps.Leases.LastReport(); ok {
			resp.LastReport = &report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func credentialUnavailable(err error) bool {
	var authErr *tokens.AuthError
	return errors.Is(err, tokens.ErrNoCredential) || errors.As(err, &authErr)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// allow reports whether key may proceed and, if not, how many seconds
// until a token frees up.
func (l *rateLimiter) allow(key string, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, entry := range l.entries {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.entries, k)
		}
	}
	entry, ok := l.entries[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 1
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
