package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/events"
	"ledgerpos/backend/internal/service"
	"ledgerpos/backend/internal/store"
)

var (
	allRoles     = []string{domain.RoleOwner, domain.RoleAdmin, domain.RoleCashier}
	managerRoles = []string{domain.RoleOwner, domain.RoleAdmin}
)

type Options struct {
	Service       *service.Service
	Auth          *AuthManager
	Hub           *events.Hub
	Metrics       http.Handler
	AllowedOrigin string
	Log           *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	hub           *events.Hub
	metrics       http.Handler
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *zap.Logger
}

func New(opts Options) *API {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &API{
		service:       opts.Service,
		auth:          opts.Auth,
		hub:           opts.Hub,
		metrics:       opts.Metrics,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           opts.Log.Named("http"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	if a.hub != nil {
		mux.HandleFunc("/api/v1/events/ws", a.requireAuth(a.handleEvents, allRoles...))
	}

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, allRoles...))
	mux.HandleFunc("/api/v1/products/{id}/stock", a.requireAuth(a.handleProductStock, managerRoles...))
	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers, allRoles...))
	mux.HandleFunc("/api/v1/customers/{id}", a.requireAuth(a.handleCustomer, managerRoles...))

	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, allRoles...))
	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices, allRoles...))
	mux.HandleFunc("/api/v1/invoices/{id}/cancel", a.requireAuth(a.handleInvoiceCancel, managerRoles...))

	mux.HandleFunc("/api/v1/debts", a.requireAuth(a.handleDebts, allRoles...))
	mux.HandleFunc("/api/v1/debts/{id}/payments", a.requireAuth(a.handleDebtPayment, allRoles...))

	mux.HandleFunc("/api/v1/expenses", a.requireAuth(a.handleExpenses, allRoles...))
	mux.HandleFunc("/api/v1/expenses/{id}", a.requireAuth(a.handleExpenseDelete, managerRoles...))

	mux.HandleFunc("/api/v1/shifts", a.requireAuth(a.handleShifts, allRoles...))
	mux.HandleFunc("/api/v1/shifts/open", a.requireAuth(a.handleShiftOpen, allRoles...))
	mux.HandleFunc("/api/v1/shifts/close", a.requireAuth(a.handleShiftClose, allRoles...))
	mux.HandleFunc("/api/v1/shifts/active", a.requireAuth(a.handleShiftActive, allRoles...))
	mux.HandleFunc("/api/v1/shifts/adjustments", a.requireAuth(a.handleShiftAdjustment, allRoles...))

	mux.HandleFunc("/api/v1/cashbox", a.requireAuth(a.handleCashbox, allRoles...))
	mux.HandleFunc("/api/v1/cashbox/deposit", a.requireAuth(a.handleCashboxMovement, managerRoles...))
	mux.HandleFunc("/api/v1/cashbox/withdraw", a.requireAuth(a.handleCashboxMovement, managerRoles...))

	mux.HandleFunc("/api/v1/partners", a.requireAuth(a.handlePartners, managerRoles...))
	mux.HandleFunc("/api/v1/partners/stats", a.requireAuth(a.handlePartnerStats, managerRoles...))
	mux.HandleFunc("/api/v1/partners/{id}/{action}", a.requireAuth(a.handlePartnerAction, managerRoles...))

	mux.HandleFunc("/api/v1/sync/status", a.requireAuth(a.handleSyncStatus, allRoles...))
	mux.HandleFunc("/api/v1/sync/run", a.requireAuth(a.handleSyncRun, allRoles...))
	mux.HandleFunc("/api/v1/sync/retry", a.requireAuth(a.handleSyncRetry, allRoles...))

	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, managerRoles...))

	return a.withMiddleware(mux)
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on a websocket handshake, so the events endpoint also accepts a query
// parameter.
func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return strings.TrimSpace(authorization[len("Bearer "):]), true
	}
	if r.URL.Path == "/api/v1/events/ws" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(store.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := store.ActorFromContext(r.Context())
	a.hub.ServeWS(w, r, actor.EffectiveOwnerID())
}

// statusRecorder captures the response status for the access log. It keeps
// Hijack working so websocket upgrades pass through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)))
	})
}

// statusFor maps the store error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status its kind maps to. Shortages travel with
// the response so the register can show what is missing.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.failWith(w, r, err, nil)
}

// failWith is fail with extra fields added to the error body.
func (a *API) failWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	body := make(map[string]any, len(extra)+2)
	maps.Copy(body, extra)
	body["error"] = err.Error()
	if status >= 500 {
		body["error"] = strings.ToLower(http.StatusText(status))
	}
	var verr *store.ValidationError
	if errors.As(err, &verr) && len(verr.Shortages) > 0 {
		body["shortages"] = verr.Shortages
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError returns the message for 4xx responses and only the status
// text for 5xx ones.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = strings.ToLower(http.StatusText(status))
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAccepted answers 202 when a write was queued and okStatus when it
// was applied.
func writeAccepted(w http.ResponseWriter, queued bool, okStatus int, payload any) {
	if queued {
		okStatus = http.StatusAccepted
	}
	writeJSON(w, okStatus, payload)
}
