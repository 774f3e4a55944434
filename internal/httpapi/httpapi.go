package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"adega/backend/internal/app"
	"adega/backend/internal/barcode"
	"adega/backend/internal/domain"
	"adega/backend/internal/remote/cloud"
	"adega/backend/internal/service"
	"adega/backend/internal/store"
	"adega/backend/internal/syncer"
)

var log = logrus.WithField("component", "httpapi")

type API struct {
	service       *service.Service
	app           *app.App
	auth          *AuthManager
	allowedOrigin string
	cloudToken    string
	loginLimiter  *attemptLimiter
	upgrader      websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

type Option func(*API)

// WithCloudToken requires the X-Cloud-Token header on the envelope endpoint.
func WithCloudToken(token string) Option {
	return func(a *API) {
		a.cloudToken = strings.TrimSpace(token)
	}
}

func New(svc *service.Service, a *app.App, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	api := &API{
		service:       svc,
		app:           a,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		closing:       make(chan struct{}),
	}
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     api.checkOrigin,
	}
	for _, opt := range opts {
		opt(api)
	}
	return api
}

// Close ends every open event stream. Register it with
// http.Server.RegisterOnShutdown, since hijacked connections are not closed by
// Shutdown.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		close(a.closing)
	})
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
	kept = append(kept, now)
	l.entries[key] = kept
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
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Get("/events", a.handleEvents)
		r.Get(cloudEnvelopeRoute, a.handleCloudFetch)
		r.Put(cloudEnvelopeRoute, a.handleCloudPush)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleStaff, RoleAdmin))

			a.mountRecords(r)

			r.Get("/inventory", a.handleInventory)
			r.Get("/inventory/low-stock", a.handleLowStock)
			r.Get("/inventory/movements", a.handleMovements)
			r.Post("/inventory/movements", a.handleRecordMovement)
			r.Post("/inventory/reconcile", a.handleReconcile)

			r.Post("/barcodes/generate", a.handleBarcodeGenerate)
			r.Get("/barcodes/validate", a.handleBarcodeValidate)
			r.Get("/barcodes/next-code", a.handleNextCode)
			r.Get("/scan", a.handleScan)

			r.Get("/sync", a.handleSyncStatus)
			r.Post("/sync", a.handleSyncNow)
			r.Post("/sync/network", a.handleNetwork)

			r.Get("/dashboard", a.handleDashboard)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleAdmin))
			r.Post("/reset", a.handleReset)
		})
	})

	return r
}

// cloudEnvelopeRoute is the envelope path relative to /api/v1.
var cloudEnvelopeRoute = strings.TrimPrefix(cloud.EnvelopePath, "/api/v1")

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
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

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"at":     time.Now().UTC().Format(time.RFC3339),
		"device": a.app.DeviceID,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"inventory": a.service.ListInventory()})
}

func (a *API) handleLowStock(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"inventory": a.service.LowStock()})
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	writeJSON(w, http.StatusOK, map[string]any{"movements": a.service.Movements(limit)})
}

func (a *API) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	movement, err := a.service.RecordMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.ReconcileInventory(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (a *API) handleBarcodeGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = a.service.NextProductCode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    code,
		"barcode": barcode.Generate(code),
	})
}

func (a *API) handleBarcodeValidate(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	writeJSON(w, http.StatusOK, map[string]any{
		"barcode": code,
		"valid":   barcode.Validate(code),
	})
}

func (a *API) handleNextCode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"code": a.service.NextProductCode()})
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.FindByBarcode(r.URL.Query().Get("code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": a.service.SyncStatus()})
}

func (a *API) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reason, ok := syncer.ParseReason(strings.TrimSpace(req.Reason))
	if !ok {
		writeError(w, http.StatusBadRequest, errors.Errorf("unknown sync reason %q", req.Reason))
		return
	}

	// a cycle keeps going after the caller disconnects
	outcome, ran := a.service.SyncNow(context.WithoutCancel(r.Context()), reason)
	if !ran {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "sync already in progress",
			"status": a.service.SyncStatus(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome,
		"status":  a.service.SyncStatus(),
	})
}

func (a *API) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New("online is required"))
		return
	}
	a.service.SetOnline(*req.Online)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": a.service.SyncStatus()})
}

func (a *API) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"dashboard": a.service.Dashboard()})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.service.ResetData(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reset":        true,
		"lastModified": a.app.Store.LastModified(),
	})
}

func (a *API) checkCloudToken(w http.ResponseWriter, r *http.Request) bool {
	if a.app.CloudHost == nil {
		writeError(w, http.StatusNotFound, errors.New("cloud endpoint disabled"))
		return false
	}
	if a.cloudToken == "" {
		return true
	}
	given := r.Header.Get(cloud.TokenHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(a.cloudToken)) != 1 {
		writeError(w, http.StatusUnauthorized, errors.New("invalid cloud token"))
		return false
	}
	return true
}

func (a *API) handleCloudFetch(w http.ResponseWriter, r *http.Request) {
	if !a.checkCloudToken(w, r) {
		return
	}
	env, err := a.app.CloudHost.Fetch(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if env == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// handleCloudPush stores an envelope pushed by another instance and offers it
// to the local engine the way a realtime notification would be.
func (a *API) handleCloudPush(w http.ResponseWriter, r *http.Request) {
	if !a.checkCloudToken(w, r) {
		return
	}
	var env domain.SyncEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(env.DeviceID) == "" || env.LastModified < 0 {
		writeError(w, http.StatusBadRequest, errors.New("envelope needs a deviceId and a lastModified"))
		return
	}

	if err := a.app.CloudHost.Push(r.Context(), env); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := a.app.Engine.ApplyRealtime(context.WithoutCancel(r.Context()), env); err != nil {
		log.Warnf("apply pushed envelope from %s: %v", env.DeviceID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+cloud.TokenHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			limit := int64(1 << 20)
			if strings.HasSuffix(r.URL.Path, cloud.EnvelopePath) {
				limit = 32 << 20
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"request":  middleware.GetReqID(r.Context()),
			"duration": time.Since(startedAt).String(),
		}).Debug("request")
	})
}

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, syncer.ErrRemoteUnavailable), errors.Is(err, syncer.ErrOffline):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(store.ErrInvalidInput, "invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the detail goes to the log.
	msg := err.Error()
	if status >= 500 {
		log.Errorf("internal error (status %d): %v", status, err)
		msg = "internal server error"
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
