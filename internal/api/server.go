// Package api serves the JSON management API of the panel.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kansean/mtproto-manager/internal/history"
	"github.com/kansean/mtproto-manager/internal/manager"
	"github.com/kansean/mtproto-manager/internal/secret"
	"github.com/kansean/mtproto-manager/internal/store"
)

const defaultLogTail = 100

// The public port clients connect to when SNI sharing multiplexes the
// whole fleet behind the edge router.
const sharedPublicPort = 443

// Server exposes the fleet operations over HTTP.
type Server struct {
	st       *store.Store
	ctrl     *manager.Controller
	listen   string
	logger   *slog.Logger
	sessions *sessionStore
	limiter  *loginLimiter
}

func New(st *store.Store, ctrl *manager.Controller, listen string, logger *slog.Logger) *Server {
	return &Server{
		st:       st,
		ctrl:     ctrl,
		listen:   listen,
		logger:   logger.With("component", "api"),
		sessions: newSessionStore(),
		limiter:  newLoginLimiter(),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.listen, err)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server started", "listen", s.listen)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.authMiddleware(s.handleLogout))

	mux.HandleFunc("/api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/users", s.authMiddleware(s.handleUsers))
	mux.HandleFunc("/api/users/", s.authMiddleware(s.handleUsersRoute))
	mux.HandleFunc("/api/fleet/start", s.authMiddleware(s.handleFleetStart))
	mux.HandleFunc("/api/fleet/stop", s.authMiddleware(s.handleFleetStop))
	mux.HandleFunc("/api/fleet/restart", s.authMiddleware(s.handleFleetRestart))
	mux.HandleFunc("/api/logs", s.authMiddleware(s.handleLogs))
	mux.HandleFunc("/api/traffic", s.authMiddleware(s.handleTraffic))
	mux.HandleFunc("/api/traffic/reset", s.authMiddleware(s.handleTrafficReset))
	mux.HandleFunc("/api/history", s.authMiddleware(s.handleHistory))
	mux.HandleFunc("/api/settings", s.authMiddleware(s.handleSettings))

	return mux
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sessions.Valid(requestToken(r)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts, try again later"})
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	settings := s.st.Snapshot().Settings
	if req.Username != settings.AdminUsername ||
		!CheckPassword(settings.AdminPasswordHash, req.Password) {
		s.limiter.Fail(ip)
		s.logger.Warn("login failed", "ip", ip, "username", req.Username)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := s.sessions.Create()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.limiter.Clear(ip)

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sessions.Revoke(requestToken(r))
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	containers, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	running := 0
	for _, c := range containers {
		if c.Running {
			running++
		}
	}
	rec := s.st.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"containers":    containers,
		"running_count": running,
		"total_count":   len(store.EnabledUsers(rec)),
		"users_total":   len(rec.Users),
		"sni_sharing":   rec.Settings.SNISharing,
	})
}

// userResponse is a user row with the secret rendered as share links.
type userResponse struct {
	store.User
	ProxyLink string `json:"proxy_link"`
	TMeLink   string `json:"tme_link"`
}

func (s *Server) userResponse(settings store.Settings, u store.User) userResponse {
	server := settings.ServerDomain
	if server == "" {
		server = settings.ServerIP
	}
	port := u.Port
	if settings.SNISharing {
		port = sharedPublicPort
	}
	return userResponse{
		User:      u,
		ProxyLink: secret.ProxyLink(server, port, u.Secret),
		TMeLink:   secret.TMeLink(server, port, u.Secret),
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListUsers(w, r)
	case http.MethodPost:
		s.handleAddUser(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	rec := s.st.Snapshot()
	out := make([]userResponse, 0, len(rec.Users))
	for _, u := range rec.Users {
		out = append(out, s.userResponse(rec.Settings, u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string  `json:"name"`
		FrontingDomain string  `json:"fake_tls_domain"`
		TrafficLimitGB float64 `json:"traffic_limit_gb"`
		ThrottleMbps   float64 `json:"throttle_speed_mbps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	settings := s.st.Snapshot().Settings
	domain := req.FrontingDomain
	if domain == "" {
		domain = settings.FrontingDomain
	}
	sec, err := secret.Issue(domain)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	u := store.User{
		Name:           req.Name,
		Secret:         sec,
		Port:           s.st.NextPort(),
		Enabled:        true,
		FrontingDomain: domain,
		TrafficLimitGB: req.TrafficLimitGB,
		ThrottleMbps:   req.ThrottleMbps,
	}
	if err := s.st.AddUser(u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.ctrl.RequestReconcile()
	writeJSON(w, http.StatusOK, s.userResponse(settings, u))
}

// handleUsersRoute dispatches /api/users/<port>[/toggle|/qr|/logs].
func (s *Server) handleUsersRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	portStr, action, _ := strings.Cut(rest, "/")
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user port"})
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodPut:
			s.handleUpdateUser(w, r, port)
		case http.MethodDelete:
			s.handleDeleteUser(w, r, port)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "toggle":
		s.handleToggleUser(w, r, port)
	case "qr":
		s.handleUserQR(w, r, port)
	case "logs":
		s.handleUserLogs(w, r, port)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, port int) {
	rec := s.st.Snapshot()
	existing, ok := store.UserByPort(rec, port)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	var req struct {
		Name           *string  `json:"name"`
		FrontingDomain *string  `json:"fake_tls_domain"`
		TrafficLimitGB *float64 `json:"traffic_limit_gb"`
		ThrottleMbps   *float64 `json:"throttle_speed_mbps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	u := existing
	if req.Name != nil {
		u.Name = *req.Name
	}
	if req.TrafficLimitGB != nil {
		u.TrafficLimitGB = *req.TrafficLimitGB
	}
	if req.ThrottleMbps != nil {
		u.ThrottleMbps = *req.ThrottleMbps
	}
	if req.FrontingDomain != nil && *req.FrontingDomain != existing.FrontingDomain {
		// The domain is baked into the secret, so changing it reissues
		// the credential.
		sec, err := secret.Issue(*req.FrontingDomain)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		u.FrontingDomain = *req.FrontingDomain
		u.Secret = sec
	}

	if err := s.st.UpdateUser(port, u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.RequestReconcile()
	writeJSON(w, http.StatusOK, s.userResponse(rec.Settings, u))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, _ *http.Request, port int) {
	if err := s.st.DeleteUser(port); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.RequestReconcile()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleUser(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	enabled, err := s.st.ToggleUser(port)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.RequestReconcile()
	writeJSON(w, http.StatusOK, map[string]any{"port": port, "enabled": enabled})
}

func (s *Server) handleUserQR(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec := s.st.Snapshot()
	u, ok := store.UserByPort(rec, port)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	png, err := secret.QRPNG(s.userResponse(rec.Settings, u).TMeLink, 512)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate QR code"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleUserLogs(w http.ResponseWriter, r *http.Request, port int) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tail"})
			return
		}
		tail = n
	}
	logs, err := s.ctrl.Logs(r.Context(), port, tail)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// handleLogs tails every fleet container into one report.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tail := defaultLogTail
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tail"})
			return
		}
		tail = n
	}
	logs, err := s.ctrl.AggregatedLogs(r.Context(), tail)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleFleetStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Reconcile(r.Context()))
}

func (s *Server) handleFleetStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.StopAll(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFleetRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Restart(r.Context()))
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.TrafficSummary())
}

func (s *Server) handleTrafficReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.ctrl.ResetTraffic(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid days"})
			return
		}
		days = n
	}
	rows, err := s.ctrl.History(days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []history.DayUsage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings := s.st.Snapshot().Settings
		settings.AdminPasswordHash = "" // never expose the hash
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		s.handleUpdateSettings(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerDomain   *string  `json:"server_domain"`
		ServerIP       *string  `json:"server_ip"`
		ProxyImage     *string  `json:"proxy_image"`
		PreferIP       *string  `json:"proxy_prefer_ip"`
		Concurrency    *int     `json:"concurrency"`
		FrontingDomain *string  `json:"fake_tls_domain"`
		SNISharing     *bool    `json:"sni_sharing"`
		TrafficLimitGB *float64 `json:"traffic_limit_gb"`
		ThrottleMbps   *float64 `json:"throttle_speed_mbps"`
		AdminPassword  *string  `json:"admin_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var passwordHash string
	if req.AdminPassword != nil {
		h, err := HashPassword(*req.AdminPassword)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		passwordHash = h
	}

	err := s.st.UpdateSettings(func(settings *store.Settings) {
		if req.ServerDomain != nil {
			settings.ServerDomain = *req.ServerDomain
		}
		if req.ServerIP != nil {
			settings.ServerIP = *req.ServerIP
		}
		if req.ProxyImage != nil {
			settings.ProxyImage = *req.ProxyImage
		}
		if req.PreferIP != nil {
			settings.PreferIP = *req.PreferIP
		}
		if req.Concurrency != nil {
			settings.Concurrency = *req.Concurrency
		}
		if req.FrontingDomain != nil {
			settings.FrontingDomain = *req.FrontingDomain
		}
		if req.SNISharing != nil {
			settings.SNISharing = *req.SNISharing
		}
		if req.TrafficLimitGB != nil {
			settings.TrafficLimitGB = *req.TrafficLimitGB
		}
		if req.ThrottleMbps != nil {
			settings.ThrottleMbps = *req.ThrottleMbps
		}
		if passwordHash != "" {
			settings.AdminPasswordHash = passwordHash
		}
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.ctrl.RequestReconcile()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
