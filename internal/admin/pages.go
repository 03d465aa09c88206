package admin

import (
	"errors"
	"net/http"

	"github.com/goodtune/apconsole/internal/macaddr"
	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/storage"
)

type page struct {
	path  string
	id    string
	title string
}

var pages = []page{
	{path: "/dashboard", id: "dashboard", title: "Dashboard"},
	{path: "/network", id: "network", title: "Network"},
	{path: "/controls", id: "controls", title: "Controls"},
	{path: "/account", id: "account", title: "Account"},
	{path: "/backup-restore", id: "backup-restore", title: "Backup and Restore"},
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.currentSession(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	if _, ok := s.whitelistedClient(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleLoginPage skips the form for whitelisted clients and for clients
// that are already logged in.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if mac, ok := s.whitelistedClient(r); ok {
		s.logger.Info().Str("mac", mac).Str("remote_addr", r.RemoteAddr).Msg("Whitelisted client, skipping login")
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	if _, _, ok := s.currentSession(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}

	data := map[string]interface{}{
		"Error": r.URL.Query().Get("error") != "",
	}
	s.render(w, "login.html", data)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP(r)) {
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		s.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("Login rate limit exceeded")
		http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		http.Redirect(w, r, "/login?error=1", http.StatusFound)
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	if !s.deps.Users.Authenticate(username, password) {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		s.logger.Warn().Str("username", username).Str("remote_addr", r.RemoteAddr).Msg("Login failed")
		http.Redirect(w, r, "/login?error=1", http.StatusFound)
		return
	}

	sessionID, err := s.deps.Sessions.Create(username)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("session_full").Inc()
		s.logger.Warn().Err(err).Str("username", username).Msg("Failed to create session")
		http.Redirect(w, r, "/login?error=1", http.StatusFound)
		return
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	metrics.SessionsActive.Set(float64(s.deps.Sessions.Count()))

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
	})

	s.logger.Info().Str("username", username).Msg("User logged in")
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if err := s.deps.Sessions.Remove(cookie.Value); err == nil {
			s.logger.Info().Msg("User logged out")
		}
		metrics.SessionsActive.Set(float64(s.deps.Sessions.Count()))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handlePage(p page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, _ := GetUsernameFromContext(r.Context())
		s.render(w, "layout.html", map[string]interface{}{
			"Title":    p.title,
			"PageID":   p.id,
			"Username": username,
		})
	}
}

func (s *Server) staticAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(data)
	}
}

func (s *Server) handleHeaderTooLarge(w http.ResponseWriter, r *http.Request) {
	writeHeaderTooLarge(w)
}

func writeHeaderTooLarge(w http.ResponseWriter) {
	data, _ := staticFS.ReadFile("static/header_too_large.html")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusRequestHeaderFieldsTooLarge)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("Failed to render template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// whitelistedClient returns the requester's MAC when it is whitelisted.
func (s *Server) whitelistedClient(r *http.Request) (string, bool) {
	mac, ok := s.clientMAC(r)
	if !ok || !s.deps.Whitelist.Check(mac) {
		return "", false
	}
	return mac, true
}

// clientMAC resolves the requester's MAC. An unexpired DHCP lease on the
// remote address is authoritative; without one the active device that
// last claimed the address is used.
func (s *Server) clientMAC(r *http.Request) (string, bool) {
	ip := clientIP(r)

	if s.deps.Leases != nil {
		mac, err := s.deps.Leases.MACForIP(r.Context(), ip)
		switch {
		case err == nil:
			canonical, err := macaddr.Canonical(mac)
			if err != nil {
				return "", false
			}
			return canonical, true
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn().Err(err).Str("ip", ip).Msg("Lease lookup failed")
			return "", false
		}
	}

	rec, err := s.deps.Devices.CurrentHolder(ip)
	if err != nil {
		return "", false
	}
	return rec.MAC, true
}
