package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/goodtune/apconsole/internal/metrics"
	"github.com/goodtune/apconsole/internal/policy"
	"github.com/goodtune/apconsole/internal/users"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 64 << 10

// authorize asks the policy whether the session's user may perform action
// on the request's route. A denial is answered with a forbidden envelope.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action string) bool {
	username, _ := GetUsernameFromContext(r.Context())

	role := users.RoleUser
	if _, bypass := GetWhitelistMACFromContext(r.Context()); !bypass {
		if u, err := s.deps.Users.Get(username); err == nil {
			role = u.Role
		}
	}

	req := policy.Request{
		Authenticated: username != "",
		Username:      username,
		Role:          role.String(),
		Method:        r.Method,
		Path:          r.URL.Path,
		Action:        action,
	}
	if s.deps.Policy == nil || s.deps.Policy.Allow(r.Context(), req) {
		return true
	}

	metrics.PolicyDenials.WithLabelValues(r.Method, r.URL.Path).Inc()
	s.logger.Warn().
		Str("username", username).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("action", action).
		Msg("Request denied by policy")
	WriteJSON(w, http.StatusForbidden, ErrorResponse{Error: msgForbidden, Code: codeForbidden})
	return false
}

// decodeBody reads a JSON body into v. It reports whether the body parsed.
func decodeBody(r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return false
	}
	return json.Unmarshal(body, v) == nil
}

// recordOperation counts an API mutation by outcome.
func recordOperation(table, action string, err error) {
	result := "success"
	if err != nil {
		result = errorCode(err)
	}
	metrics.APIOperations.WithLabelValues(table, action, result).Inc()
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}

	list := s.deps.Users.List()
	views := make([]userView, 0, len(list))
	for _, u := range list {
		views = append(views, userView{Username: u.Username, Role: int(u.Role)})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"users": views})
}

func (s *Server) handleModifyUsers(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	parsed := decodeBody(r, &req)

	action := ""
	if req.Action != nil {
		action = *req.Action
	}
	if !s.authorize(w, r, action) {
		return
	}

	if !parsed {
		writeError(w, msgInvalidJSON, codeInvalid)
		return
	}
	if req.Action == nil || req.Username == nil {
		writeError(w, msgMissingFields, codeInvalid)
		return
	}
	username := *req.Username

	var err error
	switch action {
	case "add":
		if req.Password == nil || req.Role == nil {
			writeError(w, msgMissingAddField, codeInvalid)
			return
		}
		err = s.deps.Users.Add(username, *req.Password, users.Role(*req.Role))
	case "delete":
		err = s.deps.Users.Delete(username)
	case "update":
		var role *users.Role
		if req.Role != nil {
			v := users.Role(*req.Role)
			role = &v
		}
		err = s.deps.Users.Update(username, req.Password, role)
	default:
		metrics.APIOperations.WithLabelValues("users", "unknown", codeInvalid).Inc()
		writeError(w, msgFailed, codeInvalid)
		return
	}

	recordOperation("users", action, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("username", username).Msg("User operation failed")
		writeError(w, msgFailed, errorCode(err))
		return
	}

	if !s.deps.Users.Autoflush() {
		if err := s.deps.Users.Save(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to save users")
		}
	}
	writeSuccess(w)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"macs": s.deps.Whitelist.List()})
}

func (s *Server) handleModifyWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	parsed := decodeBody(r, &req)

	action := ""
	if req.Action != nil {
		action = *req.Action
	}
	if !s.authorize(w, r, action) {
		return
	}

	if !parsed {
		writeError(w, msgInvalidJSON, codeInvalid)
		return
	}
	if req.Action == nil || req.MAC == nil {
		writeError(w, msgMissingFields, codeInvalid)
		return
	}

	var err error
	switch action {
	case "add":
		description := ""
		if req.Description != nil {
			description = *req.Description
		}
		err = s.deps.Whitelist.Add(*req.MAC, description)
	case "delete":
		err = s.deps.Whitelist.Remove(*req.MAC)
	default:
		writeError(w, msgInvalidAction, codeInvalid)
		return
	}

	recordOperation("whitelist", action, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("mac", *req.MAC).Msg("Whitelist operation failed")
		writeError(w, msgFailed, errorCode(err))
		return
	}

	if !s.deps.Whitelist.Autoflush() {
		if err := s.deps.Whitelist.Save(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to save whitelist")
		}
	}
	writeSuccess(w)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}

	all := s.deps.Devices.List(false)
	resp := DevicesResponse{
		Devices:        make([]deviceView, 0, len(all)),
		UnknownDevices: make([]deviceView, 0),
	}
	for _, rec := range all {
		view := deviceView{
			Hostname:  rec.Hostname,
			IP:        rec.IP,
			MAC:       rec.MAC,
			LastSeen:  rec.LastSeen,
			IsActive:  rec.Active,
			IsUnknown: rec.IsUnknown(),
		}
		if view.IsUnknown {
			resp.UnknownDevices = append(resp.UnknownDevices, view)
		} else {
			resp.Devices = append(resp.Devices, view)
		}
	}
	resp.TotalCount = len(resp.Devices)
	resp.UnknownCount = len(all) - resp.TotalCount

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearDevices(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "clear") {
		return
	}

	err := s.deps.Devices.Clear(r.Context())
	recordOperation("devices", "clear", err)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear devices")
		writeError(w, msgFailed, codeInternal)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}

	live := s.deps.Sessions.List()
	views := make([]sessionView, 0, len(live))
	for _, sess := range live {
		views = append(views, sessionView{
			Username:     sess.Username,
			CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
			LastAccessed: sess.LastAccessed.Format(time.RFC3339),
		})
	}
	metrics.SessionsActive.Set(float64(len(live)))

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(views),
		"sessions": views,
		"timeout":  s.deps.Sessions.Timeout().String(),
	})
}
