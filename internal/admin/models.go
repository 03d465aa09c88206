package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/apconsole/internal/registry"
)

// Envelope messages shared with the web UI.
const (
	msgSuccess         = "Operation completed successfully"
	msgInvalidJSON     = "Invalid JSON"
	msgMissingFields   = "Missing required fields"
	msgMissingAddField = "Missing password or role for add action"
	msgInvalidAction   = "Invalid action"
	msgFailed          = "Operation failed"
	msgForbidden       = "Forbidden"
)

// Machine readable error codes.
const (
	codeConflict  = "conflict"
	codeNotFound  = "not_found"
	codeFull      = "full"
	codeInvalid   = "invalid"
	codeForbidden = "forbidden"
	codeInternal  = "internal"
)

// SuccessResponse is the envelope of a completed mutation.
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// userRequest is the body of POST /api/users. Pointers tell absent fields
// apart from zero values.
type userRequest struct {
	Action   *string `json:"action"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Role     *int    `json:"role"`
}

// whitelistRequest is the body of POST /api/whitelist.
type whitelistRequest struct {
	Action      *string `json:"action"`
	MAC         *string `json:"mac"`
	Description *string `json:"description"`
}

// userView is a user without its secret.
type userView struct {
	Username string `json:"username"`
	Role     int    `json:"role"`
}

// deviceView is one entry of GET /api/devices.
type deviceView struct {
	Hostname  string `json:"hostname"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	LastSeen  int64  `json:"last_seen"`
	IsActive  bool   `json:"is_active"`
	IsUnknown bool   `json:"is_unknown"`
}

// DevicesResponse is the body of GET /api/devices.
type DevicesResponse struct {
	Devices        []deviceView `json:"devices"`
	UnknownDevices []deviceView `json:"unknown_devices"`
	TotalCount     int          `json:"total_count"`
	UnknownCount   int          `json:"unknown_count"`
}

// sessionView is a live session without its token.
type sessionView struct {
	Username     string `json:"username"`
	CreatedAt    string `json:"created_at"`
	LastAccessed string `json:"last_accessed"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response","code":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, SuccessResponse{Status: "success", Message: msgSuccess})
}

// writeError writes an error envelope. Errors are reported with 200 so
// existing UI clients keep parsing them.
func writeError(w http.ResponseWriter, message, code string) {
	WriteJSON(w, http.StatusOK, ErrorResponse{Error: message, Code: code})
}

// errorCode maps a table error to its envelope code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrConflict):
		return codeConflict
	case errors.Is(err, registry.ErrNotFound):
		return codeNotFound
	case errors.Is(err, registry.ErrFull):
		return codeFull
	case errors.Is(err, registry.ErrInvalid):
		return codeInvalid
	default:
		return codeInternal
	}
}
