package oauth2server

import (
	"encoding/json"
	"html/template"
	"net/http"
)

// ProtocolError is an RFC 6749 §5.2 error response: {error,
// error_description}. The OAuth surface never uses the gateway's generic
// pkg/errors taxonomy, since RFC 6749 fixes its own closed vocabulary
// ("invalid_request", "invalid_client", "invalid_grant", ...).
type ProtocolError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Description }

func newProtocolError(code, description string) *ProtocolError {
	return &ProtocolError{Code: code, Description: description}
}

// statusFor maps an RFC 6749 error code to the HTTP status the token and
// registration endpoints respond with.
func statusFor(code string) int {
	switch code {
	case "invalid_client":
		return http.StatusUnauthorized
	case "server_error":
		return http.StatusInternalServerError
	case "temporarily_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeProtocolError(w http.ResponseWriter, status int, perr *ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(perr)
}

// writeTokenError renders perr with the status RFC 6749 prescribes for its
// error code, for use at /oauth2/token where the client is a program, not a
// browser.
func writeTokenError(w http.ResponseWriter, perr *ProtocolError) {
	writeProtocolError(w, statusFor(perr.Code), perr)
}

// errorPageTemplate renders pre-redirect authorization failures as HTML,
// since at /oauth2/authorize the caller is a browser, not a program
// (spec.md §4.3: "Errors render as HTML (not JSON) because the browser is
// the client").
var errorPageTemplate = template.Must(template.New("oauth2-error").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization Error</h1>
<p><strong>{{.Code}}</strong></p>
<p>{{.Description}}</p>
</body>
</html>
`))

func writeErrorPage(w http.ResponseWriter, status int, perr *ProtocolError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPageTemplate.Execute(w, perr)
}
