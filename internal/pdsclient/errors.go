package pdsclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is the typed error shape returned by a PDS's XRPC error
// responses: {"error": "...", "message": "..."}.
type APIError struct {
	StatusCode int
	ErrorName  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorName != "" {
		return fmt.Sprintf("pds: %s (%d): %s", e.ErrorName, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pds: http %d: %s", e.StatusCode, e.Message)
}

func parseAPIError(resp *http.Response) *APIError {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "failed to read error response: " + err.Error()}
	}

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return &APIError{StatusCode: resp.StatusCode, ErrorName: parsed.Error, Message: parsed.Message}
}
