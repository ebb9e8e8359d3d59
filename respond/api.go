package respond

import (
	"encoding/json"
	"net/http"
	"strings"
)

type APIError struct {
	status int
	Err    string `json:"error"`
}

func New(status int, error string) *APIError {
	return &APIError{
		status: status,
		Err:    error,
	}
}

func (e *APIError) Error() string {
	return e.Err
}

func (e *APIError) Status() int {
	return e.status
}

func (e *APIError) Respond(w http.ResponseWriter) {
	JSON(w, e.status, e)
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WantsJSON reports whether the client asked for a JSON answer instead of a page.
func WantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		if strings.TrimSpace(mediaType) == "application/json" {
			return true
		}
	}
	return false
}

func BadRequest(err string) *APIError {
	return New(http.StatusBadRequest, err)
}

func Conflict(err string) *APIError {
	return New(http.StatusConflict, err)
}

func TooManyRequests(err string) *APIError {
	return New(http.StatusTooManyRequests, err)
}

func BadGateway(err string) *APIError {
	return New(http.StatusBadGateway, err)
}

func InternalServerError(err string) *APIError {
	return New(http.StatusInternalServerError, err)
}
