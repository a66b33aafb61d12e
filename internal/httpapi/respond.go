package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/protocol"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

var errMissingUser = errors.New("httpapi: missing user identity")

type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrTransient):
		return http.StatusServiceUnavailable
	}
	if rej, ok := errs.AsRejection(err); ok {
		switch rej.Reason {
		case errs.ReasonInvalidPayload:
			return http.StatusBadRequest
		case errs.ReasonNotParticipant, errs.ReasonBlockedUser:
			return http.StatusForbidden
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if errors.Is(err, errMissingUser) {
		writeJSON(w, status, errorBody{Code: "unauthorized", Message: "missing user identity"})
		return
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[httpapi] %s %s: %v", r.Method, r.URL.Path, err)
	}
	msg := protocol.NewErrorMsg("", err)
	writeJSON(w, status, errorBody{Code: msg.Code, Reason: msg.Reason, Message: msg.Message})
}

// userID returns the caller identity or errMissingUser.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		return "", errMissingUser
	}
	return id, nil
}

// decode reads a JSON body into v. Any failure is an invalid payload.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Reject(errs.ReasonInvalidPayload, "invalid request body: %v", err)
	}
	return nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errs.Reject(errs.ReasonInvalidPayload, "invalid %s %q", name, s)
	}
	return n, nil
}
