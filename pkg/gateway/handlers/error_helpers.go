package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/vango-go/vai-voicedesk/pkg/core"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/mw"
)

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	apierror.WriteCore(w, coreErr, status)
}

func writeRateLimited(w http.ResponseWriter, reqID, message string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeCoreErrorJSON(w, reqID, core.NewRateLimitError(message, retryAfter), http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

// decodeBody reads a size-limited JSON body into dst. An empty body leaves
// dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) *core.Error {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewInvalidRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return core.NewInvalidRequestError("failed to read request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return core.NewInvalidRequestError("request body must be valid JSON")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	reqID := requestIDFromContext(r.Context())
	w.Header().Set("Allow", allowed)
	writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
}

func drainingError() *core.Error {
	return &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}
}
