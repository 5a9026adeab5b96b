package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/db"
	"github.com/maxpert/trxbook/session"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves inspection and catalog endpoints
type AdminHandlers struct {
	registry *session.Registry
	catalog  *db.Catalog
	secret   string
}

// NewAdminHandlers creates a new AdminHandlers instance. An empty secret
// disables authentication.
func NewAdminHandlers(registry *session.Registry, catalog *db.Catalog, secret string) *AdminHandlers {
	return &AdminHandlers{
		registry: registry,
		catalog:  catalog,
		secret:   secret,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidHandle),
		errors.Is(err, session.ErrEntryNotFound),
		errors.Is(err, db.ErrNotAttached):
		return http.StatusNotFound
	case errors.Is(err, db.ErrAlreadyAttached),
		errors.Is(err, session.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, db.ErrNoFreeSlot),
		errors.Is(err, session.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, db.ErrInvalidPath),
		errors.Is(err, db.ErrInvalidCachePriority),
		errors.Is(err, session.ErrInvalidParameter),
		errors.Is(err, session.ErrInvalidBufferSize):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBufferTooSmall):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseProcID parses a session proc id path or query value
func parseProcID(s string) (common.ProcID, error) {
	if s == "" {
		return 0, fmt.Errorf("proc ID is required")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid proc ID: %w", err)
	}
	return common.ProcID(v), nil
}

// parseDBID parses a database slot path value
func parseDBID(s string) (common.DBID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid database ID: %w", err)
	}
	return common.DBID(v), nil
}

// formatTimestamp converts nanoseconds to ISO 8601 string
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}

// priorityJSON renders an unassigned priority as null
func priorityJSON(p common.CachePriority) *int {
	if !p.IsAssigned() {
		return nil
	}
	v := int(p)
	return &v
}

// priorityFromJSON converts a request priority, nil meaning unassigned
func priorityFromJSON(v *int) (common.CachePriority, error) {
	if v == nil {
		return common.CachePriorityUnassigned, nil
	}
	if *v < 0 {
		return 0, fmt.Errorf("%w: %d", db.ErrInvalidCachePriority, *v)
	}
	p, ok := common.CachePriorityFromUint32(uint32(*v))
	if !ok {
		return 0, fmt.Errorf("%w: %d", db.ErrInvalidCachePriority, *v)
	}
	return p, nil
}
