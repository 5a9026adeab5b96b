package admin

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/trxbook/session"
	"github.com/maxpert/trxbook/telemetry"
)

// withSession resolves the {procID} path value to a live session handle
func (h *AdminHandlers) withSession(fn func(http.ResponseWriter, *http.Request, session.Handle)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, err := parseProcID(chi.URLParam(r, "procID"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		handle, ok := h.registry.Lookup(pid)
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, "session not found")
			return
		}
		fn(w, r, handle)
	}
}

// handleListSessions lists sessions in proc id order. ?from= resumes after a
// proc id.
func (h *AdminHandlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	infos := h.registry.Sessions()
	if from := r.URL.Query().Get("from"); from != "" {
		pid, err := parseProcID(from)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		start := sort.Search(len(infos), func(i int) bool { return infos[i].ProcID > pid })
		infos = infos[start:]
	}

	hasMore := len(infos) > limit
	if hasMore {
		infos = infos[:limit]
	}
	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(uint64(infos[len(infos)-1].ProcID), 10)
	}

	writeJSONResponse(w, http.StatusOK, infos, hasMore, lastKey)
}

func (h *AdminHandlers) handleGetSession(w http.ResponseWriter, r *http.Request, handle session.Handle) {
	s, err := h.registry.Session(handle)
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, s.Info(), false, "")
}

// handleSessionStack renders the session's open transaction levels, most
// recent first
func (h *AdminHandlers) handleSessionStack(w http.ResponseWriter, r *http.Request, handle session.Handle) {
	dump, err := h.registry.DumpTransactionStack(handle)
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(dump))
		return
	}

	s, err := h.registry.Session(handle)
	if err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	levels := s.Levels()
	out := make([]map[string]interface{}, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		out = append(out, map[string]interface{}{
			"trx_id":  levels[i].ID.String(),
			"started": formatTimestamp(levels[i].Started.WallTime),
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"proc_id": s.ProcID(),
		"levels":  out,
		"dump":    dump,
	}, false, "")
}

func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	response := map[string]interface{}{
		"sessions": stats,
	}
	if h.catalog != nil {
		response["attached_databases"] = h.catalog.Len()
		response["database_slots"] = h.catalog.MaxSlots()
	}
	writeJSONResponse(w, http.StatusOK, response, false, "")
}

// handleWatermark reports the cached oldest active transaction.
// ?recompute=true runs a fresh computation first.
func (h *AdminHandlers) handleWatermark(w http.ResponseWriter, r *http.Request) {
	recompute := r.URL.Query().Get("recompute")
	if recompute == "true" || recompute == "1" {
		telemetry.ComputeWatermark(h.registry, telemetry.TriggerAdmin)
	}

	oldest, computedAt := h.registry.CachedOldestActiveTransaction()
	stats := h.registry.Stats()

	response := map[string]interface{}{
		"oldest":              oldest.String(),
		"newest":              h.registry.Newest().String(),
		"staleness_ms":        h.registry.WatermarkStaleness().Milliseconds(),
		"oldest_age_ms":       stats.OldestAge.Milliseconds(),
		"active_transactions": stats.ActiveTransactions,
		"computations":        stats.WatermarkComputations,
	}
	if !computedAt.IsZero() {
		response["computed_at"] = formatTimestamp(computedAt.UnixNano())
	}
	writeJSONResponse(w, http.StatusOK, response, false, "")
}
