package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/db"
)

type databaseView struct {
	DBID          common.DBID `json:"dbid"`
	Path          string      `json:"path"`
	CachePriority *int        `json:"cache_priority"`
	InUse         bool        `json:"in_use"`
	AttachedAt    string      `json:"attached_at"`
}

func viewOf(rec db.DatabaseRecord) databaseView {
	return databaseView{
		DBID:          rec.DBID,
		Path:          rec.Path,
		CachePriority: priorityJSON(rec.CachePriority),
		InUse:         rec.InUse,
		AttachedAt:    formatTimestamp(rec.AttachedAtNS),
	}
}

type attachRequest struct {
	Path          string `json:"path"`
	CachePriority *int   `json:"cache_priority"`
}

type cachePriorityRequest struct {
	CachePriority *int `json:"cache_priority"`
}

// withDBID resolves the {dbid} path value
func (h *AdminHandlers) withDBID(fn func(http.ResponseWriter, *http.Request, common.DBID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.catalog == nil {
			writeErrorResponse(w, http.StatusNotFound, "catalog not configured")
			return
		}
		dbid, err := parseDBID(chi.URLParam(r, "dbid"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, dbid)
	}
}

// handleListDatabases lists attached databases in slot order
func (h *AdminHandlers) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSONResponse(w, http.StatusOK, []databaseView{}, false, "")
		return
	}

	records := h.catalog.List()
	out := make([]databaseView, 0, len(records))
	for _, rec := range records {
		out = append(out, viewOf(rec))
	}
	writeJSONResponse(w, http.StatusOK, out, false, "")
}

func (h *AdminHandlers) handleAttachDatabase(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeErrorResponse(w, http.StatusNotFound, "catalog not configured")
		return
	}

	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priority, err := priorityFromJSON(req.CachePriority)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	dbid, err := h.catalog.Attach(req.Path, priority)
	if err != nil {
		if errors.Is(err, db.ErrAlreadyAttached) {
			rec, _ := h.catalog.Get(dbid)
			writeJSONResponse(w, http.StatusConflict, viewOf(rec), false, "")
			return
		}
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	rec, _ := h.catalog.Get(dbid)
	writeJSONResponse(w, http.StatusCreated, viewOf(rec), false, "")
}

func (h *AdminHandlers) handleDetachDatabase(w http.ResponseWriter, r *http.Request, dbid common.DBID) {
	if err := h.catalog.Detach(dbid); err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) handleSetDatabaseCachePriority(w http.ResponseWriter, r *http.Request, dbid common.DBID) {
	var req cachePriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priority, err := priorityFromJSON(req.CachePriority)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.catalog.SetCachePriority(dbid, priority); err != nil {
		writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	rec, _ := h.catalog.Get(dbid)
	writeJSONResponse(w, http.StatusOK, viewOf(rec), false, "")
}
