package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/slatrack/internal/workflow"
	"github.com/pitabwire/slatrack/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func handleCreateRecord(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req model.CreateRecordRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}

		rec, err := engine.Create(r.Context(), rctx, req)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, rec)
	}
}

func handleAdvanceRecord(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		recordID := chi.URLParam(r, "recordId")

		var req model.AdvanceRecordRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if err := workflow.ValidateRequest(req); err != nil {
			WriteError(w, err)
			return
		}

		rec, err := engine.Advance(r.Context(), rctx, recordID, req.ApproverPayload)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleGetRecord(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := engine.Get(r.Context(), chi.URLParam(r, "recordId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleListRecords(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		state := model.RecordState(q.Get("state"))
		switch state {
		case "", model.RecordPending, model.RecordCompleted, model.RecordEscalated:
		default:
			WriteValidationError(w, []model.FieldError{{
				Field: "state", Code: "INVALID", Message: "state must be pending, completed or escalated",
			}})
			return
		}

		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		size := queryInt(r, "page_size", defaultPageSize)
		if size < 1 || size > maxPageSize {
			size = defaultPageSize
		}

		records, err := engine.List(r.Context(), model.RecordFilters{
			DefinitionID: q.Get("definition_id"),
			Model:        q.Get("model"),
			State:        state,
			OwnerID:      q.Get("owner_id"),
			Limit:        size,
			Offset:       (page - 1) * size,
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if records == nil {
			records = []model.Record{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"items":     records,
			"page":      page,
			"page_size": size,
		})
	}
}

// decodeJSON decodes the request body into dst, mapping malformed and
// oversized bodies to BAD_REQUEST.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// queryTime parses an RFC 3339 query parameter. Absent parameters yield nil.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: key, Code: "INVALID_TIME", Message: key + " must be an RFC 3339 timestamp",
		}})
	}
	return &t, nil
}
