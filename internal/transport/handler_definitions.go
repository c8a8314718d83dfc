package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/slatrack/internal/definition"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/model"
)

func handlePublishDefinition(svc *definition.Service, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, err)
			return
		}

		stored, err := svc.Publish(r.Context(), def)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		metrics.RecordDefinitionPublished("api")
		WriteJSON(w, http.StatusCreated, stored)
	}
}

func handleNewDefinitionVersion(svc *definition.Service, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, err)
			return
		}

		stored, err := svc.NewVersion(r.Context(), chi.URLParam(r, "definitionId"), def)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		metrics.RecordDefinitionPublished("version")
		WriteJSON(w, http.StatusCreated, stored)
	}
}

func handleGetDefinition(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.Get(r.Context(), chi.URLParam(r, "definitionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleListDefinitions(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		defs, err := svc.List(r.Context(), definition.Filters{
			FlowName: q.Get("flow_name"),
			Model:    q.Get("model"),
			Version:  queryInt(r, "version", 0),
			Limit:    queryInt(r, "limit", 0),
			Offset:   queryInt(r, "offset", 0),
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if defs == nil {
			defs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": defs})
	}
}
