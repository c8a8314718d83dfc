package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/actionlog"
	"github.com/pitabwire/slatrack/internal/evaluator"
	"github.com/pitabwire/slatrack/internal/observability"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func handleListActionLogs(logs actionlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := queryTime(r, "from")
		if err != nil {
			WriteError(w, err)
			return
		}
		to, err := queryTime(r, "to")
		if err != nil {
			WriteError(w, err)
			return
		}

		limit := queryInt(r, "limit", defaultPageSize)
		switch {
		case limit < 1:
			limit = defaultPageSize
		case limit > maxPageSize:
			limit = maxPageSize
		}

		entries, err := logs.List(r.Context(), model.ActionLogFilter{
			UserID:   q.Get("user_id"),
			RecordID: q.Get("record_id"),
			Kind:     model.LogKind(q.Get("kind")),
			From:     from,
			To:       to,
			Limit:    limit,
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		if entries == nil {
			entries = []model.ActionLogEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
	}
}

func handleSLAReport(svc *report.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := computeReport(r, svc)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}

func handleSLAReportXLSX(svc *report.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := computeReport(r, svc)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		data, err := report.ExportXLSX(rep)
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("export report", zap.Error(err))
			writeRequestError(w, r, err)
			return
		}

		name := fmt.Sprintf("sla-report-%s-%dd.xlsx", rep.Summary.UserID, rep.WindowDays)
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func computeReport(r *http.Request, svc *report.Service) (model.SLAReport, error) {
	q := r.URL.Query()
	req := model.ReportRequest{UserID: q.Get("user_id")}
	if s := q.Get("window_days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return model.SLAReport{}, model.NewValidationError([]model.FieldError{{
				Field: "window_days", Code: "INVALID", Message: "window_days must be an integer",
			}})
		}
		req.WindowDays = n
	}
	return svc.Compute(r.Context(), req, time.Now().UTC())
}

func handleRunEvaluator(eval *evaluator.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := eval.RunCycle(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
