package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"weatherfish/internal/cache"
	"weatherfish/internal/scheduler"
	reporterrors "weatherfish/pkg/errors"
	"weatherfish/pkg/logging"
)

// defaultLanguage matches what the report form preselects.
const defaultLanguage = "de"

var validate = validator.New()

// ReportService produces and clears reports.
type ReportService interface {
	Produce(ctx context.Context, req cache.ReportRequest) (string, error)
	Clear(ctx context.Context) (int, error)
}

// SchedulerControl exposes the scheduler to operators.
type SchedulerControl interface {
	Status() scheduler.Status
	Trigger() string
}

// ReportHandler holds dependencies for the report endpoints. Scheduler may
// be nil.
type ReportHandler struct {
	Reports   ReportService
	Scheduler SchedulerControl
}

func NewReportHandler(reports ReportService, sched SchedulerControl) *ReportHandler {
	return &ReportHandler{
		Reports:   reports,
		Scheduler: sched,
	}
}

// generateRequest is the body of POST /generate-documents.
type generateRequest struct {
	Cities   []string `json:"cities" validate:"max=50,dive,max=100"`
	Zipcodes []string `json:"zipcodes" validate:"max=50,dive,max=20"`
	Person   string   `json:"person" validate:"max=200"`
	Hobbies  []string `json:"hobbies" validate:"max=20,dive,max=100"`
	Language string   `json:"language" validate:"max=35"`
}

type response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// GenerateDocuments handles POST /generate-documents.
func (h *ReportHandler) GenerateDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Message: "request body too large"})
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		h.writeError(w, logger, reporterrors.NewValidationError("invalid JSON", err))
		return
	}

	req, err := body.toReportRequest()
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	text, err := h.Reports.Produce(ctx, req)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	logger.Info("report served",
		zap.Int("locations", len(req.Cities)+len(req.Zipcodes)),
		zap.String("language", req.Language),
		zap.Duration("total_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, response{Status: "success", Message: text})
}

// toReportRequest drops blank entries, validates bounds and applies the
// language default.
func (b generateRequest) toReportRequest() (cache.ReportRequest, error) {
	b.Cities = nonBlank(b.Cities)
	b.Zipcodes = nonBlank(b.Zipcodes)
	b.Hobbies = nonBlank(b.Hobbies)
	b.Person = strings.TrimSpace(b.Person)
	b.Language = strings.TrimSpace(b.Language)

	if err := validate.Struct(b); err != nil {
		return cache.ReportRequest{}, reporterrors.NewValidationError(err.Error(), err)
	}
	if len(b.Cities) == 0 && len(b.Zipcodes) == 0 {
		return cache.ReportRequest{}, reporterrors.NewValidationError("at least one city or zipcode is required", nil)
	}
	if b.Language == "" {
		b.Language = defaultLanguage
	}

	return cache.ReportRequest{
		Cities:   b.Cities,
		Zipcodes: b.Zipcodes,
		Person:   b.Person,
		Hobbies:  b.Hobbies,
		Language: b.Language,
	}, nil
}

// ClearCache handles POST /cache/clear.
func (h *ReportHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	n, err := h.Reports.Clear(r.Context())
	if err != nil {
		logger.Error("cache clear failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "failed to clear cache"})
		return
	}

	logger.Info("cache cleared", zap.Int("removed", n))
	writeJSON(w, http.StatusOK, response{
		Status:  "success",
		Message: fmt.Sprintf("Cleared %d cached reports", n),
	})
}

// SchedulerStatus handles GET /scheduler/status.
func (h *ReportHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "scheduler not configured"})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "success", Data: h.Scheduler.Status()})
}

// TriggerScheduler handles POST /scheduler/trigger.
func (h *ReportHandler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "scheduler not configured"})
		return
	}
	id := h.Scheduler.Trigger()
	logging.L(r.Context()).Info("report run triggered", zap.String("run_id", id))
	writeJSON(w, http.StatusAccepted, response{
		Status:  "success",
		Message: "report run started",
		Data:    map[string]string{"run_id": id},
	})
}

func (h *ReportHandler) writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := reporterrors.StatusCode(err)
	msg := err.Error()
	var rerr *reporterrors.Error
	if errors.As(err, &rerr) && rerr.Message != "" {
		msg = rerr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("report request failed",
			zap.String("error_kind", string(reporterrors.KindOf(err))),
			zap.Int("status", status),
			zap.Error(err),
		)
		if rerr == nil {
			msg = "internal error"
		}
	}
	writeJSON(w, status, response{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
