package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bankcore/dayops/internal/service/engine"
	"github.com/bankcore/dayops/internal/service/operation"
	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

// apiServer is a thin JSON boundary over the engine. Request validation
// beyond basic decoding belongs to the real API layer in front of this.
type apiServer struct {
	engine *engine.Engine
	log    *zap.Logger
	srv    *http.Server
}

func newAPIServer(addr string, eng *engine.Engine, log *zap.Logger) *apiServer {
	a := &apiServer{engine: eng, log: log.With(zap.String("component", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dashboard", a.handleDashboard)
	mux.HandleFunc("/v1/operations/", a.handleOperation)
	mux.HandleFunc("/v1/sod", a.handleExecute(models.OperationSOD))
	mux.HandleFunc("/v1/eod", a.handleExecute(models.OperationEOD))
	mux.HandleFunc("/v1/plan", a.handlePlan)

	a.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *apiServer) Name() string { return "api-server" }

func (a *apiServer) Start(_ context.Context) error {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("API server exited", zap.Error(err))
		}
	}()
	a.log.Info("API server started", zap.String("addr", a.srv.Addr))
	return nil
}

func (a *apiServer) Stop(ctx context.Context) error { return a.srv.Shutdown(ctx) }

func (a *apiServer) Health() error { return nil }

func (a *apiServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d, err := a.engine.GetDashboard(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, d)
}

// handleOperation serves GET /v1/operations/{id}/metrics and the
// POST verbs /v1/operations/{id}/{cancel,rollback}.
func (a *apiServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/operations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, verb := parts[0], parts[1]

	switch {
	case r.Method == http.MethodGet && verb == "metrics":
		m, err := a.engine.GetOperationMetrics(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, m)
	case r.Method == http.MethodPost && verb == "cancel":
		if err := a.engine.CancelOperation(id); err != nil {
			a.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodPost && verb == "rollback":
		if err := a.engine.RollbackOperation(r.Context(), id); err != nil {
			a.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type executeRequest struct {
	Environment   string     `json:"environment"`
	ServiceFilter []int64    `json:"service_filter,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
	Force         bool       `json:"force,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	InitiatedBy   string     `json:"initiated_by"`
	CutoffTime    *time.Time `json:"cutoff_time,omitempty"`
}

func (a *apiServer) handleExecute(opType models.OperationType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body executeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		req := operation.Request{
			Environment:   body.Environment,
			ServiceFilter: body.ServiceFilter,
			DryRun:        body.DryRun,
			Force:         body.Force,
			Comment:       body.Comment,
			InitiatedBy:   body.InitiatedBy,
			CutoffTime:    body.CutoffTime,
		}

		var res *operation.Result
		var err error
		if opType == models.OperationEOD {
			res, err = a.engine.ExecuteEOD(r.Context(), req)
		} else {
			res, err = a.engine.ExecuteSOD(r.Context(), req)
		}
		if err != nil && res == nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, res)
	}
}

func (a *apiServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	env := r.URL.Query().Get("environment")
	opType := models.OperationType(r.URL.Query().Get("type"))
	if opType != models.OperationEOD {
		opType = models.OperationSOD
	}
	p, err := a.engine.GetExecutionPlan(r.Context(), env, opType)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, p)
}

func (a *apiServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (a *apiServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkgerrors.ErrOperationNotFound),
		errors.Is(err, pkgerrors.ErrServiceNotFound),
		errors.Is(err, pkgerrors.ErrUnknownEnvironment):
		status = http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrValidationFailed),
		errors.Is(err, pkgerrors.ErrCircularDependency),
		errors.Is(err, pkgerrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrOperationInProgress),
		errors.Is(err, pkgerrors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, pkgerrors.ErrOperationNotActive):
		status = http.StatusGone
	}
	http.Error(w, err.Error(), status)
}
