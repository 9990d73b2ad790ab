package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ignite/broadcast-engine/internal/pkg/httputil"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/pmta"
	"github.com/ignite/broadcast-engine/internal/taskqueue"
	"github.com/ignite/broadcast-engine/internal/worker"
)

// Dispatcher is satisfied by *worker.Scheduler.
type Dispatcher interface {
	Dispatch(ctx context.Context, broadcastID string) (*worker.DispatchResult, error)
}

// WinnerPicker is satisfied by *worker.PickWinnerHandler.
type WinnerPicker interface {
	Pick(ctx context.Context, broadcastID string) (string, error)
}

// Transactional is satisfied by *worker.TransactionalSender.
type Transactional interface {
	Send(ctx context.Context, req worker.TransactionalRequest) ([]pmta.Result, error)
}

// QueueInspector is satisfied by *taskqueue.Queue.
type QueueInspector interface {
	Stats(ctx context.Context) (taskqueue.Stats, error)
}

// Handlers holds the control-plane endpoints. Any dependency may be nil,
// in which case its routes answer 503.
type Handlers struct {
	scheduler     Dispatcher
	winners       WinnerPicker
	transactional Transactional
	queue         QueueInspector
}

func NewHandlers(scheduler Dispatcher, winners WinnerPicker, transactional Transactional, queue QueueInspector) *Handlers {
	return &Handlers{scheduler: scheduler, winners: winners, transactional: transactional, queue: queue}
}

// SendBroadcast enqueues every send task of a broadcast.
//
//	POST /api/broadcasts/{broadcastID}/send
func (h *Handlers) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id := chi.URLParam(r, "broadcastID")
	res, err := h.scheduler.Dispatch(r.Context(), id)
	if err != nil {
		respondWorkerError(w, err)
		return
	}
	logger.Info("broadcast send accepted", "broadcast_id", id, "total", res.Total, "enqueued", res.Enqueued)
	httputil.Accepted(w, res)
}

// PickWinner selects the winning variant now instead of waiting for the
// scheduled task.
//
//	POST /api/broadcasts/{broadcastID}/pick-winner
func (h *Handlers) PickWinner(w http.ResponseWriter, r *http.Request) {
	if h.winners == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "winner selection not configured")
		return
	}
	id := chi.URLParam(r, "broadcastID")
	winner, err := h.winners.Pick(r.Context(), id)
	if err != nil {
		respondWorkerError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"broadcast_id": id, "winning_variant_id": winner})
}

type transactionalResponse struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []pmta.Result `json:"results"`
}

// SendTransactional injects a one-off message to each recipient.
//
//	POST /api/transactional/send
func (h *Handlers) SendTransactional(w http.ResponseWriter, r *http.Request) {
	if h.transactional == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "transactional sending not configured")
		return
	}
	var req worker.TransactionalRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	results, err := h.transactional.Send(r.Context(), req)
	if err != nil {
		respondWorkerError(w, err)
		return
	}
	resp := transactionalResponse{Results: results}
	for _, res := range results {
		if res.OK {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	httputil.OK(w, resp)
}

// GET /api/queue/stats
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// respondWorkerError maps scheduler and sender errors to HTTP statuses.
func respondWorkerError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, worker.ErrPrerequisite):
		httputil.Problem(w, http.StatusNotFound, "prerequisite_missing", err.Error(), nil)
	case errors.Is(err, worker.ErrNotDispatchable):
		httputil.Problem(w, http.StatusConflict, "not_dispatchable", err.Error(), nil)
	case errors.Is(err, worker.ErrDispatchInProgress):
		httputil.Problem(w, http.StatusConflict, "dispatch_in_progress", err.Error(), nil)
	case worker.IsSetupError(err):
		httputil.Problem(w, http.StatusUnprocessableEntity, "invalid_broadcast", err.Error(), nil)
	case errors.As(err, &verrs):
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		httputil.Problem(w, http.StatusUnprocessableEntity, "invalid_request", "request validation failed", details)
	default:
		httputil.InternalError(w, err)
	}
}
