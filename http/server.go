// Package http exposes the engine over a JSON API. Binary values (ciphertext
// bytes, proofs) are hex encoded.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/core"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/metrics"
	"github.com/drand/sealed/oracle"
)

// maxBodySize bounds request bodies.
const maxBodySize = 4 << 20

// Engine is the part of core.Engine served over HTTP.
type Engine interface {
	Submit(ctx context.Context, c ledger.Ciphertexts) (ledger.RecordID, error)
	RequestDecryption(ctx context.Context, id ledger.RecordID) (ledger.RequestID, error)
	Abandon(ctx context.Context, id ledger.RecordID) (ledger.RequestID, error)
	Callback(ctx context.Context, a *oracle.Answer) error
	Get(ctx context.Context, id ledger.RecordID) (ledger.Cleartexts, bool, error)
	Status(ctx context.Context, id ledger.RecordID) (ledger.Status, error)
	ReadAggregate(ctx context.Context, category string) (he.Ciphertext, error)
	Categories(ctx context.Context) ([]string, error)
}

// SubmitResponse answers POST /records.
type SubmitResponse struct {
	ID ledger.RecordID `json:"id"`
}

// DecryptResponse answers POST /records/{id}/decrypt and DELETE on it.
type DecryptResponse struct {
	RequestID ledger.RequestID `json:"request_id"`
}

// RecordResponse answers GET /records/{id}.
type RecordResponse struct {
	Revealed   bool               `json:"revealed"`
	Cleartexts *ledger.Cleartexts `json:"cleartexts,omitempty"`
}

// StatusResponse answers GET /records/{id}/status.
type StatusResponse struct {
	Status string `json:"status"`
}

// CallbackRequest is the body the oracle posts to /callback.
type CallbackRequest struct {
	RequestID  ledger.RequestID  `json:"request_id"`
	Cleartexts ledger.Cleartexts `json:"cleartexts"`
	Proof      []byte            `json:"proof"`
}

// CategoriesResponse answers GET /aggregates.
type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

// AggregateResponse answers GET /aggregates/{category}.
type AggregateResponse struct {
	Category    string         `json:"category"`
	Initialized bool           `json:"initialized"`
	Count       *he.Ciphertext `json:"count,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	engine Engine
	log    log.Logger
}

// New creates an HTTP handler for the engine API.
func New(e Engine, l log.Logger) http.Handler {
	h := &handler{engine: e, log: l.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, h.withLogger)
	r.Get("/health", h.Health)
	r.Post("/records", h.Submit)
	r.Route("/records/{id}", func(r chi.Router) {
		r.Get("/", h.Record)
		r.Get("/status", h.Status)
		r.Post("/decrypt", h.RequestDecryption)
		r.Delete("/decrypt", h.Abandon)
	})
	r.Post("/callback", h.Callback)
	r.Get("/aggregates", h.Categories)
	r.Get("/aggregates/{category}", h.Aggregate)

	return metrics.InstrumentHTTP(r)
}

// statusFor maps engine errors to response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownRecord), errors.Is(err, core.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyRevealed),
		errors.Is(err, core.ErrRequestAlreadyPending),
		errors.Is(err, core.ErrNoPendingRequest):
		return http.StatusConflict
	case errors.Is(err, core.ErrProofInvalid):
		return http.StatusForbidden
	case errors.Is(err, core.ErrDuplicateRequestID):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrMalformedInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// withLogger attaches a request scoped logger to the request context.
func (h *handler) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := h.log.With("req_id", middleware.GetReqID(r.Context()), "remote", r.RemoteAddr, "path", url.PathEscape(r.URL.Path))
		next.ServeHTTP(w, r.WithContext(log.ToContext(r.Context(), l)))
	})
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
	log.FromContextOrDefault(r.Context()).Debugw("", "code", code)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	data, _ := json.Marshal(&errorResponse{Error: err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
	l := log.FromContextOrDefault(r.Context())
	if code >= http.StatusInternalServerError {
		l.Warnw("", "code", code, "err", err)
	} else {
		l.Debugw("", "code", code, "err", err)
	}
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %v", core.ErrMalformedInput, err))
		return false
	}
	return true
}

func (h *handler) recordID(w http.ResponseWriter, r *http.Request) (ledger.RecordID, bool) {
	id, err := ledger.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: record id: %v", core.ErrMalformedInput, err))
		return 0, false
	}
	return id, true
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *handler) Submit(w http.ResponseWriter, r *http.Request) {
	var c ledger.Ciphertexts
	if !h.decode(w, r, &c) {
		return
	}
	id, err := h.engine.Submit(r.Context(), c)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	h.reply(w, r, http.StatusCreated, &SubmitResponse{ID: id})
}

func (h *handler) Record(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	clear, revealed, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	resp := &RecordResponse{Revealed: revealed}
	if revealed {
		resp.Cleartexts = &clear
	}
	h.reply(w, r, http.StatusOK, resp)
}

func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	s, err := h.engine.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if s == ledger.StatusUnknown {
		h.fail(w, r, http.StatusNotFound, fmt.Errorf("%w: %d", core.ErrUnknownRecord, id))
		return
	}
	h.reply(w, r, http.StatusOK, &StatusResponse{Status: s.String()})
}

func (h *handler) RequestDecryption(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	req, err := h.engine.RequestDecryption(r.Context(), id)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	h.reply(w, r, http.StatusAccepted, &DecryptResponse{RequestID: req})
}

func (h *handler) Abandon(w http.ResponseWriter, r *http.Request) {
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	req, err := h.engine.Abandon(r.Context(), id)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	h.reply(w, r, http.StatusOK, &DecryptResponse{RequestID: req})
}

func (h *handler) Callback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.engine.Callback(r.Context(), &oracle.Answer{
		RequestID:  req.RequestID,
		Cleartexts: req.Cleartexts,
		Proof:      req.Proof,
	})
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.engine.Categories(r.Context())
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	if categories == nil {
		categories = []string{}
	}
	h.reply(w, r, http.StatusOK, &CategoriesResponse{Categories: categories})
}

func (h *handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: category: %v", core.ErrMalformedInput, err))
		return
	}
	c, err := h.engine.ReadAggregate(r.Context(), category)
	if err != nil {
		h.fail(w, r, statusFor(err), err)
		return
	}
	resp := &AggregateResponse{Category: category, Initialized: c.Initialized()}
	if resp.Initialized {
		resp.Count = &c
	}
	h.reply(w, r, http.StatusOK, resp)
}
