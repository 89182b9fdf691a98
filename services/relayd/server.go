package relayd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rightly/crypto"
	"rightly/ipfs"
	"rightly/nonces"
	"rightly/observability"
	"rightly/queue"
	"rightly/receipts"
	"rightly/services/indexer"
	"rightly/services/relayer"
	"rightly/storage"
)

// IntentAcceptor admits signed purchase intents.
type IntentAcceptor interface {
	Accept(ctx context.Context, intent relayer.Intent) (*storage.Job, error)
}

// NonceReader reports the next nonce an address must sign.
type NonceReader interface {
	Current(ctx context.Context, address string) (uint64, error)
}

// ReceiptReader serves receipt queries.
type ReceiptReader interface {
	Get(ctx context.Context, licenseID string) (*receipts.View, error)
	ListByBuyer(ctx context.Context, address string, activeOnly bool, page, limit int) ([]receipts.View, receipts.Page, error)
	ListByCreator(ctx context.Context, address string, page, limit int) ([]receipts.View, receipts.Page, string, error)
	Verify(ctx context.Context, licenseID string) (receipts.Verification, error)
	Stats(ctx context.Context) (receipts.Stats, error)
}

// EventControl is the operator surface of the event listener.
type EventControl interface {
	Start(ctx context.Context) error
	Stop()
	Replay(ctx context.Context, from, to uint64) (int, error)
	Status() indexer.Status
}

// JobQueue is the operator surface of one durable queue.
type JobQueue interface {
	Counts(ctx context.Context) (queue.Counts, error)
	List(ctx context.Context, state storage.JobState, limit int) ([]storage.Job, error)
	Remove(ctx context.Context, id string) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Intents    IntentAcceptor
	Nonces     NonceReader
	Receipts   ReceiptReader
	Listener   EventControl
	Queues     map[string]JobQueue
	AdminToken string
	Gateway    string
	Logger     *slog.Logger
}

// Server exposes the client and operator HTTP APIs.
type Server struct {
	intents    IntentAcceptor
	nonces     NonceReader
	receipts   ReceiptReader
	listener   EventControl
	queues     map[string]JobQueue
	adminToken string
	gateway    string
	logger     *slog.Logger
	metrics    *observability.HTTPMetrics
	started    time.Time
	now        func() time.Time

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		intents:    cfg.Intents,
		nonces:     cfg.Nonces,
		receipts:   cfg.Receipts,
		listener:   cfg.Listener,
		queues:     cfg.Queues,
		adminToken: strings.TrimSpace(cfg.AdminToken),
		gateway:    cfg.Gateway,
		logger:     logger,
		metrics:    observability.HTTP(),
		started:    time.Now(),
		now:        time.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "relayd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/relayer", func(rr chi.Router) {
		rr.Post("/buy", s.handleBuy)
		rr.Get("/nonce/{address}", s.handleNonce)
	})

	r.Route("/receipts", func(rr chi.Router) {
		rr.Get("/user/{address}", s.handleUserReceipts)
		rr.Get("/creator/{address}", s.handleCreatorReceipts)
		rr.Get("/{licenseId}/verify", s.handleVerify)
		rr.Get("/{licenseId}", s.handleReceipt)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.requireAdmin)
		ar.Get("/status", s.handleStatus)
		ar.Get("/stats", s.handleStats)
		ar.Post("/events/start", s.handleEventsStart)
		ar.Post("/events/stop", s.handleEventsStop)
		ar.Post("/events/replay", s.handleEventsReplay)
		ar.Get("/jobs", s.handleJobs)
		ar.Delete("/jobs/{id}", s.handleRemoveJob)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, status, time.Since(started))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.adminToken == "" {
			s.writeError(w, http.StatusUnauthorized, "Admin authentication required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "Invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type buyResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var intent relayer.Intent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intent); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	job, err := s.intents.Accept(r.Context(), intent)
	if err != nil {
		status, message := intentStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("accept intent", "buyer", intent.Buyer, "error", err)
		}
		if status == http.StatusConflict {
			if current, ok := s.currentNonce(r.Context(), intent.Buyer); ok {
				s.writeJSON(w, status, map[string]any{"error": message, "currentNonce": current})
				return
			}
		}
		s.writeError(w, status, message)
		return
	}
	s.writeJSON(w, http.StatusAccepted, buyResponse{JobID: job.ID, Status: "queued"})
}

// intentStatus maps admission failures onto HTTP statuses: malformed or
// forged intents are 400, a stale nonce is 409 and an expired deadline 410.
func intentStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relayer.ErrInvalidIntent),
		errors.Is(err, crypto.ErrInvalidAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, crypto.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid signature"
	case errors.Is(err, crypto.ErrSignatureMismatch):
		return http.StatusBadRequest, "signature does not match buyer"
	case errors.Is(err, nonces.ErrNonceConflict):
		return http.StatusConflict, "nonce conflict; fetch the current nonce and sign again"
	case errors.Is(err, relayer.ErrDeadlineExpired):
		return http.StatusGone, "deadline expired; sign again with a later deadline"
	default:
		return http.StatusInternalServerError, "failed to accept intent"
	}
}

func (s *Server) currentNonce(ctx context.Context, address string) (uint64, bool) {
	normalised, err := crypto.NormalizeAddress(address)
	if err != nil {
		return 0, false
	}
	nonce, err := s.nonces.Current(ctx, normalised)
	if err != nil {
		return 0, false
	}
	return nonce, true
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	normalised, err := crypto.NormalizeAddress(address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	nonce, err := s.nonces.Current(r.Context(), normalised)
	if err != nil {
		s.logger.Error("read nonce", "address", normalised, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read nonce")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"address": normalised, "nonce": nonce})
}

type receiptResponse struct {
	Receipt    *receipts.View `json:"receipt"`
	GatewayURL string         `json:"gatewayUrl,omitempty"`
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	view, err := s.receipts.Get(r.Context(), chi.URLParam(r, "licenseId"))
	if errors.Is(err, receipts.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Receipt not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch receipt", "license_id", chi.URLParam(r, "licenseId"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch receipt")
		return
	}
	if !view.IsValid {
		s.writeError(w, http.StatusGone, "License has expired")
		return
	}
	s.writeJSON(w, http.StatusOK, receiptResponse{Receipt: view, GatewayURL: ipfs.GatewayURL(s.gateway, view.ContentAddress)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.receipts.Verify(r.Context(), chi.URLParam(r, "licenseId"))
	if err != nil {
		s.logger.Error("verify receipt", "license_id", chi.URLParam(r, "licenseId"), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to verify receipt")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type listResponse struct {
	Receipts      []receipts.View `json:"receipts"`
	TotalEarnings string          `json:"totalEarnings,omitempty"`
	Pagination    receipts.Page   `json:"pagination"`
}

func (s *Server) handleUserReceipts(w http.ResponseWriter, r *http.Request) {
	address, err := crypto.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	query := r.URL.Query()
	activeOnly, _ := strconv.ParseBool(query.Get("activeOnly"))
	views, page, err := s.receipts.ListByBuyer(r.Context(), address, activeOnly, intParam(query.Get("page")), intParam(query.Get("limit")))
	if err != nil {
		s.logger.Error("list buyer receipts", "buyer", address, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch receipts")
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{Receipts: nonNil(views), Pagination: page})
}

func (s *Server) handleCreatorReceipts(w http.ResponseWriter, r *http.Request) {
	address, err := crypto.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	query := r.URL.Query()
	views, page, earnings, err := s.receipts.ListByCreator(r.Context(), address, intParam(query.Get("page")), intParam(query.Get("limit")))
	if err != nil {
		s.logger.Error("list creator receipts", "creator", address, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch creator receipts")
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{Receipts: nonNil(views), TotalEarnings: earnings, Pagination: page})
}

// StatusResponse is the body of GET /admin/status.
type StatusResponse struct {
	EventListener indexer.Status          `json:"eventListener"`
	Queues        map[string]queue.Counts `json:"queues"`
	Uptime        string                  `json:"uptime"`
	Timestamp     time.Time               `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		EventListener: s.listener.Status(),
		Queues:        make(map[string]queue.Counts, len(s.queues)),
		Uptime:        s.now().Sub(s.started).Round(time.Second).String(),
		Timestamp:     s.now().UTC(),
	}
	for name, q := range s.queues {
		counts, err := q.Counts(r.Context())
		if err != nil {
			s.logger.Error("queue counts", "queue", name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to get system status")
			return
		}
		resp.Queues[name] = counts
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.receipts.Stats(r.Context())
	if err != nil {
		s.logger.Error("platform stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get platform stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   *int   `json:"count,omitempty"`
}

func (s *Server) handleEventsStart(w http.ResponseWriter, r *http.Request) {
	if err := s.listener.Start(r.Context()); err != nil {
		s.logger.Error("start event listener", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to start event listener")
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Event listener started"})
}

func (s *Server) handleEventsStop(w http.ResponseWriter, _ *http.Request) {
	s.listener.Stop()
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Event listener stopped"})
}

// ReplayRequest is the body of POST /admin/events/replay.
type ReplayRequest struct {
	FromBlock *uint64 `json:"fromBlock"`
	ToBlock   *uint64 `json:"toBlock"`
}

func (s *Server) handleEventsReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FromBlock == nil || req.ToBlock == nil {
		s.writeError(w, http.StatusBadRequest, "fromBlock and toBlock are required")
		return
	}
	count, err := s.listener.Replay(r.Context(), *req.FromBlock, *req.ToBlock)
	if errors.Is(err, indexer.ErrInvalidRange) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("replay events", "from_block", *req.FromBlock, "to_block", *req.ToBlock, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to replay events")
		return
	}
	s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Replayed " + strconv.Itoa(count) + " events", Count: &count})
}

// JobView is the operator representation of a queued job.
type JobView struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	State          string          `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextEligibleAt time.Time       `json:"nextEligibleAt"`
	LastError      string          `json:"lastError,omitempty"`
	Data           json.RawMessage `json:"data"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
}

func newJobView(job storage.Job) JobView {
	view := JobView{
		ID:             job.ID,
		Queue:          job.Queue,
		Name:           job.Name,
		State:          string(job.State),
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		NextEligibleAt: job.NextEligibleAt,
		LastError:      job.LastError,
		Data:           json.RawMessage(job.Payload),
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
	}
	if job.Result != "" {
		view.Result = json.RawMessage(job.Result)
	}
	return view
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q, ok := s.queueFor(query.Get("type"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown queue type")
		return
	}
	state, ok := ParseJobState(query.Get("status"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown job status")
		return
	}
	jobs, err := q.List(r.Context(), state, intParam(query.Get("limit")))
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get jobs")
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queueFor(r.URL.Query().Get("type"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown queue type")
		return
	}
	id := chi.URLParam(r, "id")
	err := q.Remove(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, queue.ErrJobActive):
		s.writeError(w, http.StatusConflict, "Job is being processed")
	case err != nil:
		s.logger.Error("remove job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove job")
	default:
		s.writeJSON(w, http.StatusOK, ackResponse{Success: true, Message: "Job removed"})
	}
}

func (s *Server) queueFor(name string) (JobQueue, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "relayer"
	}
	q, ok := s.queues[name]
	return q, ok
}

// ParseJobState accepts both the stored state names and the operator aliases
// waiting, delayed and completed. Empty and "all" select every state.
func ParseJobState(raw string) (storage.JobState, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return "", true
	case "waiting", "pending":
		return storage.JobPending, true
	case "active":
		return storage.JobActive, true
	case "delayed", "retrying":
		return storage.JobRetrying, true
	case "completed", "succeeded":
		return storage.JobSucceeded, true
	case "failed":
		return storage.JobFailed, true
	default:
		return "", false
	}
}

func intParam(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return v
}

func nonNil(views []receipts.View) []receipts.View {
	if views == nil {
		return []receipts.View{}
	}
	return views
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
