// Package relayer admits buyer-signed purchase intents and submits them on
// chain from the relayer account, which pays the gas.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"rightly/crypto"
	"rightly/nonces"
	"rightly/observability"
	"rightly/observability/logging"
	"rightly/storage"
)

// JobName labels relay jobs in the shared jobs table.
const JobName = "buyLicenseFor"

var (
	// ErrInvalidIntent reports a missing or malformed intent field.
	ErrInvalidIntent = errors.New("relayer: invalid intent")
	// ErrDeadlineExpired reports an intent whose deadline has passed. The
	// buyer must sign again with a later deadline.
	ErrDeadlineExpired = errors.New("relayer: deadline expired")
)

// Intent is a buyer-signed purchase authorisation. It is also the immutable
// payload of a relay job.
type Intent struct {
	crypto.BuyIntent
	Signature string `json:"signature"`
}

// NonceAllocator consumes per-address nonces.
type NonceAllocator interface {
	Allocate(ctx context.Context, address string, expected uint64) (uint64, error)
}

// Enqueuer durably appends jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (*storage.Job, error)
}

// Service runs the admission pipeline: validate, check the deadline, verify
// the signature, match the signer, allocate the nonce, enqueue. The order is
// fixed so that a nonce is only consumed by a fully authorised intent.
type Service struct {
	domain  crypto.Domain
	nonces  NonceAllocator
	queue   Enqueuer
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.RelayerMetrics
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithServiceClock overrides the clock used for deadline checks.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithServiceLogger overrides the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs the admission pipeline.
func NewService(domain crypto.Domain, allocator NonceAllocator, queue Enqueuer, opts ...ServiceOption) *Service {
	s := &Service{
		domain:  domain,
		nonces:  allocator,
		queue:   queue,
		now:     time.Now,
		logger:  slog.Default(),
		metrics: observability.Relayer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept authorises intent and enqueues it for submission. Every rejection is
// returned synchronously with a specific sentinel; once Accept returns a job
// the caller gets no further notification.
func (s *Service) Accept(ctx context.Context, intent Intent) (*storage.Job, error) {
	job, err := s.accept(ctx, intent)
	s.metrics.RecordIntent(intentOutcome(err))
	return job, err
}

func (s *Service) accept(ctx context.Context, intent Intent) (*storage.Job, error) {
	if s.nonces == nil || s.queue == nil {
		return nil, errors.New("relayer: service not configured")
	}
	normalised, err := validate(intent)
	if err != nil {
		return nil, err
	}
	if normalised.Deadline <= s.now().Unix() {
		return nil, ErrDeadlineExpired
	}

	signer, err := crypto.VerifyBuyIntent(s.domain, normalised.BuyIntent, normalised.Signature)
	if err != nil {
		return nil, err
	}
	if !crypto.SameAddress(signer.Hex(), normalised.Buyer) {
		return nil, crypto.ErrSignatureMismatch
	}

	next, err := s.nonces.Allocate(ctx, normalised.Buyer, normalised.Nonce)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, JobName, normalised)
	if err != nil {
		// The nonce is spent; the buyer has to sign again with the next one.
		s.logger.Error("enqueue relay job after nonce allocation",
			"buyer", normalised.Buyer,
			"nonce", normalised.Nonce,
			"error", err)
		return nil, fmt.Errorf("relayer: enqueue: %w", err)
	}
	s.logger.Info("purchase intent accepted",
		"job_id", job.ID,
		"clip_id", normalised.ClipID,
		"buyer", normalised.Buyer,
		"nonce", normalised.Nonce,
		"next_nonce", next,
		logging.MaskField("signature", normalised.Signature))
	return job, nil
}

// validate checks field presence and ranges and returns the intent with
// canonical formatting: decimal integers and a lower-case buyer.
func validate(intent Intent) (Intent, error) {
	out := intent
	clipID, err := parseUint256("clipId", intent.ClipID)
	if err != nil {
		return Intent{}, err
	}
	if clipID.IsZero() {
		return Intent{}, fmt.Errorf("%w: clipId must be positive", ErrInvalidIntent)
	}
	price, err := parseUint256("price", intent.Price)
	if err != nil {
		return Intent{}, err
	}
	buyer, err := crypto.NormalizeAddress(intent.Buyer)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: buyer: %v", ErrInvalidIntent, err)
	}
	if intent.Deadline <= 0 {
		return Intent{}, fmt.Errorf("%w: deadline required", ErrInvalidIntent)
	}
	if strings.TrimSpace(intent.Signature) == "" {
		return Intent{}, fmt.Errorf("%w: signature required", ErrInvalidIntent)
	}
	out.ClipID = clipID.Dec()
	out.Price = price.Dec()
	out.Buyer = buyer
	out.Signature = strings.TrimSpace(intent.Signature)
	return out, nil
}

func parseUint256(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", ErrInvalidIntent, field)
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidIntent, field, err)
	}
	return value, nil
}

func intentOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid"
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, crypto.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, crypto.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, nonces.ErrNonceConflict):
		return "nonce_conflict"
	default:
		return "error"
	}
}
