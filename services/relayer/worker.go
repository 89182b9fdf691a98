package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"rightly/chain"
	"rightly/observability"
	"rightly/queue"
	"rightly/storage"
)

// Submitter sends buyLicenseFor and waits for it to be mined.
type Submitter interface {
	BuyLicenseFor(ctx context.Context, args chain.BuyArgs) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (chain.Confirmation, error)
	OnchainNonce(ctx context.Context, buyer common.Address) (*big.Int, error)
}

// Result is stored on a succeeded relay job.
type Result struct {
	TxHash          string `json:"txHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	AlreadyConsumed bool   `json:"alreadyConsumed,omitempty"`
}

const (
	defaultConfirmTimeout = 3 * time.Minute
	defaultSubmitRate     = 5
)

// Worker turns relay jobs into on-chain transactions. It never writes
// receipts; those come from the indexer once the purchase event is observed.
type Worker struct {
	submitter      Submitter
	limiter        *rate.Limiter
	confirmTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *observability.RelayerMetrics
}

// WorkerOption customises the worker.
type WorkerOption func(*Worker)

// WithSubmitRate bounds broadcasts per second across all worker goroutines.
func WithSubmitRate(perSecond float64, burst int) WorkerOption {
	return func(w *Worker) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithConfirmTimeout bounds the wait for a mined receipt per attempt.
func WithConfirmTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.confirmTimeout = d
		}
	}
}

// WithWorkerClock overrides the clock used for deadline checks.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithWorkerLogger overrides the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker constructs a relay worker over submitter.
func NewWorker(submitter Submitter, opts ...WorkerOption) *Worker {
	w := &Worker{
		submitter:      submitter,
		limiter:        rate.NewLimiter(rate.Limit(defaultSubmitRate), defaultSubmitRate),
		confirmTimeout: defaultConfirmTimeout,
		now:            time.Now,
		logger:         slog.Default(),
		metrics:        observability.Relayer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one relay job. It satisfies queue.Handler. Contract
// reverts and expired deadlines are permanent; anything else is retried by
// the queue with backoff until the attempt ceiling.
func (w *Worker) Handle(ctx context.Context, job *storage.Job) (any, error) {
	var intent Intent
	if err := queue.DecodePayload(job, &intent); err != nil {
		return nil, queue.Permanent(err)
	}
	log := w.logger.With("job_id", job.ID, "attempt", job.Attempts, "buyer", intent.Buyer, "nonce", intent.Nonce)

	if intent.Deadline <= w.now().Unix() {
		w.metrics.RecordSubmission("deadline_expired")
		return nil, queue.Permanent(ErrDeadlineExpired)
	}
	args, err := buyArgs(intent)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	// A previous attempt may have been mined after its confirmation wait
	// timed out. If the contract already consumed the nonce, the purchase
	// went through and resubmitting would only revert.
	if job.Attempts > 1 {
		onchain, err := w.submitter.OnchainNonce(ctx, args.Buyer)
		if err == nil && onchain != nil && onchain.Cmp(args.Nonce) > 0 {
			log.Info("intent nonce already consumed on chain", "onchain_nonce", onchain.String())
			w.metrics.RecordSubmission("already_consumed")
			return Result{AlreadyConsumed: true}, nil
		}
		if err != nil {
			log.Warn("read on-chain nonce", "error", err)
		}
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("relayer: rate limit wait: %w", err)
	}
	hash, err := w.submitter.BuyLicenseFor(ctx, args)
	if err != nil {
		return nil, w.classify("submit", err)
	}
	log.Info("transaction submitted", "tx_hash", hash.Hex())

	sent := w.now()
	waitCtx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()
	conf, err := w.submitter.WaitMined(waitCtx, hash)
	if err != nil {
		return nil, w.classify("confirm", err)
	}
	w.metrics.RecordSubmission("confirmed")
	w.metrics.ObserveConfirmation(w.now().Sub(sent))
	log.Info("transaction confirmed", "tx_hash", conf.TxHash, "block", conf.BlockNumber)
	return Result{TxHash: conf.TxHash, BlockNumber: conf.BlockNumber}, nil
}

func (w *Worker) classify(stage string, err error) error {
	if chain.IsRevert(err) {
		w.metrics.RecordSubmission("reverted")
		return queue.Permanent(fmt.Errorf("relayer: %s: %w", stage, err))
	}
	w.metrics.RecordSubmission("transient_error")
	if !errors.Is(err, chain.ErrRelaySubmission) {
		return fmt.Errorf("%w: %s: %w", chain.ErrRelaySubmission, stage, err)
	}
	return fmt.Errorf("relayer: %s: %w", stage, err)
}

func buyArgs(intent Intent) (chain.BuyArgs, error) {
	clipID, err := uint256.FromDecimal(intent.ClipID)
	if err != nil {
		return chain.BuyArgs{}, fmt.Errorf("%w: clipId: %v", ErrInvalidIntent, err)
	}
	price, err := uint256.FromDecimal(intent.Price)
	if err != nil {
		return chain.BuyArgs{}, fmt.Errorf("%w: price: %v", ErrInvalidIntent, err)
	}
	if !common.IsHexAddress(intent.Buyer) {
		return chain.BuyArgs{}, fmt.Errorf("%w: buyer", ErrInvalidIntent)
	}
	sig, err := hexutil.Decode(intent.Signature)
	if err != nil {
		return chain.BuyArgs{}, fmt.Errorf("%w: signature: %v", ErrInvalidIntent, err)
	}
	// The contract's ECDSA recovery expects V in {27, 28}.
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return chain.BuyArgs{
		ClipID:    clipID.ToBig(),
		Buyer:     common.HexToAddress(intent.Buyer),
		Price:     price.ToBig(),
		Nonce:     new(big.Int).SetUint64(intent.Nonce),
		Deadline:  big.NewInt(intent.Deadline),
		Signature: sig,
	}, nil
}
