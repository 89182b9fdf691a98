package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rightly/catalog"
	"rightly/chain"
	"rightly/crypto"
	"rightly/ipfs"
	"rightly/observability"
	"rightly/queue"
	"rightly/storage"
)

// JobName labels index jobs in the shared jobs table.
const JobName = "processLicense"

// QueueSink forwards events into the index queue.
type QueueSink struct {
	queue *queue.Queue
}

// NewQueueSink wraps q.
func NewQueueSink(q *queue.Queue) *QueueSink {
	return &QueueSink{queue: q}
}

// Forward enqueues evt as an index job.
func (s *QueueSink) Forward(ctx context.Context, evt chain.Event) error {
	_, err := s.queue.Enqueue(ctx, JobName, evt)
	return err
}

// CatalogLookup resolves clips by on-chain id.
type CatalogLookup interface {
	FindByOnchainID(ctx context.Context, onchainID string) (*storage.CatalogItem, error)
}

// ReceiptWriter persists receipts idempotently.
type ReceiptWriter interface {
	Insert(ctx context.Context, rec *storage.Receipt) (bool, error)
}

// Result is stored on a succeeded index job.
type Result struct {
	LicenseID      string `json:"licenseId"`
	ContentAddress string `json:"contentAddress,omitempty"`
	Inserted       bool   `json:"inserted"`
	Skipped        string `json:"skipped,omitempty"`
}

// Worker builds, signs, publishes and stores one receipt per index job.
type Worker struct {
	catalog   CatalogLookup
	publisher ipfs.Publisher
	receipts  ReceiptWriter
	key       *crypto.PrivateKey
	logger    *slog.Logger
	metrics   *observability.IndexerMetrics
}

// WorkerOption customises the worker.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker constructs an index worker. key is the platform receipt signing key.
func NewWorker(lookup CatalogLookup, publisher ipfs.Publisher, receipts ReceiptWriter, key *crypto.PrivateKey, opts ...WorkerOption) (*Worker, error) {
	if lookup == nil || publisher == nil || receipts == nil {
		return nil, errors.New("indexer: worker dependencies required")
	}
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("indexer: receipt signing key required")
	}
	w := &Worker{
		catalog:   lookup,
		publisher: publisher,
		receipts:  receipts,
		key:       key,
		logger:    slog.Default(),
		metrics:   observability.Indexer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// SignerAddress reports the address receipts are attested with.
func (w *Worker) SignerAddress() string {
	return strings.ToLower(w.key.Address().Hex())
}

// Handle processes one index job. It satisfies queue.Handler. An unknown clip
// completes the job without a receipt; publish and storage errors are retried.
func (w *Worker) Handle(ctx context.Context, job *storage.Job) (any, error) {
	var evt chain.Event
	if err := queue.DecodePayload(job, &evt); err != nil {
		w.metrics.RecordReceipt("error")
		return nil, queue.Permanent(err)
	}
	log := w.logger.With("job_id", job.ID, "license_id", evt.LicenseID, "clip_id", evt.ClipID)

	clip, err := w.catalog.FindByOnchainID(ctx, evt.ClipID)
	if errors.Is(err, catalog.ErrNotFound) {
		log.Warn("clip not found for on-chain id; dropping event")
		w.metrics.RecordReceipt("catalog_miss")
		return Result{LicenseID: evt.LicenseID, Skipped: "catalog_miss"}, nil
	}
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, err
	}

	doc, err := BuildDocument(evt, clip)
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, queue.Permanent(err)
	}
	signed, err := Sign(doc, w.key)
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, queue.Permanent(err)
	}
	body, err := Canonical(signed)
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, queue.Permanent(err)
	}

	started := time.Now()
	contentAddress, err := w.publisher.Publish(ctx, body, "receipt-"+evt.LicenseID)
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, fmt.Errorf("indexer: publish receipt %s: %w", evt.LicenseID, err)
	}
	w.metrics.ObservePublish(time.Since(started))

	rec := &storage.Receipt{
		LicenseID:      evt.LicenseID,
		CatalogItemID:  clip.ID,
		Buyer:          evt.Buyer,
		Seller:         doc.Seller,
		TxHash:         evt.TxHash,
		ReceiptHash:    evt.ReceiptHash,
		ContentAddress: contentAddress,
		Price:          evt.Amount,
		StartAt:        time.Unix(evt.StartTimestamp, 0).UTC(),
		ExpiryAt:       time.Unix(evt.ExpiryTimestamp, 0).UTC(),
		Signature:      signed.Signature,
		SignerAddress:  signed.ReceiptSigner,
	}
	inserted, err := w.receipts.Insert(ctx, rec)
	if err != nil {
		w.metrics.RecordReceipt("error")
		return nil, err
	}
	if inserted {
		w.metrics.RecordReceipt("created")
		log.Info("receipt indexed", "content_address", contentAddress, "buyer", rec.Buyer)
	} else {
		w.metrics.RecordReceipt("duplicate")
		log.Info("receipt already indexed", "content_address", contentAddress)
	}
	return Result{LicenseID: evt.LicenseID, ContentAddress: contentAddress, Inserted: inserted}, nil
}
