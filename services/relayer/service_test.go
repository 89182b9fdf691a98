package relayer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rightly/crypto"
	"rightly/nonces"
	"rightly/queue"
	"rightly/storage"
)

var testDomain = crypto.Domain{ChainID: 534351, VerifyingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"}

var testNow = time.Unix(1700000000, 0).UTC()

type harness struct {
	db      *gorm.DB
	ledger  *nonces.Ledger
	queue   *queue.Queue
	service *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })

	ledger := nonces.NewLedger(db)
	q := queue.New(db, "relayer", queue.WithMaxAttempts(3))
	svc := NewService(testDomain, ledger, q, WithServiceClock(func() time.Time { return testNow }))
	return &harness{db: db, ledger: ledger, queue: q, service: svc}
}

func signedIntent(t *testing.T, key *crypto.PrivateKey, nonce uint64) Intent {
	t.Helper()
	intent := crypto.BuyIntent{
		ClipID:   "1",
		Buyer:    key.Address().Hex(),
		Price:    "1000000000000000000",
		Nonce:    nonce,
		Deadline: testNow.Add(time.Hour).Unix(),
	}
	sig, err := crypto.SignBuyIntent(testDomain, intent, key)
	require.NoError(t, err)
	return Intent{BuyIntent: intent, Signature: sig}
}

func (h *harness) jobCount(t *testing.T) int64 {
	t.Helper()
	counts, err := h.queue.Counts(context.Background())
	require.NoError(t, err)
	return counts.Pending + counts.Active + counts.Retrying + counts.Succeeded + counts.Failed
}

func TestAcceptEnqueuesAndConsumesNonce(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	job, err := h.service.Accept(ctx, signedIntent(t, key, 0))
	require.NoError(t, err)
	require.Equal(t, JobName, job.Name)
	require.Equal(t, storage.JobPending, job.State)

	var payload Intent
	require.NoError(t, queue.DecodePayload(job, &payload))
	require.Equal(t, strings.ToLower(key.Address().Hex()), payload.Buyer)
	require.Equal(t, "1000000000000000000", payload.Price)

	current, err := h.ledger.Current(ctx, key.Address().Hex())
	require.NoError(t, err)
	require.Equal(t, uint64(1), current)
}

func TestAcceptReplayIsNonceConflict(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GeneratePrivateKey()
	ctx := context.Background()
	intent := signedIntent(t, key, 0)

	_, err := h.service.Accept(ctx, intent)
	require.NoError(t, err)
	_, err = h.service.Accept(ctx, intent)
	require.ErrorIs(t, err, nonces.ErrNonceConflict)
	require.Equal(t, int64(1), h.jobCount(t))
}

func TestConcurrentReplaySubmitsOnce(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GeneratePrivateKey()
	intent := signedIntent(t, key, 0)

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.Accept(context.Background(), intent)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, nonces.ErrNonceConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
	require.Equal(t, callers-1, conflicts)
	require.Equal(t, int64(1), h.jobCount(t))
}

func TestAcceptRejections(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	other, _ := crypto.GeneratePrivateKey()

	cases := []struct {
		name   string
		intent func(t *testing.T) Intent
		want   error
	}{
		{
			name: "expired deadline",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Deadline = testNow.Unix()
				return in
			},
			want: ErrDeadlineExpired,
		},
		{
			name: "signed by someone else",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, other, 0)
				in.Buyer = key.Address().Hex()
				return in
			},
			want: crypto.ErrSignatureMismatch,
		},
		{
			name: "malformed signature",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Signature = "0x1234"
				return in
			},
			want: crypto.ErrInvalidSignature,
		},
		{
			name: "missing signature",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Signature = ""
				return in
			},
			want: ErrInvalidIntent,
		},
		{
			name: "non numeric price",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Price = "1e18"
				return in
			},
			want: ErrInvalidIntent,
		},
		{
			name: "price above uint256",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Price = "1" + strings.Repeat("0", 78)
				return in
			},
			want: ErrInvalidIntent,
		},
		{
			name: "bad buyer",
			intent: func(t *testing.T) Intent {
				in := signedIntent(t, key, 0)
				in.Buyer = "0xabc"
				return in
			},
			want: ErrInvalidIntent,
		},
		{
			name: "future nonce",
			intent: func(t *testing.T) Intent {
				return signedIntent(t, key, 3)
			},
			want: nonces.ErrNonceConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.service.Accept(context.Background(), tc.intent(t))
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, int64(0), h.jobCount(t))

			current, err := h.ledger.Current(context.Background(), key.Address().Hex())
			require.NoError(t, err)
			require.Equal(t, uint64(0), current, "rejected intents must not consume a nonce")
		})
	}
}

func TestAcceptsLowerCaseBuyer(t *testing.T) {
	h := newHarness(t)
	key, _ := crypto.GeneratePrivateKey()
	intent := signedIntent(t, key, 0)
	intent.Buyer = strings.ToLower(intent.Buyer)

	_, err := h.service.Accept(context.Background(), intent)
	require.NoError(t, err)
}
