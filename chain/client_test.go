package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"rightly/crypto"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type fakeBackend struct {
	mu        sync.Mutex
	head      uint64
	logs      []gethtypes.Log
	filterErr error
	queries   []ethereum.FilterQuery
	baseFee   *big.Int
	estimate  uint64
	estErr    error
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	subLogs   chan<- gethtypes.Log
	subErr    chan error
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	return f.logs, nil
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subLogs = ch
	f.subErr = make(chan error, 1)
	errCh := f.subErr
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-errCh:
			return err
		}
	}), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(7), nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estErr
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return ContractABI.Methods[methodNonces].Outputs.Pack(big.NewInt(4))
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func purchaseLog(t *testing.T, licenseID, clipID int64, buyer common.Address, block uint64) gethtypes.Log {
	t.Helper()
	evt := ContractABI.Events[eventLicensePurchased]
	data, err := evt.Inputs.NonIndexed().Pack(
		big.NewInt(1700000000),
		big.NewInt(1700000000+30*86400),
		big.NewInt(1_000_000_000_000_000_000),
		[32]byte{0xaa, 0xbb},
	)
	if err != nil {
		t.Fatalf("pack log data: %v", err)
	}
	return gethtypes.Log{
		Address: common.HexToAddress(testContract),
		Topics: []common.Hash{
			evt.ID,
			common.BigToHash(big.NewInt(licenseID)),
			common.BigToHash(big.NewInt(clipID)),
			common.BytesToHash(buyer.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x01"),
		Index:       3,
	}
}

func newTestClient(t *testing.T, backend *fakeBackend, key *crypto.PrivateKey) *Client {
	t.Helper()
	client, err := NewClient(backend, testContract, big.NewInt(534351), key, WithReceiptPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDecodeLicensePurchased(t *testing.T) {
	buyer := common.HexToAddress("0x000000000000000000000000000000000000AbC0")
	evt, err := DecodeLicensePurchased(purchaseLog(t, 7, 1, buyer, 1050))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.LicenseID != "7" || evt.ClipID != "1" {
		t.Fatalf("unexpected ids: %+v", evt)
	}
	if evt.Buyer != strings.ToLower(buyer.Hex()) {
		t.Fatalf("unexpected buyer %s", evt.Buyer)
	}
	if evt.Amount != "1000000000000000000" {
		t.Fatalf("unexpected amount %s", evt.Amount)
	}
	if evt.ExpiryTimestamp-evt.StartTimestamp != 30*86400 {
		t.Fatalf("unexpected validity window %d..%d", evt.StartTimestamp, evt.ExpiryTimestamp)
	}
	if evt.BlockNumber != 1050 || evt.LogIndex != 3 {
		t.Fatalf("unexpected position %d/%d", evt.BlockNumber, evt.LogIndex)
	}
	if !strings.HasPrefix(evt.ReceiptHash, "0xaabb") {
		t.Fatalf("unexpected receipt hash %s", evt.ReceiptHash)
	}

	if _, err := DecodeLicensePurchased(gethtypes.Log{Topics: []common.Hash{{0x01}}}); err == nil {
		t.Fatalf("expected foreign log to be rejected")
	}
}

func TestQueryEventsWrapsFailures(t *testing.T) {
	backend := &fakeBackend{filterErr: errors.New("connection refused")}
	client := newTestClient(t, backend, nil)

	_, err := client.QueryEvents(context.Background(), 1001, 1050)
	if !errors.Is(err, ErrChainQuery) {
		t.Fatalf("expected ErrChainQuery, got %v", err)
	}
	q := backend.queries[0]
	if q.FromBlock.Uint64() != 1001 || q.ToBlock.Uint64() != 1050 {
		t.Fatalf("unexpected range %v..%v", q.FromBlock, q.ToBlock)
	}
	if len(q.Topics) != 1 || q.Topics[0][0] != LicensePurchasedTopic {
		t.Fatalf("query must filter on LicensePurchased")
	}
}

func TestQueryEventsSkipsRemovedLogs(t *testing.T) {
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	removed := purchaseLog(t, 2, 1, buyer, 10)
	removed.Removed = true
	backend := &fakeBackend{logs: []gethtypes.Log{purchaseLog(t, 1, 1, buyer, 10), removed}}
	client := newTestClient(t, backend, nil)

	events, err := client.QueryEvents(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].LicenseID != "1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSubscribeForwardsDecodedEvents(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend, nil)
	got := make(chan Event, 1)

	sub, err := client.Subscribe(context.Background(), func(evt Event) { got <- evt })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	backend.subLogs <- purchaseLog(t, 9, 1, common.HexToAddress("0x00000000000000000000000000000000000000b1"), 5)
	select {
	case evt := <-got:
		if evt.LicenseID != "9" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	backend.subErr <- errors.New("websocket closed")
	select {
	case err := <-sub.Err():
		if !errors.Is(err, ErrChainQuery) {
			t.Fatalf("expected ErrChainQuery, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription error not surfaced")
	}
}

func TestBuyLicenseForSignsDynamicFeeTx(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	backend := &fakeBackend{baseFee: big.NewInt(100), estimate: 100_000}
	client := newTestClient(t, backend, key)

	buyer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	hash, err := client.BuyLicenseFor(context.Background(), BuyArgs{
		ClipID:    big.NewInt(1),
		Buyer:     buyer,
		Price:     big.NewInt(1_000_000_000_000_000_000),
		Nonce:     big.NewInt(0),
		Deadline:  big.NewInt(1900000000),
		Signature: make([]byte, 65),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("hash mismatch")
	}
	if tx.Type() != gethtypes.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee tx, got type %d", tx.Type())
	}
	if tx.Gas() != 120_000 {
		t.Fatalf("expected gas headroom, got %d", tx.Gas())
	}
	if tx.GasFeeCap().Int64() != 202 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(534351)), tx)
	if err != nil || sender != key.Address() {
		t.Fatalf("unexpected sender %s (%v)", sender.Hex(), err)
	}
	method, err := ContractABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != methodBuyLicenseFor {
		t.Fatalf("unexpected method %v (%v)", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].(common.Address) != buyer {
		t.Fatalf("unexpected buyer arg %v", args[1])
	}
}

func TestBuyLicenseForLegacyPricingAndRevert(t *testing.T) {
	key, _ := crypto.GeneratePrivateKey()
	backend := &fakeBackend{estimate: 50_000}
	client := newTestClient(t, backend, key)
	args := BuyArgs{ClipID: big.NewInt(1), Price: big.NewInt(1), Nonce: big.NewInt(0), Deadline: big.NewInt(1), Signature: []byte{1}}

	if _, err := client.BuyLicenseFor(context.Background(), args); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if tx := backend.sent[0]; tx.Type() != gethtypes.LegacyTxType || tx.GasPrice().Int64() != 7 {
		t.Fatalf("expected legacy pricing, got type %d price %s", tx.Type(), tx.GasPrice())
	}

	backend.estErr = errors.New("execution reverted: nonce already used")
	_, err := client.BuyLicenseFor(context.Background(), args)
	if !errors.Is(err, ErrRelaySubmission) || !IsRevert(err) {
		t.Fatalf("expected revert submission error, got %v", err)
	}

	readOnly := newTestClient(t, backend, nil)
	if _, err := readOnly.BuyLicenseFor(context.Background(), args); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestWaitMined(t *testing.T) {
	ok := common.HexToHash("0x0a")
	failed := common.HexToHash("0x0b")
	backend := &fakeBackend{receipts: map[common.Hash]*gethtypes.Receipt{
		ok:     {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(77)},
		failed: {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(78)},
	}}
	client := newTestClient(t, backend, nil)

	conf, err := client.WaitMined(context.Background(), ok)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if conf.BlockNumber != 77 || conf.TxHash != ok.Hex() {
		t.Fatalf("unexpected confirmation %+v", conf)
	}

	_, err = client.WaitMined(context.Background(), failed)
	if !errors.Is(err, ErrReverted) || !IsRevert(err) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.WaitMined(ctx, common.HexToHash("0x0c"))
	if !errors.Is(err, context.DeadlineExceeded) || IsRevert(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestOnchainNonce(t *testing.T) {
	client := newTestClient(t, &fakeBackend{}, nil)
	nonce, err := client.OnchainNonce(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce.Int64() != 4 {
		t.Fatalf("unexpected nonce %s", nonce)
	}
}

func TestIsRevert(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset"), false},
		{errors.New("execution reverted: expired"), true},
		{ErrReverted, true},
	}
	for _, tc := range cases {
		if got := IsRevert(tc.err); got != tc.want {
			t.Fatalf("IsRevert(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
