package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"

	"rightly/crypto"
)

// Backend defines the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Subscription is a live event feed. Unsubscribe stops delivery; Err yields
// the error that ended the feed, if any.
type Subscription = event.Subscription

// BuyArgs are the buyLicenseFor call arguments.
type BuyArgs struct {
	ClipID    *big.Int
	Buyer     common.Address
	Price     *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Signature []byte
}

// Confirmation describes a mined relayed transaction.
type Confirmation struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

const (
	defaultReceiptPoll  = 2 * time.Second
	gasHeadroomPercent  = 20
	subscriptionBufSize = 64
)

// Option customises a Client.
type Option func(*Client)

// WithReceiptPollInterval sets how often WaitMined polls for a receipt.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.receiptPoll = d
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to the ClipLicense contract.
type Client struct {
	backend     Backend
	contract    common.Address
	chainID     *big.Int
	key         *crypto.PrivateKey
	receiptPoll time.Duration
	logger      *slog.Logger
	closer      func()

	// sendMu serialises nonce selection and broadcast for the relayer account.
	sendMu sync.Mutex
}

// Dial connects to an RPC endpoint and resolves the chain id from the node.
// key may be nil for read-only use.
func Dial(ctx context.Context, endpoint, contract string, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	rpcClient, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("%w: chain id: %v", ErrChainQuery, err)
	}
	client, err := NewClient(rpcClient, contract, chainID, key, opts...)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.closer = rpcClient.Close
	return client, nil
}

// Close releases the RPC connection opened by Dial.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// NewClient binds the contract at address on backend.
func NewClient(backend Backend, address string, chainID *big.Int, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("chain: backend required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: contract %q", crypto.ErrInvalidAddress, address)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id required")
	}
	c := &Client{
		backend:     backend,
		contract:    common.HexToAddress(address),
		chainID:     new(big.Int).Set(chainID),
		key:         key,
		receiptPoll: defaultReceiptPoll,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ChainID reports the chain the client signs for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Contract reports the ClipLicense address.
func (c *Client) Contract() common.Address { return c.contract }

// RelayerAddress reports the account paying gas, if a key is configured.
func (c *Client) RelayerAddress() (common.Address, bool) {
	if c.key == nil {
		return common.Address{}, false
	}
	return c.key.Address(), true
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrChainQuery, err)
	}
	return height, nil
}

func (c *Client) filter(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{LicensePurchasedTopic}},
	}
}

// QueryEvents returns LicensePurchased events in the inclusive range [from, to].
func (c *Client) QueryEvents(ctx context.Context, from, to uint64) ([]Event, error) {
	if to < from {
		return nil, nil
	}
	logs, err := c.backend.FilterLogs(ctx, c.filter(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs [%d, %d]: %v", ErrChainQuery, from, to, err)
	}
	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		evt, err := DecodeLicensePurchased(lg)
		if err != nil {
			c.logger.Warn("skip undecodable log", "tx_hash", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscribe delivers live LicensePurchased events to sink until the returned
// subscription is closed or the underlying feed fails.
func (c *Client) Subscribe(ctx context.Context, sink func(Event)) (Subscription, error) {
	logs := make(chan gethtypes.Log, subscriptionBufSize)
	sub, err := c.backend.SubscribeFilterLogs(ctx, c.filter(nil, nil), logs)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrChainQuery, err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				if err == nil {
					return nil
				}
				return fmt.Errorf("%w: subscription: %v", ErrChainQuery, err)
			case lg := <-logs:
				if lg.Removed {
					continue
				}
				evt, err := DecodeLicensePurchased(lg)
				if err != nil {
					c.logger.Warn("skip undecodable log", "tx_hash", lg.TxHash.Hex(), "error", err)
					continue
				}
				sink(evt)
			}
		}
	}), nil
}

// OnchainNonce reads nonces(buyer) from the contract.
func (c *Client) OnchainNonce(ctx context.Context, buyer common.Address) (*big.Int, error) {
	data, err := ContractABI.Pack(methodNonces, buyer)
	if err != nil {
		return nil, fmt.Errorf("chain: pack nonces: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: nonces: %v", ErrChainQuery, err)
	}
	values, err := ContractABI.Unpack(methodNonces, out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: decode nonces: %v", ErrChainQuery, err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: decode nonces: unexpected %T", ErrChainQuery, values[0])
	}
	return nonce, nil
}

// BuyLicenseFor signs and broadcasts buyLicenseFor with the relayer key and
// returns the transaction hash. Errors wrap ErrRelaySubmission; use IsRevert
// to separate contract rejections from transient failures.
func (c *Client) BuyLicenseFor(ctx context.Context, args BuyArgs) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := ContractABI.Pack(methodBuyLicenseFor, args.ClipID, args.Buyer, args.Price, args.Nonce, args.Deadline, args.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pack: %w", ErrRelaySubmission, err)
	}
	from := c.key.Address()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: estimate gas: %w", ErrRelaySubmission, err)
	}
	gasLimit += gasLimit * gasHeadroomPercent / 100

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pending nonce: %w", ErrRelaySubmission, err)
	}
	txData, err := c.txData(ctx, nonce, gasLimit, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrRelaySubmission, err)
	}
	signed, err := gethtypes.SignTx(gethtypes.NewTx(txData), gethtypes.LatestSignerForChainID(c.chainID), c.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %w", ErrRelaySubmission, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: send: %w", ErrRelaySubmission, err)
	}
	return signed.Hash(), nil
}

// txData prices the transaction as EIP-1559 when the head carries a base
// fee and falls back to a legacy gas price otherwise.
func (c *Client) txData(ctx context.Context, nonce, gasLimit uint64, data []byte) (gethtypes.TxData, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if head != nil && head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		return &gethtypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &c.contract,
			Data:      data,
		}, nil
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return &gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gasLimit,
		To:       &c.contract,
		Data:     data,
	}, nil
}

// WaitMined polls for the transaction receipt until it is mined or ctx ends.
// A failed receipt status yields ErrReverted.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (Confirmation, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return Confirmation{}, fmt.Errorf("%w: %w: %s", ErrRelaySubmission, ErrReverted, hash.Hex())
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return Confirmation{TxHash: hash.Hex(), BlockNumber: block}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Debug("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, fmt.Errorf("%w: wait for %s: %w", ErrRelaySubmission, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
