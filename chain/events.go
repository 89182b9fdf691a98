package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Event is one observed LicensePurchased log. The same event may be observed
// more than once through different discovery paths.
type Event struct {
	LicenseID       string `json:"licenseId"`
	ClipID          string `json:"clipId"`
	Buyer           string `json:"buyer"`
	StartTimestamp  int64  `json:"startTimestamp"`
	ExpiryTimestamp int64  `json:"expiryTimestamp"`
	Amount          string `json:"amount"`
	ReceiptHash     string `json:"receiptHash"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	LogIndex        uint   `json:"logIndex"`
}

// LicensePurchasedTopic is topic[0] of every LicensePurchased log.
var LicensePurchasedTopic = ContractABI.Events[eventLicensePurchased].ID

var errNotLicensePurchased = errors.New("chain: log is not LicensePurchased")

// DecodeLicensePurchased converts a raw log into an Event.
func DecodeLicensePurchased(log gethtypes.Log) (Event, error) {
	if len(log.Topics) == 0 || log.Topics[0] != LicensePurchasedTopic {
		return Event{}, errNotLicensePurchased
	}
	event := ContractABI.Events[eventLicensePurchased]

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	fields := make(map[string]any)
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("chain: decode topics: %w", err)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return Event{}, fmt.Errorf("chain: decode data: %w", err)
	}

	licenseID, err := decimalField(fields, "licenseId")
	if err != nil {
		return Event{}, err
	}
	clipID, err := decimalField(fields, "clipId")
	if err != nil {
		return Event{}, err
	}
	amount, err := decimalField(fields, "amount")
	if err != nil {
		return Event{}, err
	}
	start, err := timestampField(fields, "startTs")
	if err != nil {
		return Event{}, err
	}
	expiry, err := timestampField(fields, "expiryTs")
	if err != nil {
		return Event{}, err
	}
	buyer, ok := fields["buyer"].(common.Address)
	if !ok {
		return Event{}, fmt.Errorf("chain: decode buyer: unexpected %T", fields["buyer"])
	}
	receiptHash, ok := fields["receiptHash"].([32]byte)
	if !ok {
		return Event{}, fmt.Errorf("chain: decode receiptHash: unexpected %T", fields["receiptHash"])
	}

	return Event{
		LicenseID:       licenseID,
		ClipID:          clipID,
		Buyer:           strings.ToLower(buyer.Hex()),
		StartTimestamp:  start,
		ExpiryTimestamp: expiry,
		Amount:          amount,
		ReceiptHash:     common.Hash(receiptHash).Hex(),
		TxHash:          log.TxHash.Hex(),
		BlockNumber:     log.BlockNumber,
		LogIndex:        log.Index,
	}, nil
}

func decimalField(fields map[string]any, name string) (string, error) {
	raw, ok := fields[name].(*big.Int)
	if !ok || raw == nil {
		return "", fmt.Errorf("chain: decode %s: unexpected %T", name, fields[name])
	}
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return "", fmt.Errorf("chain: decode %s: exceeds 256 bits", name)
	}
	return value.Dec(), nil
}

func timestampField(fields map[string]any, name string) (int64, error) {
	raw, ok := fields[name].(*big.Int)
	if !ok || raw == nil {
		return 0, fmt.Errorf("chain: decode %s: unexpected %T", name, fields[name])
	}
	if !raw.IsInt64() {
		return 0, fmt.Errorf("chain: decode %s: out of range", name)
	}
	return raw.Int64(), nil
}
