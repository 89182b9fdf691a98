package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrChainQuery wraps failures reading blocks or logs from the node.
	ErrChainQuery = errors.New("chain: query failed")
	// ErrRelaySubmission wraps failures building, sending or confirming a
	// relayed transaction.
	ErrRelaySubmission = errors.New("chain: relay submission failed")
	// ErrReverted reports a transaction that was mined with a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
	// ErrNoSigner is returned when a write is attempted without a relayer key.
	ErrNoSigner = errors.New("chain: relayer key not configured")
)

// IsRevert reports whether err is a deterministic contract rejection that a
// retry cannot fix: a mined transaction with failed status, or a node error
// carrying revert data from simulation or gas estimation.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
