package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignReceipt attests a canonical receipt document. The document is hashed with
// keccak256 and the 32-byte hash is signed as an EIP-191 personal message, so
// any wallet can verify the attestation with personal_ecRecover.
func SignReceipt(key *PrivateKey, canonical []byte) (string, error) {
	if key == nil || key.PrivateKey == nil {
		return "", errors.New("crypto: nil private key")
	}
	if len(canonical) == 0 {
		return "", errors.New("crypto: empty receipt document")
	}
	digest := accounts.TextHash(crypto.Keccak256(canonical))
	sig, err := crypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: sign receipt: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverReceiptSigner returns the address that produced signature over canonical.
func RecoverReceiptSigner(canonical []byte, signature string) (common.Address, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	digest := accounts.TextHash(crypto.Keccak256(canonical))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
