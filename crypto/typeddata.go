package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// DomainName is the EIP-712 domain name baked into the ClipLicense contract.
	DomainName = "Rightly ClipLicense"
	// DomainVersion is the EIP-712 domain version.
	DomainVersion = "1"

	buyIntentType = "BuyIntent"
)

var (
	// ErrInvalidSignature reports malformed signature bytes or a digest that
	// cannot be recovered.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	// ErrSignatureMismatch reports a recoverable signature whose signer is not
	// the claimed buyer.
	ErrSignatureMismatch = errors.New("crypto: signer does not match buyer")
)

// Domain binds typed data to a chain and verifying contract.
type Domain struct {
	ChainID           int64
	VerifyingContract string
}

// BuyIntent is the typed structure buyers sign to authorise a relayed purchase.
// Numeric fields are decimal strings so uint256 values survive JSON transport.
type BuyIntent struct {
	ClipID   string `json:"clipId"`
	Buyer    string `json:"buyer"`
	Price    string `json:"price"`
	Nonce    uint64 `json:"nonce"`
	Deadline int64  `json:"deadline"`
}

var buyIntentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	buyIntentType: {
		{Name: "clipId", Type: "uint256"},
		{Name: "buyer", Type: "address"},
		{Name: "price", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract,
	}
}

// BuyIntentDigest returns the EIP-712 digest for the intent under the supplied domain.
func BuyIntentDigest(domain Domain, intent BuyIntent) ([]byte, error) {
	if !common.IsHexAddress(domain.VerifyingContract) {
		return nil, fmt.Errorf("%w: verifying contract", ErrInvalidAddress)
	}
	if !common.IsHexAddress(intent.Buyer) {
		return nil, fmt.Errorf("%w: buyer", ErrInvalidAddress)
	}
	typed := apitypes.TypedData{
		Types:       buyIntentTypes,
		PrimaryType: buyIntentType,
		Domain:      domain.typed(),
		Message: apitypes.TypedDataMessage{
			"clipId":   strings.TrimSpace(intent.ClipID),
			"buyer":    intent.Buyer,
			"price":    strings.TrimSpace(intent.Price),
			"nonce":    new(big.Int).SetUint64(intent.Nonce).String(),
			"deadline": big.NewInt(intent.Deadline).String(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("crypto: hash typed data: %w", err)
	}
	return digest, nil
}

// VerifyBuyIntent recovers the address that signed the intent. It does not
// compare the result to intent.Buyer; callers decide what a mismatch means.
func VerifyBuyIntent(domain Domain, intent BuyIntent, signature string) (common.Address, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	digest, err := BuyIntentDigest(domain, intent)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignBuyIntent produces a 65-byte [R || S || V] signature with V in {27, 28},
// the form wallets return from eth_signTypedData_v4.
func SignBuyIntent(domain Domain, intent BuyIntent, key *PrivateKey) (string, error) {
	if key == nil || key.PrivateKey == nil {
		return "", errors.New("crypto: nil private key")
	}
	digest, err := BuyIntentDigest(domain, intent)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: sign intent: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// decodeSignature parses a hex signature and normalises V to {0, 1}.
func decodeSignature(signature string) ([]byte, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(raw))
	}
	sig := make([]byte, len(raw))
	copy(sig, raw)
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[crypto.RecoveryIDOffset])
	}
	sig[crypto.RecoveryIDOffset] = v
	return sig, nil
}
