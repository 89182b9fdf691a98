package indexer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"rightly/chain"
	"rightly/crypto"
	"rightly/storage"
)

const (
	// Currency is the settlement token every clip is priced in.
	Currency      = "USX"
	tokenDecimals = 18
)

// Document is the receipt body that gets signed and published. Every field is
// derived from the chain event and the catalog row, so two deliveries of one
// event produce byte-identical documents.
type Document struct {
	LicenseID       string `json:"licenseId"`
	ClipID          string `json:"clipId"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	Price           string `json:"price"`
	Currency        string `json:"currency"`
	StartTimestamp  string `json:"startTimestamp"`
	ExpiryTimestamp string `json:"expiryTimestamp"`
	TxHash          string `json:"txHash"`
	ReceiptHash     string `json:"receiptHash"`
	AssetCID        string `json:"assetCID"`
	ClipTitle       string `json:"clipTitle"`
}

// SignedDocument is a Document plus the platform attestation.
type SignedDocument struct {
	Document
	Signature     string `json:"signature"`
	ReceiptSigner string `json:"receiptSigner"`
}

// BuildDocument assembles the receipt body for evt.
func BuildDocument(evt chain.Event, clip *storage.CatalogItem) (Document, error) {
	price, err := FormatUnits(evt.Amount, tokenDecimals)
	if err != nil {
		return Document{}, err
	}
	return Document{
		LicenseID:       evt.LicenseID,
		ClipID:          clip.OnchainClipID,
		Buyer:           strings.ToLower(evt.Buyer),
		Seller:          strings.ToLower(clip.Creator),
		Price:           price,
		Currency:        Currency,
		StartTimestamp:  time.Unix(evt.StartTimestamp, 0).UTC().Format(time.RFC3339),
		ExpiryTimestamp: time.Unix(evt.ExpiryTimestamp, 0).UTC().Format(time.RFC3339),
		TxHash:          evt.TxHash,
		ReceiptHash:     evt.ReceiptHash,
		AssetCID:        clip.AssetCID,
		ClipTitle:       clip.Title,
	}, nil
}

// Canonical returns the RFC 8785 form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("indexer: marshal receipt: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("indexer: canonicalise receipt: %w", err)
	}
	return out, nil
}

// Sign attests doc with key and returns the signed document.
func Sign(doc Document, key *crypto.PrivateKey) (SignedDocument, error) {
	canonical, err := Canonical(doc)
	if err != nil {
		return SignedDocument{}, err
	}
	sig, err := crypto.SignReceipt(key, canonical)
	if err != nil {
		return SignedDocument{}, err
	}
	return SignedDocument{
		Document:      doc,
		Signature:     sig,
		ReceiptSigner: strings.ToLower(key.Address().Hex()),
	}, nil
}

// VerifyDocument checks that signed carries a valid attestation from its
// declared signer.
func VerifyDocument(signed SignedDocument) error {
	canonical, err := Canonical(signed.Document)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverReceiptSigner(canonical, signed.Signature)
	if err != nil {
		return err
	}
	if !crypto.SameAddress(signer.Hex(), signed.ReceiptSigner) {
		return crypto.ErrSignatureMismatch
	}
	return nil
}

// FormatUnits renders an integer token amount with the given decimals, keeping
// at least one fractional digit: 1500000000000000000 -> "1.5", 10^18 -> "1.0".
func FormatUnits(amount string, decimals int) (string, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("indexer: invalid amount %q", amount)
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(value, unit, new(big.Int))
	digits := frac.String()
	if pad := decimals - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	fraction := strings.TrimRight(digits, "0")
	if fraction == "" {
		fraction = "0"
	}
	return whole.String() + "." + fraction, nil
}
