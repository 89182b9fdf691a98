// Package ipfs publishes signed receipt documents to content-addressed
// storage and resolves their gateway URLs.
package ipfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// DefaultGateway is the public gateway used when none is configured.
const DefaultGateway = "https://ipfs.io/ipfs/"

// Publisher stores a document and returns its content address.
type Publisher interface {
	Publish(ctx context.Context, doc []byte, name string) (string, error)
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("ipfs: hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// ParseCID validates a content address string.
func ParseCID(raw string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(raw))
	if err != nil {
		return cid.Undef, fmt.Errorf("ipfs: invalid cid %q: %w", raw, err)
	}
	return c, nil
}

// GatewayURL joins a gateway prefix and a content address.
func GatewayURL(gateway, contentAddress string) string {
	base := strings.TrimSpace(gateway)
	if base == "" {
		base = DefaultGateway
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimSpace(contentAddress)
}
