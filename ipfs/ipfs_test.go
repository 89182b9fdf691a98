package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

func TestComputeCIDIsDeterministic(t *testing.T) {
	doc := []byte(`{"licenseId":"1"}`)
	a, err := ComputeCID(doc)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, _ := ComputeCID(doc)
	if !a.Equals(b) {
		t.Fatalf("same content produced %s and %s", a, b)
	}
	if a.Version() != 1 || a.Type() != cid.Raw {
		t.Fatalf("unexpected cid shape %s", a)
	}
	decoded, err := mh.Decode(a.Hash())
	if err != nil || decoded.Code != mh.SHA2_256 {
		t.Fatalf("expected sha2-256 multihash, got %v (%v)", decoded, err)
	}
	other, _ := ComputeCID([]byte(`{"licenseId":"2"}`))
	if a.Equals(other) {
		t.Fatalf("different content must not share a cid")
	}
}

func TestMemoryStorePublish(t *testing.T) {
	store := NewMemoryStore()
	doc := []byte(`{"licenseId":"1"}`)
	first, err := store.Publish(context.Background(), doc, "receipt-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, _ := store.Publish(context.Background(), doc, "receipt-1")
	if first != second || store.Len() != 1 {
		t.Fatalf("republishing identical content must be a no-op")
	}
	got, err := store.Get(first)
	if err != nil || string(got) != string(doc) {
		t.Fatalf("unexpected document %q (%v)", got, err)
	}
	if _, err := ParseCID(first); err != nil {
		t.Fatalf("published address must parse: %v", err)
	}
}

func TestPinataClientPublish(t *testing.T) {
	want, _ := ComputeCID([]byte("pinned"))
	var gotAuth string
	var gotBody pinJSONRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinJSONToIPFS" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(pinJSONResponse{IpfsHash: want.String(), PinSize: 42})
	}))
	defer srv.Close()

	client := NewPinataClient(srv.URL, WithJWT("token-123"))
	got, err := client.Publish(context.Background(), []byte(`{"licenseId":"1"}`), "receipt-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != want.String() {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if string(gotBody.Content) != `{"licenseId":"1"}` || gotBody.Metadata.Name != "receipt-1" {
		t.Fatalf("unexpected request body %+v", gotBody)
	}
}

func TestPinataClientFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		},
		"bad cid": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"IpfsHash":""}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := NewPinataClient(srv.URL, WithAPIKey("k", "s")).Publish(context.Background(), []byte(`{}`), "")
			if !errors.Is(err, ErrPublish) {
				t.Fatalf("expected ErrPublish, got %v", err)
			}
		})
	}

	if _, err := NewPinataClient("http://127.0.0.1:0").Publish(context.Background(), []byte("not json"), ""); !errors.Is(err, ErrPublish) {
		t.Fatalf("expected invalid document to be rejected, got %v", err)
	}
}

func TestGatewayURL(t *testing.T) {
	if got := GatewayURL("", "bafy"); got != "https://ipfs.io/ipfs/bafy" {
		t.Fatalf("unexpected default gateway url %s", got)
	}
	if got := GatewayURL("https://gw.example/ipfs", "bafy"); got != "https://gw.example/ipfs/bafy" {
		t.Fatalf("unexpected gateway url %s", got)
	}
}
