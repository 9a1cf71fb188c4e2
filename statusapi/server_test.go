package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/node"
	"github.com/blindxfish/meshkv/trust"
	"github.com/blindxfish/meshkv/wire"
)

func mustTestNode(t *testing.T) *node.Node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	n, err := node.New(id, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

// do issues req directly against the server's router, bypassing the
// network stack.
func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHandleStatus(t *testing.T) {
	n := mustTestNode(t)
	s := New("127.0.0.1:0", n)

	w := do(s, "GET", "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != n.ID().String() {
		t.Errorf("expected id %q, got %v", n.ID().String(), body["id"])
	}
	if body["listen"] != n.LocalAddrString() {
		t.Errorf("expected listen %q, got %v", n.LocalAddrString(), body["listen"])
	}
}

func TestHandlePeers(t *testing.T) {
	n := mustTestNode(t)
	s := New("127.0.0.1:0", n)

	w := do(s, "GET", "/peers")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := stats["verified_peers"]; !ok {
		t.Errorf("expected verified_peers key in stats, got %v", stats)
	}
}

func TestHandleTrustReportsClassification(t *testing.T) {
	n := mustTestNode(t)
	other := identity.RandomPeerId()
	n.Ledger().ChangeTrust(other, trust.TrustedLevel-trust.DefaultTrust)

	s := New("127.0.0.1:0", n)
	w := do(s, "GET", "/trust")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []trustRow
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Of != other.String() {
		t.Errorf("expected row for %q, got %q", other.String(), rows[0].Of)
	}
	if rows[0].Classification != "trusted" {
		t.Errorf("expected trusted classification, got %q", rows[0].Classification)
	}
}

func TestHandleStoreKey(t *testing.T) {
	n := mustTestNode(t)
	author := identity.RandomPeerId()
	n.Store().Insert(wire.Entry{Author: author, Seq: 0, Key: "city", Value: "paris"})

	s := New("127.0.0.1:0", n)

	w := do(s, "GET", "/store/city")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []wire.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Value != "paris" {
		t.Fatalf("expected one paris entry, got %v", entries)
	}

	w = do(s, "GET", "/store/missingkey")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var empty []wire.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no values for missing key, got %v", empty)
	}
}
