package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/payrail/internal/allowlist"
	"github.com/mbd888/payrail/internal/config"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/ratelimit"
	"github.com/mbd888/payrail/internal/receipts"
	"github.com/mbd888/payrail/internal/security"
	"github.com/mbd888/payrail/internal/spendlimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeChain answers nonce queries without an RPC endpoint.
type fakeChain struct {
	failing bool
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if f.failing {
		return 0, context.DeadlineExceeded
	}
	return 7, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",
	}
}

func newTestServer(t *testing.T, chain *fakeChain) *Server {
	t.Helper()

	guard := security.New(
		spendlimit.New(spendlimit.Config{
			WildcardPerTransaction: big.NewInt(1_000_000_000),
			WildcardDaily:          big.NewInt(5_000_000_000),
		}),
		ratelimit.New(nil),
		allowlist.New(allowlist.ModeBlocklist, []allowlist.Entry{
			{Address: "0x000000000000000000000000000000000000bad1", Label: "sanctioned"},
		}),
		nil,
	)

	svc := receipts.NewService(receipts.NewMemoryStore(), receipts.NewSigner("test-secret"))

	return New(testConfig(), Deps{
		Guard:    guard,
		Receipts: svc,
		Nonces:   noncepool.New(chain),
		Chain:    chain,
		Account:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	})
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	w := get(s, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestHealthEndpointDegradedWhenRPCDown(t *testing.T) {
	s := newTestServer(t, &fakeChain{failing: true})

	w := get(s, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	if w := get(s, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	// Server hasn't called Run() so ready is false
	if w := get(s, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	if w := get(s, "/readyz"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 after ready, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Introspection endpoints
// ---------------------------------------------------------------------------

func TestLimitsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	w := get(s, "/v1/limits")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["day"] == "" {
		t.Error("Expected day in response")
	}
}

func TestAllowlistEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	w := get(s, "/v1/allowlist")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Mode    string            `json:"mode"`
		Entries []allowlist.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Mode != "blocklist" {
		t.Errorf("Expected mode blocklist, got %s", resp.Mode)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Label != "sanctioned" {
		t.Errorf("Unexpected entries: %+v", resp.Entries)
	}
}

func TestReceiptEndpoints(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	id, err := s.deps.Receipts.IssueReceipt(context.Background(), receipts.IssueRequest{
		Path:   receipts.PathDirect,
		From:   "0x00000000000000000000000000000000000000aa",
		To:     "0x00000000000000000000000000000000000000bb",
		Token:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount: "12.50",
		TxHash: "0xabc",
		Status: "confirmed",
	})
	if err != nil {
		t.Fatalf("IssueReceipt failed: %v", err)
	}

	if w := get(s, "/v1/receipts/"+id); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for receipt lookup, got %d", w.Code)
	}
	if w := get(s, "/v1/receipts/rcpt_missing"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown receipt, got %d", w.Code)
	}

	w := get(s, "/v1/receipts/"+id+"/verify")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for verify, got %d", w.Code)
	}
	var verify receipts.VerifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &verify); err != nil {
		t.Fatalf("Failed to parse verify response: %v", err)
	}
	if !verify.Valid {
		t.Errorf("Expected valid receipt: %+v", verify)
	}

	w = get(s, "/v1/receipts?address=0x00000000000000000000000000000000000000bb")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for list, got %d", w.Code)
	}

	if w := get(s, "/v1/receipts"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for list without filters, got %d", w.Code)
	}
}

func TestPendingNoncesEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	w := get(s, "/v1/nonces/pending")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Account string   `json:"account"`
		Pending []uint64 `json:"pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Pending) != 0 {
		t.Errorf("Expected no pending nonces, got %v", resp.Pending)
	}
}

func TestSyncNoncesEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/nonces/sync", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Nonce != 7 {
		t.Errorf("Expected nonce 7 from chain, got %d", resp.Nonce)
	}
}

// ---------------------------------------------------------------------------
// Route registration
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, &fakeChain{})

	want := map[string]bool{
		"GET:/v1/limits":                  false,
		"GET:/v1/limits/:token/allowance": false,
		"GET:/v1/allowlist":               false,
		"GET:/v1/receipts/:id":            false,
		"GET:/v1/receipts/:id/verify":     false,
		"GET:/v1/receipts":                false,
		"GET:/v1/nonces/pending":          false,
		"POST:/v1/nonces/sync":            false,
		"GET:/metrics":                    false,
	}

	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}

	for route, found := range want {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}
