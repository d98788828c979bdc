package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/farmlink/wallet/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticListings resolves every listing to a fixed farmer
type staticListings struct {
	farmerID uuid.UUID
}

func (s staticListings) FarmerFor(_ context.Context, _ uuid.UUID) (uuid.UUID, error) {
	return s.farmerID, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		RateLimitRPS: 1000,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithListings(staticListings{farmerID: uuid.New()}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.router.ServeHTTP(w, req)

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

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/livez", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestWalletRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	walletRoutes := map[string]bool{
		"POST:/v1/wallet/topup":               false,
		"POST:/v1/wallet/withdraw":            false,
		"POST:/v1/wallet/reserve":             false,
		"POST:/v1/wallet/release":             false,
		"POST:/v1/wallet/refund":              false,
		"GET:/v1/wallet/:userId/balance":      false,
		"GET:/v1/wallet/:userId/reserved":     false,
		"GET:/v1/wallet/:userId/reservations": false,
		"GET:/v1/wallet/:userId/transactions": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := walletRoutes[key]; ok {
			walletRoutes[key] = true
		}
	}

	for route, found := range walletRoutes {
		if !found {
			t.Errorf("Wallet route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/healthz",
		"GET:/livez",
		"GET:/readyz",
		"GET:/metrics",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end wallet flow over the full middleware stack
// ---------------------------------------------------------------------------

func TestWalletFlowThroughServer(t *testing.T) {
	s := newTestServer(t)
	buyer := uuid.New()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)
		return w
	}

	w := do("POST", "/v1/wallet/topup",
		`{"userId":"`+buyer.String()+`","amount":"250.00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("topup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header on response")
	}

	w = do("GET", "/v1/wallet/"+buyer.String()+"/balance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "250") {
		t.Errorf("Expected balance 250 in response, got %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
