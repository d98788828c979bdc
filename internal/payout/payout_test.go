package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPGateway_RejectsUnsafeEndpoints(t *testing.T) {
	tests := []string{
		"http://localhost:8080/payouts",
		"http://127.0.0.1/payouts",
		"http://169.254.169.254/latest/meta-data",
		"ftp://payouts.example.com",
		"",
	}
	for _, endpoint := range tests {
		_, err := NewHTTPGateway(endpoint, "")
		assert.Error(t, err, "endpoint %q should be rejected", endpoint)
	}
}

// The SSRF check blocks loopback, so tests against httptest servers build
// the gateway directly.
func testGateway(endpoint, secret string) *HTTPGateway {
	return &HTTPGateway{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func TestSubmitPayout_SendsSignedRequest(t *testing.T) {
	withdrawalID := uuid.New()
	userID := uuid.New()

	var got payoutRequest
	var signature, idempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Farmlink-Signature")
		idempotencyKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, "topsecret")
	err := g.SubmitPayout(context.Background(), withdrawalID, userID, decimal.RequireFromString("45.50"))
	require.NoError(t, err)

	assert.Equal(t, withdrawalID, got.WithdrawalID)
	assert.Equal(t, userID, got.UserID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("45.50")))
	assert.Equal(t, withdrawalID.String(), idempotencyKey)
	assert.NotEmpty(t, signature)
}

func TestSubmitPayout_RejectionIsNotRetried(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "insufficient float", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, "")
	err := g.SubmitPayout(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("10.00"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Equal(t, 1, hits)
}

func TestSubmitPayout_RetriesTransientFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := testGateway(srv.URL, "")
	err := g.SubmitPayout(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.Equal(t, 3, hits)
}

func TestSubmitPayout_ConnectionFailureIsError(t *testing.T) {
	g := testGateway("http://127.0.0.1:1/payouts", "")
	err := g.SubmitPayout(context.Background(), uuid.New(), uuid.New(), decimal.RequireFromString("10.00"))
	assert.Error(t, err)
}
