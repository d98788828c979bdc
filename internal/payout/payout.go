// Package payout hands approved withdrawals to the external disbursement
// service. The wallet only records the debit; actual money movement is the
// disbursement service's problem.
package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/farmlink/wallet/internal/retry"
	"github.com/farmlink/wallet/internal/security"
)

const (
	maxAttempts = 3
	baseDelay   = 200 * time.Millisecond
)

// HTTPGateway submits payout requests to a disbursement endpoint. Requests
// carry the withdrawal ID so the remote side can deduplicate retries.
type HTTPGateway struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewHTTPGateway validates the endpoint and builds a gateway. The endpoint
// must pass SSRF checks; a shared secret enables HMAC request signing.
func NewHTTPGateway(endpoint, secret string) (*HTTPGateway, error) {
	if err := security.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid payout endpoint: %w", err)
	}
	return &HTTPGateway{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type payoutRequest struct {
	WithdrawalID uuid.UUID       `json:"withdrawalId"`
	UserID       uuid.UUID       `json:"userId"`
	Amount       decimal.Decimal `json:"amount"`
	RequestedAt  time.Time       `json:"requestedAt"`
}

// SubmitPayout posts one withdrawal to the disbursement service. Transient
// failures are retried with backoff; the Idempotency-Key header makes retried
// submissions safe. A definitive rejection (4xx) is not retried, and the
// caller compensates the wallet debit.
func (g *HTTPGateway) SubmitPayout(ctx context.Context, withdrawalID, userID uuid.UUID, amount decimal.Decimal) error {
	payload, err := json.Marshal(payoutRequest{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Amount:       amount,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payout request: %w", err)
	}

	return retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return g.submit(ctx, withdrawalID, payload)
	})
}

func (g *HTTPGateway) submit(ctx context.Context, withdrawalID uuid.UUID, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create payout request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", withdrawalID.String())
	if g.secret != "" {
		req.Header.Set("X-Farmlink-Signature", g.sign(payload))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	failure := fmt.Errorf("payout rejected: status %d: %s", resp.StatusCode, body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(failure)
	}
	return failure
}

func (g *HTTPGateway) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(g.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
