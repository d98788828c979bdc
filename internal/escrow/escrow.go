// Package escrow implements the wallet engine for the marketplace.
//
// Flow:
//  1. Buyer confirms an order → Reserve debits the buyer and holds the funds
//  2. Delivery OTP verified → Release splits the hold 95/5 farmer/transporter
//  3. Order cancelled or OTP expired → Refund returns the hold to the buyer
//  4. TopUp and Withdraw move money in and out of the platform
//
// All balance writes go through bounded compare-and-swap retry against the
// ledger store; Release and Refund are at-most-once per order because the
// reservation delete is the commit point.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/farmlink/wallet/internal/ledger"
	"github.com/farmlink/wallet/internal/logging"
	"github.com/farmlink/wallet/internal/reservation"
	"github.com/farmlink/wallet/internal/traces"
	"github.com/farmlink/wallet/internal/txlog"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("too many concurrent updates, retry")
	ErrNotYours          = errors.New("reservation belongs to another user")
)

// maxRetries bounds the read-compute-write cycle on version conflicts.
// Conflicts mean another writer already advanced the account, so retries
// re-read immediately with no backoff.
const maxRetries = 3

// farmerShare is the fraction of a released reservation paid to the farmer.
// The transporter receives the exact remainder so the split never leaks a
// fractional unit.
var farmerShare = decimal.RequireFromString("0.95")

// Order carries the fields the engine needs from the order service.
type Order struct {
	ID            uuid.UUID `json:"id" binding:"required"`
	ListingID     uuid.UUID `json:"listingId" binding:"required"`
	BuyerID       uuid.UUID `json:"buyerId" binding:"required"`
	TransporterID uuid.UUID `json:"transporterId" binding:"required"`
}

// Split is the payout produced by Release.
type Split struct {
	FarmerID          uuid.UUID       `json:"farmerId"`
	FarmerAmount      decimal.Decimal `json:"farmerAmount"`
	TransporterID     uuid.UUID       `json:"transporterId"`
	TransporterAmount decimal.Decimal `json:"transporterAmount"`
}

// ListingResolver looks up the farmer who owns a listing. Implemented by the
// order/listing service client.
type ListingResolver interface {
	FarmerFor(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error)
}

// PayoutGateway hands withdrawals to the external disbursement provider.
// The provider is assumed idempotent per withdrawal ID.
type PayoutGateway interface {
	SubmitPayout(ctx context.Context, withdrawalID, userID uuid.UUID, amount decimal.Decimal) error
}

// Event is a wallet event emitted for the notification service.
type Event struct {
	Type    string          `json:"type"` // reserved, released, refunded, withdrawal, topup
	OrderID uuid.UUID       `json:"orderId,omitempty"`
	UserID  uuid.UUID       `json:"userId,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Detail  string          `json:"detail,omitempty"`
}

// EventPublisher delivers wallet events to downstream consumers. Delivery is
// best-effort; publishing never affects the outcome of an operation.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Service implements the escrow engine over the three stores.
type Service struct {
	accounts     ledger.Store
	reservations reservation.Store
	log          txlog.Store
	listings     ListingResolver
	payouts      PayoutGateway
	events       EventPublisher
}

// NewService creates a new escrow engine.
func NewService(accounts ledger.Store, reservations reservation.Store, log txlog.Store, listings ListingResolver) *Service {
	return &Service{
		accounts:     accounts,
		reservations: reservations,
		log:          log,
		listings:     listings,
	}
}

// WithPayoutGateway adds the external payout collaborator used by Withdraw.
func (s *Service) WithPayoutGateway(g PayoutGateway) *Service {
	s.payouts = g
	return s
}

// WithEventPublisher adds a wallet-event publisher for the notifier.
func (s *Service) WithEventPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// TopUp credits a confirmed payment-gateway deposit to the user's wallet.
// The caller has already verified the deposit with the gateway.
func (s *Service) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*ledger.Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TopUp", traces.UserID(userID), traces.Amount(amount))
	defer span.End()
	defer observeOp("topup")()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	acc, err := s.credit(ctx, userID, amount)
	if err != nil {
		return nil, err
	}

	if _, err := s.log.Append(ctx, userID, amount, txlog.KindCredit, "Money added to wallet"); err != nil {
		// Roll the credit back so the ledger and the audit trail agree.
		if _, compErr := s.debit(ctx, userID, amount); compErr != nil {
			logging.L(ctx).Error("CRITICAL: top-up credited but audit append and rollback both failed",
				"user_id", userID, "amount", amount, "error", compErr)
		}
		return nil, fmt.Errorf("failed to record top-up: %w", err)
	}

	s.publish(ctx, Event{Type: "topup", UserID: userID, Amount: amount})
	return acc, nil
}

// Reserve escrows funds for an order: debits the buyer's available balance
// and creates the per-order reservation. The debit and the reservation
// commit together or not at all.
func (s *Service) Reserve(ctx context.Context, buyerID, orderID uuid.UUID, amount decimal.Decimal) (*reservation.Reservation, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reserve",
		traces.UserID(buyerID), traces.OrderID(orderID), traces.Amount(amount))
	defer span.End()
	defer observeOp("reserve")()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// Cheap pre-check; the store's uniqueness guarantee is authoritative.
	if _, err := s.reservations.FindByOrder(ctx, orderID); err == nil {
		return nil, reservation.ErrDuplicateReservation
	} else if !errors.Is(err, reservation.ErrReservationNotFound) {
		return nil, err
	}

	if _, err := s.debit(ctx, buyerID, amount); err != nil {
		return nil, err
	}

	res := &reservation.Reservation{
		ID:        uuid.New(),
		OrderID:   orderID,
		UserID:    buyerID,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	if err := s.reservations.Create(ctx, res); err != nil {
		// Roll back the debit; the two writes are one unit of work.
		if _, compErr := s.credit(ctx, buyerID, amount); compErr != nil {
			logging.L(ctx).Error("CRITICAL: reserve debit could not be rolled back",
				"user_id", buyerID, "order_id", orderID, "amount", amount, "error", compErr)
		}
		if errors.Is(err, reservation.ErrDuplicateReservation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	if _, err := s.log.Append(ctx, buyerID, amount, txlog.KindDebit, "Reserved for order "+orderID.String()); err != nil {
		logging.L(ctx).Error("CRITICAL: reservation committed but audit append failed",
			"user_id", buyerID, "order_id", orderID, "error", err)
	}

	s.publish(ctx, Event{Type: "reserved", OrderID: orderID, UserID: buyerID, Amount: amount})
	return res, nil
}

// Release resolves an order's reservation after delivery confirmation,
// splitting the held amount 95/5 between farmer and transporter. The
// transporter share is the exact remainder, so the split always sums to the
// reserved amount. A second Release for the same order fails with
// reservation.ErrReservationNotFound; this is the idempotency guarantee the
// delivery bridge relies on when an upstream event is redelivered.
func (s *Service) Release(ctx context.Context, order Order) (*Split, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.OrderID(order.ID))
	defer span.End()
	defer observeOp("release")()

	res, err := s.reservations.FindByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	farmerID, err := s.listings.FarmerFor(ctx, order.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve farmer for listing %s: %w", order.ListingID, err)
	}

	split := &Split{
		FarmerID:      farmerID,
		FarmerAmount:  res.Amount.Mul(farmerShare).Round(2),
		TransporterID: order.TransporterID,
	}
	split.TransporterAmount = res.Amount.Sub(split.FarmerAmount)

	// Deleting the reservation is the commit point: concurrent Release or
	// Refund calls for the same order race here and exactly one wins.
	if err := s.reservations.Remove(ctx, res.ID); err != nil {
		return nil, err
	}

	// Credit recipients in ascending user-ID order so that a store using
	// row locks instead of versions cannot deadlock against another
	// multi-account writer.
	credits := orderedCredits(
		accountCredit{userID: farmerID, amount: split.FarmerAmount,
			desc: "Received 95% payment from buyer for order " + order.ID.String()},
		accountCredit{userID: order.TransporterID, amount: split.TransporterAmount,
			desc: "Received 5% delivery fee for order " + order.ID.String()},
	)

	for i, c := range credits {
		if _, err := s.credit(ctx, c.userID, c.amount); err != nil {
			s.unwindRelease(ctx, res, credits[:i])
			return nil, fmt.Errorf("failed to credit %s for order %s: %w", c.userID, order.ID, err)
		}
	}

	for _, c := range credits {
		if _, err := s.log.Append(ctx, c.userID, c.amount, txlog.KindCredit, c.desc); err != nil {
			logging.L(ctx).Error("CRITICAL: release committed but audit append failed",
				"user_id", c.userID, "order_id", order.ID, "error", err)
		}
	}

	releasedTotal.Add(amountAsFloat(res.Amount))
	s.publish(ctx, Event{Type: "released", OrderID: order.ID, UserID: farmerID, Amount: split.FarmerAmount})
	s.publish(ctx, Event{Type: "released", OrderID: order.ID, UserID: order.TransporterID, Amount: split.TransporterAmount})
	return split, nil
}

// unwindRelease restores the reservation and reverses any credits already
// applied when a later step of Release fails.
func (s *Service) unwindRelease(ctx context.Context, res *reservation.Reservation, applied []accountCredit) {
	for _, c := range applied {
		if _, err := s.debit(ctx, c.userID, c.amount); err != nil {
			logging.L(ctx).Error("CRITICAL: release credit could not be reversed",
				"user_id", c.userID, "order_id", res.OrderID, "amount", c.amount, "error", err)
		}
	}
	if err := s.reservations.Create(ctx, res); err != nil {
		logging.L(ctx).Error("CRITICAL: reservation could not be restored after failed release",
			"order_id", res.OrderID, "error", err)
	}
}

// Refund resolves an order's reservation back to the buyer, used when an
// order is cancelled before delivery or the OTP flow times out. Like
// Release, it succeeds at most once per order.
func (s *Service) Refund(ctx context.Context, buyerID uuid.UUID, order Order, reason string) (*ledger.Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.UserID(buyerID), traces.OrderID(order.ID))
	defer span.End()
	defer observeOp("refund")()

	res, err := s.reservations.FindByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if res.UserID != buyerID {
		return nil, ErrNotYours
	}

	if err := s.reservations.Remove(ctx, res.ID); err != nil {
		return nil, err
	}

	acc, err := s.credit(ctx, buyerID, res.Amount)
	if err != nil {
		if compErr := s.reservations.Create(ctx, res); compErr != nil {
			logging.L(ctx).Error("CRITICAL: reservation could not be restored after failed refund",
				"order_id", order.ID, "error", compErr)
		}
		return nil, err
	}

	if _, err := s.log.Append(ctx, buyerID, res.Amount, txlog.KindCredit, "Refund: "+reason); err != nil {
		logging.L(ctx).Error("CRITICAL: refund committed but audit append failed",
			"user_id", buyerID, "order_id", order.ID, "error", err)
	}

	refundedTotal.Add(amountAsFloat(res.Amount))
	s.publish(ctx, Event{Type: "refunded", OrderID: order.ID, UserID: buyerID, Amount: res.Amount, Detail: reason})
	return acc, nil
}

// Withdraw debits the user's available balance and hands the payout to the
// external disbursement provider. A gateway failure rolls the debit back.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*ledger.Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Withdraw", traces.UserID(userID), traces.Amount(amount))
	defer span.End()
	defer observeOp("withdraw")()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	acc, err := s.debit(ctx, userID, amount)
	if err != nil {
		return nil, err
	}

	txn, err := s.log.Append(ctx, userID, amount, txlog.KindDebit, "Withdrawal request")
	if err != nil {
		if _, compErr := s.credit(ctx, userID, amount); compErr != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal debit could not be rolled back",
				"user_id", userID, "amount", amount, "error", compErr)
		}
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	if s.payouts != nil {
		if err := s.payouts.SubmitPayout(ctx, txn.ID, userID, amount); err != nil {
			// Reverse the debit; the log is append-only, so the reversal
			// gets its own entry rather than deleting the original.
			if _, compErr := s.credit(ctx, userID, amount); compErr != nil {
				logging.L(ctx).Error("CRITICAL: withdrawal debit could not be reversed after payout failure",
					"user_id", userID, "amount", amount, "error", compErr)
			} else if _, logErr := s.log.Append(ctx, userID, amount, txlog.KindCredit, "Withdrawal reversed: payout failed"); logErr != nil {
				logging.L(ctx).Error("CRITICAL: withdrawal reversal not recorded",
					"user_id", userID, "error", logErr)
			}
			return nil, fmt.Errorf("payout failed: %w", err)
		}
	}

	s.publish(ctx, Event{Type: "withdrawal", UserID: userID, Amount: amount})
	return acc, nil
}

// GetBalance returns the user's account, creating it on first use.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*ledger.Account, error) {
	return s.accounts.GetOrCreate(ctx, userID)
}

// GetReservedTotal returns the sum of the user's live reservations.
func (s *Service) GetReservedTotal(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	list, err := s.reservations.ListByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range list {
		total = total.Add(r.Amount)
	}
	return total, nil
}

// ListReservations returns the user's live reservations.
func (s *Service) ListReservations(ctx context.Context, userID uuid.UUID) ([]*reservation.Reservation, error) {
	return s.reservations.ListByUser(ctx, userID)
}

// ListTransactions returns the user's transaction history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*txlog.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.log.ListByUser(ctx, userID, limit)
}

// credit adds amount to the user's balance through the CAS retry cycle.
func (s *Service) credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*ledger.Account, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		acc, err := s.accounts.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		updated, err := s.accounts.UpdateBalance(ctx, userID, acc.Balance.Add(amount), acc.Version)
		if errors.Is(err, ledger.ErrVersionConflict) {
			casConflictsTotal.Inc()
			continue
		}
		return updated, err
	}
	return nil, ErrConflict
}

// debit subtracts amount from the user's balance through the CAS retry
// cycle. The precondition check runs against the same read the CAS is
// conditioned on, so a stale read can never drive the balance negative.
func (s *Service) debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*ledger.Account, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		acc, err := s.accounts.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if acc.Balance.LessThan(amount) {
			return nil, ErrInsufficientFunds
		}
		updated, err := s.accounts.UpdateBalance(ctx, userID, acc.Balance.Sub(amount), acc.Version)
		if errors.Is(err, ledger.ErrVersionConflict) {
			casConflictsTotal.Inc()
			continue
		}
		return updated, err
	}
	return nil, ErrConflict
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		logging.L(ctx).Warn("failed to publish wallet event", "type", e.Type, "error", err)
	}
}

type accountCredit struct {
	userID uuid.UUID
	amount decimal.Decimal
	desc   string
}

// orderedCredits returns the credits sorted by ascending user ID.
func orderedCredits(a, b accountCredit) []accountCredit {
	if b.userID.String() < a.userID.String() {
		return []accountCredit{b, a}
	}
	return []accountCredit{a, b}
}
