// Package delivery adapts order-fulfillment signals onto the escrow engine.
//
// The bridge holds no state: a confirmed delivery invokes Release, a
// cancellation or expired OTP invokes Refund. At-most-once execution is the
// engine's job (a resolved order has no reservation left), so a redelivered
// upstream event simply surfaces reservation.ErrReservationNotFound here.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/farmlink/wallet/internal/escrow"
	"github.com/farmlink/wallet/internal/reservation"
)

// Bridge routes fulfillment signals to the escrow engine.
type Bridge struct {
	engine *escrow.Service
	logger *slog.Logger
}

// NewBridge creates a new delivery-confirmation bridge.
func NewBridge(engine *escrow.Service, logger *slog.Logger) *Bridge {
	return &Bridge{engine: engine, logger: logger}
}

// DeliveryConfirmed releases the order's escrow after a verified OTP.
func (b *Bridge) DeliveryConfirmed(ctx context.Context, order escrow.Order) error {
	split, err := b.engine.Release(ctx, order)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			b.logger.Info("release skipped, order already resolved", "order_id", order.ID)
		}
		return err
	}
	b.logger.Info("escrow released",
		"order_id", order.ID,
		"farmer_amount", split.FarmerAmount,
		"transporter_amount", split.TransporterAmount,
	)
	return nil
}

// OrderCancelled refunds the order's escrow to the buyer.
func (b *Bridge) OrderCancelled(ctx context.Context, order escrow.Order, reason string) error {
	if reason == "" {
		reason = "order cancelled"
	}
	return b.refund(ctx, order, reason)
}

// OtpExpired refunds the order's escrow after the delivery OTP timed out.
func (b *Bridge) OtpExpired(ctx context.Context, order escrow.Order) error {
	return b.refund(ctx, order, "delivery OTP expired")
}

func (b *Bridge) refund(ctx context.Context, order escrow.Order, reason string) error {
	_, err := b.engine.Refund(ctx, order.BuyerID, order, reason)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			b.logger.Info("refund skipped, order already resolved", "order_id", order.ID)
		}
		return err
	}
	b.logger.Info("escrow refunded", "order_id", order.ID, "reason", reason)
	return nil
}
