package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warelogic/stockcore_backend/config"
	"github.com/warelogic/stockcore_backend/models"
)

// Sweeper periodically drives overdue state forward: lots past expiration are
// marked expired and pending reservations past expires_at move to their
// expired terminal state. All mutations go through the gateway so they carry
// the same journal, outbox, and retry behavior as client commands.
type Sweeper struct {
	Gateway *Gateway
	Logger  *logrus.Logger
}

func NewSweeper(g *Gateway) *Sweeper {
	return &Sweeper{Gateway: g, Logger: g.Logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	expTicker := time.NewTicker(s.Gateway.Settings.SweeperExpirationInterval)
	resTicker := time.NewTicker(s.Gateway.Settings.SweeperReservationInterval)
	purgeTicker := time.NewTicker(time.Hour)
	defer expTicker.Stop()
	defer resTicker.Stop()
	defer purgeTicker.Stop()

	s.Logger.Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("sweeper stopped")
			return
		case <-expTicker.C:
			s.SweepExpiredLots(ctx)
		case <-resTicker.C:
			s.SweepExpiredReservations(ctx)
		case <-purgeTicker.C:
			s.PurgeIdempotencyRecords()
		}
	}
}

// SweepExpiredLots marks every still-available lot whose expiration has
// passed. Each lot is its own command, so one contested lot cannot stall the
// batch.
func (s *Sweeper) SweepExpiredLots(ctx context.Context) int {
	now := s.Gateway.Clock.Now()
	var lots []models.Lot
	err := s.Gateway.DB.WithContext(ctx).
		Where("status = ? AND expiration IS NOT NULL AND expiration <= ?", models.LotStatusAvailable, now).
		Order("expiration ASC, id ASC").
		Limit(s.Gateway.Settings.SweeperBatchSize).
		Find(&lots).Error
	if err != nil {
		config.LogError(s.Logger, "workflow", "SweepExpiredLots", "scan", nil, err)
		return 0
	}

	swept := 0
	for i := range lots {
		if ctx.Err() != nil {
			return swept
		}
		if err := s.runCommand(ctx, CommandMarkLotExpired, MarkLotExpiredPayload{LotId: lots[i].ID}); err != nil {
			// A concurrent mark already moved the lot on; anything else is
			// worth a log line but not a stop.
			if !models.IsKind(err, models.ErrKindValidation) {
				config.LogError(s.Logger, "workflow", "SweepExpiredLots", "mark", lots[i].ID, err)
			}
			continue
		}
		swept++
	}
	if swept > 0 {
		s.Logger.WithField("count", swept).Info("expired lots swept")
	}
	return swept
}

// SweepExpiredReservations expires pending reservations whose expires_at has
// passed, returning their promised quantity to the available pool. Allocated
// reservations are left alone: a committed allocation only unwinds through an
// explicit cancel.
func (s *Sweeper) SweepExpiredReservations(ctx context.Context) int {
	now := s.Gateway.Clock.Now()
	var reservations []models.Reservation
	err := s.Gateway.DB.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			models.ReservationStatePending, now).
		Order("expires_at ASC, id ASC").
		Limit(s.Gateway.Settings.SweeperBatchSize).
		Find(&reservations).Error
	if err != nil {
		config.LogError(s.Logger, "workflow", "SweepExpiredReservations", "scan", nil, err)
		return 0
	}

	swept := 0
	for i := range reservations {
		if ctx.Err() != nil {
			return swept
		}
		payload := ExpireReservationPayload{ReservationId: reservations[i].ID}
		if err := s.runCommand(ctx, CommandExpireReservation, payload); err != nil {
			if !models.IsKind(err, models.ErrKindValidation) {
				config.LogError(s.Logger, "workflow", "SweepExpiredReservations", "expire", reservations[i].ID, err)
			}
			continue
		}
		swept++
	}
	if swept > 0 {
		s.Logger.WithField("count", swept).Info("expired reservations swept")
	}
	return swept
}

func (s *Sweeper) PurgeIdempotencyRecords() {
	n, err := models.PurgeExpiredIdempotency(s.Gateway.DB,
		s.Gateway.Settings.IdempotencyTTL,
		s.Gateway.Settings.SweeperBatchSize,
		s.Gateway.Clock.Now())
	if err != nil {
		config.LogError(s.Logger, "workflow", "PurgeIdempotencyRecords", "purge", nil, err)
		return
	}
	if n > 0 {
		s.Logger.WithField("count", n).Info("idempotency records purged")
	}
}

func (s *Sweeper) runCommand(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.Gateway.Execute(ctx, Command{
		CommandName: name,
		Payload:     raw,
		Actor:       "system:sweeper",
	})
	return err
}
