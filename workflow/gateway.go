package workflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warelogic/stockcore_backend/config"
	"github.com/warelogic/stockcore_backend/models"
	"github.com/warelogic/stockcore_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

const (
	CommandReceive           = "receive"
	CommandReserve           = "reserve"
	CommandAllocate          = "allocate"
	CommandFulfill           = "fulfill"
	CommandCancel            = "cancel"
	CommandQuarantine        = "quarantine"
	CommandReleaseQuarantine = "release_quarantine"
	CommandMarkLotExpired    = "mark_lot_expired"
	CommandAdjust            = "adjust"
	CommandCycleCount        = "cycle_count"
	CommandTransfer          = "transfer"

	// CommandExpireReservation is issued by the sweeper, not by clients. It
	// moves an overdue pending reservation to its expired terminal state.
	CommandExpireReservation = "expire_reservation"
)

// Command is the gateway envelope. Payload stays raw until the command name
// selects a concrete payload type.
type Command struct {
	CommandName    string          `json:"command_name" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"actor"`
}

type ReceivePayload struct {
	ItemId     string          `json:"item_id" validate:"required"`
	LocationId string          `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	LotNumber  string          `json:"lot_number"`
	Expiration *time.Time      `json:"expiration"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

type ReservePayload struct {
	ItemId     string           `json:"item_id" validate:"required"`
	LocationId string           `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal  `json:"quantity" validate:"required"`
	OwnerRef   string           `json:"owner_ref" validate:"required"`
	OwnerKind  models.OwnerKind `json:"owner_kind" validate:"required"`
	Priority   int              `json:"priority"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

type AllocatePayload struct {
	ReservationId string   `json:"reservation_id" validate:"required"`
	Policy        string   `json:"policy"`
	LotIds        []string `json:"lot_ids"`
}

type FulfillLine struct {
	LotId    string          `json:"lot_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity" validate:"required"`
}

type FulfillPayload struct {
	ReservationId string        `json:"reservation_id" validate:"required"`
	Lines         []FulfillLine `json:"lines" validate:"required,dive"`
}

type CancelPayload struct {
	ReservationId string `json:"reservation_id" validate:"required"`
	Reason        string `json:"reason"`
}

type ExpireReservationPayload struct {
	ReservationId string `json:"reservation_id" validate:"required"`
}

type QuarantinePayload struct {
	ItemId     string          `json:"item_id" validate:"required"`
	LocationId string          `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	Reason     string          `json:"reason" validate:"required"`
}

type ReleaseQuarantinePayload struct {
	ItemId     string          `json:"item_id" validate:"required"`
	LocationId string          `json:"location_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
}

type MarkLotExpiredPayload struct {
	LotId string `json:"lot_id" validate:"required"`
}

type AdjustPayload struct {
	ItemId     string          `json:"item_id" validate:"required"`
	LocationId string          `json:"location_id" validate:"required"`
	Delta      decimal.Decimal `json:"delta" validate:"required"`
	Reason     string          `json:"reason" validate:"required"`
	// LotId targets a single lot for write-off; required for removing stock
	// from quarantined or expired lots.
	LotId string `json:"lot_id"`
}

type CycleCountLine struct {
	ItemId     string          `json:"item_id" validate:"required"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

type CycleCountPayload struct {
	LocationId string           `json:"location_id" validate:"required"`
	Counts     []CycleCountLine `json:"counts" validate:"required,dive"`
}

type TransferPayload struct {
	ItemId         string          `json:"item_id" validate:"required"`
	FromLocationId string          `json:"from_location_id" validate:"required"`
	ToLocationId   string          `json:"to_location_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity" validate:"required"`
}

type BalanceSnapshot struct {
	ItemId      string          `json:"item_id"`
	LocationId  string          `json:"location_id"`
	OnHand      decimal.Decimal `json:"on_hand"`
	Allocated   decimal.Decimal `json:"allocated"`
	Quarantined decimal.Decimal `json:"quarantined"`
	Available   decimal.Decimal `json:"available"`
	Version     int64           `json:"version"`
}

type AllocationLine struct {
	LotId    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type CycleCountLineResult struct {
	ItemId string          `json:"item_id"`
	Delta  decimal.Decimal `json:"delta"`
	Error  string          `json:"error,omitempty"`
}

// CommandResult is the stored, replayable outcome of a command. A replayed
// idempotent command returns this blob byte for byte.
type CommandResult struct {
	Command       string                 `json:"command"`
	ReservationId string                 `json:"reservation_id,omitempty"`
	LotId         string                 `json:"lot_id,omitempty"`
	State         string                 `json:"state,omitempty"`
	Allocations   []AllocationLine       `json:"allocations,omitempty"`
	Lines         []CycleCountLineResult `json:"lines,omitempty"`
	Balance       *BalanceSnapshot       `json:"balance,omitempty"`
	Replayed      bool                   `json:"replayed,omitempty"`
}

var (
	commandValidate = validator.New()

	faultCounter     metric.Int64Counter
	faultCounterInit sync.Once
)

func consistencyFaultCounter() metric.Int64Counter {
	faultCounterInit.Do(func() {
		meter := otel.Meter("stockcore/workflow")
		if c, err := meter.Int64Counter("inventory.consistency_faults"); err == nil {
			faultCounter = c
		}
	})
	return faultCounter
}

// Gateway is the single write path. Every command executes in one
// serializable transaction against an FOR UPDATE locked balance row, with
// version-conflict and deadlock retries handled here.
type Gateway struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Clock    utils.Clock
	IDs      utils.IDSource
	Settings config.RuntimeSettings
}

func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{
		DB:       db,
		Logger:   config.GetLogger(),
		Clock:    utils.SystemClock(),
		IDs:      utils.UUIDSource(),
		Settings: config.Settings(),
	}
}

// Execute validates, deduplicates, and applies one command. Cancellation is
// honored between attempts only; once a transaction starts it runs to commit
// or rollback.
func (g *Gateway) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	if err := commandValidate.Struct(cmd); err != nil {
		return nil, models.NewValidationError("invalid command envelope: %v", err)
	}

	apply, err := g.decode(cmd)
	if err != nil {
		return nil, err
	}

	hash := commandHash(cmd.CommandName, cmd.Payload)
	reference := cmd.CommandName + ":" + g.IDs.NewOrderedID()
	if cmd.IdempotencyKey != "" {
		reference = cmd.CommandName + ":" + cmd.IdempotencyKey
	}

	var (
		result      *CommandResult
		expiryRetry bool
		maxAttempts = g.Settings.RetryMaxAttempts
	)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result = nil
		txErr := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if cmd.IdempotencyKey != "" {
				rec, err := models.LookupIdempotency(tx, cmd.CommandName, cmd.IdempotencyKey, hash)
				if err != nil {
					return err
				}
				if rec != nil {
					var stored CommandResult
					if err := json.Unmarshal([]byte(rec.ResultBlob), &stored); err != nil {
						return err
					}
					stored.Replayed = true
					result = &stored
					return nil
				}
			}

			o := &op{
				tx:        tx,
				logger:    g.Logger,
				clock:     g.Clock,
				ids:       g.IDs,
				settings:  g.Settings,
				actor:     cmd.Actor,
				reference: reference,
			}
			r, err := apply(o)
			if err != nil {
				return err
			}

			if cmd.IdempotencyKey != "" {
				blob, err := json.Marshal(r)
				if err != nil {
					return err
				}
				if err := models.StoreIdempotency(tx, cmd.CommandName, cmd.IdempotencyKey, hash, string(blob)); err != nil {
					return err
				}
			}
			result = r
			return nil
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})

		if txErr == nil {
			return result, nil
		}
		if models.IsConsistencyFault(txErr) {
			config.LogError(g.Logger, "workflow", "Execute", "consistency fault", cmd.CommandName, txErr)
			if c := consistencyFaultCounter(); c != nil {
				c.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd.CommandName)))
			}
			return nil, txErr
		}
		// An expiration sweep between candidate load and consumption gets
		// exactly one fresh attempt; the second failure surfaces.
		if models.IsKind(txErr, models.ErrKindLotExpired) && !expiryRetry {
			expiryRetry = true
			continue
		}
		if !models.IsRetryableTxError(txErr) {
			return nil, txErr
		}
		if attempt+1 >= maxAttempts {
			return nil, &models.DomainError{
				Kind:    models.ErrKindConflict,
				Message: fmt.Sprintf("command did not commit after %d attempts: %v", maxAttempts, txErr),
			}
		}

		g.Logger.WithFields(logrus.Fields{
			"command": cmd.CommandName,
			"attempt": attempt + 1,
			"error":   txErr.Error(),
		}).Warn("retrying after transaction conflict")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff(g.Settings.RetryBaseBackoff, attempt)):
		}
	}
}

type applier func(*op) (*CommandResult, error)

func (g *Gateway) decode(cmd Command) (applier, error) {
	switch cmd.CommandName {
	case CommandReceive:
		p, err := decodePayload[ReceivePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyReceive(*p) }, nil
	case CommandReserve:
		p, err := decodePayload[ReservePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyReserve(*p) }, nil
	case CommandAllocate:
		p, err := decodePayload[AllocatePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyAllocate(*p) }, nil
	case CommandFulfill:
		p, err := decodePayload[FulfillPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyFulfill(*p) }, nil
	case CommandCancel:
		p, err := decodePayload[CancelPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyCancel(*p) }, nil
	case CommandExpireReservation:
		p, err := decodePayload[ExpireReservationPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyExpireReservation(*p) }, nil
	case CommandQuarantine:
		p, err := decodePayload[QuarantinePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyQuarantine(*p) }, nil
	case CommandReleaseQuarantine:
		p, err := decodePayload[ReleaseQuarantinePayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyReleaseQuarantine(*p) }, nil
	case CommandMarkLotExpired:
		p, err := decodePayload[MarkLotExpiredPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyMarkLotExpired(*p) }, nil
	case CommandAdjust:
		p, err := decodePayload[AdjustPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyAdjust(*p) }, nil
	case CommandCycleCount:
		p, err := decodePayload[CycleCountPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyCycleCount(*p) }, nil
	case CommandTransfer:
		p, err := decodePayload[TransferPayload](cmd.Payload)
		if err != nil {
			return nil, err
		}
		return func(o *op) (*CommandResult, error) { return o.applyTransfer(*p) }, nil
	default:
		return nil, models.NewValidationError("unknown command %q", cmd.CommandName)
	}
}

// decodePayload rejects unknown fields so a typoed field name fails loudly
// instead of silently taking a default.
func decodePayload[T any](raw json.RawMessage) (*T, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p T
	if err := dec.Decode(&p); err != nil {
		return nil, models.NewValidationError("invalid payload: %v", err)
	}
	if dec.More() {
		return nil, models.NewValidationError("invalid payload: trailing data")
	}
	if err := commandValidate.Struct(&p); err != nil {
		return nil, models.NewValidationError("invalid payload: %v", err)
	}
	return &p, nil
}

// commandHash fingerprints the command so reuse of an idempotency key with a
// different payload is detectable.
func commandHash(name string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// retryBackoff doubles the base per attempt with ±25% jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 25 * time.Millisecond
	}
	d := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}
