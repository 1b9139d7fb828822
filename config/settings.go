package config

import (
	"os"
	"strings"
	"time"
)

// RuntimeSettings is the enumerated runtime configuration surface.
//
// Env keys:
//   - ALLOCATION_DEFAULT_POLICY            FEFO | FIFO | LIFO (default FEFO)
//   - ALLOCATION_SAFETY_MARGIN_SECONDS     shelf-life floor subtracted from lot expirations (default 0)
//   - SWEEPER_EXPIRATION_INTERVAL_MS       expiration sweeper cadence (default 60000)
//   - SWEEPER_RESERVATION_INTERVAL_MS      reservation expirer cadence (default 60000)
//   - SWEEPER_BATCH_SIZE                   max rows per sweep iteration (default 256)
//   - IDEMPOTENCY_TTL_SECONDS              idempotency record retention (default 86400)
//   - RETRY_MAX_ATTEMPTS                   conflict retry budget (default 5)
//   - RETRY_BASE_MS                        conflict retry base backoff (default 25)
//   - OUTBOX_PUBLISHER_BATCH_SIZE          max outbox records per drain (default 50)
type RuntimeSettings struct {
	AllocationDefaultPolicy     string
	AllocationSafetyMargin      time.Duration
	SweeperExpirationInterval   time.Duration
	SweeperReservationInterval  time.Duration
	SweeperBatchSize            int
	IdempotencyTTL              time.Duration
	RetryMaxAttempts            int
	RetryBaseBackoff            time.Duration
	OutboxPublisherBatchSize    int
}

func Settings() RuntimeSettings {
	policy := strings.ToUpper(strings.TrimSpace(os.Getenv("ALLOCATION_DEFAULT_POLICY")))
	switch policy {
	case "FEFO", "FIFO", "LIFO":
	default:
		policy = "FEFO"
	}
	return RuntimeSettings{
		AllocationDefaultPolicy:    policy,
		AllocationSafetyMargin:     time.Duration(intFromEnv("ALLOCATION_SAFETY_MARGIN_SECONDS", 0)) * time.Second,
		SweeperExpirationInterval:  time.Duration(intFromEnv("SWEEPER_EXPIRATION_INTERVAL_MS", 60000)) * time.Millisecond,
		SweeperReservationInterval: time.Duration(intFromEnv("SWEEPER_RESERVATION_INTERVAL_MS", 60000)) * time.Millisecond,
		SweeperBatchSize:           intFromEnv("SWEEPER_BATCH_SIZE", 256),
		IdempotencyTTL:             time.Duration(intFromEnv("IDEMPOTENCY_TTL_SECONDS", 86400)) * time.Second,
		RetryMaxAttempts:           intFromEnv("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseBackoff:           time.Duration(intFromEnv("RETRY_BASE_MS", 25)) * time.Millisecond,
		OutboxPublisherBatchSize:   intFromEnv("OUTBOX_PUBLISHER_BATCH_SIZE", 50),
	}
}
