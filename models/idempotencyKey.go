package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord stores the hash and result of a completed command so that
// redelivery with the same key returns the stored result without side
// effects. Keys are scoped per command family; records expire after a TTL
// enforced by the purge sweeper.
type IdempotencyRecord struct {
	ID          int       `gorm:"primary_key" json:"id"`
	CommandName string    `gorm:"size:50;not null;index:uniq_idem,unique" json:"command_name"`
	Key         string    `gorm:"size:255;not null;index:uniq_idem,unique" json:"key"`
	CommandHash string    `gorm:"size:64;not null" json:"command_hash"` // sha256 hex
	ResultBlob  string    `gorm:"type:json;not null" json:"result_blob"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// LookupIdempotency returns the stored record for (commandName, key), or nil
// when the key is unseen. A key hit whose hash differs from commandHash is a
// reused key with a different payload and fails with IDEMPOTENCY_CONFLICT.
func LookupIdempotency(tx *gorm.DB, commandName, key, commandHash string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := tx.Where("command_name = ? AND `key` = ?", commandName, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.CommandHash != commandHash {
		return nil, NewIdempotencyConflictError("key %q reused with a different %s payload", key, commandName)
	}
	return &rec, nil
}

// StoreIdempotency persists the command result in the same transaction as
// its side effects. A duplicate-key failure means a concurrent transaction
// with the same key committed first; surfacing it as retryable lets the
// gateway re-run and take the stored-result path.
func StoreIdempotency(tx *gorm.DB, commandName, key, commandHash, resultBlob string) error {
	rec := IdempotencyRecord{
		CommandName: commandName,
		Key:         key,
		CommandHash: commandHash,
		ResultBlob:  resultBlob,
	}
	if err := tx.Create(&rec).Error; err != nil {
		if IsDuplicateKeyError(err) {
			return NewVersionConflictError("idempotency key %q raced a concurrent commit", key)
		}
		return err
	}
	return nil
}

// PurgeExpiredIdempotency deletes records older than ttl, at most batchSize
// per call. Returns the number of rows removed.
func PurgeExpiredIdempotency(db *gorm.DB, ttl time.Duration, batchSize int, now time.Time) (int64, error) {
	cutoff := now.Add(-ttl)
	res := db.Where("created_at < ?", cutoff).
		Limit(batchSize).
		Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
