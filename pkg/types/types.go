package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Upload outcomes as recorded in the journal
const (
	OutcomeDelivered        = "delivered"
	OutcomeTransferFailed   = "transfer_failed"
	OutcomeIngestTransient  = "ingest_transient_failure"
	OutcomeIngestPermanent  = "ingest_permanent_failure"
)

// UploadRecord is one journal row per upload attempt
type UploadRecord struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey"`
	SessionID  uint64    `json:"session_id" gorm:"index"`
	RemoteAddr string    `json:"remote_addr"`
	Name       string    `json:"name" gorm:"not null"`
	Bytes      int64     `json:"bytes"`
	Checksum   string    `json:"checksum"`
	Outcome    string    `json:"outcome" gorm:"index;not null"`
	TaskID     string    `json:"task_id"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the record ID
func (u *UploadRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// UploadStats summarizes journal contents for the ops endpoint
type UploadStats struct {
	Total     int64 `json:"total"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Bytes     int64 `json:"bytes"`
}
