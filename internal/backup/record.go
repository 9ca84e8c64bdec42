package backup

import (
	"errors"
	"fmt"
	"time"
)

// Component identifies a backed-up subsystem.
type Component string

const (
	ComponentDatabase       Component = "database"
	ComponentModelArtifacts Component = "model-artifacts"
	ComponentConfiguration  Component = "configuration"
	ComponentComplete       Component = "complete"
)

// ValidComponent reports whether c is a known component.
func ValidComponent(c Component) bool {
	switch c {
	case ComponentDatabase, ComponentModelArtifacts, ComponentConfiguration, ComponentComplete:
		return true
	}
	return false
}

// Mode selects full or incremental backups.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Record describes one backup in the catalog. A record is immutable once
// Verified is true; verification only ever flips the flag, never the payload.
type Record struct {
	ID                 string            `json:"id"`
	Component          Component         `json:"component"`
	Mode               Mode              `json:"mode"`
	CreatedAt          time.Time         `json:"created_at"`
	SizeBytes          int64             `json:"size_bytes"`
	Checksum           string            `json:"checksum"` // hex SHA-256 of the encrypted payload
	StorageLocation    string            `json:"storage_location"`
	EncryptionKeyRef   string            `json:"encryption_key_ref"`
	RetentionExpiresAt time.Time         `json:"retention_expires_at"`
	Verified           bool              `json:"verified"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RecoveryPoint is a record plus the log marker needed for point-in-time
// consistency. Markers are monotonically increasing per component.
type RecoveryPoint struct {
	BackupID  string    `json:"backup_id"`
	Component Component `json:"component"`
	Marker    uint64    `json:"marker"`
	CreatedAt time.Time `json:"created_at"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	BackupID      string        `json:"backup_id"`
	Component     Component     `json:"component"`
	Target        string        `json:"target"`
	BytesRestored int64         `json:"bytes_restored"`
	Marker        uint64        `json:"marker"`
	Duration      time.Duration `json:"duration"`
}

// ErrConcurrencyConflict is the benign "already running" signal: the
// per-component lock is held by another backup or restore.
var ErrConcurrencyConflict = errors.New("operation already in progress for component")

// ErrRecordNotFound is returned when a backup id is unknown.
var ErrRecordNotFound = errors.New("backup record not found")

// VerificationError signals that a freshly created backup failed its
// self-verification pass and was discarded.
type VerificationError struct {
	BackupID string
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("backup %s failed verification: %s", e.BackupID, e.Reason)
}

// RestoreFailedError marks a target left in an explicit "restore failed"
// state for operator inspection. Restores are never retried silently.
type RestoreFailedError struct {
	BackupID string
	Target   string
	Err      error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("restore of %s onto %s failed: %v", e.BackupID, e.Target, e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }
