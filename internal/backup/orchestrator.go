package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/crypto"
	"github.com/FairForge/bastion/internal/events"
	"github.com/FairForge/bastion/internal/storage"
)

// OrchestratorConfig configures the backup orchestrator.
type OrchestratorConfig struct {
	Container     string        `yaml:"container"`
	RetentionDays int           `yaml:"retention_days"`
	VerifyAfter   bool          `yaml:"verify_after"`
	MaxPayload    int64         `yaml:"max_payload_bytes"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Container:     "backups",
		RetentionDays: 30,
		VerifyAfter:   true,
		OpTimeout:     15 * time.Minute,
	}
}

// Orchestrator produces, verifies, restores, and prunes encrypted backups.
type Orchestrator struct {
	cfg     *OrchestratorConfig
	gateway *storage.Gateway
	enc     *crypto.Service
	chunks  *ChunkStore
	catalog *Catalog
	sources *SourceRegistry
	bus     *events.Bus
	logger  *zap.Logger

	// Targets left in an explicit failed state by a restore. Never cleared
	// silently; a later successful restore onto the target clears it.
	targetMu     sync.Mutex
	failedTarget map[string]string // target -> backup id that failed
}

// NewOrchestrator creates a backup orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig, gateway *storage.Gateway, enc *crypto.Service,
	catalog *Catalog, sources *SourceRegistry, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultOrchestratorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:          cfg,
		gateway:      gateway,
		enc:          enc,
		chunks:       NewChunkStore(gateway, enc, cfg.Container, logger),
		catalog:      catalog,
		sources:      sources,
		bus:          bus,
		logger:       logger,
		failedTarget: make(map[string]string),
	}
}

// Catalog exposes the underlying catalog for read access.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

func (o *Orchestrator) artifactKey(comp Component, id string) string {
	return fmt.Sprintf("%s/%s.bak", comp, id)
}

func (o *Orchestrator) emit(t events.Type, sev events.Severity, comp Component, detail string, fields map[string]string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      t,
		Component: string(comp),
		Severity:  sev,
		Detail:    detail,
		Fields:    fields,
	})
}

// CreateBackup snapshots a component, encrypts and uploads the payload,
// catalogs the record, and self-verifies before marking it trusted. A
// failed self-verification discards the record and artifact entirely.
func (o *Orchestrator) CreateBackup(ctx context.Context, comp Component, mode Mode) (*Record, error) {
	if !ValidComponent(comp) {
		return nil, fmt.Errorf("unknown component %q", comp)
	}
	if mode != ModeFull && mode != ModeIncremental {
		return nil, fmt.Errorf("unknown backup mode %q", mode)
	}

	release, err := o.catalog.TryLockComponent(comp)
	if err != nil {
		return nil, err
	}
	defer release()

	if o.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.OpTimeout)
		defer cancel()
	}

	id := "bk-" + uuid.NewString()
	o.emit(events.BackupStarted, events.SeverityInfo, comp, "", map[string]string{"id": id, "mode": string(mode)})

	source, err := o.sources.Get(comp)
	if err != nil {
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, err
	}

	snapshot, marker, err := source.Snapshot(ctx)
	if err != nil {
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, fmt.Errorf("snapshot %s: %w", comp, err)
	}
	if o.cfg.MaxPayload > 0 && int64(len(snapshot)) > o.cfg.MaxPayload {
		err := fmt.Errorf("snapshot of %s is %d bytes, limit %d", comp, len(snapshot), o.cfg.MaxPayload)
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, err
	}

	keyRef := id // opaque per-backup reference; material derived by the key manager

	var plaintext []byte
	chunked := false
	if mode == ModeIncremental {
		refs, err := o.chunks.Store(ctx, comp, snapshot)
		if err != nil {
			o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
			return nil, fmt.Errorf("store chunks: %w", err)
		}
		plaintext, err = json.Marshal(refs)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk manifest: %w", err)
		}
		chunked = true
	} else {
		plaintext = snapshot
	}

	encrypted, checksum, err := o.enc.Encrypt(plaintext, keyRef)
	if err != nil {
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, fmt.Errorf("encrypt backup: %w", err)
	}

	now := time.Now()
	header := Header{Component: comp, Mode: mode, KeyRef: keyRef, CreatedAt: now, Chunked: chunked}
	artifact, err := EncodePayload(header, encrypted)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	key := o.artifactKey(comp, id)
	if err := o.gateway.Put(ctx, o.cfg.Container, key, bytes.NewReader(artifact)); err != nil {
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, fmt.Errorf("upload backup: %w", err)
	}

	rec := &Record{
		ID:                 id,
		Component:          comp,
		Mode:               mode,
		CreatedAt:          now,
		SizeBytes:          int64(len(artifact)),
		Checksum:           checksum,
		StorageLocation:    o.cfg.Container + "/" + key,
		EncryptionKeyRef:   keyRef,
		RetentionExpiresAt: now.AddDate(0, 0, o.cfg.RetentionDays),
		Metadata: map[string]string{
			"snapshot_bytes": strconv.Itoa(len(snapshot)),
		},
	}

	var point *RecoveryPoint
	if mode == ModeFull {
		point = &RecoveryPoint{BackupID: id, Component: comp, Marker: marker, CreatedAt: now}
	}

	if err := o.catalog.Add(ctx, rec, point); err != nil {
		_ = o.gateway.Delete(ctx, o.cfg.Container, key)
		o.emit(events.BackupFailed, events.SeverityWarning, comp, err.Error(), map[string]string{"id": id})
		return nil, fmt.Errorf("catalog backup: %w", err)
	}

	if o.cfg.VerifyAfter {
		ok, verr := o.verify(ctx, rec)
		if verr != nil || !ok {
			reason := "checksum or decrypt mismatch"
			if verr != nil {
				reason = verr.Error()
			}
			// Discard: never leave a partially-trusted record behind.
			_ = o.catalog.Remove(ctx, id)
			_ = o.gateway.Delete(ctx, o.cfg.Container, key)
			o.emit(events.BackupFailed, events.SeverityCritical, comp, reason, map[string]string{"id": id})
			return nil, &VerificationError{BackupID: id, Reason: reason}
		}
	}

	if err := o.catalog.MarkVerified(ctx, id); err != nil {
		return nil, err
	}
	rec.Verified = true

	o.logger.Info("backup created",
		zap.String("id", id),
		zap.String("component", string(comp)),
		zap.String("mode", string(mode)),
		zap.Int64("size_bytes", rec.SizeBytes))
	o.emit(events.BackupCompleted, events.SeverityInfo, comp, "", map[string]string{
		"id":   id,
		"mode": string(mode),
		"size": strconv.FormatInt(rec.SizeBytes, 10),
	})

	cp := *rec
	return &cp, nil
}

// VerifyBackup re-downloads a backup and re-validates its checksum and
// decryptability without touching live data. Integrity problems return
// (false, nil); storage failures return an error.
func (o *Orchestrator) VerifyBackup(ctx context.Context, id string) (bool, error) {
	rec, ok := o.catalog.Get(id)
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	return o.verify(ctx, rec)
}

func (o *Orchestrator) verify(ctx context.Context, rec *Record) (bool, error) {
	artifact, err := o.gateway.GetBytes(ctx, o.cfg.Container, o.artifactKey(rec.Component, rec.ID))
	if err != nil {
		return false, fmt.Errorf("download backup %s: %w", rec.ID, err)
	}

	header, encrypted, err := DecodePayload(artifact)
	if err != nil {
		o.logger.Warn("backup payload invalid", zap.String("id", rec.ID), zap.Error(err))
		return false, nil
	}
	if !crypto.ChecksumMatches(crypto.Checksum(encrypted), rec.Checksum) {
		o.logger.Warn("backup checksum mismatch", zap.String("id", rec.ID))
		return false, nil
	}

	plaintext, err := o.enc.Decrypt(encrypted, header.KeyRef, rec.Checksum)
	if err != nil {
		o.logger.Warn("backup decrypt failed", zap.String("id", rec.ID), zap.Error(err))
		return false, nil
	}

	if header.Chunked {
		var refs []ChunkRef
		if err := json.Unmarshal(plaintext, &refs); err != nil {
			o.logger.Warn("chunk manifest invalid", zap.String("id", rec.ID), zap.Error(err))
			return false, nil
		}
		if err := o.chunks.Verify(ctx, rec.Component, refs); err != nil {
			if storage.IsTransient(err) {
				return false, err
			}
			o.logger.Warn("chunk verification failed", zap.String("id", rec.ID), zap.Error(err))
			return false, nil
		}
	}
	return true, nil
}

// RestoreBackup downloads, decrypts, validates, and applies a backup onto
// target. A failure marks the target "restore failed" for operator
// inspection; the restore is never silently retried.
func (o *Orchestrator) RestoreBackup(ctx context.Context, id, target string) (*RestoreResult, error) {
	rec, ok := o.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}

	release, err := o.catalog.TryLockComponent(rec.Component)
	if err != nil {
		return nil, err
	}
	defer release()

	if o.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.OpTimeout)
		defer cancel()
	}

	o.emit(events.RestoreStarted, events.SeverityInfo, rec.Component, "", map[string]string{"id": id, "target": target})
	started := time.Now()

	result, err := o.restore(ctx, rec, target)
	if err != nil {
		o.targetMu.Lock()
		o.failedTarget[target] = id
		o.targetMu.Unlock()

		o.emit(events.RestoreFailed, events.SeverityCritical, rec.Component, err.Error(),
			map[string]string{"id": id, "target": target})
		return nil, &RestoreFailedError{BackupID: id, Target: target, Err: err}
	}

	o.targetMu.Lock()
	delete(o.failedTarget, target)
	o.targetMu.Unlock()

	result.Duration = time.Since(started)
	o.logger.Info("backup restored",
		zap.String("id", id),
		zap.String("target", target),
		zap.Duration("duration", result.Duration))
	o.emit(events.RestoreCompleted, events.SeverityInfo, rec.Component, "",
		map[string]string{"id": id, "target": target})
	return result, nil
}

func (o *Orchestrator) restore(ctx context.Context, rec *Record, target string) (*RestoreResult, error) {
	artifact, err := o.gateway.GetBytes(ctx, o.cfg.Container, o.artifactKey(rec.Component, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("download backup: %w", err)
	}

	header, encrypted, err := DecodePayload(artifact)
	if err != nil {
		return nil, &crypto.IntegrityError{Reason: err.Error()}
	}
	if !crypto.ChecksumMatches(crypto.Checksum(encrypted), rec.Checksum) {
		return nil, &crypto.IntegrityError{Reason: "stored payload does not match catalog checksum"}
	}

	plaintext, err := o.enc.Decrypt(encrypted, header.KeyRef, rec.Checksum)
	if err != nil {
		return nil, err
	}

	data := plaintext
	if header.Chunked {
		var refs []ChunkRef
		if err := json.Unmarshal(plaintext, &refs); err != nil {
			return nil, &crypto.IntegrityError{Reason: fmt.Sprintf("chunk manifest: %v", err)}
		}
		data, err = o.chunks.Fetch(ctx, rec.Component, refs)
		if err != nil {
			return nil, err
		}
	}

	source, err := o.sources.Get(rec.Component)
	if err != nil {
		return nil, err
	}
	if err := source.Apply(ctx, target, data); err != nil {
		return nil, fmt.Errorf("apply restore: %w", err)
	}

	result := &RestoreResult{
		BackupID:      rec.ID,
		Component:     rec.Component,
		Target:        target,
		BytesRestored: int64(len(data)),
	}
	if point, ok := o.catalog.RecoveryPointFor(rec.ID); ok {
		result.Marker = point.Marker
	}
	return result, nil
}

// TargetFailed reports whether a target is marked restore-failed, and by
// which backup.
func (o *Orchestrator) TargetFailed(target string) (string, bool) {
	o.targetMu.Lock()
	defer o.targetMu.Unlock()
	id, ok := o.failedTarget[target]
	return id, ok
}

// PruneExpired deletes expired records oldest first, always preserving at
// least one verified backup per component. Returns the number removed.
func (o *Orchestrator) PruneExpired(ctx context.Context) (int, error) {
	expired := o.catalog.Expired(time.Now())
	pruned := 0

	for _, rec := range expired {
		release, err := o.catalog.LockComponent(ctx, rec.Component)
		if err != nil {
			return pruned, err
		}

		// Floor invariant: never leave a component with zero recoverable
		// backups, no matter how old the last one is.
		if rec.Verified && o.catalog.VerifiedCount(rec.Component) <= 1 {
			o.logger.Warn("retention floor: keeping last verified backup",
				zap.String("id", rec.ID),
				zap.String("component", string(rec.Component)))
			release()
			continue
		}

		if err := o.gateway.Delete(ctx, o.cfg.Container, o.artifactKey(rec.Component, rec.ID)); err != nil && !storage.IsPermanent(err) {
			release()
			return pruned, fmt.Errorf("delete artifact %s: %w", rec.ID, err)
		}
		if err := o.catalog.Remove(ctx, rec.ID); err != nil {
			release()
			return pruned, err
		}
		pruned++
		release()

		o.emit(events.BackupPruned, events.SeverityInfo, rec.Component, "", map[string]string{"id": rec.ID})
	}

	if pruned > 0 {
		o.logger.Info("pruned expired backups", zap.Int("count", pruned))
	}
	return pruned, nil
}
