package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/storage"
)

// Catalog holds backup records and recovery points. All reads and writes go
// through its mutex; operational serialization per component (backup vs
// restore vs prune) uses the separate component locks below.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]*Record
	points  map[string]*RecoveryPoint // keyed by backup id
	markers map[Component]uint64      // highest marker seen per component

	compLocks map[Component]*compLock

	db *sql.DB // optional persistence, nil means in-memory only

	// File fallback used when no database is configured, so a CLI run in a
	// fresh process still sees the backups an earlier run created.
	store          *storage.Gateway
	storeContainer string

	logger *zap.Logger
}

const catalogArtifact = "catalog/records.json"

type compLock struct {
	mu sync.Mutex
}

// NewCatalog creates a catalog. db may be nil; when set, records are also
// persisted and reloaded across restarts.
func NewCatalog(db *sql.DB, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		records:   make(map[string]*Record),
		points:    make(map[string]*RecoveryPoint),
		markers:   make(map[Component]uint64),
		compLocks: make(map[Component]*compLock),
		db:        db,
		logger:    logger,
	}
	for _, comp := range []Component{ComponentDatabase, ComponentModelArtifacts, ComponentConfiguration, ComponentComplete} {
		c.compLocks[comp] = &compLock{}
	}
	return c
}

// WithFileStore persists the catalog as a JSON artifact through the storage
// gateway. It only applies when no database is configured.
func (c *Catalog) WithFileStore(gw *storage.Gateway, container string) *Catalog {
	c.store = gw
	c.storeContainer = container
	return c
}

// TryLockComponent attempts the per-component exclusive lock. It returns
// ErrConcurrencyConflict when a backup, restore, or prune already holds it.
func (c *Catalog) TryLockComponent(comp Component) (release func(), err error) {
	l, ok := c.compLocks[comp]
	if !ok {
		return nil, fmt.Errorf("unknown component %q", comp)
	}
	if !l.mu.TryLock() {
		return nil, fmt.Errorf("%s: %w", comp, ErrConcurrencyConflict)
	}
	return l.mu.Unlock, nil
}

// LockComponent blocks until the per-component lock is held or ctx expires.
func (c *Catalog) LockComponent(ctx context.Context, comp Component) (release func(), err error) {
	l, ok := c.compLocks[comp]
	if !ok {
		return nil, fmt.Errorf("unknown component %q", comp)
	}
	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return l.mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine will eventually acquire; release immediately so
		// the lock does not leak.
		go func() {
			<-acquired
			l.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// Add inserts a new record and, when point is non-nil, its recovery point.
// Recovery point markers must be monotonically increasing per component.
func (c *Catalog) Add(ctx context.Context, rec *Record, point *RecoveryPoint) error {
	if rec == nil {
		return fmt.Errorf("record required")
	}
	if !ValidComponent(rec.Component) {
		return fmt.Errorf("unknown component %q", rec.Component)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	if point != nil {
		if point.Marker <= c.markers[rec.Component] && c.markers[rec.Component] != 0 {
			return fmt.Errorf("recovery point marker %d not monotonic for %s (last %d)",
				point.Marker, rec.Component, c.markers[rec.Component])
		}
	}

	c.records[rec.ID] = rec
	if point != nil {
		c.points[rec.ID] = point
		c.markers[rec.Component] = point.Marker
	}

	if c.db != nil {
		if err := c.persistInsert(ctx, rec, point); err != nil {
			c.logger.Warn("catalog persistence failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	c.persistFileLocked(ctx)
	return nil
}

// MarkVerified flips the verified flag on a record. The payload is never
// touched.
func (c *Catalog) MarkVerified(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	rec.Verified = true

	if c.db != nil {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE backup_records SET verified = true WHERE id = $1`, id); err != nil {
			c.logger.Warn("catalog persistence failed", zap.String("id", id), zap.Error(err))
		}
	}
	c.persistFileLocked(ctx)
	return nil
}

// Remove deletes a record and its recovery point.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	delete(c.records, id)
	delete(c.points, id)

	if c.db != nil {
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM backup_records WHERE id = $1`, id); err != nil {
			c.logger.Warn("catalog persistence failed", zap.String("id", id), zap.Error(err))
		}
	}
	c.persistFileLocked(ctx)
	return nil
}

// Get returns a copy of the record.
func (c *Catalog) Get(id string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// RecoveryPointFor returns the recovery point attached to a backup, if any.
func (c *Catalog) RecoveryPointFor(id string) (*RecoveryPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.points[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// List returns records, optionally filtered by component, newest first.
func (c *Catalog) List(comp Component) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Record
	for _, rec := range c.records {
		if comp != "" && rec.Component != comp {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LatestVerified returns the most recent verified record for a component.
func (c *Catalog) LatestVerified(comp Component) (*Record, bool) {
	for _, rec := range c.List(comp) {
		if rec.Verified {
			return rec, true
		}
	}
	return nil, false
}

// VerifiedCount returns how many verified records a component has.
func (c *Catalog) VerifiedCount(comp Component) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, rec := range c.records {
		if rec.Component == comp && rec.Verified {
			n++
		}
	}
	return n
}

// Expired returns records past their retention expiry, oldest first.
func (c *Catalog) Expired(now time.Time) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Record
	for _, rec := range c.records {
		if !rec.RetentionExpiresAt.IsZero() && rec.RetentionExpiresAt.Before(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Catalog) persistInsert(ctx context.Context, rec *Record, point *RecoveryPoint) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO backup_records
		   (id, component, mode, created_at, size_bytes, checksum, storage_location,
		    encryption_key_ref, retention_expires_at, verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, string(rec.Component), string(rec.Mode), rec.CreatedAt, rec.SizeBytes,
		rec.Checksum, rec.StorageLocation, rec.EncryptionKeyRef, rec.RetentionExpiresAt, rec.Verified)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if point != nil {
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO recovery_points (backup_id, component, marker, created_at)
			 VALUES ($1, $2, $3, $4)`,
			point.BackupID, string(point.Component), point.Marker, point.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recovery point: %w", err)
		}
	}
	return nil
}

type catalogSnapshot struct {
	Records []*Record        `json:"records"`
	Points  []*RecoveryPoint `json:"points"`
}

// persistFileLocked writes the file-store snapshot. Caller holds c.mu.
func (c *Catalog) persistFileLocked(ctx context.Context) {
	if c.db != nil || c.store == nil {
		return
	}
	snap := catalogSnapshot{}
	for _, rec := range c.records {
		snap.Records = append(snap.Records, rec)
	}
	for _, p := range c.points {
		snap.Points = append(snap.Points, p)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("catalog snapshot failed", zap.Error(err))
		return
	}
	if err := c.store.Put(ctx, c.storeContainer, catalogArtifact, bytes.NewReader(data)); err != nil {
		c.logger.Warn("catalog persistence failed", zap.Error(err))
	}
}

func (c *Catalog) loadFile(ctx context.Context) error {
	data, err := c.store.GetBytes(ctx, c.storeContainer, catalogArtifact)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // fresh install
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	var snap catalogSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range snap.Records {
		c.records[rec.ID] = rec
	}
	for _, p := range snap.Points {
		c.points[p.BackupID] = p
		if p.Marker > c.markers[p.Component] {
			c.markers[p.Component] = p.Marker
		}
	}
	return nil
}

// Load reloads the catalog from the database, or from the file store when no
// database is configured. No-op without either.
func (c *Catalog) Load(ctx context.Context) error {
	if c.db == nil {
		if c.store != nil {
			return c.loadFile(ctx)
		}
		return nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, component, mode, created_at, size_bytes, checksum, storage_location,
		        encryption_key_ref, retention_expires_at, verified
		   FROM backup_records`)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	c.mu.Lock()
	defer c.mu.Unlock()

	for rows.Next() {
		var rec Record
		var comp, mode string
		if err := rows.Scan(&rec.ID, &comp, &mode, &rec.CreatedAt, &rec.SizeBytes, &rec.Checksum,
			&rec.StorageLocation, &rec.EncryptionKeyRef, &rec.RetentionExpiresAt, &rec.Verified); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Component = Component(comp)
		rec.Mode = Mode(mode)
		c.records[rec.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	prows, err := c.db.QueryContext(ctx,
		`SELECT backup_id, component, marker, created_at FROM recovery_points`)
	if err != nil {
		return fmt.Errorf("load recovery points: %w", err)
	}
	defer func() { _ = prows.Close() }()

	for prows.Next() {
		var p RecoveryPoint
		var comp string
		if err := prows.Scan(&p.BackupID, &comp, &p.Marker, &p.CreatedAt); err != nil {
			return fmt.Errorf("scan recovery point: %w", err)
		}
		p.Component = Component(comp)
		c.points[p.BackupID] = &p
		if p.Marker > c.markers[p.Component] {
			c.markers[p.Component] = p.Marker
		}
	}
	return prows.Err()
}
