package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"gorm.io/gorm"

	"github.com/scanopy/scanopy/internal/slogging"
)

// ErrScanNotFound is returned when no document exists for a scan id
var ErrScanNotFound = errors.New("scan not found")

// ScanDocument is the persisted shape of one scan/topology document
type ScanDocument struct {
	ID      string                                `json:"id"`
	Name    string                                `json:"name"`
	Version uint64                                `json:"version"`
	Devices map[string]map[string]json.RawMessage `json:"devices"`
	Meta    map[string]json.RawMessage            `json:"meta"`
}

// ScanStore loads scan documents and applies accepted collaboration changes.
// The collaboration layer treats it as fire-and-forget: a store failure is
// logged and surfaced through metrics, never rolled back into live sessions.
type ScanStore interface {
	Load(ctx context.Context, scanID string) (*ScanDocument, error)
	ApplyChange(ctx context.Context, event ChangeEvent) error
}

// ScanRecord is the GORM model backing scan documents
type ScanRecord struct {
	ID        string    `gorm:"primaryKey;type:uuid"`
	Name      string    `gorm:"size:255"`
	Document  []byte    `gorm:"type:jsonb"`
	Version   uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the database table for scan records
func (ScanRecord) TableName() string {
	return "scans"
}

// GormScanStore implements ScanStore using GORM
type GormScanStore struct {
	db *gorm.DB
}

// NewGormScanStore creates a new GORM-backed scan store
func NewGormScanStore(db *gorm.DB) *GormScanStore {
	return &GormScanStore{db: db}
}

// Load fetches the persisted document for a scan id
func (s *GormScanStore) Load(ctx context.Context, scanID string) (*ScanDocument, error) {
	var record ScanRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", scanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan %s: %w", scanID, err)
	}

	doc := &ScanDocument{
		ID:      record.ID,
		Name:    record.Name,
		Version: record.Version,
		Devices: make(map[string]map[string]json.RawMessage),
		Meta:    make(map[string]json.RawMessage),
	}
	if len(record.Document) > 0 {
		if err := json.Unmarshal(record.Document, doc); err != nil {
			return nil, fmt.Errorf("failed to decode scan document %s: %w", scanID, err)
		}
	}
	doc.ID = record.ID
	doc.Version = record.Version
	return doc, nil
}

// ApplyChange merge-patches one accepted change event into the stored
// document JSON and advances the persisted version. The change overlay is
// last-writer-wins per field, matching the in-memory session semantics.
func (s *GormScanStore) ApplyChange(ctx context.Context, event ChangeEvent) error {
	var record ScanRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", event.ScanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrScanNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load scan %s: %w", event.ScanID, err)
	}

	patch, err := buildMergePatch(event)
	if err != nil {
		return err
	}

	original := record.Document
	if len(original) == 0 {
		original = []byte(`{}`)
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return fmt.Errorf("failed to merge change into scan %s: %w", event.ScanID, err)
	}

	result := s.db.WithContext(ctx).Model(&ScanRecord{}).
		Where("id = ?", event.ScanID).
		Updates(map[string]interface{}{
			"document": merged,
			"version":  event.ResultingVersion,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to persist change for scan %s: %w", event.ScanID, result.Error)
	}
	return nil
}

// buildMergePatch shapes a change event as an RFC 7386 merge patch against
// the stored document.
func buildMergePatch(event ChangeEvent) ([]byte, error) {
	var patch interface{}
	switch event.Type {
	case MessageTypeDeviceUpdated:
		patch = map[string]interface{}{
			"devices": map[string]interface{}{
				event.DeviceID: event.Changes,
			},
		}
	case MessageTypeScanUpdated:
		patch = map[string]interface{}{
			"meta": event.Changes,
		}
	default:
		return nil, fmt.Errorf("unsupported change event type: %s", event.Type)
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to build merge patch: %w", err)
	}
	return data, nil
}

// ChangePersister is the asynchronous bridge between live sessions and the
// scan store. Sessions enqueue accepted changes without blocking their
// mutation point; a single worker drains the queue in order. When the queue
// is full the change is dropped with a logged warning, on the principle that
// live responsiveness wins over synchronous durability.
type ChangePersister struct {
	store ScanStore
	queue chan ChangeEvent
}

// NewChangePersister creates a persister with the given queue depth
func NewChangePersister(store ScanStore, queueSize int) *ChangePersister {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &ChangePersister{
		store: store,
		queue: make(chan ChangeEvent, queueSize),
	}
}

// SaveChange enqueues a change for persistence. Never blocks.
func (p *ChangePersister) SaveChange(event ChangeEvent) {
	select {
	case p.queue <- event:
	default:
		slogging.Get().Warn("Persistence queue full, dropping change - Scan: %s, Version: %d",
			event.ScanID, event.ResultingVersion)
		persistFailuresTotal.Inc()
	}
}

// Run drains the queue until the context is cancelled, then flushes whatever
// is already enqueued.
func (p *ChangePersister) Run(ctx context.Context) {
	logger := slogging.Get()
	for {
		select {
		case event := <-p.queue:
			p.apply(ctx, event)
		case <-ctx.Done():
			for {
				select {
				case event := <-p.queue:
					p.apply(context.Background(), event)
				default:
					logger.Info("Change persister stopped")
					return
				}
			}
		}
	}
}

func (p *ChangePersister) apply(ctx context.Context, event ChangeEvent) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.store.ApplyChange(opCtx, event); err != nil {
		slogging.Get().Error("Failed to persist change - Scan: %s, Version: %d, Error: %v",
			event.ScanID, event.ResultingVersion, err)
		persistFailuresTotal.Inc()
	}
}
