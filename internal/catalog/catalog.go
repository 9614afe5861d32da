// Package catalog is the process-wide product catalog and order sink.
//
// The catalog is imported from a published spreadsheet into SQLite and kept
// as a read-only in-memory snapshot; the conversation engine only reads it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/printdesk/internal/storage"
	"github.com/kalambet/printdesk/internal/textutil"
)

const (
	additionalInfoKey = "additional_info"
	// ExportJobType is the job type the outbox worker consumes.
	ExportJobType = "order_export"
)

// ServiceInfo is everything the engine knows about one sellable service.
type ServiceInfo struct {
	Name                   string    `json:"name"`
	Category               string    `json:"category"`
	Type                   string    `json:"type"`
	AvailableWidths        []float64 `json:"available_widths,omitempty"`
	AvailableFinishes      []string  `json:"available_finishes,omitempty"`
	MinDPI                 int       `json:"min_dpi,omitempty"`
	Pricing                string    `json:"pricing,omitempty"`
	FileValidationCriteria string    `json:"file_validation_criteria,omitempty"`
}

// OrderRecord is a confirmed order handed to the sink.
type OrderRecord struct {
	UserID       string
	DisplayName  string
	Service      string
	Category     string
	Width        float64
	Height       float64
	Area         float64
	Quantity     int
	Finishes     []string
	FilePath     string
	Observations string
}

// SaveResult reports the outcome of SaveOrder.
type SaveResult struct {
	Success  bool
	OrderID  string
	RowIndex int64
	Error    string
}

// Snapshot is what a Source delivers on each sync.
type Snapshot struct {
	Services       []ServiceInfo
	AdditionalInfo string
}

// Source fetches the authoritative catalog (the published spreadsheet).
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Store is the persistence the Catalog needs. Implemented by storage.Store.
type Store interface {
	ReplaceServices(services []storage.Service) error
	ListServices() ([]storage.Service, error)
	SetSetting(key, value string) error
	GetSetting(key string) (string, error)
	SaveOrder(o storage.Order, export *storage.Job) (int64, error)
}

// Catalog serves the cached catalog and persists confirmed orders.
type Catalog struct {
	store  Store
	source Source
	export bool
	group  singleflight.Group

	mu         sync.RWMutex
	byCategory map[string][]ServiceInfo
	byName     map[string]ServiceInfo
	info       string
	loadedAt   time.Time
}

// New creates a Catalog. source may be nil, in which case Sync only reloads
// from the store. When export is true every saved order also enqueues an
// export job for the outbox worker.
func New(store Store, source Source, export bool) *Catalog {
	return &Catalog{
		store:      store,
		source:     source,
		export:     export,
		byCategory: map[string][]ServiceInfo{},
		byName:     map[string]ServiceInfo{},
	}
}

// Refresh reloads the in-memory snapshot from the store.
func (c *Catalog) Refresh(ctx context.Context) error {
	rows, err := c.store.ListServices()
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}
	info, err := c.store.GetSetting(additionalInfoKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading additional info: %w", err)
	}

	byCategory := make(map[string][]ServiceInfo)
	byName := make(map[string]ServiceInfo, len(rows))
	for _, row := range rows {
		svc, err := fromRow(row)
		if err != nil {
			slog.Warn("skipping malformed catalog row", "service", row.Name, "error", err)
			continue
		}
		byCategory[svc.Category] = append(byCategory[svc.Category], svc)
		byName[textutil.Fold(svc.Name)] = svc
	}

	c.mu.Lock()
	c.byCategory = byCategory
	c.byName = byName
	c.info = info
	c.loadedAt = time.Now()
	c.mu.Unlock()

	slog.Debug("catalog refreshed", "services", len(byName), "categories", len(byCategory))
	return nil
}

// Sync imports the source into the store and refreshes the snapshot.
// Concurrent calls share a single import.
func (c *Catalog) Sync(ctx context.Context) error {
	_, err, _ := c.group.Do("sync", func() (any, error) {
		if c.source != nil {
			snap, err := c.source.Fetch(ctx)
			if err != nil {
				return nil, fmt.Errorf("fetching catalog: %w", err)
			}
			if len(snap.Services) == 0 {
				return nil, fmt.Errorf("fetching catalog: source returned no services")
			}
			rows := make([]storage.Service, 0, len(snap.Services))
			for _, svc := range snap.Services {
				rows = append(rows, toRow(svc))
			}
			if err := c.store.ReplaceServices(rows); err != nil {
				return nil, fmt.Errorf("storing catalog: %w", err)
			}
			if snap.AdditionalInfo != "" {
				if err := c.store.SetSetting(additionalInfoKey, snap.AdditionalInfo); err != nil {
					return nil, fmt.Errorf("storing additional info: %w", err)
				}
			}
		}
		return nil, c.Refresh(ctx)
	})
	return err
}

// RunRefresher syncs on every tick until ctx is cancelled. Failures keep the
// previous snapshot in place.
func (c *Catalog) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("catalog refresher started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				slog.Warn("catalog refresh failed, keeping previous snapshot", "error", err)
			}
		case <-ctx.Done():
			slog.Info("catalog refresher shutting down", "reason", ctx.Err())
			return
		}
	}
}

// GetServices returns a copy of the category → services mapping.
func (c *Catalog) GetServices(ctx context.Context) map[string][]ServiceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]ServiceInfo, len(c.byCategory))
	for cat, list := range c.byCategory {
		out[cat] = append([]ServiceInfo(nil), list...)
	}
	return out
}

// Categories returns the category names in sorted order.
func (c *Catalog) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cats := make([]string, 0, len(c.byCategory))
	for cat := range c.byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// GetServiceInfo looks a service up by name, ignoring case and accents.
func (c *Catalog) GetServiceInfo(ctx context.Context, name string) (ServiceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	svc, ok := c.byName[textutil.Fold(name)]
	return svc, ok
}

// AdditionalInfo returns the free-text business information blob.
func (c *Catalog) AdditionalInfo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// LoadedAt reports when the snapshot was last refreshed.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// SaveOrder persists a confirmed order. A storage failure is returned as an
// error and also described in the result.
func (c *Catalog) SaveOrder(ctx context.Context, rec OrderRecord) (SaveResult, error) {
	finishes, err := json.Marshal(rec.Finishes)
	if err != nil {
		return SaveResult{Error: err.Error()}, fmt.Errorf("marshalling finishes: %w", err)
	}

	id := uuid.New().String()
	o := storage.Order{
		ID:           id,
		UserID:       rec.UserID,
		DisplayName:  rec.DisplayName,
		Service:      rec.Service,
		Category:     rec.Category,
		Width:        rec.Width,
		Height:       rec.Height,
		Area:         rec.Area,
		Quantity:     rec.Quantity,
		Finishes:     string(finishes),
		FilePath:     rec.FilePath,
		Observations: rec.Observations,
		CreatedAt:    time.Now().UTC(),
	}

	var job *storage.Job
	if c.export {
		payload, _ := json.Marshal(map[string]string{"order_id": id})
		job = &storage.Job{
			ID:          uuid.New().String(),
			Type:        ExportJobType,
			PayloadJSON: string(payload),
			MaxAttempts: 5,
		}
	}

	rowIndex, err := c.store.SaveOrder(o, job)
	if err != nil {
		return SaveResult{Error: err.Error()}, fmt.Errorf("saving order: %w", err)
	}

	slog.Info("order saved", "order_id", id, "row_index", rowIndex, "user_id", rec.UserID, "service", rec.Service)
	return SaveResult{Success: true, OrderID: id, RowIndex: rowIndex}, nil
}

func fromRow(row storage.Service) (ServiceInfo, error) {
	svc := ServiceInfo{
		Name:                   row.Name,
		Category:               row.Category,
		Type:                   row.Type,
		MinDPI:                 row.MinDPI,
		Pricing:                row.Pricing,
		FileValidationCriteria: row.FileCriteria,
	}
	if err := json.Unmarshal([]byte(row.AvailableWidths), &svc.AvailableWidths); err != nil {
		return ServiceInfo{}, fmt.Errorf("parsing widths: %w", err)
	}
	if err := json.Unmarshal([]byte(row.AvailableFinishes), &svc.AvailableFinishes); err != nil {
		return ServiceInfo{}, fmt.Errorf("parsing finishes: %w", err)
	}
	return svc, nil
}

func toRow(svc ServiceInfo) storage.Service {
	widths, _ := json.Marshal(nonNilFloats(svc.AvailableWidths))
	finishes, _ := json.Marshal(nonNilStrings(svc.AvailableFinishes))
	return storage.Service{
		Name:              strings.TrimSpace(svc.Name),
		Category:          strings.TrimSpace(svc.Category),
		Type:              strings.TrimSpace(svc.Type),
		AvailableWidths:   string(widths),
		AvailableFinishes: string(finishes),
		MinDPI:            svc.MinDPI,
		Pricing:           svc.Pricing,
		FileCriteria:      svc.FileValidationCriteria,
	}
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
