// Package cache is the two-tier content-addressable store for finished
// designs: a best-effort local tier in Redis (safe to lose) over a durable
// object-storage tier, plus an overwrite layer that always wins over
// generated output until explicitly cleared.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/studioposts/api/internal/client"
	"github.com/studioposts/api/internal/model"
)

// ErrNotFound means no effective output exists for the content identifier
var ErrNotFound = errors.New("no cached output")

// KV is the local-tier interface. Get returns (nil, nil) on a miss.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Meta is the commit record for a generated pair. It is written to storage
// last, after both binary parts, so readers resolving through it never see
// a partially written pair.
type Meta struct {
	ContentID   string    `json:"contentId"`
	Fingerprint string    `json:"fingerprint"`
	Hash        string    `json:"hash"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Effective is the resolved output for a content identifier: the overwrite
// pair when one is active, otherwise the generated pair.
type Effective struct {
	Meta         *Meta
	DocumentKey  string
	RasterKey    string
	HasOverwrite bool
}

// Cache wires the local KV tier over the durable object store
type Cache struct {
	kv       KV
	store    client.StorageClient
	localTTL time.Duration
}

// New creates a content cache. localTTL bounds local-tier staleness.
func New(kv KV, store client.StorageClient, localTTL time.Duration) *Cache {
	if localTTL <= 0 {
		localTTL = 15 * time.Minute
	}
	return &Cache{kv: kv, store: store, localTTL: localTTL}
}

// Get resolves the effective output. The overwrite layer always takes
// precedence over generated output, per the manual-edit contract.
func (c *Cache) Get(ctx context.Context, ref ContentRef) (*Effective, error) {
	hasOverwrite, err := c.HasOverwrite(ctx, ref)
	if err != nil {
		return nil, err
	}

	meta, err := c.getMeta(ctx, ref)
	if err != nil {
		return nil, err
	}

	if hasOverwrite {
		return &Effective{
			Meta:         meta,
			DocumentKey:  OverwriteKey(ref, model.FormatDocument),
			RasterKey:    OverwriteKey(ref, model.FormatRaster),
			HasOverwrite: true,
		}, nil
	}

	if meta == nil {
		return nil, ErrNotFound
	}
	return &Effective{
		Meta:        meta,
		DocumentKey: GeneratedKey(ref, model.FormatDocument),
		RasterKey:   GeneratedKey(ref, model.FormatRaster),
	}, nil
}

// Put commits a generated pair. An equal-hash commit for the same content
// is a no-op on the binary tier: redundant remote writes are skipped and
// only a changed fingerprint refreshes the commit record.
func (c *Cache) Put(ctx context.Context, ref ContentRef, fingerprint string, export *model.Export) error {
	if export == nil || !export.Complete() {
		return fmt.Errorf("refusing to commit incomplete export pair for %s", ref.ContentID)
	}

	prev, err := c.getMeta(ctx, ref)
	if err != nil {
		return err
	}

	meta := &Meta{
		ContentID:   ref.ContentID,
		Fingerprint: fingerprint,
		Hash:        export.Hash,
		UpdatedAt:   time.Now().UTC(),
	}

	if prev != nil && prev.Hash == export.Hash {
		if prev.Fingerprint == fingerprint {
			return nil
		}
		// Same bytes rendered from new inputs: refresh the record only.
		return c.commitMeta(ctx, ref, meta)
	}

	docKey := GeneratedKey(ref, model.FormatDocument)
	rasterKey := GeneratedKey(ref, model.FormatRaster)

	if _, err := c.store.Upload(ctx, docKey, bytes.NewReader(export.Document), "image/vnd.adobe.photoshop"); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	if _, err := c.store.Upload(ctx, rasterKey, bytes.NewReader(export.Raster), "image/jpeg"); err != nil {
		// Roll the half-written pair back so no commit record can ever
		// point at a document without its raster.
		if delErr := c.store.Delete(ctx, docKey); delErr != nil {
			log.Printf("Cache: rollback of %s failed: %v", docKey, delErr)
		}
		return fmt.Errorf("failed to store raster: %w", err)
	}

	return c.commitMeta(ctx, ref, meta)
}

// PutOverwrite activates the overwrite layer after a manual pair was
// uploaded through signed URLs. Both parts must exist; a half-uploaded
// overwrite is rejected rather than committed.
func (c *Cache) PutOverwrite(ctx context.Context, ref ContentRef) error {
	for _, f := range model.ExportFormats {
		key := OverwriteKey(ref, f)
		ok, err := c.store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to verify overwrite part %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("overwrite part %s missing; pair incomplete", key)
		}
	}

	if err := c.kv.Set(ctx, localOverwriteKey(ref), []byte("1"), c.localTTL); err != nil {
		log.Printf("Cache: local overwrite flag write failed: %v", err)
	}
	return nil
}

// ClearOverwrite removes the overwrite pair so generated output shows
// again. Deletes are confirmed before the local flag flips; the caller is
// expected to follow up with a forced regeneration.
func (c *Cache) ClearOverwrite(ctx context.Context, ref ContentRef) error {
	for _, f := range model.ExportFormats {
		if err := c.store.Delete(ctx, OverwriteKey(ref, f)); err != nil {
			return fmt.Errorf("failed to clear overwrite: %w", err)
		}
	}
	if err := c.kv.Set(ctx, localOverwriteKey(ref), []byte("0"), c.localTTL); err != nil {
		log.Printf("Cache: local overwrite flag write failed: %v", err)
	}
	return nil
}

// HasOverwrite reports whether the overwrite layer is active, local tier
// first, falling back to a presence check on both parts in storage.
func (c *Cache) HasOverwrite(ctx context.Context, ref ContentRef) (bool, error) {
	if flag, err := c.kv.Get(ctx, localOverwriteKey(ref)); err == nil && flag != nil {
		return string(flag) == "1", nil
	}

	active := true
	for _, f := range model.ExportFormats {
		ok, err := c.store.Exists(ctx, OverwriteKey(ref, f))
		if err != nil {
			return false, fmt.Errorf("failed to check overwrite: %w", err)
		}
		if !ok {
			active = false
			break
		}
	}

	val := []byte("0")
	if active {
		val = []byte("1")
	}
	if err := c.kv.Set(ctx, localOverwriteKey(ref), val, c.localTTL); err != nil {
		log.Printf("Cache: local overwrite flag write failed: %v", err)
	}
	return active, nil
}

// getMeta resolves the commit record, hydrating the local tier on a
// local miss with a remote hit.
func (c *Cache) getMeta(ctx context.Context, ref ContentRef) (*Meta, error) {
	if raw, err := c.kv.Get(ctx, localMetaKey(ref)); err == nil && raw != nil {
		var m Meta
		if err := json.Unmarshal(raw, &m); err == nil {
			return &m, nil
		}
	}

	raw, err := c.store.Download(ctx, metaKey(ref))
	if err != nil {
		// Distinguish absence from transport failure via a head check.
		ok, headErr := c.store.Exists(ctx, metaKey(ref))
		if headErr == nil && !ok {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read commit record: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt commit record for %s: %w", ref.ContentID, err)
	}
	c.hydrate(ctx, ref, raw)
	return &m, nil
}

func (c *Cache) commitMeta(ctx context.Context, ref ContentRef, meta *Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal commit record: %w", err)
	}
	if _, err := c.store.Upload(ctx, metaKey(ref), bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	c.hydrate(ctx, ref, raw)
	return nil
}

func (c *Cache) hydrate(ctx context.Context, ref ContentRef, raw []byte) {
	if err := c.kv.Set(ctx, localMetaKey(ref), raw, c.localTTL); err != nil {
		log.Printf("Cache: local hydrate failed: %v", err)
	}
}
