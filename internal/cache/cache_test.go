package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studioposts/api/internal/model"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
	failPut map[string]error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), failPut: make(map[string]error)}
}

func (s *memStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failPut[key]; ok {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.objects[key] = data
	s.uploads++
	return "https://store.test/" + key, nil
}

func (s *memStore) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("failed to download %s: no such key", key)
	}
	return data, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://store.test/signed/" + key, nil
}

func (s *memStore) GetSignedUploadURL(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	return "https://store.test/upload/" + key, nil
}

func (s *memStore) GetPublicURL(key string) string { return "https://store.test/" + key }

func (s *memStore) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func testRef() ContentRef {
	return ContentRef{OwnerID: "owner-1", TemplateID: "tpl-1", ContentID: "week-2024-01-01"}
}

func testExport(content string) *model.Export {
	raster := []byte(content)
	return &model.Export{
		Document: []byte("psd:" + content),
		Raster:   raster,
		Hash:     model.HashBytes(raster),
	}
}

func seedOverwrite(t *testing.T, store *memStore, ref ContentRef) {
	t.Helper()
	ctx := context.Background()
	for _, f := range model.ExportFormats {
		if _, err := store.Upload(ctx, OverwriteKey(ref, f), bytes.NewReader([]byte("manual-"+string(f))), "application/octet-stream"); err != nil {
			t.Fatalf("seed overwrite: %v", err)
		}
	}
}

func TestGet_MissReturnsErrNotFound(t *testing.T) {
	c := New(newMemKV(), newMemStore(), time.Minute)

	_, err := c.Get(context.Background(), testRef())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty cache = %v, want ErrNotFound", err)
	}
}

func TestPutThenGet_ReturnsGeneratedPair(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()
	export := testExport("raster-v1")

	if err := c.Put(ctx, ref, "fp-1", export); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	eff, err := c.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if eff.HasOverwrite {
		t.Error("unexpected overwrite flag")
	}
	if eff.Meta.Hash != export.Hash || eff.Meta.Fingerprint != "fp-1" {
		t.Errorf("meta = %+v", eff.Meta)
	}
	if !strings.HasSuffix(eff.DocumentKey, ".psd") || !strings.HasSuffix(eff.RasterKey, ".jpg") {
		t.Errorf("unexpected keys: %s / %s", eff.DocumentKey, eff.RasterKey)
	}
}

func TestPut_EqualHashIsNoOp(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()

	if err := c.Put(ctx, ref, "fp-1", testExport("same")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	before := store.uploadCount()

	if err := c.Put(ctx, ref, "fp-1", testExport("same")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if got := store.uploadCount(); got != before {
		t.Errorf("equal-hash Put wrote %d extra objects, want 0", got-before)
	}
}

func TestPut_EqualHashNewFingerprintRefreshesRecordOnly(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()

	if err := c.Put(ctx, ref, "fp-1", testExport("same")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	before := store.uploadCount()

	if err := c.Put(ctx, ref, "fp-2", testExport("same")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	// Only the commit record is rewritten, not the binary pair.
	if got := store.uploadCount(); got != before+1 {
		t.Errorf("wrote %d objects, want 1 (record only)", got-before)
	}

	eff, err := c.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if eff.Meta.Fingerprint != "fp-2" {
		t.Errorf("fingerprint = %s, want fp-2", eff.Meta.Fingerprint)
	}
}

func TestOverwrite_AlwaysWinsUntilCleared(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()

	if err := c.Put(ctx, ref, "fp-1", testExport("generated-v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	seedOverwrite(t, store, ref)
	if err := c.PutOverwrite(ctx, ref); err != nil {
		t.Fatalf("PutOverwrite failed: %v", err)
	}

	eff, err := c.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !eff.HasOverwrite {
		t.Fatal("overwrite not effective")
	}
	if !strings.HasPrefix(eff.DocumentKey, "overwrites/") {
		t.Errorf("document key %s not in overwrite namespace", eff.DocumentKey)
	}

	// A newer generated result must not displace the overwrite.
	if err := c.Put(ctx, ref, "fp-2", testExport("generated-v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	eff, err = c.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !eff.HasOverwrite {
		t.Error("overwrite silently replaced by generated output")
	}

	if err := c.ClearOverwrite(ctx, ref); err != nil {
		t.Fatalf("ClearOverwrite failed: %v", err)
	}
	eff, err = c.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if eff.HasOverwrite {
		t.Error("overwrite still effective after clear")
	}
	if eff.Meta.Fingerprint != "fp-2" {
		t.Errorf("fingerprint = %s, want fp-2 generated output", eff.Meta.Fingerprint)
	}
}

func TestPutOverwrite_RejectsIncompletePair(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()

	// Only one half uploaded.
	if _, err := store.Upload(ctx, OverwriteKey(ref, model.FormatRaster), bytes.NewReader([]byte("half")), "image/jpeg"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.PutOverwrite(ctx, ref); err == nil {
		t.Fatal("half-uploaded overwrite pair was committed")
	}
}

func TestPut_RollsBackHalfWrittenPair(t *testing.T) {
	store := newMemStore()
	ref := testRef()
	store.failPut[GeneratedKey(ref, model.FormatRaster)] = errors.New("storage down")
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()

	if err := c.Put(ctx, ref, "fp-1", testExport("v1")); err == nil {
		t.Fatal("Put succeeded despite raster failure")
	}

	if ok, _ := store.Exists(ctx, GeneratedKey(ref, model.FormatDocument)); ok {
		t.Error("orphaned document left after failed pair write")
	}
	if _, err := c.Get(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed Put = %v, want ErrNotFound", err)
	}
}

func TestPut_RejectsIncompleteExport(t *testing.T) {
	c := New(newMemKV(), newMemStore(), time.Minute)
	if err := c.Put(context.Background(), testRef(), "fp", &model.Export{Raster: []byte("r")}); err == nil {
		t.Fatal("incomplete export pair was committed")
	}
}

func TestGet_ContentIDScopedPerOwnerAndTemplate(t *testing.T) {
	store := newMemStore()
	c := New(newMemKV(), store, time.Minute)
	ctx := context.Background()
	ref := testRef()

	if err := c.Put(ctx, ref, "fp-1", testExport("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	seedOverwrite(t, store, ref)
	if err := c.PutOverwrite(ctx, ref); err != nil {
		t.Fatalf("PutOverwrite failed: %v", err)
	}

	// Same content ID under a different owner or template must miss,
	// even with the local tier warm.
	other := ContentRef{OwnerID: "owner-2", TemplateID: "tpl-2", ContentID: ref.ContentID}
	if _, err := c.Get(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get for foreign owner/template = %v, want ErrNotFound", err)
	}

	crossOwner := ContentRef{OwnerID: "owner-2", TemplateID: ref.TemplateID, ContentID: ref.ContentID}
	if _, err := c.Get(ctx, crossOwner); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get for foreign owner = %v, want ErrNotFound", err)
	}
}

func TestGet_LocalMissRemoteHitHydratesLocalTier(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	ref := testRef()

	// Populate through one cache instance.
	warm := New(newMemKV(), store, time.Minute)
	if err := warm.Put(ctx, ref, "fp-1", testExport("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Fresh local tier, same durable store.
	kv := newMemKV()
	cold := New(kv, store, time.Minute)
	eff, err := cold.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if eff.Meta.Fingerprint != "fp-1" {
		t.Errorf("fingerprint = %s", eff.Meta.Fingerprint)
	}

	if raw, _ := kv.Get(ctx, localMetaKey(ref)); raw == nil {
		t.Error("remote hit did not hydrate the local tier")
	}
}
