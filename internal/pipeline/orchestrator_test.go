package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/engine"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/queue"
)

type fakeTemplates struct {
	tpl *model.Template
}

func (f *fakeTemplates) GetTemplate(ctx context.Context, ownerID, templateID string) (*model.Template, error) {
	if f.tpl == nil || f.tpl.ID != templateID {
		return nil, fmt.Errorf("template not found")
	}
	return f.tpl, nil
}

type fakeSchedules struct {
	schedule *model.ScheduleData
	calls    int32
}

func (f *fakeSchedules) GetSchedule(ctx context.Context, source, sourceID, fromDate, toDate string) (*model.ScheduleData, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.schedule, nil
}

// simEngine mounts conns that behave like a well-functioning engine
// worker: ready after open, layer count change after edits containing
// image loads, exports on request.
type simEngine struct {
	registry *engine.Registry

	mu     sync.Mutex
	mounts int
	hang   bool // never answer anything; for timeout tests
}

func (e *simEngine) Mount(ctx context.Context, namespace string) (engine.Conn, error) {
	e.mu.Lock()
	e.mounts++
	e.mu.Unlock()
	return &simConn{engine: e, namespace: namespace}, nil
}

func (e *simEngine) mountCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounts
}

type simConn struct {
	engine    *simEngine
	namespace string
}

func (c *simConn) Send(cmd *engine.Command) error {
	if c.engine.hang {
		return nil
	}

	dispatch := func(typ string, payload interface{}) {
		ev := &engine.Event{Type: typ, Namespace: c.namespace}
		if payload != nil {
			raw, _ := json.Marshal(payload)
			ev.Payload = raw
		}
		c.engine.registry.Dispatch(ev)
	}

	switch cmd.Type {
	case engine.CmdOpenDocument:
		go dispatch(engine.EvtReady, nil)
	case engine.CmdApplyEdits:
		var p engine.ApplyEditsPayload
		_ = json.Unmarshal(cmd.Payload, &p)
		for _, ins := range p.Instructions {
			if ins.Kind == model.EditLoadImageFromURL {
				go dispatch(engine.EvtLayerCountChanged, engine.LayerCountChangedPayload{Count: 12})
				break
			}
		}
	case engine.CmdExport:
		var p engine.ExportPayload
		_ = json.Unmarshal(cmd.Payload, &p)
		for _, f := range p.Formats {
			go dispatch(engine.EvtFileExported, engine.FileExportedPayload{
				Format: f,
				Data:   []byte("rendered-" + f),
			})
		}
	}
	return nil
}

func (c *simConn) Close() error { return nil }

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

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

func testTemplate() *model.Template {
	return &model.Template{
		ID:        "tpl-1",
		OwnerID:   "owner-1",
		View:      model.ViewDaily,
		Version:   3,
		SourceKey: "owner-1/tpl-1.psd",
		Layers: []model.TemplateLayer{
			{Name: "title", Kind: model.LayerKindText},
			{Name: "staff_photo", Kind: model.LayerKindImage},
		},
	}
}

func testSchedule() *model.ScheduleData {
	return &model.ScheduleData{
		SourceID: "src-1",
		Days: []model.ScheduleDay{{
			Date: "2024-01-01",
			Events: []model.ScheduleEvent{{
				Name:    "Morning Flow",
				StartAt: "2024-01-01T09:00:00Z",
				EndAt:   "2024-01-01T10:00:00Z",
				Staff:   []model.StaffMember{{ID: "s1", Name: "Ana", PhotoURL: "https://cdn.example.com/a.jpg"}},
			}},
		}},
	}
}

func testOrchestrator(t *testing.T, opts Options) (*Orchestrator, *simEngine, *memStore) {
	t.Helper()
	registry := engine.NewRegistry()
	sim := &simEngine{registry: registry}
	store := newMemStore()
	contentCache := cache.New(&memKV{data: make(map[string][]byte)}, store, time.Minute)

	o := New(
		&fakeTemplates{tpl: testTemplate()},
		&fakeSchedules{schedule: testSchedule()},
		store,
		contentCache,
		registry,
		sim,
		opts,
	)
	return o, sim, store
}

func fastPipelineOptions() Options {
	return Options{
		JobTimeout:     2 * time.Second,
		MaxConcurrent:  4,
		SessionOptions: engine.Options{ExportAttempts: 3, ExportResendDelay: 20 * time.Millisecond},
		SignedURLTTL:   time.Minute,
	}
}

func testRequest() *Request {
	return &Request{
		OwnerID:    "owner-1",
		TemplateID: "tpl-1",
		ContentID:  "day-2024-01-01",
		Source:     "mindbody",
		SourceID:   "src-1",
		FromDate:   "2024-01-01",
		ToDate:     "2024-01-01",
	}
}

func TestGenerate_EndToEnd(t *testing.T) {
	o, sim, _ := testOrchestrator(t, fastPipelineOptions())

	res, err := o.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Cached {
		t.Error("fresh generation reported as cached")
	}
	if res.Export == nil || string(res.Export.Raster) != "rendered-jpg" {
		t.Fatalf("unexpected export: %+v", res.Export)
	}
	if res.Effective == nil || res.Effective.Meta.Hash != res.Export.Hash {
		t.Error("cache commit does not match export")
	}
	if sim.mountCount() != 1 {
		t.Errorf("mounted %d engine instances, want 1", sim.mountCount())
	}
	if o.ActiveSessions() != 0 {
		t.Errorf("%d sessions leaked after generate", o.ActiveSessions())
	}
}

func TestGenerate_SecondCallHitsCache(t *testing.T) {
	o, sim, _ := testOrchestrator(t, fastPipelineOptions())
	ctx := context.Background()

	if _, err := o.Generate(ctx, testRequest()); err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}
	res, err := o.Generate(ctx, testRequest())
	if err != nil {
		t.Fatalf("second Generate failed: %v", err)
	}
	if !res.Cached {
		t.Error("second call with unchanged inputs did not hit cache")
	}
	if sim.mountCount() != 1 {
		t.Errorf("mounted %d engine instances, want 1 (cache hit must not render)", sim.mountCount())
	}
}

func TestGenerate_ForceRefreshRerenders(t *testing.T) {
	o, sim, _ := testOrchestrator(t, fastPipelineOptions())
	ctx := context.Background()

	if _, err := o.Generate(ctx, testRequest()); err != nil {
		t.Fatalf("first Generate failed: %v", err)
	}

	req := testRequest()
	req.ForceRefresh = true
	res, err := o.Generate(ctx, req)
	if err != nil {
		t.Fatalf("forced Generate failed: %v", err)
	}
	if res.Cached {
		t.Error("forceRefresh returned cached result")
	}
	if sim.mountCount() != 2 {
		t.Errorf("mounted %d engine instances, want 2", sim.mountCount())
	}
}

func TestGenerate_ConcurrentRequestsDeduplicate(t *testing.T) {
	o, sim, _ := testOrchestrator(t, fastPipelineOptions())

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Generate(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	renders := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !results[i].Cached {
			renders++
		}
		if results[i].Effective == nil {
			t.Fatalf("caller %d got no effective output", i)
		}
	}
	// All callers race the same fingerprint: exactly one render run.
	// Callers arriving after commit may legitimately see the cache.
	if sim.mountCount() != 1 {
		t.Errorf("mounted %d engine instances, want 1", sim.mountCount())
	}
	if renders == 0 {
		t.Error("no caller observed the fresh render")
	}
}

func TestGenerate_TimeoutSurfacedDistinctly(t *testing.T) {
	opts := fastPipelineOptions()
	opts.JobTimeout = 80 * time.Millisecond
	o, sim, _ := testOrchestrator(t, opts)
	sim.hang = true

	start := time.Now()
	_, err := o.Generate(context.Background(), testRequest())
	if !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("error = %v, want queue.ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v to surface", elapsed)
	}
	if o.ActiveSessions() != 0 {
		t.Error("timed-out session not torn down")
	}
}

func TestGenerate_CancelAbortsRenderJob(t *testing.T) {
	opts := fastPipelineOptions()
	opts.JobTimeout = 30 * time.Second
	o, sim, _ := testOrchestrator(t, opts)
	sim.hang = true

	fpCh := make(chan string, 1)
	req := testRequest()
	req.FingerprintComputed = func(fp string) { fpCh <- fp }

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background(), req)
		errCh <- err
	}()

	fp := <-fpCh
	// Wait until the render session is actually live before canceling.
	deadline := time.Now().Add(time.Second)
	for o.ActiveSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !o.Cancel(fp) {
		t.Fatal("Cancel found no in-flight job for the fingerprint")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, queue.ErrCanceled) {
			t.Fatalf("error = %v, want queue.ErrCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled Generate did not return before the job timeout")
	}

	// Teardown must not wait for the job timeout.
	deadline = time.Now().Add(time.Second)
	for o.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if o.ActiveSessions() != 0 {
		t.Error("canceled session left running")
	}
}

func TestGenerate_CompilerErrorPropagates(t *testing.T) {
	o, _, _ := testOrchestrator(t, fastPipelineOptions())

	req := testRequest()
	req.Schedule = &model.ScheduleData{SourceID: "src-1"} // no events at all
	_, err := o.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected compile error for empty schedule")
	}
}

func TestGenerate_FingerprintChangesWithTemplateVersion(t *testing.T) {
	sched := testSchedule()
	fp1 := model.Fingerprint(sched, "tpl-1", 3)
	fp2 := model.Fingerprint(sched, "tpl-1", 4)
	if fp1 == fp2 {
		t.Error("fingerprint ignores template version")
	}
	if fp1 != model.Fingerprint(testSchedule(), "tpl-1", 3) {
		t.Error("fingerprint not deterministic for equal inputs")
	}
}
