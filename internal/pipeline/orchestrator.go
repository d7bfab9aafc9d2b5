// Package pipeline wires the compiler, render sessions, dedup queue, and
// content cache into the design generation flow: request in, finished
// export pair committed to the cache, result fanned out to every caller
// waiting on the same fingerprint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/client"
	"github.com/studioposts/api/internal/compiler"
	"github.com/studioposts/api/internal/engine"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/queue"
)

// TemplateProvider supplies template metadata. Backed by the Redis template
// records in production; persistence details are outside the pipeline.
type TemplateProvider interface {
	GetTemplate(ctx context.Context, ownerID, templateID string) (*model.Template, error)
}

// Options tunes the pipeline
type Options struct {
	JobTimeout     time.Duration
	MaxConcurrent  int
	SessionOptions engine.Options
	SignedURLTTL   time.Duration
}

// DefaultOptions matches production sizing
func DefaultOptions() Options {
	return Options{
		JobTimeout:     90 * time.Second,
		MaxConcurrent:  4,
		SessionOptions: engine.DefaultOptions(),
		SignedURLTTL:   15 * time.Minute,
	}
}

// Request is one design generation request
type Request struct {
	OwnerID    string
	TemplateID string
	ContentID  string

	// Either an inline schedule or a source to fetch one from.
	Schedule *model.ScheduleData
	Source   string
	SourceID string
	FromDate string
	ToDate   string

	ForceRefresh bool

	// FingerprintComputed, when set, is called with the job fingerprint as
	// soon as it is known, before any render work starts. Callers use it to
	// target Cancel at the shared render job.
	FingerprintComputed func(fingerprint string)
}

// Result is the settled outcome of a generation request
type Result struct {
	Fingerprint string
	Cached      bool
	Export      *model.Export
	Effective   *cache.Effective
}

// Orchestrator drives the full pipeline. It owns the session registry and
// the dedup queue; multiple orchestrators (tests) are fully independent.
type Orchestrator struct {
	templates TemplateProvider
	schedules client.ScheduleProvider
	store     client.StorageClient
	cache     *cache.Cache
	queue     *queue.Queue
	registry  *engine.Registry
	engines   engine.Provider
	opts      Options
}

// New creates an orchestrator
func New(
	templates TemplateProvider,
	schedules client.ScheduleProvider,
	store client.StorageClient,
	contentCache *cache.Cache,
	registry *engine.Registry,
	engines engine.Provider,
	opts Options,
) *Orchestrator {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultOptions().JobTimeout
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultOptions().SignedURLTTL
	}
	return &Orchestrator{
		templates: templates,
		schedules: schedules,
		store:     store,
		cache:     contentCache,
		queue:     queue.New(opts.MaxConcurrent),
		registry:  registry,
		engines:   engines,
		opts:      opts,
	}
}

// Generate resolves one request: cache hit when the fingerprint still
// matches, otherwise a deduplicated render run whose result is committed to
// the cache before any waiter resolves.
func (o *Orchestrator) Generate(ctx context.Context, req *Request) (*Result, error) {
	tpl, err := o.templates.GetTemplate(ctx, req.OwnerID, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template: %w", err)
	}

	schedule := req.Schedule
	if schedule == nil {
		schedule, err = o.schedules.GetSchedule(ctx, req.Source, req.SourceID, req.FromDate, req.ToDate)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch schedule: %w", err)
		}
	}

	fp := model.Fingerprint(schedule, tpl.ID, tpl.Version)
	if req.FingerprintComputed != nil {
		req.FingerprintComputed(fp)
	}
	ref := cache.ContentRef{OwnerID: req.OwnerID, TemplateID: req.TemplateID, ContentID: req.ContentID}

	if !req.ForceRefresh {
		if eff, err := o.cache.Get(ctx, ref); err == nil {
			if eff.HasOverwrite || (eff.Meta != nil && eff.Meta.Fingerprint == fp) {
				return &Result{Fingerprint: fp, Cached: true, Effective: eff}, nil
			}
		} else if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("Pipeline: cache read failed for %s, regenerating: %v", req.ContentID, err)
		}
	}

	export, err := o.queue.Enqueue(ctx, fp, func(jctx context.Context) (*model.Export, error) {
		return o.runRenderSession(jctx, tpl, schedule, ref, fp)
	}, o.opts.JobTimeout)
	if err != nil {
		return nil, err
	}

	eff, err := o.cache.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("generated output not readable from cache: %w", err)
	}
	return &Result{Fingerprint: fp, Export: export, Effective: eff}, nil
}

// runRenderSession compiles the edit program and drives one engine
// instance through it. Runs inside the dedup queue: exactly once per
// in-flight fingerprint.
func (o *Orchestrator) runRenderSession(ctx context.Context, tpl *model.Template, schedule *model.ScheduleData, ref cache.ContentRef, fp string) (*model.Export, error) {
	instructions, err := compiler.Compile(tpl, schedule)
	if err != nil {
		return nil, err
	}

	sourceKey := tpl.SourceKey
	if sourceKey == "" {
		sourceKey = cache.TemplateSourceKey(tpl.OwnerID, tpl.ID)
	}
	docURL, err := o.store.GetSignedURL(ctx, sourceKey, o.opts.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign template source URL: %w", err)
	}

	namespace := uuid.New().String()
	conn, err := o.engines.Mount(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to mount engine instance: %w", err)
	}

	session := engine.NewSession(namespace, conn, instructions, o.opts.SessionOptions)
	if err := o.registry.Register(session); err != nil {
		conn.Close()
		return nil, err
	}
	defer o.registry.Unregister(namespace)

	if err := session.Start(docURL); err != nil {
		session.Cancel()
		return nil, err
	}

	export, err := session.Wait(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range session.Warnings() {
		log.Printf("Render %s: %s", namespace, w)
	}

	// Commit before the queue resolves any waiter, so a waiter reading
	// the cache right after resolution sees consistent data.
	if err := o.cache.Put(ctx, ref, fp, export); err != nil {
		return nil, fmt.Errorf("failed to commit export: %w", err)
	}
	return export, nil
}

// Status reports an in-flight job's queue state
func (o *Orchestrator) Status(fingerprint string) (model.JobStatus, bool) {
	return o.queue.Status(fingerprint)
}

// Cancel aborts an in-flight job for a fingerprint
func (o *Orchestrator) Cancel(fingerprint string) bool {
	return o.queue.Cancel(fingerprint)
}

// ActiveSessions reports live render sessions (health endpoint)
func (o *Orchestrator) ActiveSessions() int {
	return o.registry.Len()
}
