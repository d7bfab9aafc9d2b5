package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/studioposts/api/internal/model"
)

// State is a render session's lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateEditing    State = "editing"
	StateReordering State = "reordering"
	StateExporting  State = "exporting"
	StateDone       State = "done"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further events are processed in this state
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

var (
	// ErrEngineFailure is an unrecoverable engine-side error
	ErrEngineFailure = errors.New("engine failure")
	// ErrCancelled means the session was torn down before finishing
	ErrCancelled = errors.New("render session cancelled")
	// ErrExportIncomplete means the engine never delivered every format
	ErrExportIncomplete = errors.New("export incomplete")
)

// Options tunes a session's export retry behaviour. The engine silently
// drops export commands sometimes, so the command is re-sent a bounded
// number of times; this is a compatibility shim for engine flakiness, and
// resends stop as soon as every format has arrived.
type Options struct {
	ExportAttempts    int
	ExportResendDelay time.Duration
}

// DefaultOptions matches production engine behaviour
func DefaultOptions() Options {
	return Options{ExportAttempts: 3, ExportResendDelay: 2 * time.Second}
}

// Session owns one render against one engine instance, identified by a
// namespace that is never reused while the session lives. It tracks the
// lifecycle Idle→Loading→Ready→Editing→(Reordering)→Exporting→Done, with
// Error reachable from any non-terminal state and Cancelled by teardown.
type Session struct {
	namespace string
	conn      Conn
	opts      Options

	mu        sync.Mutex
	state     State
	pending   []*Command // commands buffered until the engine is ready
	edits     []model.EditInstruction
	moves     []model.EditInstruction
	movesSent bool
	outputs   map[string][]byte
	sends     int
	resend    *time.Timer
	warnings  []string

	done   chan struct{}
	result *model.Export
	err    error
}

// NewSession splits the compiled instruction list into the edit batch and
// the move batch. Moves are held back until the engine reports a layer
// count change (new layers from image loads have materialized).
func NewSession(namespace string, conn Conn, instructions []model.EditInstruction, opts Options) *Session {
	if opts.ExportAttempts <= 0 {
		opts.ExportAttempts = 1
	}
	s := &Session{
		namespace: namespace,
		conn:      conn,
		opts:      opts,
		state:     StateIdle,
		outputs:   make(map[string][]byte),
		done:      make(chan struct{}),
	}
	for _, ins := range instructions {
		if ins.Kind == model.EditMoveLayer {
			s.moves = append(s.moves, ins)
		} else {
			s.edits = append(s.edits, ins)
		}
	}
	return s
}

// Namespace returns the session's isolation key
func (s *Session) Namespace() string { return s.namespace }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Warnings returns per-layer degradations collected during the render
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// Start points the engine instance at the template document and queues the
// edit batch. Everything but the open command is buffered until Ready.
func (s *Session) Start(documentURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("cannot start session in state %s", s.state)
	}
	s.state = StateLoading

	open, err := newCommand(CmdOpenDocument, s.namespace, OpenDocumentPayload{URL: documentURL})
	if err != nil {
		return err
	}
	if err := s.conn.Send(open); err != nil {
		return fmt.Errorf("failed to send open command: %w", err)
	}

	if len(s.edits) > 0 {
		apply, err := newCommand(CmdApplyEdits, s.namespace, ApplyEditsPayload{Instructions: s.edits})
		if err != nil {
			return err
		}
		s.sendLocked(apply)
	}
	return nil
}

// HandleEvent processes one engine event. Events arriving after the session
// settled are dropped so a late export for a torn-down namespace can never
// corrupt state.
func (s *Session) HandleEvent(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	switch ev.Type {
	case EvtReady:
		s.handleReadyLocked()
	case EvtLayerCountChanged:
		s.handleLayerCountLocked()
	case EvtFileExported:
		s.handleExportedLocked(ev)
	case EvtEngineError:
		s.handleErrorLocked(ev)
	}
}

func (s *Session) handleReadyLocked() {
	if s.state != StateLoading {
		return
	}
	s.state = StateReady

	flushed := s.pending
	s.pending = nil
	for _, cmd := range flushed {
		if err := s.conn.Send(cmd); err != nil {
			s.failLocked(fmt.Errorf("failed to send buffered %s command: %w", cmd.Type, err))
			return
		}
	}

	if len(flushed) == 0 && len(s.moves) == 0 {
		// Nothing to edit: export the document as-is.
		s.beginExportLocked()
		return
	}
	s.state = StateEditing
	if len(s.moves) == 0 {
		s.beginExportLocked()
	}
}

// handleLayerCountLocked sends the move batch exactly once, on the first
// count change after the edit batch. Later count changes (a second image
// load materializing) are ignored; re-sending moves is not idempotent on
// the engine side.
func (s *Session) handleLayerCountLocked() {
	if s.state != StateEditing || s.movesSent || len(s.moves) == 0 {
		return
	}
	s.movesSent = true
	s.state = StateReordering
	for _, mv := range s.moves {
		cmd, err := newCommand(CmdMoveLayer, s.namespace, MoveLayerPayload{From: mv.From, To: mv.To})
		if err != nil {
			s.failLocked(err)
			return
		}
		if err := s.conn.Send(cmd); err != nil {
			s.failLocked(fmt.Errorf("failed to send move command: %w", err))
			return
		}
	}
	s.beginExportLocked()
}

// handleExportedLocked records one finished format. First complete result
// per format wins; duplicate exports from retried commands are dropped.
func (s *Session) handleExportedLocked(ev *Event) {
	if s.state != StateExporting {
		return
	}
	var p FileExportedPayload
	if err := unmarshalPayload(ev.Payload, &p); err != nil {
		s.warnings = append(s.warnings, "malformed fileExported event dropped")
		return
	}
	if _, dup := s.outputs[p.Format]; dup || len(p.Data) == 0 {
		return
	}
	s.outputs[p.Format] = p.Data

	for _, f := range model.ExportFormats {
		if _, ok := s.outputs[string(f)]; !ok {
			return
		}
	}
	s.completeLocked()
}

func (s *Session) handleErrorLocked(ev *Event) {
	var p EngineErrorPayload
	if err := unmarshalPayload(ev.Payload, &p); err != nil {
		p.Message = "unparseable engine error"
	}
	if strings.HasPrefix(p.Message, "warning:") {
		s.warnings = append(s.warnings, strings.TrimSpace(strings.TrimPrefix(p.Message, "warning:")))
		return
	}
	s.failLocked(fmt.Errorf("%w: %s", ErrEngineFailure, p.Message))
}

func (s *Session) beginExportLocked() {
	s.state = StateExporting
	s.sendExportLocked()
}

func (s *Session) sendExportLocked() {
	var missing []string
	for _, f := range model.ExportFormats {
		if _, ok := s.outputs[string(f)]; !ok {
			missing = append(missing, string(f))
		}
	}
	if len(missing) == 0 {
		return
	}

	s.sends++
	cmd, err := newCommand(CmdExport, s.namespace, ExportPayload{Formats: missing})
	if err != nil {
		s.failLocked(err)
		return
	}
	if err := s.conn.Send(cmd); err != nil {
		s.failLocked(fmt.Errorf("failed to send export command: %w", err))
		return
	}

	if s.sends < s.opts.ExportAttempts {
		s.resend = time.AfterFunc(s.opts.ExportResendDelay, s.resendExport)
		return
	}
	// Final attempt: give the engine one last resend window, then settle
	// instead of sitting in Exporting until the job deadline.
	s.resend = time.AfterFunc(s.opts.ExportResendDelay, s.exportExpired)
}

func (s *Session) exportExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExporting {
		return
	}
	s.failLocked(ErrExportIncomplete)
}

func (s *Session) resendExport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateExporting {
		return
	}
	s.sendExportLocked()
}

func (s *Session) completeLocked() {
	raster := s.outputs[string(model.FormatRaster)]
	s.result = &model.Export{
		Document: s.outputs[string(model.FormatDocument)],
		Raster:   raster,
		Hash:     model.HashBytes(raster),
	}
	s.settleLocked(StateDone, nil)
}

func (s *Session) failLocked(err error) {
	s.settleLocked(StateError, err)
}

// Cancel tears the session down. Work already issued to the engine cannot
// be aborted mid-flight; its eventual late events are ignored.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.settleLocked(StateCancelled, ErrCancelled)
}

func (s *Session) settleLocked(state State, err error) {
	s.state = state
	s.err = err
	if s.resend != nil {
		s.resend.Stop()
	}
	s.teardownLocked()
	close(s.done)
}

// teardownLocked releases the sandboxed engine instance. Instances are a
// full document-editing environment each; leaking them grows without bound
// across sequential renders.
func (s *Session) teardownLocked() {
	if cmd, err := newCommand(CmdTeardown, s.namespace, nil); err == nil {
		if err := s.conn.Send(cmd); err != nil {
			log.Printf("Session %s: teardown send failed: %v", s.namespace, err)
		}
	}
	if err := s.conn.Close(); err != nil {
		log.Printf("Session %s: conn close failed: %v", s.namespace, err)
	}
}

// Wait blocks until the session settles or ctx expires. On Done it returns
// the export pair; on Error/Cancelled the settling error.
func (s *Session) Wait(ctx context.Context) (*model.Export, error) {
	select {
	case <-ctx.Done():
		s.Cancel()
		return nil, ctx.Err()
	case <-s.done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil || !s.result.Complete() {
		return nil, ErrExportIncomplete
	}
	return s.result, nil
}

func (s *Session) sendLocked(cmd *Command) {
	if s.state == StateLoading || s.state == StateIdle {
		s.pending = append(s.pending, cmd)
		return
	}
	if err := s.conn.Send(cmd); err != nil {
		s.failLocked(fmt.Errorf("failed to send %s command: %w", cmd.Type, err))
	}
}
