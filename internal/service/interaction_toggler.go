package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/observability"
)

const defaultToggleTimeout = 10 * time.Second

var (
	// ErrAuthenticationRequired is returned when an anonymous caller tries to mutate state.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInvalidInteraction is returned for an unknown kind or an empty content id.
	ErrInvalidInteraction = errors.New("invalid interaction")
	// ErrInteractionWriteFailed wraps a rejected insert or delete after the local state was reverted.
	ErrInteractionWriteFailed = errors.New("interaction could not be saved")
	// ErrToggleTimeout is returned when the backend did not answer in time.
	ErrToggleTimeout = errors.New("request timed out")
)

// TogglePhase is the position of one (user, content, kind) in the toggle state machine.
type TogglePhase string

// Toggle phases.
const (
	PhaseOff        TogglePhase = "off"
	PhasePendingOn  TogglePhase = "pending_on"
	PhaseOn         TogglePhase = "on"
	PhasePendingOff TogglePhase = "pending_off"
)

// ToggleResult is the outcome of a toggle.
type ToggleResult struct {
	Active bool
	Counts Counts
	Bound  bool
}

// InteractionToggler flips likes and bookmarks optimistically and confirms them with the backend.
type InteractionToggler interface {
	Toggle(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) (ToggleResult, error)
	Phase(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) TogglePhase
	Pending(userID string, ref models.ContentRef, kind models.InteractionKind) bool
}

type interactionToggler struct {
	store    *InteractionStore
	rows     backend.Rows
	counters CounterClient
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	tracer   trace.Tracer
	inflight singleflight.Group

	mu      sync.Mutex
	pending map[string]TogglePhase
}

// NewInteractionToggler constructs a toggler. A non-positive timeout uses the default.
func NewInteractionToggler(store *InteractionStore, rows backend.Rows, counters CounterClient, notifier Notifier, timeout time.Duration, logger zerolog.Logger) InteractionToggler {
	if timeout <= 0 {
		timeout = defaultToggleTimeout
	}
	return &interactionToggler{
		store:    store,
		rows:     rows,
		counters: counters,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With().Str("component", "interaction_toggler").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/polymath-api/internal/service/interaction"),
		pending:  make(map[string]TogglePhase),
	}
}

func toggleKey(userID string, ref models.ContentRef, kind models.InteractionKind) string {
	return userID + "|" + ref.Key() + "|" + string(kind)
}

// Toggle runs one optimistic toggle. Concurrent toggles of the same
// (user, content, kind) share a single backend round trip and result.
func (t *interactionToggler) Toggle(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) (ToggleResult, error) {
	if strings.TrimSpace(userID) == "" {
		observability.InteractionToggles().WithLabelValues(string(kind), "unauthenticated").Inc()
		t.notify(ctx, userID, NoticeWarning, NoticeAuthRequired, "Authentication required")
		return ToggleResult{}, ErrAuthenticationRequired
	}
	if !kind.Valid() || strings.TrimSpace(ref.ContentID) == "" {
		return ToggleResult{}, ErrInvalidInteraction
	}

	key := toggleKey(userID, ref, kind)
	value, err, _ := t.inflight.Do(key, func() (interface{}, error) {
		// A caller going away must not abandon a half-applied toggle.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		return t.run(runCtx, key, userID, ref, kind)
	})
	result, _ := value.(ToggleResult)
	return result, err
}

func (t *interactionToggler) run(ctx context.Context, key, userID string, ref models.ContentRef, kind models.InteractionKind) (ToggleResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("interaction.kind", string(kind)),
		attribute.String("interaction.content_type", string(ref.Type)),
		attribute.String("interaction.content_id", ref.ContentID),
	}
	ctx, span := t.tracer.Start(ctx, "interaction.toggle", trace.WithAttributes(attrs...))
	defer span.End()

	if _, err := t.store.Get(ctx, userID, ref); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hydrate failed")
		observability.InteractionToggles().WithLabelValues(string(kind), "error").Inc()
		return t.snapshot(userID, ref, kind), t.fail(ctx, userID, err)
	}

	previous, epoch := t.store.flip(userID, ref, kind)
	if previous {
		t.setPhase(key, PhasePendingOff)
	} else {
		t.setPhase(key, PhasePendingOn)
	}
	defer t.clearPhase(key)

	var err error
	if previous {
		err = t.remove(ctx, userID, ref, kind)
	} else {
		err = t.insert(ctx, userID, ref, kind)
	}

	if err != nil {
		t.store.revert(userID, ref, kind, previous, epoch)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		observability.InteractionToggles().WithLabelValues(string(kind), "reverted").Inc()
		t.logger.Warn().Err(err).Str("content", ref.Key()).Str("kind", string(kind)).Msg("interaction reverted")
		result := t.snapshot(userID, ref, kind)
		// The write may have landed before the failure was seen.
		t.store.Invalidate(ref)
		return result, t.fail(ctx, userID, err)
	}

	observability.InteractionToggles().WithLabelValues(string(kind), "ok").Inc()
	span.SetStatus(codes.Ok, "toggled")
	return t.snapshot(userID, ref, kind), nil
}

func (t *interactionToggler) insert(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) error {
	cfg := ref.Tables()
	recordID := uuid.NewString()

	row := backend.Row{"id": recordID}
	for column, value := range recordFilter(ref, userID) {
		row[column] = value
	}

	// The echo of this insert must not be counted a second time.
	t.store.expectRecord(ref, kind, recordID)
	if _, err := t.rows.Insert(ctx, cfg.JoinTable(kind), row); err != nil {
		t.store.forgetRecord(ref, kind, recordID)
		return err
	}

	t.counters.Increment(ctx, ref.ContentID, kind.CounterColumn(), cfg.ContentTable)
	return nil
}

func (t *interactionToggler) remove(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) error {
	cfg := ref.Tables()
	table := cfg.JoinTable(kind)
	filter := recordFilter(ref, userID)

	rows, err := t.rows.Select(ctx, table, backend.Query{Filter: filter})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// Already gone on the backend. No counter update will follow, so the
		// optimistic decrement is replaced by the stored values.
		t.reconcileCounts(ctx, ref)
		return nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := row.String("id"); id != "" {
			ids = append(ids, id)
		}
	}

	previous := t.store.removeRecords(ref, kind, ids)
	if err := t.rows.Delete(ctx, table, filter); err != nil {
		t.store.restoreRecords(ref, kind, previous)
		return err
	}

	t.counters.Decrement(ctx, ref.ContentID, kind.CounterColumn(), cfg.ContentTable)
	return nil
}

func (t *interactionToggler) reconcileCounts(ctx context.Context, ref models.ContentRef) {
	if _, bound := t.store.Counts(ref); !bound {
		return
	}
	if _, err := t.store.LoadCounts(ctx, ref); err != nil {
		t.logger.Warn().Err(err).Str("content", ref.Key()).Msg("failed to reconcile counters")
	}
}

func (t *interactionToggler) fail(ctx context.Context, userID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		t.notify(ctx, userID, NoticeError, NoticeTimeout, "Request timed out")
		return fmt.Errorf("%w: %w", ErrToggleTimeout, err)
	}
	t.notify(ctx, userID, NoticeError, NoticeWriteFailed, "Could not save your change")
	return fmt.Errorf("%w: %w", ErrInteractionWriteFailed, err)
}

func (t *interactionToggler) notify(ctx context.Context, userID, level, code, message string) {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(context.WithoutCancel(ctx), userID, Notice{Level: level, Code: code, Message: message})
}

func (t *interactionToggler) snapshot(userID string, ref models.ContentRef, kind models.InteractionKind) ToggleResult {
	state := t.store.peek(userID, ref)
	counts, bound := t.store.Counts(ref)
	return ToggleResult{Active: state.Has(kind), Counts: counts, Bound: bound}
}

func (t *interactionToggler) Phase(ctx context.Context, userID string, ref models.ContentRef, kind models.InteractionKind) TogglePhase {
	t.mu.Lock()
	phase, ok := t.pending[toggleKey(userID, ref, kind)]
	t.mu.Unlock()
	if ok {
		return phase
	}

	state, err := t.store.Get(ctx, userID, ref)
	if err != nil || !state.Has(kind) {
		return PhaseOff
	}
	return PhaseOn
}

func (t *interactionToggler) Pending(userID string, ref models.ContentRef, kind models.InteractionKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[toggleKey(userID, ref, kind)]
	return ok
}

func (t *interactionToggler) setPhase(key string, phase TogglePhase) {
	t.mu.Lock()
	t.pending[key] = phase
	t.mu.Unlock()
}

func (t *interactionToggler) clearPhase(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}
