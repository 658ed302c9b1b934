package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
)

// InteractionState is the like and bookmark pair a user holds on content.
type InteractionState struct {
	IsLiked      bool `json:"is_liked"`
	IsBookmarked bool `json:"is_bookmarked"`
}

// Has reports whether the interaction of the given kind is on.
func (s InteractionState) Has(kind models.InteractionKind) bool {
	if kind == models.InteractionBookmark {
		return s.IsBookmarked
	}
	return s.IsLiked
}

func (s *InteractionState) set(kind models.InteractionKind, on bool) {
	if kind == models.InteractionBookmark {
		s.IsBookmarked = on
		return
	}
	s.IsLiked = on
}

// Counts is the counter display bound to a piece of content.
type Counts struct {
	Likes     int64 `json:"likes"`
	Bookmarks int64 `json:"bookmarks"`
}

// For returns the count for the given kind.
func (c Counts) For(kind models.InteractionKind) int64 {
	if kind == models.InteractionBookmark {
		return c.Bookmarks
	}
	return c.Likes
}

func (c *Counts) add(kind models.InteractionKind, delta int64) {
	target := &c.Likes
	if kind == models.InteractionBookmark {
		target = &c.Bookmarks
	}
	*target += delta
	if *target < 0 {
		*target = 0
	}
}

type recordStatus int

const (
	recordUnknown recordStatus = iota
	recordPresent
	recordRemoved
)

// boundCounts is a counter display. epoch moves every time server values are
// adopted, so an optimistic delta is only undone against the values it was
// applied to.
type boundCounts struct {
	counts Counts
	epoch  uint64
}

// contentEntry is everything cached for one piece of content.
type contentEntry struct {
	states  map[string]*InteractionState
	counts  *boundCounts
	records map[models.InteractionKind]map[string]recordStatus
	touched time.Time
}

// InteractionStore caches per-user interaction state and per-content counts.
// State is process memory only and is rebuilt from the backend on demand.
//
// Counts only move with values read from the content row or with the
// caller's own optimistic toggle. Join table events flip user state but never
// the counts: the counter update that follows them carries the new total, and
// the two arrive on independent channels in no fixed order.
type InteractionStore struct {
	rows    backend.Rows
	logger  zerolog.Logger
	hydrate singleflight.Group
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*contentEntry
}

// NewInteractionStore constructs an empty store backed by the row API.
func NewInteractionStore(rows backend.Rows, logger zerolog.Logger) *InteractionStore {
	return &InteractionStore{
		rows:    rows,
		logger:  logger.With().Str("component", "interaction_store").Logger(),
		now:     time.Now,
		entries: make(map[string]*contentEntry),
	}
}

func stateKey(userID string, ref models.ContentRef) string {
	return userID + "|" + ref.Key()
}

// recordFilter selects the join rows a user holds on content.
func recordFilter(ref models.ContentRef, userID string) backend.Filter {
	cfg := ref.Tables()
	filter := backend.Filter{
		cfg.ContentIDField: ref.ContentID,
		"user_id":          userID,
	}
	if cfg.Shared() {
		filter[models.ContentTypeColumn] = cfg.TypeColumnValue
	}
	return filter
}

// entryLocked returns the content entry, creating it when missing.
func (s *InteractionStore) entryLocked(ref models.ContentRef) *contentEntry {
	entry, ok := s.entries[ref.Key()]
	if !ok {
		entry = &contentEntry{
			states:  make(map[string]*InteractionState),
			records: make(map[models.InteractionKind]map[string]recordStatus),
		}
		s.entries[ref.Key()] = entry
	}
	entry.touched = s.now()
	return entry
}

// stateLocked returns the cached state without creating an entry.
func (s *InteractionStore) stateLocked(userID string, ref models.ContentRef) (*InteractionState, bool) {
	entry, ok := s.entries[ref.Key()]
	if !ok {
		return nil, false
	}
	state, ok := entry.states[userID]
	return state, ok
}

func (s *InteractionStore) boundLocked(ref models.ContentRef) (*boundCounts, bool) {
	entry, ok := s.entries[ref.Key()]
	if !ok || entry.counts == nil {
		return nil, false
	}
	return entry.counts, true
}

// Get returns the user's interaction state, reading both join tables once on
// first access. Anonymous users always get the zero state.
func (s *InteractionStore) Get(ctx context.Context, userID string, ref models.ContentRef) (InteractionState, error) {
	if userID == "" {
		return InteractionState{}, nil
	}

	s.mu.Lock()
	if state, ok := s.stateLocked(userID, ref); ok {
		current := *state
		s.entryLocked(ref)
		s.mu.Unlock()
		return current, nil
	}
	s.mu.Unlock()

	value, err, _ := s.hydrate.Do(stateKey(userID, ref), func() (interface{}, error) {
		s.mu.Lock()
		if state, ok := s.stateLocked(userID, ref); ok {
			current := *state
			s.mu.Unlock()
			return current, nil
		}
		s.mu.Unlock()

		cfg := ref.Tables()
		liked, err := s.readRecords(ctx, cfg.LikesTable, ref, userID)
		if err != nil {
			return nil, err
		}
		bookmarked, err := s.readRecords(ctx, cfg.BookmarksTable, ref, userID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		entry := s.entryLocked(ref)
		markRecords(entry, models.InteractionLike, liked)
		markRecords(entry, models.InteractionBookmark, bookmarked)
		if state, ok := entry.states[userID]; ok {
			return *state, nil
		}
		state := &InteractionState{IsLiked: len(liked) > 0, IsBookmarked: len(bookmarked) > 0}
		entry.states[userID] = state
		return *state, nil
	})
	if err != nil {
		return InteractionState{}, err
	}
	return value.(InteractionState), nil
}

func (s *InteractionStore) readRecords(ctx context.Context, table string, ref models.ContentRef, userID string) ([]backend.Row, error) {
	rows, err := s.rows.Select(ctx, table, backend.Query{Filter: recordFilter(ref, userID), Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("read %s for %s: %w", table, ref.Key(), err)
	}
	return rows, nil
}

func markRecords(entry *contentEntry, kind models.InteractionKind, rows []backend.Row) {
	for _, row := range rows {
		if id := row.String("id"); id != "" {
			entry.setRecord(kind, id, recordPresent)
		}
	}
}

// Invalidate drops every cached state for the content so the next Get re-reads it.
func (s *InteractionStore) Invalidate(ref models.ContentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[ref.Key()]; ok {
		entry.states = make(map[string]*InteractionState)
	}
}

// BindCounts attaches a counter display to the content, replacing any
// previous values.
func (s *InteractionStore) BindCounts(ref models.ContentRef, counts Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(ref)
	if entry.counts == nil {
		entry.counts = &boundCounts{}
	}
	entry.counts.counts = counts
	entry.counts.epoch++
}

// Counts returns the bound counter display, if any.
func (s *InteractionStore) Counts(ref models.ContentRef) (Counts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound, ok := s.boundLocked(ref)
	if !ok {
		return Counts{}, false
	}
	return bound.counts, true
}

// LoadCounts re-reads the counters from the content row and binds them,
// reconciling any drift left by dropped counter calls.
func (s *InteractionStore) LoadCounts(ctx context.Context, ref models.ContentRef) (Counts, error) {
	cfg := ref.Tables()
	rows, err := s.rows.Select(ctx, cfg.ContentTable, backend.Query{Filter: backend.Filter{"id": ref.ContentID}, Limit: 1})
	if err != nil {
		return Counts{}, fmt.Errorf("load counters for %s: %w", ref.Key(), err)
	}
	if len(rows) == 0 {
		return Counts{}, backend.ErrNotFound
	}

	likes, _ := rows[0].Int(models.CounterLikes)
	bookmarks, _ := rows[0].Int(models.CounterBookmarks)
	counts := Counts{Likes: likes, Bookmarks: bookmarks}
	s.BindCounts(ref, counts)
	return counts, nil
}

// ApplyRecordEvent folds a realtime insert or delete on a likes or bookmarks
// table into the owning user's state. Each record is applied at most once per
// direction, so redelivered or echoed events are ignored. It reports whether
// anything changed.
func (s *InteractionStore) ApplyRecordEvent(event backend.ChangeEvent) bool {
	row := event.Record()
	tag, cfg, kind, ok := models.JoinTableFor(event.Table, row.String(models.ContentTypeColumn))
	if !ok {
		return false
	}

	ref := models.ContentRef{ContentID: row.String(cfg.ContentIDField), Type: tag}
	recordID := row.String("id")
	userID := row.String("user_id")
	if ref.ContentID == "" || recordID == "" {
		s.logger.Debug().Str("table", event.Table).Msg("ignoring interaction event without identity")
		return false
	}

	var on bool
	switch event.Type {
	case backend.EventInsert:
		on = true
	case backend.EventDelete:
		on = false
	default:
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(ref)
	status := entry.record(kind, recordID)
	if (on && status != recordUnknown) || (!on && status == recordRemoved) {
		return false
	}
	if on {
		entry.setRecord(kind, recordID, recordPresent)
	} else {
		entry.setRecord(kind, recordID, recordRemoved)
	}
	if state, ok := entry.states[userID]; ok {
		state.set(kind, on)
	}
	return true
}

// ApplyCounterEvent adopts the authoritative counters carried by a content
// row update. Only bound displays are touched.
func (s *InteractionStore) ApplyCounterEvent(event backend.ChangeEvent) bool {
	if event.Type != backend.EventUpdate {
		return false
	}
	tag, ok := models.TagForContentTable(event.Table)
	if !ok {
		return false
	}

	ref := models.ContentRef{ContentID: event.New.String("id"), Type: tag}

	s.mu.Lock()
	defer s.mu.Unlock()

	bound, ok := s.boundLocked(ref)
	if !ok {
		return false
	}
	s.entryLocked(ref)

	adopted := false
	changed := false
	if likes, ok := event.New.Int(models.CounterLikes); ok {
		adopted = true
		changed = changed || likes != bound.counts.Likes
		bound.counts.Likes = likes
	}
	if bookmarks, ok := event.New.Int(models.CounterBookmarks); ok {
		adopted = true
		changed = changed || bookmarks != bound.counts.Bookmarks
		bound.counts.Bookmarks = bookmarks
	}
	if adopted {
		bound.epoch++
	}
	return changed
}

// Reset drops all cached state.
func (s *InteractionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*contentEntry)
}

// Prune drops every content entry untouched for longer than maxIdle and
// returns how many were dropped.
func (s *InteractionStore) Prune(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for key, entry := range s.entries {
		if entry.touched.Before(cutoff) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

// RunPruner prunes idle entries every interval until ctx ends.
func (s *InteractionStore) RunPruner(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := s.Prune(maxIdle); dropped > 0 {
				s.logger.Debug().Int("dropped", dropped).Msg("pruned idle interaction cache entries")
			}
		}
	}
}

// peek returns the cached state without hydrating.
func (s *InteractionStore) peek(userID string, ref models.ContentRef) InteractionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.stateLocked(userID, ref); ok {
		return *state
	}
	return InteractionState{}
}

// flip inverts the cached flag and moves the bound count with it. It returns
// the previous value and the epoch of the counts it moved.
func (s *InteractionStore) flip(userID string, ref models.ContentRef, kind models.InteractionKind) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(ref)
	state, ok := entry.states[userID]
	if !ok {
		state = &InteractionState{}
		entry.states[userID] = state
	}
	previous := state.Has(kind)
	state.set(kind, !previous)

	if entry.counts == nil {
		return previous, 0
	}
	if previous {
		entry.counts.counts.add(kind, -1)
	} else {
		entry.counts.counts.add(kind, 1)
	}
	return previous, entry.counts.epoch
}

// revert restores the flag to previous. The count change made by flip is
// undone only while no server values were adopted since, because those
// already exclude the failed write.
func (s *InteractionStore) revert(userID string, ref models.ContentRef, kind models.InteractionKind, previous bool, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.stateLocked(userID, ref); ok {
		state.set(kind, previous)
	}
	bound, ok := s.boundLocked(ref)
	if !ok || bound.epoch != epoch {
		return
	}
	if previous {
		bound.counts.add(kind, 1)
	} else {
		bound.counts.add(kind, -1)
	}
}

func (s *InteractionStore) expectRecord(ref models.ContentRef, kind models.InteractionKind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(ref).setRecord(kind, id, recordPresent)
}

func (s *InteractionStore) forgetRecord(ref models.ContentRef, kind models.InteractionKind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[ref.Key()]; ok {
		delete(entry.records[kind], id)
	}
}

// removeRecords tombstones the records and returns their previous statuses.
func (s *InteractionStore) removeRecords(ref models.ContentRef, kind models.InteractionKind, ids []string) map[string]recordStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(ref)
	previous := make(map[string]recordStatus, len(ids))
	for _, id := range ids {
		previous[id] = entry.record(kind, id)
		entry.setRecord(kind, id, recordRemoved)
	}
	return previous
}

func (s *InteractionStore) restoreRecords(ref models.ContentRef, kind models.InteractionKind, previous map[string]recordStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(ref)
	for id, status := range previous {
		if status == recordUnknown {
			delete(entry.records[kind], id)
			continue
		}
		entry.setRecord(kind, id, status)
	}
}

func (e *contentEntry) record(kind models.InteractionKind, id string) recordStatus {
	return e.records[kind][id]
}

func (e *contentEntry) setRecord(kind models.InteractionKind, id string, status recordStatus) {
	records, ok := e.records[kind]
	if !ok {
		records = make(map[string]recordStatus)
		e.records[kind] = records
	}
	records[id] = status
}
