package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var errBackendDown = errors.New("backend unavailable")

// rowsStub is an in-memory backend.Rows with call counters and fault injection.
type rowsStub struct {
	mu      sync.Mutex
	tables  map[string][]backend.Row
	selects map[string]int
	inserts map[string]int
	deletes map[string]int

	insertErr error
	deleteErr error
	selectErr error
	// block, when set, holds inserts and deletes until the context ends or it is closed.
	block chan struct{}
}

func newRowsStub() *rowsStub {
	return &rowsStub{
		tables:  make(map[string][]backend.Row),
		selects: make(map[string]int),
		inserts: make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (s *rowsStub) seed(table string, row backend.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], copyRow(row))
}

func (s *rowsStub) rows(table string) []backend.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

func (s *rowsStub) selectCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects[table]
}

func (s *rowsStub) insertCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts[table]
}

func (s *rowsStub) deleteCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[table]
}

func (s *rowsStub) wait(ctx context.Context) error {
	if s.block == nil {
		return nil
	}
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *rowsStub) Select(_ context.Context, table string, query backend.Query) ([]backend.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects[table]++
	if s.selectErr != nil {
		return nil, s.selectErr
	}

	var out []backend.Row
	for _, row := range s.tables[table] {
		if matches(row, query.Filter) {
			out = append(out, copyRow(row))
		}
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func (s *rowsStub) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	s.mu.Lock()
	s.inserts[table]++
	err := s.insertErr
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	stored := copyRow(row)
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = time.Now().UTC()
	}

	s.mu.Lock()
	s.tables[table] = append(s.tables[table], stored)
	s.mu.Unlock()
	return copyRow(stored), nil
}

func (s *rowsStub) Update(_ context.Context, table string, patch backend.Row, filter backend.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if matches(row, filter) {
			for column, value := range patch {
				row[column] = value
			}
		}
	}
	return nil
}

func (s *rowsStub) Delete(ctx context.Context, table string, filter backend.Filter) error {
	s.mu.Lock()
	s.deletes[table]++
	err := s.deleteErr
	s.mu.Unlock()

	if err := s.wait(ctx); err != nil {
		return err
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !matches(row, filter) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
	return nil
}

func matches(row backend.Row, filter backend.Filter) bool {
	for column, value := range filter {
		if row.String(column) != fmt.Sprint(value) {
			return false
		}
	}
	return true
}

func copyRow(row backend.Row) backend.Row {
	out := make(backend.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

type procedureCall struct {
	function string
	args     backend.CounterArgs
}

// proceduresStub records counter calls and optionally fails them.
type proceduresStub struct {
	mu    sync.Mutex
	calls []procedureCall
	err   error
}

func (p *proceduresStub) Call(_ context.Context, function string, args backend.CounterArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, procedureCall{function: function, args: args})
	return p.err
}

func (p *proceduresStub) recorded() []procedureCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]procedureCall(nil), p.calls...)
}

// noticeRecorder captures notices.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeRecorder) Notify(_ context.Context, userID string, notice Notice) Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	notice.UserID = userID
	n.notices = append(n.notices, notice)
	return notice
}

func (n *noticeRecorder) codes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Code)
	}
	return out
}

func (n *noticeRecorder) last() Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return Notice{}
	}
	return n.notices[len(n.notices)-1]
}

// fakeChannel is one Subscribe call made against fakeRealtime.
type fakeChannel struct {
	spec         backend.EventSpec
	onEvent      func(backend.ChangeEvent)
	onStatus     func(backend.ChannelStatus, error)
	unsubscribed bool
}

// fakeRealtime hands out fake channels; respond decides the first status of each attempt.
type fakeRealtime struct {
	mu       sync.Mutex
	channels []*fakeChannel
	respond  func(attempt int) (backend.ChannelStatus, bool)
}

func (f *fakeRealtime) Subscribe(_ context.Context, _ string, spec backend.EventSpec, onEvent func(backend.ChangeEvent), onStatus func(backend.ChannelStatus, error)) (backend.Subscription, error) {
	channel := &fakeChannel{spec: spec, onEvent: onEvent, onStatus: onStatus}

	f.mu.Lock()
	attempt := len(f.channels)
	f.channels = append(f.channels, channel)
	respond := f.respond
	f.mu.Unlock()

	status := backend.StatusSubscribed
	reply := true
	if respond != nil {
		status, reply = respond(attempt)
	}
	if reply {
		var err error
		if status != backend.StatusSubscribed {
			err = errors.New(string(status))
		}
		onStatus(status, err)
	}

	return backend.SubscriptionFunc(func() error {
		f.mu.Lock()
		channel.unsubscribed = true
		f.mu.Unlock()
		return nil
	}), nil
}

func (f *fakeRealtime) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeRealtime) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

func (f *fakeRealtime) isUnsubscribed(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i].unsubscribed
}

// fakeClock records requested delays and fires every timer immediately,
// except the subscribe timeout, which never fires.
type fakeClock struct {
	mu       sync.Mutex
	delays   []time.Duration
	neverFor time.Duration
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	if d == c.neverFor {
		return make(chan time.Time)
	}
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}
