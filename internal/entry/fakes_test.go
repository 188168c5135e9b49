package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/memex/internal/mirror"
)

var errInjected = errors.New("injected failure")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePrimary is an in-memory Primary with per-operation failure switches.
type fakePrimary struct {
	mu      sync.Mutex
	entries map[string]Entry

	insertErr error
	updateErr error
	getErr    error
	listErr   error
	archErr   error
	countErr  error

	updateCalls int
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{entries: make(map[string]Entry)}
}

func (f *fakePrimary) Insert(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.entries[e.ID]; ok {
		return fmt.Errorf("duplicate id %s", e.ID)
	}
	f.entries[e.ID] = e
	return nil
}

func (f *fakePrimary) Replace(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries[e.ID] = e
	return nil
}

func (f *fakePrimary) Update(_ context.Context, id string, p Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	e, ok := f.entries[id]
	if !ok {
		return ErrNotFound
	}
	f.entries[id] = p.Apply(e)
	return nil
}

func (f *fakePrimary) Get(_ context.Context, id string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Entry{}, f.getErr
	}
	e, ok := f.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (f *fakePrimary) ListByArchived(_ context.Context, archived bool) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Entry
	for _, e := range f.entries {
		if e.Archived == archived {
			out = append(out, e)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

func (f *fakePrimary) ListAll(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	SortNewestFirst(out)
	return out, nil
}

func (f *fakePrimary) ArchiveStale(_ context.Context, cutoff int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archErr != nil {
		return 0, f.archErr
	}
	n := 0
	for id, e := range f.entries {
		if !e.Archived && e.LastAccessedAt < cutoff {
			e.Archived = true
			f.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (f *fakePrimary) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.entries), nil
}

func (f *fakePrimary) get(id string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return e, ok
}

// faultyMirror wraps a MemoryStore with failure switches.
type faultyMirror struct {
	*mirror.MemoryStore
	keysErr error
	getErr  error
	setErr  error
}

func newFaultyMirror() *faultyMirror {
	return &faultyMirror{MemoryStore: mirror.NewMemoryStore()}
}

func (m *faultyMirror) Keys(ctx context.Context) ([]string, error) {
	if m.keysErr != nil {
		return nil, m.keysErr
	}
	return m.MemoryStore.Keys(ctx)
}

func (m *faultyMirror) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	return m.MemoryStore.Get(ctx, key)
}

func (m *faultyMirror) Set(ctx context.Context, key string, val []byte) error {
	if m.setErr != nil {
		return m.setErr
	}
	return m.MemoryStore.Set(ctx, key, val)
}

func (m *faultyMirror) entry(id string) (Entry, bool) {
	data, ok, _ := m.MemoryStore.Get(context.Background(), MirrorKey(id))
	if !ok {
		return Entry{}, false
	}
	e, err := Decode(data)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) EnqueueMirrorSync(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return q.err
}

type harness struct {
	svc     *Service
	primary *fakePrimary
	mirror  *faultyMirror
	clock   *fakeClock
	queue   *recordingQueue
}

func newHarness() *harness {
	h := &harness{
		primary: newFakePrimary(),
		mirror:  newFaultyMirror(),
		clock:   newFakeClock(),
		queue:   &recordingQueue{},
	}
	seq := 0
	h.svc = New(Deps{
		Primary: h.primary,
		Mirror:  h.mirror,
		Repairs: h.queue,
		Clock:   h.clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		},
	})
	return h
}
