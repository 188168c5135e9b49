package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/kalambet/memex/internal/classify"
)

// lastSweepKey holds the time of the last successful sweep in the mirror.
const lastSweepKey = "lastArchiveRun"

var entryKeys = glob.MustCompile(KeyPrefix + "*")

// Primary is the structured store: a keyed table of entries queryable by
// archived flag and ordered by creation time.
type Primary interface {
	Insert(ctx context.Context, e Entry) error
	Replace(ctx context.Context, e Entry) error
	Update(ctx context.Context, id string, p Patch) error
	Get(ctx context.Context, id string) (Entry, error)
	// ListByArchived returns entries with the given flag, newest first.
	ListByArchived(ctx context.Context, archived bool) ([]Entry, error)
	ListAll(ctx context.Context) ([]Entry, error)
	// ArchiveStale archives unarchived entries last accessed before cutoff.
	ArchiveStale(ctx context.Context, cutoff int64) (int, error)
	Count(ctx context.Context) (int, error)
}

// Mirror is the flat redundant copy: a string-keyed value space.
type Mirror interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte) error
}

// RepairQueue schedules a later copy of a primary entry into the mirror.
type RepairQueue interface {
	EnqueueMirrorSync(ctx context.Context, id string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps holds the collaborators of a Service. Primary and Mirror are
// required; everything else has a default.
type Deps struct {
	Primary Primary
	Mirror  Mirror
	Repairs RepairQueue // optional; degraded mirror writes are only logged when nil
	Clock   Clock
	NewID   func() string
	Logger  *slog.Logger
}

// Service creates, reads and mutates entries across both stores.
type Service struct {
	primary Primary
	mirror  Mirror
	repairs RepairQueue
	clock   Clock
	newID   func() string
	logger  *slog.Logger
}

// New creates a Service from deps.
func New(deps Deps) *Service {
	s := &Service{
		primary: deps.Primary,
		mirror:  deps.Mirror,
		repairs: deps.Repairs,
		clock:   deps.Clock,
		newID:   deps.NewID,
		logger:  deps.Logger,
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) now() int64 {
	return s.clock.Now().UnixMilli()
}

// ValidateText trims raw and checks it against the length bounds.
func ValidateText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", &ValidationError{Err: ErrEmptyText}
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", &ValidationError{Err: ErrTextTooLong}
	}
	return text, nil
}

// Create validates and classifies raw text and writes the new entry to both
// stores at once. It succeeds when at least one write lands.
func (s *Service) Create(ctx context.Context, raw string) (Entry, error) {
	text, err := ValidateText(raw)
	if err != nil {
		return Entry{}, err
	}

	res := classify.Classify(text)
	now := s.now()
	e := Entry{
		ID:             s.newID(),
		RawText:        text,
		Type:           res.Type,
		Items:          res.Items,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	e.Normalize()

	data, err := Encode(e)
	if err != nil {
		return Entry{}, err
	}

	var primaryErr, mirrorErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = s.primary.Insert(ctx, e)
	}()
	go func() {
		defer wg.Done()
		mirrorErr = s.mirror.Set(ctx, MirrorKey(e.ID), data)
	}()
	wg.Wait()

	switch {
	case primaryErr != nil && mirrorErr != nil:
		return Entry{}, &PersistenceError{Op: "create", Primary: primaryErr, Mirror: mirrorErr}
	case primaryErr != nil:
		s.logger.Warn("degraded write: primary store rejected entry", "entry_id", e.ID, "error", primaryErr)
	case mirrorErr != nil:
		s.logger.Warn("degraded write: mirror rejected entry", "entry_id", e.ID, "error", mirrorErr)
		s.scheduleRepair(ctx, e.ID)
	}
	return e, nil
}

func (s *Service) scheduleRepair(ctx context.Context, id string) {
	if s.repairs == nil {
		return
	}
	if err := s.repairs.EnqueueMirrorSync(ctx, id); err != nil {
		s.logger.Error("failed to queue mirror repair", "entry_id", id, "error", err)
	}
}

// Update applies a partial update and stamps lastAccessedAt. The mirror copy
// is patched only when it already exists; mirror failures never fail the
// call while the primary write succeeds.
func (s *Service) Update(ctx context.Context, id string, p Patch) error {
	_, err := s.update(ctx, id, p)
	return err
}

func (s *Service) update(ctx context.Context, id string, p Patch) (int64, error) {
	if p.RawText != nil {
		text, err := ValidateText(*p.RawText)
		if err != nil {
			return 0, err
		}
		p.RawText = &text
	}
	if p.Type != nil {
		if !p.Type.Valid() {
			return 0, &ValidationError{Err: fmt.Errorf("%w: %q", ErrInvalidType, *p.Type)}
		}
		if *p.Type == TypeNote {
			var none []ChecklistItem
			p.Items = &none
		}
	}
	p.LastAccessedAt = s.now()

	var primaryErr, mirrorErr error
	var mirrored bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = s.primary.Update(ctx, id, p)
	}()
	go func() {
		defer wg.Done()
		mirrored, mirrorErr = s.patchMirror(ctx, id, p)
	}()
	wg.Wait()

	if mirrorErr != nil {
		s.logger.Warn("mirror update failed", "entry_id", id, "error", mirrorErr)
	}
	if primaryErr == nil {
		return p.LastAccessedAt, nil
	}
	if mirrored {
		s.logger.Warn("degraded write: primary store rejected update", "entry_id", id, "error", primaryErr)
		return p.LastAccessedAt, nil
	}
	if errors.Is(primaryErr, ErrNotFound) && mirrorErr == nil {
		return 0, fmt.Errorf("updating %s: %w", id, ErrNotFound)
	}
	return 0, &PersistenceError{Op: "update", Primary: primaryErr, Mirror: mirrorErr}
}

// patchMirror merges p into the mirrored record. It reports false without an
// error when there is no record to patch.
func (s *Service) patchMirror(ctx context.Context, id string, p Patch) (bool, error) {
	key := MirrorKey(id)
	data, ok, err := s.mirror.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading mirror record: %w", err)
	}
	if !ok {
		return false, nil
	}
	e, err := Decode(data)
	if err != nil {
		return false, err
	}
	out, err := Encode(p.Apply(e))
	if err != nil {
		return false, err
	}
	if err := s.mirror.Set(ctx, key, out); err != nil {
		return false, fmt.Errorf("writing mirror record: %w", err)
	}
	return true, nil
}

// ToggleType flips note and checklist. Switching to checklist re-extracts
// items from the raw text, so earlier item state is not restored.
func (s *Service) ToggleType(ctx context.Context, e Entry) (Entry, error) {
	next := e.Type.Toggle()
	var items []ChecklistItem
	if next == TypeChecklist {
		items = classify.ExtractItems(e.RawText)
	}

	stamp, err := s.update(ctx, e.ID, Patch{Type: &next, Items: &items})
	if err != nil {
		return e, err
	}

	e.Type = next
	e.Items = items
	e.LastAccessedAt = stamp
	e.Normalize()
	return e, nil
}

// ToggleItem flips the checked flag of one item. An entry without items or
// an out-of-range index is returned unchanged and nothing is written.
func (s *Service) ToggleItem(ctx context.Context, e Entry, index int) ([]ChecklistItem, error) {
	if e.Items == nil || index < 0 || index >= len(e.Items) {
		return e.Items, nil
	}

	items := slices.Clone(e.Items)
	items[index].Checked = !items[index].Checked

	if _, err := s.update(ctx, e.ID, Patch{Items: &items}); err != nil {
		return e.Items, err
	}
	return items, nil
}

// Archive hides an entry from the active listing.
func (s *Service) Archive(ctx context.Context, id string) error {
	archived := true
	return s.Update(ctx, id, Patch{Archived: &archived})
}

// Get returns one entry, falling back to the mirror when the primary store
// cannot produce it.
func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	e, primaryErr := s.primary.Get(ctx, id)
	if primaryErr == nil {
		return e, nil
	}

	data, ok, err := s.mirror.Get(ctx, MirrorKey(id))
	if err == nil && ok {
		if e, decErr := Decode(data); decErr == nil {
			if !errors.Is(primaryErr, ErrNotFound) {
				s.logger.Warn("primary read failed, served from mirror", "entry_id", id, "error", primaryErr)
			}
			return e, nil
		}
	}
	if errors.Is(primaryErr, ErrNotFound) && err == nil {
		return Entry{}, fmt.Errorf("getting %s: %w", id, ErrNotFound)
	}
	return Entry{}, &ReadError{Primary: primaryErr, Mirror: err}
}

// ListActive returns unarchived entries, newest first. If the primary query
// fails the mirror is scanned instead; corrupted records are skipped.
func (s *Service) ListActive(ctx context.Context) ([]Entry, error) {
	entries, err := s.primary.ListByArchived(ctx, false)
	if err == nil {
		return entries, nil
	}

	s.logger.Warn("primary read failed, scanning mirror", "error", err)
	all, scanErr := s.scanMirror(ctx)
	if scanErr != nil {
		return nil, &ReadError{Primary: err, Mirror: scanErr}
	}

	active := make([]Entry, 0, len(all))
	for _, e := range all {
		if !e.Archived {
			active = append(active, e)
		}
	}
	SortNewestFirst(active)
	return active, nil
}

// SortNewestFirst orders entries by createdAt descending, then id descending,
// matching the primary store's ordering.
func SortNewestFirst(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// scanMirror decodes every entry record in the mirror. Only a failure to
// enumerate keys is returned; unreadable records are skipped.
func (s *Service) scanMirror(ctx context.Context) ([]Entry, error) {
	keys, err := s.mirror.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing mirror keys: %w", err)
	}

	var entries []Entry
	for _, key := range keys {
		if !entryKeys.Match(key) {
			continue
		}
		data, ok, err := s.mirror.Get(ctx, key)
		if err != nil || !ok {
			s.logger.Debug("skipping unreadable mirror record", "key", key, "error", err)
			continue
		}
		e, err := Decode(data)
		if err != nil {
			s.logger.Debug("skipping corrupted mirror record", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Sweep archives every unarchived entry not accessed within threshold, first
// in the primary store and then across mirror records. Re-running it is a
// no-op for entries it already archived.
func (s *Service) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	res := SweepResult{Cutoff: s.now() - threshold.Milliseconds()}

	n, primaryErr := s.primary.ArchiveStale(ctx, res.Cutoff)
	if primaryErr != nil {
		primaryErr = fmt.Errorf("archiving in primary store: %w", primaryErr)
	}
	res.Primary = n

	m, mirrorErr := s.sweepMirror(ctx, res.Cutoff)
	res.Mirror = m

	return res, errors.Join(primaryErr, mirrorErr)
}

func (s *Service) sweepMirror(ctx context.Context, cutoff int64) (int, error) {
	keys, err := s.mirror.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing mirror keys: %w", err)
	}

	count := 0
	for _, key := range keys {
		if !entryKeys.Match(key) {
			continue
		}
		data, ok, err := s.mirror.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		e, err := Decode(data)
		if err != nil {
			continue
		}
		if e.Archived || e.LastAccessedAt >= cutoff {
			continue
		}
		e.Archived = true
		out, err := Encode(e)
		if err != nil {
			continue
		}
		if err := s.mirror.Set(ctx, key, out); err != nil {
			s.logger.Warn("failed to archive mirror record", "key", key, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// RecordSweep stores the time of a successful sweep.
func (s *Service) RecordSweep(ctx context.Context, at time.Time) error {
	return s.mirror.Set(ctx, lastSweepKey, []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}

// LastSweep returns the time of the last recorded sweep.
func (s *Service) LastSweep(ctx context.Context) (time.Time, bool, error) {
	data, ok, err := s.mirror.Get(ctx, lastSweepKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s: %w", lastSweepKey, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Health checks the primary store.
func (s *Service) Health(ctx context.Context) Health {
	n, err := s.primary.Count(ctx)
	if err != nil {
		s.logger.Error("database health check failed", "error", err)
		return Health{}
	}
	return Health{Open: true, Entries: n}
}

// SyncMirror copies the primary version of an entry into the mirror.
func (s *Service) SyncMirror(ctx context.Context, id string) error {
	e, err := s.primary.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", id, err)
	}
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if err := s.mirror.Set(ctx, MirrorKey(id), data); err != nil {
		return fmt.Errorf("writing mirror record %s: %w", id, err)
	}
	return nil
}

// Reconcile brings both stores back in line. Entries present in only one
// store are copied to the other; when both hold an entry the copy with the
// later lastAccessedAt wins, and on a tie an archived copy wins.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	primaryAll, err := s.primary.ListAll(ctx)
	if err != nil {
		return res, fmt.Errorf("listing primary entries: %w", err)
	}
	mirrorAll, err := s.scanMirror(ctx)
	if err != nil {
		return res, err
	}

	mirrored := make(map[string]Entry, len(mirrorAll))
	for _, e := range mirrorAll {
		mirrored[e.ID] = e
	}

	for _, p := range primaryAll {
		m, ok := mirrored[p.ID]
		delete(mirrored, p.ID)
		switch {
		case !ok || (!p.Equal(m) && !newer(m, p)):
			if err := s.writeMirror(ctx, p); err != nil {
				s.logger.Warn("reconcile: mirror write failed", "entry_id", p.ID, "error", err)
				res.Failed++
				continue
			}
			res.ToMirror++
		case !p.Equal(m):
			if err := s.primary.Replace(ctx, m); err != nil {
				s.logger.Warn("reconcile: primary write failed", "entry_id", m.ID, "error", err)
				res.Failed++
				continue
			}
			res.ToPrimary++
		}
	}

	for _, m := range mirrored {
		if err := s.primary.Replace(ctx, m); err != nil {
			s.logger.Warn("reconcile: primary write failed", "entry_id", m.ID, "error", err)
			res.Failed++
			continue
		}
		res.ToPrimary++
	}

	return res, nil
}

// newer reports whether a should replace b.
func newer(a, b Entry) bool {
	if a.LastAccessedAt != b.LastAccessedAt {
		return a.LastAccessedAt > b.LastAccessedAt
	}
	return a.Archived && !b.Archived
}

func (s *Service) writeMirror(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return s.mirror.Set(ctx, MirrorKey(e.ID), data)
}
