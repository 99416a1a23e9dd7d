package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

type fakeTransport struct {
	mu sync.Mutex

	batches [][]string
	sent    []string

	accept   map[string]bool  // Batch results by id
	readsErr error            // Returned with accept
	results  map[string]error // Send results by id
}

func (f *fakeTransport) SendChapterReads(_ context.Context, actions []Action) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	f.batches = append(f.batches, ids)
	return f.accept, f.readsErr
}

func (f *fakeTransport) Send(_ context.Context, a Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, a.ID)
	return f.results[a.ID]
}

func newStore(t *testing.T) *BoltStore {
	t.Helper()

	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s Store, id string, typ ActionType, ts time.Time, retries int) {
	t.Helper()

	require.NoError(t, s.Put(Action{
		ID:         id,
		Type:       typ,
		Payload:    []byte(`{"series_id": "s1", "chapter_number": 1}`),
		Timestamp:  ts,
		DeviceID:   "phone",
		RetryCount: retries,
	}))
}

func ids(t *testing.T, s Store) map[string]int {
	t.Helper()

	actions, err := s.List()
	require.NoError(t, err)

	out := map[string]int{}
	for _, a := range actions {
		out[a.ID] = a.RetryCount
	}
	return out
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDrain_PartialBatchFailure(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{accept: map[string]bool{"r1": true, "r2": false, "r3": true}}
		r     = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "r1", ChapterRead, base, 0)
	put(t, store, "r2", ChapterRead, base.Add(time.Second), 0)
	put(t, store, "r3", ChapterRead, base.Add(2*time.Second), 0)

	res, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dequeued: 2, Failed: 1}, res)

	require.Len(t, tr.batches, 1)
	assert.Equal(t, []string{"r1", "r2", "r3"}, tr.batches[0])
	assert.Equal(t, map[string]int{"r2": 1}, ids(t, store))
}

func TestDrain_RetryCeiling(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{}
		r     = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "read", ChapterRead, base, 5)
	put(t, store, "add", LibraryAdd, base, 7)

	res, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dropped: 2}, res)

	assert.Empty(t, tr.batches)
	assert.Empty(t, tr.sent)
	assert.Empty(t, ids(t, store))
}

func TestDrain_SequentialInTimestampOrder(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{results: map[string]error{
			"add": ErrAlreadyApplied,
			"bad": catalog.Permanent("unexpected status code: 422", nil),
		}}
		r = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	// Queued out of order on purpose.
	put(t, store, "setting", SettingUpdate, base.Add(3*time.Second), 0)
	put(t, store, "update", LibraryUpdate, base.Add(time.Second), 0)
	put(t, store, "bad", LibraryDelete, base.Add(2*time.Second), 1)
	put(t, store, "add", LibraryAdd, base, 0)

	res, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dequeued: 3, Failed: 1}, res)

	assert.Equal(t, []string{"add", "update", "bad", "setting"}, tr.sent)
	assert.Equal(t, map[string]int{"bad": 2}, ids(t, store))
}

func TestDrain_ServerErrorIsLocalToAction(t *testing.T) {
	var (
		ctx   = context.Background()
		store = newStore(t)
		tr    = &fakeTransport{results: map[string]error{
			"first": catalog.Transient("unexpected status code: 503", nil),
		}}
		r = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "first", LibraryUpdate, base, 0)
	put(t, store, "second", SettingUpdate, base.Add(time.Second), 0)

	res, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dequeued: 1, Failed: 1}, res)
	assert.Equal(t, []string{"first", "second"}, tr.sent)
	assert.Equal(t, map[string]int{"first": 1}, ids(t, store))

	// It keeps failing until it reaches the ceiling and is dropped.
	for range 4 {
		_, err := r.Drain(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"first": 5}, ids(t, store))

	res, err = r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dropped: 1}, res)
	assert.Empty(t, ids(t, store))
	assert.Len(t, tr.sent, 6)
}

func TestDrain_OfflineStopsPass(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{results: map[string]error{
			"second": catalog.Transient("error calling PUT /api/settings/theme", ErrOffline),
		}}
		r = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "first", LibraryAdd, base, 0)
	put(t, store, "second", LibraryUpdate, base.Add(time.Second), 0)
	put(t, store, "third", SettingUpdate, base.Add(2*time.Second), 0)

	_, err := r.Drain(context.Background())
	require.ErrorIs(t, err, ErrOffline)

	assert.Equal(t, []string{"first", "second"}, tr.sent)
	// Nothing counted against the remaining actions.
	assert.Equal(t, map[string]int{"second": 0, "third": 0}, ids(t, store))
}

func TestDrain_SessionRejectedStopsPass(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{results: map[string]error{
			"first": catalog.Transient("PUT /api/settings/theme", ErrSessionRejected),
		}}
		r = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "first", SettingUpdate, base, 0)
	put(t, store, "second", SettingUpdate, base.Add(time.Second), 0)

	_, err := r.Drain(context.Background())
	require.ErrorIs(t, err, ErrSessionRejected)
	assert.Equal(t, []string{"first"}, tr.sent)
	assert.Equal(t, map[string]int{"first": 0, "second": 0}, ids(t, store))
}

func TestDrain_OfflineMidBatchKeepsAccepted(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{
			accept:   map[string]bool{"r1": true},
			readsErr: catalog.Transient("error calling POST /api/sync/chapter-reads", ErrOffline),
		}
		r = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "r1", ChapterRead, base, 0)
	put(t, store, "r2", ChapterRead, base.Add(time.Second), 0)
	put(t, store, "add", LibraryAdd, base.Add(2*time.Second), 0)

	res, err := r.Drain(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, DrainResult{Dequeued: 1}, res)
	assert.Empty(t, tr.sent)
	assert.Equal(t, map[string]int{"r2": 0, "add": 0}, ids(t, store))
}

func TestDrain_RejectedBatchCountsItsReads(t *testing.T) {
	var (
		store = newStore(t)
		tr    = &fakeTransport{readsErr: catalog.Transient("unexpected status code: 503", nil)}
		r     = NewReconciler(store, tr, Config{DeviceID: "phone"})
	)
	put(t, store, "r1", ChapterRead, base, 0)
	put(t, store, "r2", ChapterRead, base.Add(time.Second), 2)
	put(t, store, "add", LibraryAdd, base.Add(2*time.Second), 0)

	res, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dequeued: 1, Failed: 2}, res)
	assert.Equal(t, []string{"add"}, tr.sent)
	assert.Equal(t, map[string]int{"r1": 1, "r2": 3}, ids(t, store))
}

func TestDrain_Empty(t *testing.T) {
	var (
		tr = &fakeTransport{}
		r  = NewReconciler(newStore(t), tr, Config{})
	)

	res, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Empty(t, tr.batches)
}

func TestEnqueue(t *testing.T) {
	var (
		ctx   = context.Background()
		store = newStore(t)
		r     = NewReconciler(store, &fakeTransport{}, Config{DeviceID: "phone"})
	)
	r.now = func() time.Time { return base }

	a, err := r.Enqueue(ctx, LibraryAdd, LibraryPayload{SeriesID: "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "phone", a.DeviceID)
	assert.Equal(t, base, a.Timestamp)
	assert.Zero(t, a.RetryCount)

	pending, err := r.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	_, err = r.Enqueue(ctx, ChapterRead, ChapterReadPayload{SeriesID: "s1"})
	assert.True(t, catalog.IsPermanent(err))

	_, err = r.Enqueue(ctx, LibraryUpdate, LibraryPayload{SeriesID: "s1"})
	assert.True(t, catalog.IsPermanent(err))

	_, err = r.Enqueue(ctx, ActionType("RATE_SERIES"), map[string]int{"stars": 5})
	assert.True(t, catalog.IsPermanent(err))
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	put(t, s, "b", ChapterRead, base.Add(time.Second), 0)
	put(t, s, "a", ChapterRead, base.Add(time.Second), 0)
	put(t, s, "c", ChapterRead, base, 0)
	require.NoError(t, s.IncrementRetry("a", "missing"))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	actions, err := s.List()
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "c", actions[0].ID)
	assert.Equal(t, "a", actions[1].ID)
	assert.Equal(t, 1, actions[1].RetryCount)
	assert.Equal(t, "b", actions[2].ID)

	require.NoError(t, s.Delete("a", "b", "c"))
	actions, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, actions)
}
