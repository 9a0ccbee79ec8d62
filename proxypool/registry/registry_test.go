package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkguard/internal/shared/urlutil"
	"linkguard/proxypool/model"
	"linkguard/proxypool/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStorage) {
	t.Helper()
	ms := storage.NewMemoryStorage()
	r := NewRegistry(ms, nil)
	require.NoError(t, r.Load())
	return r, ms
}

func TestAdd_PendingAndPersisted(t *testing.T) {
	r, ms := newTestRegistry(t)

	p, err := r.Add("HTTP://Proxy.Example:3128/", "office", "alice")
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.example:3128", p.URL)
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, "alice", p.AddedBy)
	assert.Equal(t, model.HealthUnknown, p.Metrics.Health.Status)
	assert.Equal(t, 1, ms.Saves)
}

func TestAdd_Duplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, err := r.Add("http://proxy.example:3128", "", "a")
	require.NoError(t, err)

	_, err = r.Add("http://PROXY.example:3128/", "", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateProxy))

	var de *DuplicateProxyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, first.ID, de.ExistingID)
}

func TestAdd_InvalidURL(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add("socks5://proxy.example:1080", "", "a")
	assert.True(t, errors.Is(err, urlutil.ErrInvalidURL))
}

func TestBulkAdd_ThreeBuckets(t *testing.T) {
	r, ms := newTestRegistry(t)
	_, err := r.Add("http://existing.example", "", "a")
	require.NoError(t, err)

	res, err := r.BulkAdd([]BulkItem{
		{Line: 1, URL: "http://new.example"},
		{Line: 2, URL: "http://existing.example/"},
		{Line: 3, URL: "ftp://nope"},
		{Line: 4, URL: "http://NEW.example"},
	}, "bulk")
	require.NoError(t, err)

	require.Len(t, res.Added, 1)
	assert.Equal(t, "http://new.example", res.Added[0].URL)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 2, res.Skipped[0].Line)
	assert.Equal(t, 4, res.Skipped[1].Line)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Line)
	assert.Equal(t, 2, ms.Saves, "one save for Add, one for the batch")
}

func TestGetAndRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, err := r.Add("http://a.example", "", "a")
	require.NoError(t, err)

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.URL, got.URL)

	require.NoError(t, r.Remove(p.ID))
	_, err = r.Get(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Remove(p.ID), ErrNotFound)

	// the URL is free again
	_, err = r.Add("http://a.example", "", "a")
	assert.NoError(t, err)
}

func TestList_FilterAndOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	a, _ := r.Add("http://a.example", "", "x")
	b, _ := r.Add("http://b.example", "", "x")
	_, err := r.UpdateStatus(b.ID, model.StatusActive)
	require.NoError(t, err)

	all := r.List(nil)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	active := r.List(&Filter{Statuses: []model.Status{model.StatusActive}})
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	assert.Equal(t, map[model.Status]int{model.StatusPending: 1, model.StatusActive: 1}, r.Counts())
}

func TestUpdateStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, _ := r.Add("http://a.example", "", "x")

	got, err := r.UpdateStatus(p.ID, model.StatusFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFalsePositive, got.Status)

	_, err = r.UpdateStatus(p.ID, "bogus")
	assert.Error(t, err)

	_, err = r.UpdateStatus("missing", model.StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApply_FalsePositiveIsNotDeactivated(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, _ := r.Add("http://a.example", "", "x")
	_, err := r.UpdateStatus(p.ID, model.StatusFalsePositive)
	require.NoError(t, err)

	st, err := r.Apply(p.ID, model.Event{Kind: model.EventFailureThreshold})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.StatusFalsePositive, st)
}

func TestUpdate_Fields(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, _ := r.Add("http://a.example", "", "x")
	_, _ = r.Add("http://b.example", "", "x")

	newURL := "http://c.example:8080"
	reason := "moved"
	got, err := r.Update(a.ID, Update{URL: &newURL, Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, "http://c.example:8080", got.URL)
	assert.Equal(t, "moved", got.Reason)

	clash := "http://b.example"
	_, err = r.Update(a.ID, Update{URL: &clash})
	assert.ErrorIs(t, err, ErrDuplicateProxy)

	// old URL was released
	_, err = r.Add("http://a.example", "", "x")
	assert.NoError(t, err)
}

func TestRecordOutcome_ConcurrentUpdatesAreNotLost(t *testing.T) {
	r, _ := newTestRegistry(t)
	p, _ := r.Add("http://a.example", "", "x")

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				success := (w+i)%4 != 0
				assert.NoError(t, r.RecordOutcome(p.ID, model.Outcome{Success: success, ResponseTimeMs: 10}))
			}
		}(w)
	}
	wg.Wait()

	got, err := r.Get(p.ID)
	require.NoError(t, err)
	m := got.Metrics
	assert.EqualValues(t, workers*perWorker, m.TotalRequests)
	assert.LessOrEqual(t, m.FailedRequests, m.TotalRequests)
	assert.EqualValues(t, workers*perWorker/4, m.FailedRequests)
	assert.InDelta(t, float64(m.TotalRequests-m.FailedRequests)/float64(m.TotalRequests)*100, m.SuccessRate, 1e-9)
}

func TestRecordOutcome_UnknownProxy(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.ErrorIs(t, r.RecordOutcome("nope", model.Outcome{}), ErrNotFound)
}

func TestRemoveInactive(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		p, err := r.Add(fmt.Sprintf("http://p%d.example", i), "", "x")
		require.NoError(t, err)
		if i < 2 {
			_, err = r.UpdateStatus(p.ID, model.StatusInactive)
			require.NoError(t, err)
		}
	}

	n, err := r.RemoveInactive()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.List(nil), 1)
}

func TestFlush_OnlyWhenDirty(t *testing.T) {
	r, ms := newTestRegistry(t)
	p, _ := r.Add("http://a.example", "", "x")
	saves := ms.Saves

	require.NoError(t, r.Flush())
	assert.Equal(t, saves, ms.Saves)

	require.NoError(t, r.RecordOutcome(p.ID, model.Outcome{Success: true, ResponseTimeMs: 5}))
	require.NoError(t, r.Flush())
	assert.Equal(t, saves+1, ms.Saves)
}

func TestLoad_RestoresFromStorage(t *testing.T) {
	r, ms := newTestRegistry(t)
	p, _ := r.Add("http://a.example", "", "x")

	r2 := NewRegistry(ms, nil)
	require.NoError(t, r2.Load())
	got, err := r2.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.URL, got.URL)

	_, err = r2.Add("http://a.example/", "", "x")
	assert.ErrorIs(t, err, ErrDuplicateProxy)
}

// gatedStorage blocks the first Save after arm() until release is closed.
type gatedStorage struct {
	*storage.MemoryStorage
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
	onSave  func()
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemoryStorage: storage.NewMemoryStorage(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedStorage) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedStorage) Save(proxies map[string]*model.ProxyEndpoint) error {
	g.mu.Lock()
	block := g.armed
	g.armed = false
	hook := g.onSave
	g.onSave = nil
	g.mu.Unlock()

	if block {
		close(g.entered)
		<-g.release
	}
	if hook != nil {
		hook()
	}
	return g.MemoryStorage.Save(proxies)
}

func TestSave_ConcurrentSavesReachStorageInOrder(t *testing.T) {
	gs := newGatedStorage()
	r := NewRegistry(gs, nil)
	require.NoError(t, r.Load())
	b, err := r.Add("http://b.example:8080", "", "x")
	require.NoError(t, err)

	gs.arm()
	addDone := make(chan error, 1)
	go func() {
		_, err := r.Add("http://a.example:8080", "", "x")
		addDone <- err
	}()
	<-gs.entered

	removeDone := make(chan error, 1)
	go func() { removeDone <- r.Remove(b.ID) }()

	select {
	case <-removeDone:
		t.Fatal("remove persisted while an earlier save was still being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.release)
	require.NoError(t, <-addDone)
	require.NoError(t, <-removeDone)
	require.NoError(t, r.Flush())

	reloaded := NewRegistry(gs, nil)
	require.NoError(t, reloaded.Load())
	_, err = reloaded.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, reloaded.List(nil), 1)
}

func TestSave_UpdateDuringWriteStaysDirty(t *testing.T) {
	gs := newGatedStorage()
	r := NewRegistry(gs, nil)
	require.NoError(t, r.Load())
	p, err := r.Add("http://a.example:8080", "", "x")
	require.NoError(t, err)

	gs.mu.Lock()
	gs.onSave = func() {
		require.NoError(t, r.RecordOutcome(p.ID, model.Outcome{Success: true, ResponseTimeMs: 12}))
	}
	gs.mu.Unlock()
	require.NoError(t, r.Save())

	saves := gs.Saves
	require.NoError(t, r.Flush())
	assert.Equal(t, saves+1, gs.Saves, "outcome recorded mid-save is flushed later")

	reloaded := NewRegistry(gs, nil)
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Get(p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Metrics.TotalRequests)
}
