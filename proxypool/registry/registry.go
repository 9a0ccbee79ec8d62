package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/urlutil"
	"linkguard/proxypool/health"
	"linkguard/proxypool/model"
	"linkguard/proxypool/storage"
)

// ErrNotFound is returned for an unknown proxy id.
var ErrNotFound = errors.New("proxy not found")

// ErrDuplicateProxy is matched by every DuplicateProxyError via errors.Is.
var ErrDuplicateProxy = errors.New("duplicate proxy")

type DuplicateProxyError struct {
	URL        string
	ExistingID string
}

func (e *DuplicateProxyError) Error() string {
	return fmt.Sprintf("proxy %s already exists (id %s)", e.URL, e.ExistingID)
}

func (e *DuplicateProxyError) Is(target error) bool { return target == ErrDuplicateProxy }

// entry guards one record. Metrics and status of a record are only written
// while holding its mutex.
type entry struct {
	mu sync.Mutex
	p  *model.ProxyEndpoint
}

// Registry 独占所有 ProxyEndpoint 对象。对外只返回副本，
// 同一记录的更新通过记录级互斥锁串行化，不同记录互不阻塞。
type Registry struct {
	storage storage.Storage
	scorer  *health.Scorer
	now     func() time.Time

	mu      sync.RWMutex // guards entries and byURL
	entries map[string]*entry
	byURL   map[string]string

	saveMu sync.Mutex // serializes copy+write so saves reach storage in order
	dirty  atomic.Bool
}

// NewRegistry 创建一个空的注册表，调用 Load 从存储恢复数据。
func NewRegistry(store storage.Storage, scorer *health.Scorer) *Registry {
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if scorer == nil {
		scorer = health.NewScorer(0, 0)
	}
	return &Registry{
		storage: store,
		scorer:  scorer,
		now:     time.Now,
		entries: make(map[string]*entry),
		byURL:   make(map[string]string),
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Scorer exposes the scorer used to derive health.
func (r *Registry) Scorer() *health.Scorer {
	return r.scorer
}

// Load 从存储加载代理到内存，替换当前内容。
func (r *Registry) Load() error {
	proxies, err := r.storage.Load()
	if err != nil {
		return err
	}
	l := logger.WithComponent("ProxyPool/Registry")

	entries := make(map[string]*entry, len(proxies))
	byURL := make(map[string]string, len(proxies))
	for id, p := range proxies {
		norm, err := urlutil.NormalizeOrigin(p.URL)
		if err != nil {
			l.Warn().Str("proxy_id", id).Str("url", p.URL).Msg("Dropping stored proxy with invalid URL.")
			continue
		}
		if other, dup := byURL[norm]; dup {
			l.Warn().Str("proxy_id", id).Str("duplicate_of", other).Msg("Dropping duplicate stored proxy.")
			continue
		}
		p.URL = norm
		entries[id] = &entry{p: p}
		byURL[norm] = id
	}

	r.mu.Lock()
	r.entries = entries
	r.byURL = byURL
	r.mu.Unlock()
	return nil
}

// Add 注册一个新代理，初始状态为 pending。
func (r *Registry) Add(rawURL, reason, addedBy string) (model.ProxyEndpoint, error) {
	norm, err := urlutil.NormalizeOrigin(rawURL)
	if err != nil {
		return model.ProxyEndpoint{}, err
	}

	r.mu.Lock()
	if id, exists := r.byURL[norm]; exists {
		r.mu.Unlock()
		return model.ProxyEndpoint{}, &DuplicateProxyError{URL: norm, ExistingID: id}
	}
	p := r.newEndpoint(norm, reason, addedBy)
	r.insertLocked(p)
	out := p.Clone()
	r.mu.Unlock()

	logger.WithComponent("ProxyPool/Registry").Info().Str("proxy_id", p.ID).Str("url", norm).Msg("Proxy added.")
	return out, r.Save()
}

// BulkItem is one candidate for BulkAdd. Line is carried through to the result
// so callers can report per-line outcomes.
type BulkItem struct {
	Line int
	URL  string
}

type Skipped struct {
	Line       int    `json:"line,omitempty"`
	URL        string `json:"url"`
	Reason     string `json:"reason"`
	ExistingID string `json:"existingId,omitempty"`
}

type ItemError struct {
	Line    int    `json:"line,omitempty"`
	Input   string `json:"input"`
	Message string `json:"message"`
}

// BulkResult 是批量添加的三路结果。
type BulkResult struct {
	Added   []model.ProxyEndpoint `json:"added"`
	Skipped []Skipped             `json:"skipped"`
	Errors  []ItemError           `json:"errors"`
}

// NewBulkResult returns a result whose slices encode as [] rather than null.
func NewBulkResult() BulkResult {
	return BulkResult{
		Added:   []model.ProxyEndpoint{},
		Skipped: []Skipped{},
		Errors:  []ItemError{},
	}
}

// BulkAdd 批量添加代理。与已有记录或本批次前面条目重复的 URL 记入 Skipped，
// 无法解析的记入 Errors。整批只持久化一次。
func (r *Registry) BulkAdd(items []BulkItem, addedBy string) (BulkResult, error) {
	res := NewBulkResult()

	r.mu.Lock()
	for _, it := range items {
		norm, err := urlutil.NormalizeOrigin(it.URL)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Line: it.Line, Input: it.URL, Message: err.Error()})
			continue
		}
		if id, exists := r.byURL[norm]; exists {
			res.Skipped = append(res.Skipped, Skipped{Line: it.Line, URL: norm, Reason: "already registered", ExistingID: id})
			continue
		}
		p := r.newEndpoint(norm, "", addedBy)
		r.insertLocked(p)
		res.Added = append(res.Added, p.Clone())
	}
	r.mu.Unlock()

	logger.WithComponent("ProxyPool/Registry").Info().
		Int("added", len(res.Added)).
		Int("skipped", len(res.Skipped)).
		Int("errors", len(res.Errors)).
		Msg("Bulk add finished.")

	if len(res.Added) == 0 {
		return res, nil
	}
	return res, r.Save()
}

// Get 返回指定代理的副本，健康度按当前时间重新评估。
func (r *Registry) Get(id string) (model.ProxyEndpoint, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return model.ProxyEndpoint{}, ErrNotFound
	}
	return r.snapshot(e, r.now()), nil
}

// Filter narrows List. A zero Filter matches everything.
type Filter struct {
	Statuses []model.Status
}

func (f *Filter) match(p *model.ProxyEndpoint) bool {
	if f == nil || len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// List 返回匹配过滤条件的代理副本，按创建时间排序。
func (r *Registry) List(f *Filter) []model.ProxyEndpoint {
	now := r.now()
	r.mu.RLock()
	out := make([]model.ProxyEndpoint, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		ok := f.match(e.p)
		e.mu.Unlock()
		if ok {
			out = append(out, r.snapshot(e, now))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of proxies per status.
func (r *Registry) Counts() map[model.Status]int {
	counts := make(map[model.Status]int, 4)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		counts[e.p.Status]++
		e.mu.Unlock()
	}
	return counts
}

// UpdateStatus 是管理员手动修改状态的入口，走 admin_override 迁移。
func (r *Registry) UpdateStatus(id string, status model.Status) (model.ProxyEndpoint, error) {
	if _, err := model.ParseStatus(string(status)); err != nil {
		return model.ProxyEndpoint{}, err
	}
	if _, err := r.Apply(id, model.Event{Kind: model.EventAdminOverride, Target: status}); err != nil {
		return model.ProxyEndpoint{}, err
	}
	if err := r.Save(); err != nil {
		return model.ProxyEndpoint{}, err
	}
	return r.Get(id)
}

// Apply runs one lifecycle event through model.Transition. Reaching
// StatusDeleted drops the record. The caller decides when to persist.
func (r *Registry) Apply(id string, ev model.Event) (model.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return "", ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := model.Transition(e.p.Status, ev)
	if err != nil {
		return e.p.Status, err
	}
	l := logger.WithComponent("ProxyPool/Registry")
	if next == model.StatusDeleted {
		delete(r.entries, id)
		delete(r.byURL, e.p.URL)
		l.Info().Str("proxy_id", id).Str("url", e.p.URL).Str("event", ev.String()).Msg("Proxy removed.")
	} else if next != e.p.Status {
		l.Info().Str("proxy_id", id).Str("from", string(e.p.Status)).Str("to", string(next)).Str("event", ev.String()).Msg("Proxy status changed.")
		e.p.Status = next
	}
	r.dirty.Store(true)
	return next, nil
}

// Update carries the editable fields of a PUT. Nil fields are left alone.
type Update struct {
	URL    *string
	Reason *string
	Status *model.Status
}

// Update 修改代理的 URL、备注或状态。URL 变更会重新做规范化与查重。
func (r *Registry) Update(id string, u Update) (model.ProxyEndpoint, error) {
	var norm string
	if u.URL != nil {
		var err error
		if norm, err = urlutil.NormalizeOrigin(*u.URL); err != nil {
			return model.ProxyEndpoint{}, err
		}
	}
	if u.Status != nil {
		if _, err := model.ParseStatus(string(*u.Status)); err != nil {
			return model.ProxyEndpoint{}, err
		}
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return model.ProxyEndpoint{}, ErrNotFound
	}
	e.mu.Lock()
	if u.URL != nil && norm != e.p.URL {
		if other, exists := r.byURL[norm]; exists {
			e.mu.Unlock()
			r.mu.Unlock()
			return model.ProxyEndpoint{}, &DuplicateProxyError{URL: norm, ExistingID: other}
		}
		delete(r.byURL, e.p.URL)
		r.byURL[norm] = id
		e.p.URL = norm
	}
	if u.Reason != nil {
		e.p.Reason = *u.Reason
	}
	if u.Status != nil {
		next, _ := model.Transition(e.p.Status, model.Event{Kind: model.EventAdminOverride, Target: *u.Status})
		e.p.Status = next
	}
	e.mu.Unlock()
	r.mu.Unlock()

	if err := r.Save(); err != nil {
		return model.ProxyEndpoint{}, err
	}
	return r.Get(id)
}

// RecordOutcome 将一次请求结果计入代理指标并重新评分，对单条记录是原子的。
func (r *Registry) RecordOutcome(id string, o model.Outcome) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	now := r.now()

	e.mu.Lock()
	e.p.Metrics.Apply(o, now)
	e.p.Metrics.Health = r.scorer.Score(e.p.Metrics, now)
	e.mu.Unlock()

	r.dirty.Store(true)
	return nil
}

// Remove 无条件删除代理（管理员操作）。
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.entries, id)
	delete(r.byURL, e.p.URL)
	r.mu.Unlock()

	logger.WithComponent("ProxyPool/Registry").Info().Str("proxy_id", id).Msg("Proxy deleted by admin.")
	return r.Save()
}

// RemoveInactive 删除所有 inactive 代理，返回删除数量。
func (r *Registry) RemoveInactive() (int, error) {
	removed := 0
	for _, p := range r.List(&Filter{Statuses: []model.Status{model.StatusInactive}}) {
		if next, err := r.Apply(p.ID, model.Event{Kind: model.EventRemove}); err == nil && next == model.StatusDeleted {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, r.Save()
}

// Save 将内存中的代理保存到存储。
func (r *Registry) Save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	// 先清 dirty 再拷贝：拷贝期间的更新会重新置位，由下次 Flush 落盘。
	r.dirty.Store(false)
	r.mu.RLock()
	out := make(map[string]*model.ProxyEndpoint, len(r.entries))
	for id, e := range r.entries {
		e.mu.Lock()
		c := e.p.Clone()
		e.mu.Unlock()
		out[id] = &c
	}
	r.mu.RUnlock()

	if err := r.storage.Save(out); err != nil {
		r.dirty.Store(true)
		return fmt.Errorf("failed to persist proxies: %w", err)
	}
	return nil
}

// Flush persists only if something changed since the last save.
func (r *Registry) Flush() error {
	if !r.dirty.Load() {
		return nil
	}
	return r.Save()
}

func (r *Registry) newEndpoint(norm, reason, addedBy string) *model.ProxyEndpoint {
	now := r.now()
	p := &model.ProxyEndpoint{
		ID:        uuid.New().String(),
		URL:       norm,
		Reason:    reason,
		Status:    model.StatusPending,
		AddedBy:   addedBy,
		CreatedAt: now,
	}
	p.Metrics.Health = r.scorer.Score(p.Metrics, now)
	return p
}

// insertLocked 必须在 r.mu 写锁下调用。
func (r *Registry) insertLocked(p *model.ProxyEndpoint) {
	r.entries[p.ID] = &entry{p: p}
	r.byURL[p.URL] = p.ID
}

func (r *Registry) snapshot(e *entry, now time.Time) model.ProxyEndpoint {
	e.mu.Lock()
	c := e.p.Clone()
	e.mu.Unlock()
	c.Metrics.Health = r.scorer.Score(c.Metrics, now)
	return c
}
