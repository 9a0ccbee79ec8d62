package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkguard/internal/metrics"
	"linkguard/internal/shared/logger"
	"linkguard/proxypool/importer"
	"linkguard/proxypool/model"
	"linkguard/proxypool/registry"
	"linkguard/proxypool/scraper"
	"linkguard/proxypool/tester"
)

// 保留的已结束批次数量上限，超出后淘汰最早结束的。
const maxFinishedBatches = 100

// 推送给前端的事件类型
const (
	EventTestStarted  = "proxy_test_started"
	EventTestFinished = "proxy_test_finished"
	EventImport       = "proxy_import"
)

var (
	ErrBatchNotFound = errors.New("test batch not found")
	ErrStopped       = errors.New("proxy pool manager is stopped")
)

// Notifier receives pool events, normally the websocket hub.
type Notifier interface {
	Publish(eventType string, data interface{})
}

type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchDone      BatchState = "done"
	BatchCancelled BatchState = "cancelled"
	BatchFailed    BatchState = "failed"
)

// Batch 是一个异步测试批次的对外视图。
type Batch struct {
	ID         string         `json:"batchId"`
	State      BatchState     `json:"state"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Result     *tester.Result `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type batch struct {
	view   Batch
	cancel context.CancelFunc
}

type Config struct {
	TestInterval   time.Duration // 0 disables scheduled pending/stale testing
	FlushInterval  time.Duration
	ScrapeInterval time.Duration
	AutoRemove     bool
}

// Manager 是代理池的调度器：定时测试、定时落盘、定时抓取，并跟踪异步测试批次。
type Manager struct {
	cfg      Config
	registry *registry.Registry
	tester   *tester.Tester
	importer *importer.Importer
	scrapers []scraper.Scraper
	notifier Notifier
	metrics  *metrics.Metrics

	mu      sync.Mutex
	batches map[string]*batch
	stopped bool // set by Stop under mu; no batch starts afterwards

	// 调度器与生命周期管理
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the scheduler. notifier and m may be nil.
func NewManager(cfg Config, reg *registry.Registry, t *tester.Tester, im *importer.Importer, notifier Notifier, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		registry: reg,
		tester:   t,
		importer: im,
		notifier: notifier,
		metrics:  m,
		batches:  make(map[string]*batch),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// AddScraper 添加一个新的抓取器到管理器中。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// Start 启动后台调度循环。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	m.refreshPoolGauge()

	m.wg.Add(1)
	go m.schedulerLoop()

	l.Info().
		Dur("test_interval", m.cfg.TestInterval).
		Dur("flush_interval", m.cfg.FlushInterval).
		Dur("scrape_interval", m.cfg.ScrapeInterval).
		Int("scrapers", len(m.scrapers)).
		Msg("ProxyPool Manager started.")
}

// tickerChan returns nil for a disabled interval; a nil channel never fires.
func tickerChan(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	testC, stopTest := tickerChan(m.cfg.TestInterval)
	defer stopTest()
	flushC, stopFlush := tickerChan(m.cfg.FlushInterval)
	defer stopFlush()
	scrapeC, stopScrape := tickerChan(m.cfg.ScrapeInterval)
	defer stopScrape()

	for {
		select {
		case <-testC:
			if _, err := m.RunTest(m.ctx, tester.Options{TestPending: true, TestStale: true, AutoRemove: m.cfg.AutoRemove}); err != nil {
				logger.WithComponent("ProxyPool/Manager").Error().Err(err).Msg("Scheduled test batch failed.")
			}
		case <-flushC:
			m.flush()
		case <-scrapeC:
			m.runScrapeCycle(m.ctx)
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) flush() {
	if err := m.registry.Flush(); err != nil {
		logger.WithComponent("ProxyPool/Manager").Error().Err(err).Msg("Failed to flush proxy registry.")
	}
	m.refreshPoolGauge()
}

func (m *Manager) refreshPoolGauge() {
	counts := m.registry.Counts()
	byName := make(map[string]int, len(counts))
	for s, n := range counts {
		byName[string(s)] = n
	}
	m.metrics.SetPoolSize(byName)
}

func (m *Manager) publish(eventType string, data interface{}) {
	if m.notifier != nil {
		m.notifier.Publish(eventType, data)
	}
}

// RunTest 同步执行一个测试批次，并在开始和结束时推送事件。
func (m *Manager) RunTest(ctx context.Context, opts tester.Options) (tester.Result, error) {
	return m.runTest(ctx, "", opts)
}

func (m *Manager) runTest(ctx context.Context, batchID string, opts tester.Options) (tester.Result, error) {
	m.publish(EventTestStarted, map[string]interface{}{
		"batchId":     batchID,
		"proxyIds":    opts.ProxyIDs,
		"testPending": opts.TestPending,
		"testStale":   opts.TestStale,
	})

	res, err := m.tester.Run(ctx, opts)
	m.refreshPoolGauge()

	finished := map[string]interface{}{
		"batchId":      batchID,
		"working":      res.Working,
		"failed":       res.Failed,
		"removedCount": res.RemovedCount,
		"cancelled":    res.Cancelled,
	}
	if err != nil {
		finished["error"] = err.Error()
	}
	m.publish(EventTestFinished, finished)
	return res, err
}

// StartBatch runs a test batch in the background and returns its id at once.
// It returns ErrStopped once Stop has been called.
func (m *Manager) StartBatch(opts tester.Options) (Batch, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Batch{}, ErrStopped
	}
	ctx, cancel := context.WithCancel(m.ctx)
	b := &batch{
		view:   Batch{ID: uuid.NewString(), State: BatchRunning, StartedAt: time.Now().UTC()},
		cancel: cancel,
	}
	m.batches[b.view.ID] = b
	view := b.view
	// Add 与 stopped 检查在同一把锁内，Stop 的 Wait 一定能看到它
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.ObserveBatch(string(BatchRunning))
	logger.WithComponent("ProxyPool/Manager").Info().Str("batch_id", view.ID).Int("proxy_ids", len(opts.ProxyIDs)).Msg("Async test batch started.")

	go func() {
		defer m.wg.Done()
		defer cancel()
		res, err := m.runTest(ctx, view.ID, opts)
		m.finishBatch(view.ID, res, err)
	}()
	return view, nil
}

func (m *Manager) finishBatch(id string, res tester.Result, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	b, ok := m.batches[id]
	if ok {
		b.view.FinishedAt = &now
		b.view.Result = &res
		switch {
		case err != nil:
			b.view.State = BatchFailed
			b.view.Error = err.Error()
		case res.Cancelled:
			b.view.State = BatchCancelled
		default:
			b.view.State = BatchDone
		}
		m.metrics.ObserveBatch(string(b.view.State))
	}
	m.pruneLocked()
	m.mu.Unlock()
}

// pruneLocked drops the oldest finished batches beyond maxFinishedBatches.
func (m *Manager) pruneLocked() {
	finished := make([]*batch, 0, len(m.batches))
	for _, b := range m.batches {
		if b.view.FinishedAt != nil {
			finished = append(finished, b)
		}
	}
	if len(finished) <= maxFinishedBatches {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].view.FinishedAt.Before(*finished[j].view.FinishedAt)
	})
	for _, b := range finished[:len(finished)-maxFinishedBatches] {
		delete(m.batches, b.view.ID)
	}
}

// Batch returns the current view of an async batch.
func (m *Manager) Batch(id string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b.view, nil
}

// CancelBatch 请求取消一个运行中的批次。已发出的探测会跑完，批次状态随后变为 cancelled。
// 对已结束的批次无副作用。
func (m *Manager) CancelBatch(id string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	if b.view.State == BatchRunning {
		b.cancel()
	}
	return b.view, nil
}

// Import 导入粘贴的代理列表并推送导入事件。
func (m *Manager) Import(raw, addedBy string) (registry.BulkResult, error) {
	res, err := m.importer.Import(raw, addedBy)
	m.afterImport(addedBy, res)
	return res, err
}

// ImportRemote fetches one remote list with a fresh scraper and imports it.
func (m *Manager) ImportRemote(ctx context.Context, sourceURL string, timeout time.Duration) (registry.BulkResult, error) {
	s := scraper.NewRemoteListScraper(sourceURL, timeout)
	return m.importFrom(ctx, s)
}

func (m *Manager) importFrom(ctx context.Context, s scraper.Scraper) (registry.BulkResult, error) {
	urls, err := s.Scrape(ctx)
	if err != nil {
		return registry.NewBulkResult(), err
	}
	addedBy := "scraper:" + s.Name()
	res, err := m.importer.ImportURLs(urls, addedBy)
	m.afterImport(addedBy, res)
	return res, err
}

func (m *Manager) afterImport(addedBy string, res registry.BulkResult) {
	m.refreshPoolGauge()
	if len(res.Added) == 0 && len(res.Skipped) == 0 && len(res.Errors) == 0 {
		return
	}
	m.publish(EventImport, map[string]interface{}{
		"addedBy": addedBy,
		"added":   len(res.Added),
		"skipped": len(res.Skipped),
		"errors":  len(res.Errors),
	})
}

// runScrapeCycle 依次执行所有抓取器，单个抓取器失败不影响其他。
func (m *Manager) runScrapeCycle(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	for _, s := range m.scrapers {
		if ctx.Err() != nil {
			return
		}
		res, err := m.importFrom(ctx, s)
		if err != nil {
			l.Warn().Err(err).Str("scraper", s.Name()).Msg("Scraper failed.")
			continue
		}
		l.Info().Str("scraper", s.Name()).Int("added", len(res.Added)).Int("skipped", len(res.Skipped)).Msg("Scrape imported.")
	}
}

// AddedIDs collects the ids of newly added proxies.
func AddedIDs(added []model.ProxyEndpoint) []string {
	ids := make([]string, 0, len(added))
	for _, p := range added {
		ids = append(ids, p.ID)
	}
	return ids
}

// Stop 优雅地停止调度器：取消运行中的批次，等待其结束，最后落盘。
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopChan)
		m.cancel()
	})
	m.wg.Wait()
	err := m.registry.Save()
	if err != nil {
		logger.WithComponent("ProxyPool/Manager").Error().Err(err).Msg("Failed to save proxies on shutdown.")
	} else {
		logger.WithComponent("ProxyPool/Manager").Info().Msg("ProxyPool Manager gracefully stopped.")
	}
	return err
}
