package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitushen/modelprobe/internal/cache"
	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/metrics"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/realtime"
	"github.com/hitushen/modelprobe/internal/store"
	"github.com/hitushen/modelprobe/internal/targets"
)

const (
	// DefaultBatchSize 是每批处理的端点数。
	DefaultBatchSize = 100
	// DefaultWorkers 是每批内并发探测的协程数。
	DefaultWorkers = 5
	// DefaultBatchPause 是两批之间的等待时间。
	DefaultBatchPause = 2 * time.Second
	// DefaultProgressEvery 是进度日志的间隔（按已检查数）。
	DefaultProgressEvery = 10

	metaLastRunStart   = "last_run_start"
	metaLastRunEnd     = "last_run_end"
	metaLastRunSummary = "last_run_summary"
)

// ErrRunInProgress 表示已有校验任务在运行。
var ErrRunInProgress = errors.New("verification pass already running")

// EndpointStore 是校验引擎依赖的持久化接口。
type EndpointStore interface {
	ListCandidates(ctx context.Context, limit int) ([]models.Endpoint, error)
	GetEndpoint(ctx context.Context, id int64) (*models.Endpoint, error)
	FindEndpoint(ctx context.Context, host string, port int) (*models.Endpoint, error)
	AddCandidate(ctx context.Context, host string, port int) (*models.Endpoint, error)
	SetVerified(ctx context.Context, id int64, state models.VerificationState, at time.Time) error
	SetHoneypot(ctx context.Context, id int64, reason string) error
	ClearHoneypot(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool, reason string, at time.Time) error
	ReplaceModels(ctx context.Context, endpointID int64, list []models.Model) error
	RecordVerification(ctx context.Context, rec models.VerificationRecord) (int64, error)
	SetMetadata(ctx context.Context, key, value string) error
	CountStates(ctx context.Context) (store.StateCounts, error)
}

// Prober 对单个端点执行一次完整探测。
type Prober interface {
	Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult
}

// RunOptions 是单次校验任务的参数。
type RunOptions struct {
	BatchSize int
	Workers   int
	Mode      models.Mode
	Limit     int
}

func (o RunOptions) normalized() RunOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Mode == "" {
		o.Mode = models.ModeNormal
	}
	return o
}

// Options 是 Manager 的常驻配置。
type Options struct {
	BatchPause    time.Duration
	ProgressEvery int
	RunLockTTL    time.Duration
	Scanner       PortScanner
	Cache         *cache.ProbeCache
	Broker        *realtime.Broker
	Logger        logger.Logger
}

// Manager 负责分批调度探测并把结论写回存储。
type Manager struct {
	store    EndpointStore
	prober   Prober
	scanner  PortScanner
	cache    *cache.ProbeCache
	realtime *realtime.Broker
	log      logger.Logger

	batchPause    time.Duration
	progressEvery int
	runLockTTL    time.Duration

	running atomic.Bool
	current atomic.Pointer[BatchStats]

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// NewManager 创建 Manager。opts.BatchPause 为 0 时使用默认值，为负数时不暂停。
func NewManager(st EndpointStore, prober Prober, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	pause := opts.BatchPause
	if pause == 0 {
		pause = DefaultBatchPause
	}
	if pause < 0 {
		pause = 0
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	lockTTL := opts.RunLockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	return &Manager{
		store:         st,
		prober:        prober,
		scanner:       opts.Scanner,
		cache:         opts.Cache,
		realtime:      opts.Broker,
		log:           log.With(logger.Component("verifier")),
		batchPause:    pause,
		progressEvery: every,
		runLockTTL:    lockTTL,
		stopCh:        make(chan struct{}),
	}
}

// Running 报告是否有任务在运行。
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Progress 返回当前任务的计数快照。
func (m *Manager) Progress() (models.RunSummary, bool) {
	stats := m.current.Load()
	if stats == nil {
		return models.RunSummary{}, false
	}
	return stats.Snapshot(), true
}

type probeOutcome struct {
	endpoint models.Endpoint
	result   models.ProbeResult
	panicked interface{}
}

// RunVerificationPass 对全部候选端点执行一次校验。
// 批次顺序执行，批内使用有界协程池；取消只在批次边界生效，返回部分汇总与上下文错误。
func (m *Manager) RunVerificationPass(ctx context.Context, opts RunOptions) (models.RunSummary, error) {
	opts = opts.normalized()
	if !m.running.CompareAndSwap(false, true) {
		return models.RunSummary{}, ErrRunInProgress
	}
	defer m.running.Store(false)

	persistCtx := context.WithoutCancel(ctx)
	locked, err := m.cache.AcquireRunLock(ctx, m.runLockTTL)
	if err != nil {
		m.log.Warn("run lock unavailable, continuing without it", logger.Error(err))
		locked = true
	}
	if !locked {
		return models.RunSummary{}, ErrRunInProgress
	}
	defer func() {
		if err := m.cache.ReleaseRunLock(persistCtx); err != nil {
			m.log.Warn("release run lock failed", logger.Error(err))
		}
	}()

	log := m.log.With(logger.String("mode", string(opts.Mode)))
	start := time.Now()
	m.setMetadata(persistCtx, metaLastRunStart, start.UTC().Format(time.RFC3339))

	candidates, err := m.store.ListCandidates(ctx, opts.Limit)
	if err != nil {
		metrics.ObserveRun(opts.Mode, models.RunSummary{}, err)
		return models.RunSummary{}, fmt.Errorf("list candidates: %w", err)
	}

	stats := NewBatchStats(len(candidates))
	m.current.Store(stats)
	defer m.current.Store(nil)

	batches := (len(candidates) + opts.BatchSize - 1) / opts.BatchSize
	log.Info("verification pass started",
		logger.Int("endpoints", len(candidates)),
		logger.Int("batches", batches),
		logger.Int("batch_size", opts.BatchSize),
		logger.Int("workers", opts.Workers),
	)
	m.realtime.Publish(realtime.Event{
		Type:    realtime.EventRunStarted,
		Payload: map[string]interface{}{"total": len(candidates), "mode": opts.Mode, "started": start.UTC()},
	})

	var runErr error
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			log.Warn("verification pass cancelled", logger.Int("batch", b+1), logger.Int("batches", batches))
			break
		}
		lo := b * opts.BatchSize
		hi := lo + opts.BatchSize
		if hi > len(candidates) {
			hi = len(candidates)
		}
		log.Debug("processing batch", logger.Int("batch", b+1), logger.Int("size", hi-lo))
		m.runBatch(ctx, candidates[lo:hi], opts, stats, log)

		if b < batches-1 && m.batchPause > 0 {
			if !sleepCtx(ctx, m.batchPause) {
				runErr = ctx.Err()
				log.Warn("verification pass cancelled", logger.Int("batch", b+2), logger.Int("batches", batches))
				break
			}
		}
	}

	summary := stats.Snapshot()
	summary.Duration = time.Since(start)
	log.Info("verification pass completed",
		logger.Int("total", summary.Total),
		logger.Int("checked", summary.Checked),
		logger.Int("verified", summary.Verified),
		logger.Int("failed", summary.Failed),
		logger.Int("invalidated", summary.Invalidated),
		logger.Int("honeypots", summary.Honeypots),
		logger.Int("errors", summary.Errors),
		logger.Duration("duration", summary.Duration),
	)

	m.setMetadata(persistCtx, metaLastRunEnd, time.Now().UTC().Format(time.RFC3339))
	if raw, err := json.Marshal(summary); err == nil {
		m.setMetadata(persistCtx, metaLastRunSummary, string(raw))
	}
	metrics.ObserveRun(opts.Mode, summary, runErr)
	m.refreshGauges(persistCtx)
	m.realtime.Publish(realtime.Event{Type: realtime.EventRunFinished, Payload: summary})
	return summary, runErr
}

// runBatch 用固定数量的工作协程探测一批端点，单个聚合循环负责计数和写回。
func (m *Manager) runBatch(ctx context.Context, batch []models.Endpoint, opts RunOptions, stats *BatchStats, log logger.Logger) {
	workers := opts.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	jobs := make(chan models.Endpoint)
	results := make(chan probeOutcome, len(batch))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range jobs {
				results <- m.probeSafe(ctx, ep)
			}
		}()
	}
	go func() {
		for _, ep := range batch {
			jobs <- ep
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	persistCtx := context.WithoutCancel(ctx)
	for out := range results {
		var checked int
		if out.panicked != nil {
			checked = stats.RecordPanic()
			metrics.ObserveError("probe")
			log.Error("probe panicked",
				logger.Int64("endpoint_id", out.endpoint.ID),
				logger.String("endpoint", endpointKey(out.endpoint)),
				logger.String("panic", fmt.Sprint(out.panicked)),
			)
		} else {
			checked = stats.Record(out.result)
			metrics.ObserveProbe(out.result, opts.Mode)
			m.apply(persistCtx, out.result, opts.Mode, stats, log)
		}
		if checked%m.progressEvery == 0 {
			snap := stats.Snapshot()
			log.Info("verification progress",
				logger.Int("checked", snap.Checked),
				logger.Int("total", snap.Total),
				logger.Int("verified", snap.Verified),
				logger.Int("invalidated", snap.Invalidated),
				logger.Int("honeypots", snap.Honeypots),
				logger.Int("errors", snap.Errors),
			)
			m.realtime.Publish(realtime.Event{Type: realtime.EventRunProgress, Payload: snap})
		}
	}
}

func (m *Manager) probeSafe(ctx context.Context, ep models.Endpoint) (out probeOutcome) {
	out.endpoint = ep
	defer func() {
		if r := recover(); r != nil {
			out.panicked = r
		}
	}()
	out.result = m.prober.Probe(ctx, ep)
	return out
}

// apply 按运行模式把探测结论写回存储，持久化错误只计数不中断。
func (m *Manager) apply(ctx context.Context, res models.ProbeResult, mode models.Mode, stats *BatchStats, log logger.Logger) {
	ep := res.Endpoint
	elog := log.With(logger.Int64("endpoint_id", ep.ID), logger.String("endpoint", endpointKey(ep)))

	switch res.Status {
	case models.ProbeSuccess:
		elog.Debug("endpoint verified", logger.Duration("duration", res.Duration))
	case models.ProbeHoneypot:
		elog.Warn("honeypot detected", logger.String("reason", res.Reason))
	default:
		elog.Info("endpoint failed verification",
			logger.String("reason", res.Reason),
			logger.Bool("should_invalidate", res.ShouldInvalidate),
		)
	}

	invalidated, err := m.transition(ctx, res, mode)
	if invalidated {
		stats.RecordInvalidated()
	}
	if err != nil {
		stats.RecordError()
		metrics.ObserveError("persist")
		elog.Error("persist verification result failed", logger.Error(err))
	}
	m.publishProbe(res, mode)
}

// transition 执行状态迁移，返回是否实际写入了作废。
func (m *Manager) transition(ctx context.Context, res models.ProbeResult, mode models.Mode) (bool, error) {
	if mode == models.ModeNoRemove {
		return false, nil
	}
	ep := res.Endpoint
	now := time.Now().UTC()
	invalidated := false

	switch res.Status {
	case models.ProbeSuccess:
		if err := m.store.SetVerified(ctx, ep.ID, models.Verified, now); err != nil {
			return false, fmt.Errorf("set verified: %w", err)
		}
		metrics.ObserveMutation("verified")
		if err := m.store.SetActive(ctx, ep.ID, true, "", now); err != nil {
			return false, fmt.Errorf("set active: %w", err)
		}
		if len(res.Models) > 0 {
			if err := m.store.ReplaceModels(ctx, ep.ID, res.Models); err != nil {
				return false, fmt.Errorf("replace models: %w", err)
			}
		}

	case models.ProbeHoneypot:
		if err := m.store.SetHoneypot(ctx, ep.ID, res.Reason); err != nil {
			return false, fmt.Errorf("set honeypot: %w", err)
		}
		metrics.ObserveMutation("honeypot")
		if mode != models.ModeVerifyOnly {
			if err := m.store.SetVerified(ctx, ep.ID, models.Invalid, now); err != nil {
				return false, fmt.Errorf("invalidate honeypot: %w", err)
			}
			metrics.ObserveMutation("invalidated")
			invalidated = true
		}

	default:
		if !res.ShouldInvalidate {
			return false, nil
		}
		if mode == models.ModeNormal {
			if err := m.store.SetVerified(ctx, ep.ID, models.Invalid, now); err != nil {
				return false, fmt.Errorf("invalidate: %w", err)
			}
			metrics.ObserveMutation("invalidated")
			invalidated = true
			if res.Unreachable {
				if err := m.store.SetActive(ctx, ep.ID, false, res.Reason, now); err != nil {
					return invalidated, fmt.Errorf("set inactive: %w", err)
				}
				metrics.ObserveMutation("inactive")
			}
		}
	}

	if _, err := m.store.RecordVerification(ctx, toRecord(res, now)); err != nil {
		return invalidated, fmt.Errorf("record verification: %w", err)
	}
	return invalidated, nil
}

// RecheckOne 按需复检单个端点，不存在时先登记为候选。结果按正常模式写回。
// 短时间内的重复请求直接返回缓存结果。
func (m *Manager) RecheckOne(ctx context.Context, host string, port int) (models.ProbeResult, error) {
	if cached, err := m.cache.Get(ctx, host, port); err != nil {
		m.log.Warn("probe cache read failed", logger.Error(err))
	} else if cached != nil {
		return *cached, nil
	}

	ep, err := m.store.FindEndpoint(ctx, host, port)
	if errors.Is(err, store.ErrNotFound) {
		ep, err = m.store.AddCandidate(ctx, host, port)
	}
	if err != nil {
		return models.ProbeResult{}, fmt.Errorf("resolve endpoint %s: %w", endpointKeyOf(host, port), err)
	}

	res, err := m.probeOne(ctx, *ep)
	if err != nil {
		return res, err
	}
	if _, err := m.transition(context.WithoutCancel(ctx), res, models.ModeNormal); err != nil {
		return res, err
	}
	m.publishProbe(res, models.ModeNormal)
	if err := m.cache.Put(ctx, res); err != nil {
		m.log.Warn("probe cache write failed", logger.Error(err))
	}
	return res, nil
}

// Reinstate 对端点做一次显式重新校验。只有探测成功时才清除蜜罐标记。
func (m *Manager) Reinstate(ctx context.Context, id int64) (models.ProbeResult, error) {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return models.ProbeResult{}, err
	}
	res, err := m.probeOne(ctx, *ep)
	if err != nil {
		return res, err
	}
	persistCtx := context.WithoutCancel(ctx)
	if res.Status == models.ProbeSuccess && ep.IsHoneypot {
		if err := m.store.ClearHoneypot(persistCtx, ep.ID); err != nil {
			return res, fmt.Errorf("clear honeypot: %w", err)
		}
		metrics.ObserveMutation("reinstated")
		m.log.Info("honeypot flag cleared", logger.Int64("endpoint_id", ep.ID), logger.String("endpoint", endpointKey(*ep)))
	}
	if _, err := m.transition(persistCtx, res, models.ModeNormal); err != nil {
		return res, err
	}
	if err := m.cache.Invalidate(persistCtx, ep.Host, ep.Port); err != nil {
		m.log.Warn("probe cache invalidate failed", logger.Error(err))
	}
	m.publishProbe(res, models.ModeNormal)
	return res, nil
}

func (m *Manager) probeOne(ctx context.Context, ep models.Endpoint) (models.ProbeResult, error) {
	out := m.probeSafe(ctx, ep)
	if out.panicked != nil {
		metrics.ObserveError("probe")
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeFailed},
			fmt.Errorf("probe %s panicked: %v", endpointKey(ep), out.panicked)
	}
	metrics.ObserveProbe(out.result, models.ModeNormal)
	return out.result, nil
}

// TriggerPass 在后台启动一次校验任务，已有任务运行时返回 false。
func (m *Manager) TriggerPass(opts RunOptions) bool {
	if m.Running() {
		return false
	}
	select {
	case <-m.stopCh:
		return false
	default:
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := m.stopContext()
		defer cancel()
		if _, err := m.RunVerificationPass(ctx, opts); err != nil && !errors.Is(err, ErrRunInProgress) {
			m.log.Warn("triggered pass ended with error", logger.Error(err))
		}
	}()
	return true
}

// StartTicker 启动周期任务，定期校验全部端点。
func (m *Manager) StartTicker(interval time.Duration, opts RunOptions) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := m.stopContext()
				if _, err := m.RunVerificationPass(ctx, opts); err != nil && !errors.Is(err, ErrRunInProgress) {
					m.log.Warn("scheduled pass ended with error", logger.Error(err))
				}
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StartSweepTicker 启动周期性的端口存活扫描。
func (m *Manager) StartSweepTicker(interval time.Duration, mode models.Mode) {
	if interval <= 0 || m.scanner == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := m.stopContext()
				if _, err := m.SweepLiveness(ctx, mode); err != nil {
					m.log.Warn("scheduled sweep ended with error", logger.Error(err))
				}
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close 通知后台任务在批次边界停止并等待其退出。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) publishProbe(res models.ProbeResult, mode models.Mode) {
	m.realtime.Publish(realtime.Event{
		Type:       realtime.EventEndpointProbe,
		EndpointID: res.Endpoint.ID,
		Payload: map[string]interface{}{
			"status":     res.Status,
			"reason":     res.Reason,
			"isHoneypot": res.IsHoneypot,
			"mode":       mode,
			"seconds":    res.VerificationDurationSeconds(),
		},
	})
}

func (m *Manager) setMetadata(ctx context.Context, key, value string) {
	if err := m.store.SetMetadata(ctx, key, value); err != nil {
		m.log.Warn("write run metadata failed", logger.String("key", key), logger.Error(err))
	}
}

func (m *Manager) refreshGauges(ctx context.Context) {
	c, err := m.store.CountStates(ctx)
	if err != nil {
		m.log.Warn("count endpoint states failed", logger.Error(err))
		return
	}
	metrics.SetEndpointCounts(map[string]int{
		"total":      c.Total,
		"unverified": c.Unverified,
		"verified":   c.Verified,
		"invalid":    c.Invalid,
		"honeypot":   c.Honeypots,
		"inactive":   c.Inactive,
		"eligible":   c.Eligible,
	})
}

func toRecord(res models.ProbeResult, at time.Time) models.VerificationRecord {
	names := make([]string, 0, len(res.Models))
	for _, mm := range res.Models {
		names = append(names, mm.Name)
	}
	return models.VerificationRecord{
		EndpointID:     res.Endpoint.ID,
		CheckedAt:      at,
		Status:         res.Status,
		Reason:         res.Reason,
		IsHoneypot:     res.IsHoneypot,
		ResponseSample: res.ResponseSample,
		DetectedModels: names,
		DurationMS:     res.Duration.Milliseconds(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func endpointKey(ep models.Endpoint) string {
	return targets.Key(ep.Host, ep.Port)
}

func endpointKeyOf(host string, port int) string {
	return targets.Key(host, port)
}
