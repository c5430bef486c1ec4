package verifier

import (
	"sync"
	"time"

	"github.com/hitushen/modelprobe/internal/models"
)

// BatchStats 是一次任务的计数器，所有更新都经过同一把锁。
type BatchStats struct {
	mu      sync.Mutex
	started time.Time
	summary models.RunSummary
}

// NewBatchStats 创建计数器，total 是候选端点总数。
func NewBatchStats(total int) *BatchStats {
	return &BatchStats{
		started: time.Now(),
		summary: models.RunSummary{Total: total},
	}
}

// Record 按探测结论累加计数，返回累加后的已检查数。
func (s *BatchStats) Record(res models.ProbeResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Checked++
	switch res.Status {
	case models.ProbeSuccess:
		s.summary.Verified++
	case models.ProbeHoneypot:
		s.summary.Honeypots++
	default:
		s.summary.Failed++
	}
	return s.summary.Checked
}

// RecordPanic 记录一次未产生结果的探测。
func (s *BatchStats) RecordPanic() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Checked++
	s.summary.Errors++
	return s.summary.Checked
}

// RecordError 记录一次持久化错误。
func (s *BatchStats) RecordError() {
	s.mu.Lock()
	s.summary.Errors++
	s.mu.Unlock()
}

// RecordInvalidated 记录一次实际写入的作废。
func (s *BatchStats) RecordInvalidated() {
	s.mu.Lock()
	s.summary.Invalidated++
	s.mu.Unlock()
}

// Snapshot 返回当前计数的副本，Duration 为已运行时间。
func (s *BatchStats) Snapshot() models.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.summary
	out.Duration = time.Since(s.started)
	return out
}
