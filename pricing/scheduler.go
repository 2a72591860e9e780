package pricing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rebalancer-go/infrastructure/logger"
)

// DefaultRefreshInterval 定时刷新间隔。
const DefaultRefreshInterval = 60 * time.Second

// Refresher 由 RateCache 实现。
type Refresher interface {
	ForceRefresh(ctx context.Context) (PriceTable, error)
}

// Scheduler 定时强制刷新价格表，并把上次成功时间持久化为检查点。
// 重启时如果检查点仍在间隔内，先等待剩余时间。
type Scheduler struct {
	name        string
	refresher   Refresher
	checkpoints CheckpointStore
	log         *logger.Logger
	now         func() time.Time

	interval atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 创建调度器；name 为检查点键。
func NewScheduler(name string, interval time.Duration, refresher Refresher, checkpoints CheckpointStore, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Scheduler{
		name:        name,
		refresher:   refresher,
		checkpoints: checkpoints,
		log:         log,
		now:         time.Now,
	}
	s.SetInterval(interval)
	return s
}

// SetInterval 修改刷新间隔，下一轮生效。
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultRefreshInterval
	}
	s.interval.Store(int64(d))
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Start 在后台运行调度循环。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(s.done)
	return nil
}

// Stop 停止调度循环并等待退出。
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Health 未启动时返回错误。
func (s *Scheduler) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return fmt.Errorf("scheduler %s not running", s.name)
	}
	return nil
}

// Run 阻塞运行直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.initialDelay(ctx))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.Interval())
		}
	}
}

// Tick 执行一次刷新，成功后写检查点。
func (s *Scheduler) Tick(ctx context.Context) {
	table, err := s.refresher.ForceRefresh(ctx)
	if err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "scheduled_refresh", "job": s.name})
		return
	}
	if err := s.checkpoints.WriteCheckpoint(ctx, s.name, s.now()); err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "write_checkpoint", "job": s.name})
		return
	}
	s.log.LogPrice("scheduled_refresh", map[string]interface{}{"job": s.name, "entries": len(table)})
}

func (s *Scheduler) initialDelay(ctx context.Context) time.Duration {
	last, err := s.checkpoints.ReadCheckpoint(ctx, s.name)
	if err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "read_checkpoint", "job": s.name})
		return 0
	}
	if last.IsZero() {
		return 0
	}
	elapsed := s.now().Sub(last)
	if elapsed < 0 || elapsed >= s.Interval() {
		return 0
	}
	return s.Interval() - elapsed
}
