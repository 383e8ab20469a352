package utils

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 固定大小的协程池，HTTP 处理链与离线 leave 投递共用
type WorkerPool struct {
	jobs    chan func()
	workers int
	log     *zap.Logger
	wg      sync.WaitGroup
	quit    chan struct{}
	once    sync.Once
}

// NewWorkerPool 创建协程池，需调用 Start
func NewWorkerPool(workers, queueSize int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		log:     log,
		quit:    make(chan struct{}),
	}
}

// Start 启动 worker
func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.exec(id, job)
		case <-p.quit:
			// 退出前把队列里剩下的任务跑完
			for {
				select {
				case job := <-p.jobs:
					p.exec(id, job)
				default:
					return
				}
			}
		}
	}
}

// exec 单个任务 panic 不影响 worker
func (p *WorkerPool) exec(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务，队列满时阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收调度并等待已排队任务完成
func (p *WorkerPool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
