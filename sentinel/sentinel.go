// Package sentinel wires a capturer, a processor chain and a dispatcher
// into a running pipeline.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/web3tea/doc-sentinel/capturer"
	"github.com/web3tea/doc-sentinel/pkg/log"
	"github.com/web3tea/doc-sentinel/processor"
	"github.com/web3tea/doc-sentinel/trigger"
)

// Status 表示Sentinel的运行状态
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// StatusReporter 用于报告状态变化
type StatusReporter interface {
	ReportStatus(status Status, message string)
}

// Dispatcher receives every delivery that passes the processor chain.
// *trigger.Router and *trigger.Dispatcher implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n trigger.Notification) error
}

// Stats counts deliveries since Start.
type Stats struct {
	Delivered uint64
	Succeeded uint64
	Failed    uint64
	Dropped   uint64
}

type Sentinel struct {
	Capturer   capturer.Capturer
	Processor  processor.Processor
	Dispatcher Dispatcher

	MaxConcurrency int
	AckTimeout     time.Duration

	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	statusReporter StatusReporter

	status   Status
	statusMu sync.RWMutex
}

func NewSentinel(c capturer.Capturer, p processor.Processor, d Dispatcher, options ...Option) *Sentinel {
	s := &Sentinel{
		Capturer:       c,
		Processor:      p,
		Dispatcher:     d,
		MaxConcurrency: 4,
		AckTimeout:     10 * time.Second,
		logger:         log.Nop(),
		status:         StatusIdle,
	}

	// 应用选项
	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start 启动监控和处理流程
func (s *Sentinel) Start(ctx context.Context) error {
	switch s.Status() {
	case StatusIdle, StatusError:
	default:
		return fmt.Errorf("sentinel is %s", s.Status())
	}
	s.setStatus(StatusStarting, "")

	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.Capturer.Start(s.ctx); err != nil {
		s.cancel()
		s.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to start capturer: %w", err)
	}

	for i := 0; i < s.MaxConcurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.setStatus(StatusRunning, "")
	s.logger.Infof("sentinel running with %d workers", s.MaxConcurrency)
	return nil
}

// Stop 停止监控和处理流程. Deliveries in flight finish first; buffered ones
// are left to the capturer's redelivery.
func (s *Sentinel) Stop() error {
	if s.Status() != StatusRunning {
		return fmt.Errorf("sentinel is %s", s.Status())
	}
	s.setStatus(StatusStopping, "")

	s.cancel()
	err := s.Capturer.Stop()
	s.wg.Wait()

	if err != nil {
		s.setStatus(StatusError, err.Error())
		return fmt.Errorf("failed to stop capturer: %w", err)
	}
	s.setStatus(StatusIdle, "")
	s.logger.Infof("sentinel stopped")
	return nil
}

func (s *Sentinel) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Sentinel) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Sentinel) worker() {
	defer s.wg.Done()

	events := s.Capturer.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-events:
			if !ok {
				return
			}
			s.handle(d)
		}
	}
}

func (s *Sentinel) handle(d *capturer.Delivery) {
	s.delivered.Add(1)
	logger := s.logger.With("delivery_id", d.Notification.DeliveryID).With("path", d.Notification.Path)

	var err error
	processed := d
	if s.Processor != nil {
		processed, err = s.Processor.Process(d)
	}

	switch {
	case err != nil:
		logger.Errorf("processor failed: %v", err)
	case processed == nil:
		s.dropped.Add(1)
		logger.Debugf("delivery filtered out")
	default:
		// s.ctx only stops the worker loop; a started handler runs to completion.
		err = s.Dispatcher.Dispatch(context.WithoutCancel(s.ctx), processed.Notification)
	}

	if err != nil {
		s.failed.Add(1)
	} else if processed != nil {
		s.succeeded.Add(1)
	}

	// ACK must reach the outbox even while stopping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.AckTimeout)
	defer cancel()
	if ackErr := s.Capturer.ACK(ctx, d, err); ackErr != nil {
		logger.Errorf("ack failed: %v", ackErr)
	}
}

// setStatus 设置Sentinel状态
func (s *Sentinel) setStatus(status Status, message string) {
	s.statusMu.Lock()
	s.status = status
	reporter := s.statusReporter
	s.statusMu.Unlock()

	// 如果配置了状态报告器，通知状态变化
	if reporter != nil {
		reporter.ReportStatus(status, message)
	}
}
