package sentinel

import (
	"time"

	"github.com/web3tea/doc-sentinel/pkg/log"
)

// Option 定义一个用于配置Sentinel的函数类型
type Option func(*Sentinel)

// WithConcurrency sets how many deliveries are dispatched in parallel.
func WithConcurrency(n int) Option {
	return func(s *Sentinel) {
		if n > 0 {
			s.MaxConcurrency = n
		}
	}
}

// WithAckTimeout bounds each ACK round trip to the capturer.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Sentinel) {
		if d > 0 {
			s.AckTimeout = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Sentinel) {
		if l != nil {
			s.logger = l.WithGroup("sentinel")
		}
	}
}

func WithStatusReporter(r StatusReporter) Option {
	return func(s *Sentinel) {
		s.statusReporter = r
	}
}
