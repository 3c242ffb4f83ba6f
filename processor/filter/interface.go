package filter

import "github.com/web3tea/doc-sentinel/processor"

// Filter keeps or drops deliveries; it never modifies them.
type Filter interface {
	processor.EventProcessor

	// Name 返回过滤器名称
	Name() string
}
