package transformer

import "github.com/web3tea/doc-sentinel/processor"

// Transformer 定义转换器接口
type Transformer interface {
	processor.EventProcessor

	// Name 返回转换器名称
	Name() string
}
