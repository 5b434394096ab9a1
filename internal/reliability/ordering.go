// =============================================================================
// 文件: internal/reliability/ordering.go
// 描述: 可靠传输 - 入站排序过滤器 (按通道语义放行或丢弃)
// =============================================================================
package reliability

import (
	"sync"

	"github.com/mrcgq/reludp/protocol"
)

// Verdict 过滤结果
type Verdict uint8

const (
	// VerdictAdmit 放行，交付上层
	VerdictAdmit Verdict = iota
	// VerdictStale 旧包或重复，丢弃但仍需确认
	VerdictStale
	// VerdictGap 有序可靠流中的超前包，丢弃且不确认，等发送方重传补洞
	VerdictGap
)

// OrderingFilter 每个对端一个。按通道排序策略维护最后放行的序列号：
//   - 可靠+有序: 只放行 last+1，严格 FIFO，不做排队缓冲
//   - 仅有序:    放行任何更新的序列号，跳过的序列号永久放弃
//   - 无序:      全部放行
//
// 首个有序包放行任意序列号并以其初始化 last (对端在本流之前
// 消耗过的序列号无从得知)。
type OrderingFilter struct {
	mu           sync.Mutex
	lastAccepted map[protocol.Channel]uint64
	initialized  map[protocol.Channel]bool
}

// NewOrderingFilter 创建过滤器
func NewOrderingFilter() *OrderingFilter {
	return &OrderingFilter{
		lastAccepted: make(map[protocol.Channel]uint64),
		initialized:  make(map[protocol.Channel]bool),
	}
}

// Admit 判定一个入站包
func (f *OrderingFilter) Admit(ch protocol.Channel, seq uint64) Verdict {
	if !ch.Ordered() {
		return VerdictAdmit
	}

	key := ch & (protocol.ChannelFlagReliable | protocol.ChannelFlagOrdered)

	f.mu.Lock()
	defer f.mu.Unlock()

	last := f.lastAccepted[key]
	if !f.initialized[key] {
		f.lastAccepted[key] = seq
		f.initialized[key] = true
		return VerdictAdmit
	}

	if ch.Reliable() {
		// 可靠+有序: 严格后继
		switch {
		case seq == last+1:
			f.lastAccepted[key] = seq
			return VerdictAdmit
		case seq <= last:
			return VerdictStale
		default:
			return VerdictGap
		}
	}

	// 仅有序: 最新者胜
	if seq > last {
		f.lastAccepted[key] = seq
		return VerdictAdmit
	}
	return VerdictStale
}

// LastAccepted 返回某通道最后放行的序列号 (测试与诊断用)
func (f *OrderingFilter) LastAccepted(ch protocol.Channel) (uint64, bool) {
	key := ch & (protocol.ChannelFlagReliable | protocol.ChannelFlagOrdered)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAccepted[key], f.initialized[key]
}
