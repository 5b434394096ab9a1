// =============================================================================
// 文件: internal/reliability/send_tracker.go
// 描述: 可靠传输 - 已发送待确认表 (按发送时间排序，驱动重传)
// =============================================================================
package reliability

import (
	"sort"
	"sync"
	"time"

	"github.com/mrcgq/reludp/protocol"
)

// AckedFunc 序列号被确认时的通知。rtt 为首次发送到确认的间隔；
// 若该包重传过，样本不可信，resent 为 true。
type AckedFunc func(seq uint64, rtt time.Duration, resent bool)

// PendingPacket 待确认包信息
type PendingPacket struct {
	Seq       uint64
	Packet    *protocol.Packet
	FirstSent time.Time
	LastSent  time.Time
	Resends   int
}

// SendTracker 已发送待确认表。只有可靠通道的包会进表；
// 表项在任意入站包的 ack 列表含其序列号时移除。
type SendTracker struct {
	mu      sync.Mutex
	pending map[uint64]*PendingPacket
	onAcked AckedFunc

	// 统计
	totalTracked uint64
	totalAcked   uint64
	totalResent  uint64
}

// NewSendTracker 创建待确认表。onAcked 可以为 nil。
func NewSendTracker(onAcked AckedFunc) *SendTracker {
	return &SendTracker{
		pending: make(map[uint64]*PendingPacket),
		onAcked: onAcked,
	}
}

// Add 登记一个已发送的可靠包副本。重复序列号拒绝登记。
func (t *SendTracker) Add(pkt *protocol.Packet, now time.Time) bool {
	if !pkt.Channel.Reliable() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[pkt.Seq]; exists {
		return false
	}
	t.pending[pkt.Seq] = &PendingPacket{
		Seq:       pkt.Seq,
		Packet:    pkt.Clone(),
		FirstSent: now,
		LastSent:  now,
	}
	t.totalTracked++
	return true
}

// IngestAcks 摄入入站包捎带的 ack 列表，移除对应表项并逐个通知。
// 通知在锁外发出，临界区内不回调。
func (t *SendTracker) IngestAcks(acks []uint64, now time.Time) int {
	if len(acks) == 0 {
		return 0
	}

	var removed []*PendingPacket
	t.mu.Lock()
	for _, seq := range acks {
		if info, ok := t.pending[seq]; ok {
			delete(t.pending, seq)
			t.totalAcked++
			removed = append(removed, info)
		}
	}
	onAcked := t.onAcked
	t.mu.Unlock()

	if onAcked != nil {
		for _, info := range removed {
			onAcked(info.Seq, now.Sub(info.FirstSent), info.Resends > 0)
		}
	}
	return len(removed)
}

// DueForResend 返回最近一次发送早于 budget 的表项，按发送时间先后排序
func (t *SendTracker) DueForResend(now time.Time, budget time.Duration) []*PendingPacket {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []*PendingPacket
	for _, info := range t.pending {
		if now.Sub(info.LastSent) >= budget {
			due = append(due, info)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].LastSent.Equal(due[j].LastSent) {
			return due[i].LastSent.Before(due[j].LastSent)
		}
		return due[i].Seq < due[j].Seq
	})
	return due
}

// MarkResent 重传后刷新时间戳。重传不分配新序列号。
func (t *SendTracker) MarkResent(seq uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.pending[seq]
	if !ok {
		return false
	}
	info.LastSent = now
	info.Resends++
	t.totalResent++
	return true
}

// Len 当前待确认数量
func (t *SendTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Has 序列号是否在表中
func (t *SendTracker) Has(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[seq]
	return ok
}

// Stats 统计快照
func (t *SendTracker) Stats() (tracked, acked, resent uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalTracked, t.totalAcked, t.totalResent
}
