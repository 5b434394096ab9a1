// =============================================================================
// 文件: remote_conn.go
// 描述: 对端状态记录 - 每个远程端点一份，承载状态机与可靠传输表
// =============================================================================
package reludp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/reludp/internal/reliability"
	"github.com/mrcgq/reludp/protocol"
)

// RemoteConnection 对端状态记录。服务端按远程端点各持一份，
// 客户端整个生命周期只有一份。
//
// 对端不持有服务端的反向指针；出站路径由所属端点注入
// (见 Server.postToPeer / Client.postPacket)。
type RemoteConnection struct {
	endpoint net.Addr

	// 认证通过后由服务端分配，此前为 0。只分配一次。
	clientID    uint64
	idAssigned  bool

	state ConnectionState

	// 出站序列号，从 1 开始单调分配，重传不消耗
	nextSeq uint64

	// 可靠传输
	tracker  *reliability.SendTracker
	ackQueue *reliability.AckQueue
	filter   *reliability.OrderingFilter
	guard    *reliability.DuplicateGuard

	// 发给该对端的挑战，等待应答时校验用
	challenge []byte

	// 终止收尾: CT 已发出后记录仍留在注册表里，等终止握手确认
	// 或限时窗口过期才真正移除
	terminating  bool
	terminateSeq uint64 // 本端 CT 的序列号，0 表示没有待确认的 CT
	lingerUntil  time.Time

	lastReceived time.Time
	lastSent     time.Time

	mu sync.RWMutex
}

// newRemoteConnection 创建对端记录
func newRemoteConnection(endpoint net.Addr, ackCapacity int, onAcked reliability.AckedFunc) *RemoteConnection {
	now := time.Now()
	return &RemoteConnection{
		endpoint:     endpoint,
		state:        StateDisconnected,
		tracker:      reliability.NewSendTracker(onAcked),
		ackQueue:     reliability.NewAckQueue(ackCapacity),
		filter:       reliability.NewOrderingFilter(),
		guard:        reliability.NewDuplicateGuard(),
		lastReceived: now,
		lastSent:     now,
	}
}

// Endpoint 远程端点
func (c *RemoteConnection) Endpoint() net.Addr {
	return c.endpoint
}

// ClientID 分配的客户端标识，认证前为 0
func (c *RemoteConnection) ClientID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// assignClientID 分配客户端标识。只允许一次。
func (c *RemoteConnection) assignClientID(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idAssigned {
		return false
	}
	c.clientID = id
	c.idAssigned = true
	return true
}

// State 当前连接状态
func (c *RemoteConnection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState 无条件置状态
func (c *RemoteConnection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition 仅当当前状态匹配时迁移，否则事件被静默忽略
func (c *RemoteConnection) transition(from, to ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// setChallenge 记录发给对端的挑战
func (c *RemoteConnection) setChallenge(challenge []byte) {
	c.mu.Lock()
	c.challenge = challenge
	c.mu.Unlock()
}

// storedChallenge 取出挑战
func (c *RemoteConnection) storedChallenge() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.challenge
}

// beginLinger 进入终止收尾。ctSeq 为本端 CT 的序列号 (对端的
// CTA 或捎带确认落回来即完成)，0 表示只等窗口过期。
func (c *RemoteConnection) beginLinger(ctSeq uint64, until time.Time) {
	c.mu.Lock()
	c.terminating = true
	c.terminateSeq = ctSeq
	c.lingerUntil = until
	c.mu.Unlock()
}

// isLingering 是否处于终止收尾
func (c *RemoteConnection) isLingering() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminating
}

// lingerState 终止收尾详情
func (c *RemoteConnection) lingerState() (ctSeq uint64, until time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminateSeq, c.lingerUntil, c.terminating
}

// touchReceived 刷新最后收包时间
func (c *RemoteConnection) touchReceived(now time.Time) {
	c.mu.Lock()
	c.lastReceived = now
	c.mu.Unlock()
}

// LastReceived 最后收包时间 (空闲扫描用)
func (c *RemoteConnection) LastReceived() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReceived
}

// touchSent 刷新最后发包时间
func (c *RemoteConnection) touchSent(now time.Time) {
	c.mu.Lock()
	c.lastSent = now
	c.mu.Unlock()
}

// LastSent 最后发包时间 (保活判定用)
func (c *RemoteConnection) LastSent() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSent
}

// preparePacket 出站统一路径：分配序列号、拷入捎带确认、
// 登记可靠包副本，返回线上字节。
func (c *RemoteConnection) preparePacket(pkt *protocol.Packet, now time.Time) []byte {
	pkt.Seq = atomic.AddUint64(&c.nextSeq, 1)
	pkt.Acks = c.ackQueue.NextAcks()

	if pkt.Channel.Reliable() {
		c.tracker.Add(pkt, now)
	}

	c.touchSent(now)
	return pkt.Encode()
}

// PendingReliable 待确认的可靠包数量 (诊断用)
func (c *RemoteConnection) PendingReliable() int {
	return c.tracker.Len()
}

// admitInbound 入站裁决。调用方必须先摄入捎带确认。
// 返回 true 表示交付上层处理；false 表示丢弃 (确认语义见下):
//   - 重复的可靠包: 丢弃但补发确认，对端的确认可能丢了
//   - 有序流中的旧包: 同上
//   - 可靠有序流中的超前包: 丢弃且不确认，等对端重传补洞
func (c *RemoteConnection) admitInbound(pkt *protocol.Packet) bool {
	if pkt.Channel.Reliable() && c.guard.Seen(pkt.Seq) {
		c.ackQueue.Add(pkt.Seq)
		return false
	}

	switch c.filter.Admit(pkt.Channel, pkt.Seq) {
	case reliability.VerdictAdmit:
		if pkt.Channel.Reliable() {
			c.guard.CheckAndMark(pkt.Seq)
			c.ackQueue.Add(pkt.Seq)
		}
		return true
	case reliability.VerdictStale:
		if pkt.Channel.Reliable() {
			c.ackQueue.Add(pkt.Seq)
		}
		return false
	default:
		return false
	}
}
