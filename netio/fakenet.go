// =============================================================================
// 文件: netio/fakenet.go
// 描述: I/O 平面 - 测试用假网络 (可配置丢包率与延迟)
// =============================================================================
package netio

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/reludp/internal/stats"
)

const fakeQueueSize = 8192

// FakeAddr 假网络端点地址
type FakeAddr string

func (a FakeAddr) Network() string { return "fakeudp" }
func (a FakeAddr) String() string  { return string(a) }

// inFlight 在途数据报
type inFlight struct {
	from net.Addr
	data []byte
}

// FakeNetwork 内存中的数据报网络。端点按地址注册，
// 投递时按丢包率丢弃、按延迟推迟。
type FakeNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*FakeConn
	lossRate  float64
	latency   time.Duration
	rng       *rand.Rand
	nextEph   int
}

// NewFakeNetwork 创建假网络
func NewFakeNetwork(lossRate float64, latency time.Duration) *FakeNetwork {
	return &FakeNetwork{
		endpoints: make(map[string]*FakeConn),
		lossRate:  lossRate,
		latency:   latency,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Endpoint 创建一个尚未绑定的端点
func (n *FakeNetwork) Endpoint() *FakeConn {
	return &FakeConn{
		network: n,
		inbox:   make(chan inFlight, fakeQueueSize),
		done:    make(chan struct{}),
		rateIn:  stats.NewRateMeter(time.Second),
		rateOut: stats.NewRateMeter(time.Second),
	}
}

// register 绑定端点到地址
func (n *FakeNetwork) register(addr string, c *FakeConn) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[addr]; exists {
		return fmt.Errorf("地址已被占用: %s", addr)
	}
	n.endpoints[addr] = c
	return nil
}

// unregister 解除绑定
func (n *FakeNetwork) unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// ephemeralAddr 分配一个临时地址
func (n *FakeNetwork) ephemeralAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextEph++
	return fmt.Sprintf("fake:%d", n.nextEph+40000)
}

// deliver 投递一个数据报：掷骰丢弃，计时送达
func (n *FakeNetwork) deliver(from net.Addr, to string, data []byte) {
	n.mu.Lock()
	drop := n.lossRate > 0 && n.rng.Float64() < n.lossRate
	latency := n.latency
	dest := n.endpoints[to]
	n.mu.Unlock()

	if drop || dest == nil {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	pkt := inFlight{from: from, data: cp}

	if latency <= 0 {
		dest.push(pkt)
		return
	}
	time.AfterFunc(latency, func() { dest.push(pkt) })
}

// FakeConn 假网络端点，实现 DatagramConn
type FakeConn struct {
	network *FakeNetwork
	addr    string
	remote  string
	inbox   chan inFlight
	done    chan struct{}
	closed  int32

	rateIn  *stats.RateMeter
	rateOut *stats.RateMeter
}

// Bind 绑定到指定地址
func (c *FakeConn) Bind(addr string) error {
	if err := c.network.register(addr, c); err != nil {
		return err
	}
	c.addr = addr
	return nil
}

// Connect 绑定临时地址并锁定远端
func (c *FakeConn) Connect(addr string) error {
	eph := c.network.ephemeralAddr()
	if err := c.network.register(eph, c); err != nil {
		return err
	}
	c.addr = eph
	c.remote = addr
	return nil
}

// SendTo 发送到指定端点
func (c *FakeConn) SendTo(endpoint net.Addr, data []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	if c.addr == "" {
		return ErrNotBound
	}
	c.rateOut.Record(len(data), time.Now())
	c.network.deliver(FakeAddr(c.addr), endpoint.String(), data)
	return nil
}

// SendAsClient 发送到已连接的远端
func (c *FakeConn) SendAsClient(data []byte) error {
	if c.remote == "" {
		return ErrNotConnected
	}
	return c.SendTo(FakeAddr(c.remote), data)
}

// push 入站投递
func (c *FakeConn) push(pkt inFlight) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	select {
	case c.inbox <- pkt:
	default:
		// 收件箱满，按真实 UDP 语义丢弃
	}
}

// Receive 阻塞接收
func (c *FakeConn) Receive() ([]byte, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		c.rateIn.Record(len(pkt.data), time.Now())
		return pkt.data, pkt.from, nil
	case <-c.done:
		return nil, nil, ErrConnClosed
	}
}

// ReceiveAsClient 客户端路径的阻塞接收
func (c *FakeConn) ReceiveAsClient() ([]byte, error) {
	data, _, err := c.Receive()
	return data, err
}

// Close 关闭端点
func (c *FakeConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.addr != "" {
		c.network.unregister(c.addr)
	}
	close(c.done)
	return nil
}

// LocalAddr 本地端点
func (c *FakeConn) LocalAddr() net.Addr {
	return FakeAddr(c.addr)
}

// BytesSentPerSecond 出站字节速率
func (c *FakeConn) BytesSentPerSecond() float64 {
	return c.rateOut.PerSecond(time.Now())
}

// BytesReceivedPerSecond 入站字节速率
func (c *FakeConn) BytesReceivedPerSecond() float64 {
	return c.rateIn.PerSecond(time.Now())
}
