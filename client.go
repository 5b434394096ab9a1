// =============================================================================
// 文件: client.go
// 描述: 客户端核心 - 连接握手、保活、ping/RTT、断开
// =============================================================================
package reludp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/reludp/internal/metrics"
	"github.com/mrcgq/reludp/internal/stats"
	"github.com/mrcgq/reludp/netio"
	"github.com/mrcgq/reludp/protocol"
)

// Client 客户端核心，服务端的单对端镜像。
// 一个实例完全自包含，没有全局状态。
type Client struct {
	cfg        *Config
	protocolID uint32
	handler    ClientHandler

	conn      netio.DatagramConn
	sendQueue *netio.SendQueue

	peer      *RemoteConnection
	responder ChallengeResponder

	// RTT: 可靠包确认即往返，样本进 1 秒滑动窗口
	rtt *stats.MovingAverage

	crsCh chan *protocol.Packet
	ctaCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	running  int32
	logLevel int

	metricsSrv *metrics.MetricsServer

	// 统计
	packetsRecv    uint64
	packetsSent    uint64
	packetsResent  uint64
	packetsDropped uint64
}

// NewClient 创建客户端。handler 可以为 nil。
func NewClient(cfg *Config, protocolID uint32, handler ClientHandler) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		protocolID: protocolID,
		handler:    handler,
		sendQueue:  netio.NewSendQueue(),
		rtt:        stats.NewMovingAverage(cfg.pingWindow()),
		logLevel:   parseLogLevel(cfg.LogLevel),
	}, nil
}

// SetDatagramConn 注入数据报上下文 (默认真实 UDP；测试注入假网络)。
// 必须在 Connect 之前调用。
func (c *Client) SetDatagramConn(conn netio.DatagramConn) {
	c.conn = conn
}

// =============================================================================
// 连接握手
// =============================================================================

// Connect 解析端点，发送 CR 并驱动握手：等待 CH (应答后再等 CRS)
// 或直接等到 CRS。返回结果码与分配的 client id；超时返回 NO_RESPONSE。
func (c *Client) Connect(ctx context.Context, host string, port int,
	responder ChallengeResponder, timeout time.Duration) (Code, uint64, error) {

	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return CodeNoResponse, 0, ErrAlreadyRunning
	}

	if responder == nil {
		responder = EchoResponder
	}
	c.responder = responder

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if c.conn == nil {
		c.conn = netio.NewUDPConn()
	}
	if err := c.conn.Connect(addr); err != nil {
		atomic.StoreInt32(&c.running, 0)
		return CodeNoResponse, 0, err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stopCh = make(chan struct{})
	c.crsCh = make(chan *protocol.Packet, 1)
	c.ctaCh = make(chan struct{}, 1)
	c.peer = newRemoteConnection(nil, c.cfg.AckCapacity, c.onSequenceAcked)

	c.wg.Add(5)
	go c.receiveLoop()
	go c.sendLoop()
	go c.retransmitLoop()
	go c.keepaliveLoop()
	go c.pingLoop()

	if c.cfg.Metrics.Enabled {
		c.metricsSrv = metrics.NewMetricsServer(
			c.cfg.Metrics.Listen, c.cfg.Metrics.Path, c.cfg.Metrics.HealthPath)
		c.metricsSrv.MustRegisterCollector(metrics.NewEndpointCollector("client", c))
		c.metricsSrv.Start(c.ctx)
	}

	// CR 走可靠通道，丢失由重传循环补发
	c.peer.setState(StateRequested)
	c.postPacket(protocol.NewConnectionRequest(protocol.ChannelReliable, c.protocolID))
	c.log(LogLevelInfo, "连接中: %s (protocol=%d)", addr, c.protocolID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case crs := <-c.crsCh:
		if crs.Code != protocol.CodeSuccess {
			c.log(LogLevelInfo, "连接被拒绝: %s", crs.Code)
			c.Close()
			return crs.Code, 0, nil
		}
		c.peer.assignClientID(crs.ClientID)
		c.peer.setState(StateAuthenticatedConnected)
		c.log(LogLevelInfo, "连接成功: id=%d", crs.ClientID)
		return CodeSuccess, crs.ClientID, nil

	case <-timer.C:
		c.log(LogLevelInfo, "连接超时: %s", addr)
		c.Close()
		return CodeNoResponse, 0, nil

	case <-c.ctx.Done():
		c.Close()
		return CodeNoResponse, 0, c.ctx.Err()
	}
}

// =============================================================================
// 公开操作
// =============================================================================

// SendToServer 向服务端发送应用数据
func (c *Client) SendToServer(data []byte, channel Channel) error {
	if atomic.LoadInt32(&c.running) != 1 {
		return ErrNotRunning
	}
	if c.peer.State() != StateAuthenticatedConnected {
		return ErrNotConnected
	}
	if len(data) > c.cfg.MaxPayload {
		return ErrPayloadTooBig
	}

	c.postPacket(protocol.NewApplicationData(channel, data))
	return nil
}

// Disconnect 优雅断开：发送可靠 CT，等到 CTA 或短暂超时后关闭
func (c *Client) Disconnect(reason string) error {
	if atomic.LoadInt32(&c.running) != 1 {
		return ErrNotRunning
	}

	if c.peer.transition(StateAuthenticatedConnected, StateDisconnected) {
		c.postPacket(protocol.NewTermination(protocol.ChannelReliable, reason))

		select {
		case <-c.ctaCh:
		case <-time.After(time.Second):
		case <-c.ctx.Done():
		}
	}

	c.Close()
	return nil
}

// Close 立即停止所有循环并关闭 socket
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}

	close(c.stopCh)
	c.cancel()
	c.sendQueue.Close()
	c.conn.Close()
	c.wg.Wait()

	if c.metricsSrv != nil {
		c.metricsSrv.Stop()
	}

	c.log(LogLevelInfo, "客户端已关闭")
}

// ClientID 服务端分配的标识，认证前为 0
func (c *Client) ClientID() uint64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.ClientID()
}

// State 连接状态
func (c *Client) State() ConnectionState {
	if c.peer == nil {
		return StateDisconnected
	}
	return c.peer.State()
}

// Ping 最近 1 秒窗口的往返时延均值
func (c *Client) Ping() time.Duration {
	return c.rtt.AverageDuration(time.Now())
}

// =============================================================================
// 循环
// =============================================================================

// receiveLoop 接收循环
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		data, err := c.conn.ReceiveAsClient()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.log(LogLevelError, "接收失败，停止接收循环: %v", err)
			c.cancel()
			return
		}

		atomic.AddUint64(&c.packetsRecv, 1)
		c.handleDatagram(data)
	}
}

// sendLoop 发送循环
func (c *Client) sendLoop() {
	defer c.wg.Done()

	for {
		d, ok := c.sendQueue.Receive(c.ctx)
		if !ok {
			return
		}
		if err := c.conn.SendAsClient(d.Data); err != nil {
			c.log(LogLevelError, "发送失败: %v", err)
			continue
		}
		atomic.AddUint64(&c.packetsSent, 1)
	}
}

// retransmitLoop 重传扫描循环
func (c *Client) retransmitLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.retransmitScan())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			// 服务端终止连接后可靠性契约随之结束，残留的未确认包
			// 不再重传，免得打到已经移除本端记录的服务端上
			if c.peer.isLingering() {
				continue
			}
			now := time.Now()
			for _, info := range c.peer.tracker.DueForResend(now, c.cfg.resendBudget()) {
				pkt := info.Packet
				pkt.Acks = c.peer.ackQueue.NextAcks()
				c.sendQueue.Post(netio.Datagram{Data: pkt.Encode()})
				c.peer.tracker.MarkResent(info.Seq, now)
				c.peer.touchSent(now)
				atomic.AddUint64(&c.packetsResent, 1)
			}
		}
	}
}

// keepaliveLoop 保活循环：发包间隔超限时补发不可靠 KA，
// 保证空闲应用不会被服务端的空闲扫描驱逐
func (c *Client) keepaliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.keepalive() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.peer.State() != StateAuthenticatedConnected {
				continue
			}
			if time.Since(c.peer.LastSent()) >= c.cfg.keepalive() {
				c.postPacket(protocol.NewKeepAlive(protocol.ChannelUnreliable))
			}
		}
	}
}

// pingLoop ping 循环：认证后周期发送可靠 KA。
// 协议没有专门的 ping 包型，可靠 KA 的序列号在对端的捎带确认
// 里返回即是 pong，确认通知给出往返时延。
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.peer.State() == StateAuthenticatedConnected {
				c.postPacket(protocol.NewKeepAlive(protocol.ChannelReliable))
			}
		}
	}
}

// onSequenceAcked 确认通知：未重传过的包给出可信的 RTT 样本
func (c *Client) onSequenceAcked(seq uint64, rtt time.Duration, resent bool) {
	if !resent {
		c.rtt.AddDuration(rtt, time.Now())
	}
}

// =============================================================================
// 入站分发
// =============================================================================

// handleDatagram 入站数据报处理。解码失败静默丢弃。
func (c *Client) handleDatagram(data []byte) {
	pkt, err := protocol.Decode(data, c.cfg.MaxPayload)
	if err != nil {
		atomic.AddUint64(&c.packetsDropped, 1)
		c.log(LogLevelDebug, "丢弃无法解码的数据报: %v", err)
		return
	}

	c.peer.touchReceived(time.Now())
	c.peer.tracker.IngestAcks(pkt.Acks, time.Now())

	if !c.peer.admitInbound(pkt) {
		atomic.AddUint64(&c.packetsDropped, 1)
		return
	}

	switch pkt.Type {
	case protocol.TypeChallenge:
		c.handleChallenge(pkt)

	case protocol.TypeConnectionResponse:
		select {
		case c.crsCh <- pkt:
		default:
		}

	case protocol.TypeKeepAlive:
		// 收包时间已刷新，无其他处理

	case protocol.TypeApplicationData:
		if c.peer.State() == StateAuthenticatedConnected && c.handler != nil {
			c.handler.OnDataReceived(pkt.Data, pkt.Channel)
		}

	case protocol.TypeTermination:
		c.handleTermination(pkt)

	case protocol.TypeTerminationAck:
		select {
		case c.ctaCh <- struct{}{}:
		default:
		}
	}
}

// handleChallenge CH: 应答挑战并等待 CRS
func (c *Client) handleChallenge(pkt *protocol.Packet) {
	if !c.peer.transition(StateRequested, StateWaitingForChallengeResponse) {
		return
	}

	c.peer.setChallenge(pkt.Data)
	response := c.responder(pkt.Data)
	c.postPacket(protocol.NewChallengeResponse(protocol.ChannelReliable, response))
}

// handleTermination CT: 服务端主动断开
func (c *Client) handleTermination(pkt *protocol.Packet) {
	if !c.peer.transition(StateAuthenticatedConnected, StateDisconnected) {
		return
	}

	c.postPacket(protocol.NewTerminationAck(protocol.ChannelUnreliable))
	c.peer.beginLinger(0, time.Now())
	c.log(LogLevelInfo, "被服务端断开: %s", pkt.Reason)

	if c.handler != nil {
		c.handler.OnDisconnectedByServer(pkt.Reason)
	}
}

// postPacket 出站统一路径
func (c *Client) postPacket(pkt *protocol.Packet) {
	data := c.peer.preparePacket(pkt, time.Now())
	c.sendQueue.Post(netio.Datagram{Data: data})
}

// log 统一日志
func (c *Client) log(level int, format string, args ...interface{}) {
	logf(level, c.logLevel, "Client", format, args...)
}

// =============================================================================
// 统计 (metrics.EndpointStats)
// =============================================================================

func (c *Client) GetActiveConnections() int64 {
	if c.State() == StateAuthenticatedConnected {
		return 1
	}
	return 0
}
func (c *Client) GetTotalConnections() uint64 { return 1 }
func (c *Client) GetPacketsReceived() uint64  { return atomic.LoadUint64(&c.packetsRecv) }
func (c *Client) GetPacketsSent() uint64      { return atomic.LoadUint64(&c.packetsSent) }
func (c *Client) GetPacketsResent() uint64    { return atomic.LoadUint64(&c.packetsResent) }
func (c *Client) GetPacketsDropped() uint64   { return atomic.LoadUint64(&c.packetsDropped) }
func (c *Client) GetAuthSuccessCount() uint64 { return 0 }
func (c *Client) GetAuthFailureCount() uint64 { return 0 }
func (c *Client) GetTimeoutEvictions() uint64 { return 0 }
func (c *Client) GetBytesReceivedPerSecond() float64 {
	if c.conn == nil {
		return 0
	}
	return c.conn.BytesReceivedPerSecond()
}
func (c *Client) GetBytesSentPerSecond() float64 {
	if c.conn == nil {
		return 0
	}
	return c.conn.BytesSentPerSecond()
}

var _ metrics.EndpointStats = (*Client)(nil)
