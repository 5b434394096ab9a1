// =============================================================================
// 文件: server.go
// 描述: 服务端核心 - 对端注册表、按类型分发、握手驱动、空闲驱逐
// =============================================================================
package reludp

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/reludp/internal/metrics"
	"github.com/mrcgq/reludp/netio"
	"github.com/mrcgq/reludp/protocol"
)

// Server 服务端核心。一个实例完全自包含，没有全局状态。
type Server struct {
	cfg         *Config
	protocolID  uint32
	secondaries []uint32

	auth         Authenticator
	infoProvider ServerInfoProvider
	handler      ServerHandler

	conn      netio.DatagramConn
	sendQueue *netio.SendQueue

	// 对端注册表: endpoint.String() -> *RemoteConnection
	peers sync.Map
	// client id -> *RemoteConnection
	peersByID sync.Map

	nextClientID uint64 // 认证通过后单调分配，从 0 开始

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	running  int32
	logLevel int

	metricsSrv *metrics.MetricsServer

	// 统计
	activeConns    int64
	totalConns     uint64
	packetsRecv    uint64
	packetsSent    uint64
	packetsResent  uint64
	packetsDropped uint64
	authSuccess    uint64
	authFailure    uint64
	evictions      uint64
}

// NewServer 创建服务端。auth 为 nil 时使用免认证；
// infoProvider、handler 可以为 nil。
func NewServer(cfg *Config, protocolID uint32, secondaries []uint32,
	auth Authenticator, infoProvider ServerInfoProvider, handler ServerHandler) (*Server, error) {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if auth == nil {
		auth = NoAuth{}
	}

	return &Server{
		cfg:          cfg,
		protocolID:   protocolID,
		secondaries:  secondaries,
		auth:         auth,
		infoProvider: infoProvider,
		handler:      handler,
		sendQueue:    netio.NewSendQueue(),
		logLevel:     parseLogLevel(cfg.LogLevel),
	}, nil
}

// SetDatagramConn 注入数据报上下文 (默认真实 UDP；测试注入假网络)。
// 必须在 Start 之前调用。
func (s *Server) SetDatagramConn(conn netio.DatagramConn) {
	s.conn = conn
}

// =============================================================================
// 启动与停止
// =============================================================================

// Start 绑定端点并启动接收、发送、重传、空闲扫描四个循环，
// 接收与发送循环就绪后返回。
func (s *Server) Start(ctx context.Context, bindAddr string) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrAlreadyRunning
	}

	if s.conn == nil {
		s.conn = netio.NewUDPConn()
	}
	if err := s.conn.Bind(bindAddr); err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})

	recvReady := make(chan struct{})
	sendReady := make(chan struct{})

	s.wg.Add(4)
	go s.receiveLoop(recvReady)
	go s.sendLoop(sendReady)
	go s.retransmitLoop()
	go s.idleScanLoop()

	<-recvReady
	<-sendReady

	if s.cfg.Metrics.Enabled {
		s.metricsSrv = metrics.NewMetricsServer(
			s.cfg.Metrics.Listen, s.cfg.Metrics.Path, s.cfg.Metrics.HealthPath)
		s.metricsSrv.MustRegisterCollector(metrics.NewEndpointCollector("server", s))
		s.metricsSrv.Start(s.ctx)
	}

	s.log(LogLevelInfo, "服务端已启动: %s (protocol=%d)", bindAddr, s.protocolID)
	return nil
}

// Stop 通知所有循环退出并关闭 socket (解除阻塞的接收)，再等待循环静默
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	close(s.stopCh)
	s.cancel()
	s.sendQueue.Close()
	s.conn.Close()
	s.wg.Wait()

	if s.metricsSrv != nil {
		s.metricsSrv.Stop()
	}

	s.log(LogLevelInfo, "服务端已停止")
}

// =============================================================================
// 公开操作
// =============================================================================

// DisconnectClient 主动断开对端：入队可靠 CT 并进入终止收尾。
// id 查询立即失效，端点记录留在注册表里：CT 丢失时重传循环
// 还能找到它，对端回的 CTA 也不会被当成新连接。收到 CTA 或
// CT 的序列号被捎带确认 (或收尾窗口过期) 才真正移除。
func (s *Server) DisconnectClient(conn *RemoteConnection, reason string) {
	if conn == nil || conn.isLingering() {
		return
	}

	ct := protocol.NewTermination(protocol.ChannelReliable, reason)
	ctSeq := s.postToPeer(conn, ct)

	conn.setState(StateDisconnected)
	s.unregisterID(conn)
	conn.beginLinger(ctSeq, time.Now().Add(s.lingerWindow()))

	if s.handler != nil {
		s.handler.OnConnectionTerminated(conn, reason)
	}
}

// lingerWindow 终止收尾窗口：给 CT 三个重发预算去送达
func (s *Server) lingerWindow() time.Duration {
	return 3 * s.cfg.resendBudget()
}

// SendToClient 向已认证对端发送应用数据
func (s *Server) SendToClient(conn *RemoteConnection, data []byte, channel Channel) error {
	if atomic.LoadInt32(&s.running) != 1 {
		return ErrNotRunning
	}
	if conn == nil || conn.State() != StateAuthenticatedConnected {
		return ErrNotConnected
	}
	if len(data) > s.cfg.MaxPayload {
		return ErrPayloadTooBig
	}

	s.postToPeer(conn, protocol.NewApplicationData(channel, data))
	return nil
}

// GetClientConnection 按 client id 查连接，没有返回 nil
func (s *Server) GetClientConnection(clientID uint64) *RemoteConnection {
	if v, ok := s.peersByID.Load(clientID); ok {
		return v.(*RemoteConnection)
	}
	return nil
}

// Connections 当前所有对端 (终止收尾中的不算)
func (s *Server) Connections() []*RemoteConnection {
	var conns []*RemoteConnection
	s.peers.Range(func(_, v interface{}) bool {
		peer := v.(*RemoteConnection)
		if !peer.isLingering() {
			conns = append(conns, peer)
		}
		return true
	})
	return conns
}

// ProtocolID 主协议号
func (s *Server) ProtocolID() uint32 { return s.protocolID }

// LocalAddr 绑定的本地端点，未启动时为 nil
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// SupportedProtocolIDs 主协议号与兼容的次协议号
func (s *Server) SupportedProtocolIDs() []uint32 {
	out := []uint32{s.protocolID}
	return append(out, s.secondaries...)
}

// =============================================================================
// 循环
// =============================================================================

// receiveLoop 接收循环。接收错误时：主动停止则安静退出，
// 否则记录并触发停机，对端视为丢失。
func (s *Server) receiveLoop(ready chan<- struct{}) {
	defer s.wg.Done()
	close(ready)

	for {
		data, from, err := s.conn.Receive()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log(LogLevelError, "接收失败，停止接收循环: %v", err)
			s.cancel()
			return
		}

		atomic.AddUint64(&s.packetsRecv, 1)
		s.handleDatagram(data, from)
	}
}

// sendLoop 发送循环。发送失败只记录，可靠层会重传。
func (s *Server) sendLoop(ready chan<- struct{}) {
	defer s.wg.Done()
	close(ready)

	for {
		d, ok := s.sendQueue.Receive(s.ctx)
		if !ok {
			return
		}
		if err := s.conn.SendTo(d.Endpoint, d.Data); err != nil {
			s.log(LogLevelError, "发送失败: %v", err)
			continue
		}
		atomic.AddUint64(&s.packetsSent, 1)
	}
}

// retransmitLoop 重传扫描循环
func (s *Server) retransmitLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.retransmitScan())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.peers.Range(func(_, v interface{}) bool {
				s.resendDue(v.(*RemoteConnection), now)
				return true
			})
		}
	}
}

// resendDue 重传一个对端的到期包。重传用原载荷与原序列号，
// 捎带确认刷新为当前集合。
func (s *Server) resendDue(peer *RemoteConnection, now time.Time) {
	for _, info := range peer.tracker.DueForResend(now, s.cfg.resendBudget()) {
		pkt := info.Packet
		pkt.Acks = peer.ackQueue.NextAcks()
		s.sendQueue.Post(netio.Datagram{Endpoint: peer.endpoint, Data: pkt.Encode()})
		peer.tracker.MarkResent(info.Seq, now)
		peer.touchSent(now)
		atomic.AddUint64(&s.packetsResent, 1)
	}
}

// idleScanLoop 空闲扫描与服务端保活。每秒驱逐超时对端；
// 同时对发包间隔超过保活间隔的对端补发不可靠 KA，
// 保证捎带确认有出站流量可搭。
func (s *Server) idleScanLoop() {
	defer s.wg.Done()

	evict := time.NewTicker(time.Second)
	defer evict.Stop()
	keepalive := time.NewTicker(s.cfg.keepalive() / 2)
	defer keepalive.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-evict.C:
			now := time.Now()
			s.peers.Range(func(_, v interface{}) bool {
				peer := v.(*RemoteConnection)
				if _, until, lingering := peer.lingerState(); lingering {
					// 终止握手一直没确认，窗口过期后放弃等待
					if now.After(until) {
						s.removePeer(peer)
					}
					return true
				}
				if now.Sub(peer.LastReceived()) > s.cfg.idleTimeout() {
					s.evictPeer(peer)
				}
				return true
			})

		case <-keepalive.C:
			now := time.Now()
			s.peers.Range(func(_, v interface{}) bool {
				peer := v.(*RemoteConnection)
				if now.Sub(peer.LastSent()) >= s.cfg.keepalive() {
					s.postToPeer(peer, protocol.NewKeepAlive(protocol.ChannelUnreliable))
				}
				return true
			})
		}
	}
}

// evictPeer 空闲驱逐：效果等同收到对端的 CT
func (s *Server) evictPeer(peer *RemoteConnection) {
	peer.setState(StateDisconnected)
	s.removePeer(peer)
	atomic.AddUint64(&s.evictions, 1)
	s.log(LogLevelInfo, "空闲驱逐: %s (id=%d)", peer.endpoint, peer.ClientID())

	if s.handler != nil {
		s.handler.OnConnectionTerminated(peer, "idle timeout")
	}
}

// =============================================================================
// 入站分发
// =============================================================================

// handleDatagram 入站数据报处理。解码失败静默丢弃。
func (s *Server) handleDatagram(data []byte, from net.Addr) {
	pkt, err := protocol.Decode(data, s.cfg.MaxPayload)
	if err != nil {
		atomic.AddUint64(&s.packetsDropped, 1)
		s.log(LogLevelDebug, "丢弃无法解码的数据报 (%s): %v", from, err)
		return
	}

	// SIRQ 无状态应答，不触碰对端注册表
	if pkt.Type == protocol.TypeServerInfoRequest {
		s.respondServerInfo(from)
		return
	}

	peer, ok := s.lookupOrCreatePeer(from)
	if !ok {
		atomic.AddUint64(&s.packetsDropped, 1)
		return
	}

	peer.touchReceived(time.Now())

	// 确认摄入无条件先行：旧包的捎带确认也要退掉重传表项
	peer.tracker.IngestAcks(pkt.Acks, time.Now())

	// 终止收尾中的对端不再进状态机，只吸收确认与重复副本
	if peer.isLingering() {
		s.handleLingering(peer, pkt)
		return
	}

	if !peer.admitInbound(pkt) {
		atomic.AddUint64(&s.packetsDropped, 1)
		return
	}

	s.handlePacket(peer, pkt)
}

// handleLingering 终止收尾中的入站处理。收到 CTA 或本端 CT 的
// 序列号已被捎带确认即完成移除；重复的 CT 副本照常补确认。
func (s *Server) handleLingering(peer *RemoteConnection, pkt *protocol.Packet) {
	peer.admitInbound(pkt)

	ctSeq, _, _ := peer.lingerState()
	if pkt.Type == protocol.TypeTerminationAck || (ctSeq != 0 && !peer.tracker.Has(ctSeq)) {
		s.removePeer(peer)
	}
}

// lookupOrCreatePeer 查找或创建对端。首个数据报即建记录；
// 超出连接上限时丢弃。
func (s *Server) lookupOrCreatePeer(from net.Addr) (*RemoteConnection, bool) {
	key := from.String()

	if v, ok := s.peers.Load(key); ok {
		return v.(*RemoteConnection), true
	}

	if atomic.LoadInt64(&s.activeConns) >= int64(s.cfg.MaxConnections) {
		return nil, false
	}

	peer := newRemoteConnection(from, s.cfg.AckCapacity, nil)
	actual, loaded := s.peers.LoadOrStore(key, peer)
	if loaded {
		return actual.(*RemoteConnection), true
	}

	atomic.AddInt64(&s.activeConns, 1)
	atomic.AddUint64(&s.totalConns, 1)
	s.log(LogLevelDebug, "新对端: %s", key)
	return peer, true
}

// handlePacket 状态机分发。非法事件静默忽略。
func (s *Server) handlePacket(peer *RemoteConnection, pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeConnectionRequest:
		s.handleConnectionRequest(peer, pkt)

	case protocol.TypeChallengeResponse:
		s.handleChallengeResponse(peer, pkt)

	case protocol.TypeKeepAlive:
		// 收包时间已刷新，无其他处理

	case protocol.TypeApplicationData:
		if peer.State() == StateAuthenticatedConnected && s.handler != nil {
			s.handler.OnDataReceived(peer, pkt.Data, pkt.Channel)
		}

	case protocol.TypeTermination:
		s.handleTermination(peer, pkt)

	case protocol.TypeTerminationAck:
		// 终止收尾路径在 handleLingering 里完成；
		// 其余状态下的 CTA 是非法事件，忽略
	}
}

// handleConnectionRequest CR: Disconnected -> Requested，
// 协议兼容检查通过后发挑战进入 WaitingForChallengeResponse
func (s *Server) handleConnectionRequest(peer *RemoteConnection, pkt *protocol.Packet) {
	if !peer.transition(StateDisconnected, StateRequested) {
		return
	}

	if !s.protocolSupported(pkt.ProtocolID) {
		atomic.AddUint64(&s.authFailure, 1)
		s.log(LogLevelInfo, "协议不兼容: %s 请求 %d", peer.endpoint, pkt.ProtocolID)

		crs := protocol.NewConnectionResponse(
			protocol.ChannelUnreliable, protocol.CodeUnsupportedProtocolVersion, 0)
		s.postToPeer(peer, crs)

		if s.handler != nil {
			s.handler.OnClientAuthFailed(peer.endpoint, CodeUnsupportedProtocolVersion)
		}
		s.removePeer(peer)
		return
	}

	challenge, err := s.auth.GetChallengeFor(peer.ClientID())
	if err != nil {
		s.log(LogLevelError, "生成挑战失败 (%s): %v", peer.endpoint, err)
		s.removePeer(peer)
		return
	}
	peer.setChallenge(challenge)

	s.postToPeer(peer, protocol.NewChallenge(protocol.ChannelReliable, challenge))
	peer.setState(StateWaitingForChallengeResponse)
}

// handleChallengeResponse CHR: 认证通过分配 client id 并回 CRS
func (s *Server) handleChallengeResponse(peer *RemoteConnection, pkt *protocol.Packet) {
	if peer.State() != StateWaitingForChallengeResponse {
		return
	}

	ok, err := s.auth.Authenticate(peer.ClientID(), peer.storedChallenge(), pkt.Data)
	if err != nil {
		s.log(LogLevelError, "认证器错误 (%s): %v", peer.endpoint, err)
		ok = false
	}

	if !ok {
		atomic.AddUint64(&s.authFailure, 1)
		crs := protocol.NewConnectionResponse(
			protocol.ChannelUnreliable, protocol.CodeInvalidAuthentication, 0)
		s.postToPeer(peer, crs)

		if s.handler != nil {
			s.handler.OnClientAuthFailed(peer.endpoint, CodeInvalidAuthentication)
		}
		s.removePeer(peer)
		return
	}

	id := atomic.AddUint64(&s.nextClientID, 1) - 1
	peer.assignClientID(id)
	peer.setState(StateAuthenticatedConnected)
	s.peersByID.Store(id, peer)
	atomic.AddUint64(&s.authSuccess, 1)

	crs := protocol.NewConnectionResponse(protocol.ChannelReliable, protocol.CodeSuccess, id)
	s.postToPeer(peer, crs)

	s.log(LogLevelInfo, "对端已认证: %s -> id=%d", peer.endpoint, id)
	if s.handler != nil {
		s.handler.OnClientConnected(peer)
	}
}

// handleTermination CT: 回 CTA 并进入终止收尾。CTA 不可靠，
// 丢失时对端的 CT 会重传；端点记录留在注册表里把重传副本
// 当成重复包补确认，而不是当成新连接。
func (s *Server) handleTermination(peer *RemoteConnection, pkt *protocol.Packet) {
	if !peer.transition(StateAuthenticatedConnected, StateDisconnected) {
		return
	}

	s.postToPeer(peer, protocol.NewTerminationAck(protocol.ChannelUnreliable))
	s.unregisterID(peer)
	peer.beginLinger(0, time.Now().Add(s.lingerWindow()))

	s.log(LogLevelInfo, "对端终止连接: %s (%s)", peer.endpoint, pkt.Reason)
	if s.handler != nil {
		s.handler.OnConnectionTerminated(peer, pkt.Reason)
	}
}

// protocolSupported 协议号等于主协议或在次协议列表中
func (s *Server) protocolSupported(id uint32) bool {
	if id == s.protocolID {
		return true
	}
	for _, sec := range s.secondaries {
		if id == sec {
			return true
		}
	}
	return false
}

// respondServerInfo SIRS 应答
func (s *Server) respondServerInfo(to net.Addr) {
	if s.infoProvider == nil {
		return
	}

	info := s.infoProvider.GetServerInfo(s)
	if info == nil {
		return
	}

	var buf bytes.Buffer
	if err := info.Serialize(&buf); err != nil {
		s.log(LogLevelError, "序列化服务器信息失败: %v", err)
		return
	}

	sirs := protocol.NewServerInfoResponse(buf.Bytes())
	s.sendQueue.Post(netio.Datagram{Endpoint: to, Data: sirs.Encode()})
}

// =============================================================================
// 出站与注册表维护
// =============================================================================

// postToPeer 对端出站统一路径，返回分配的序列号
func (s *Server) postToPeer(peer *RemoteConnection, pkt *protocol.Packet) uint64 {
	data := peer.preparePacket(pkt, time.Now())
	s.sendQueue.Post(netio.Datagram{Endpoint: peer.endpoint, Data: data})
	return pkt.Seq
}

// unregisterID 让 id 查询立即失效。指针相等判定避免误删
// (0 可能是未分配也可能是首个对端)。
func (s *Server) unregisterID(peer *RemoteConnection) {
	if v, ok := s.peersByID.Load(peer.ClientID()); ok && v.(*RemoteConnection) == peer {
		s.peersByID.Delete(peer.ClientID())
	}
}

// removePeer 从注册表移除
func (s *Server) removePeer(peer *RemoteConnection) {
	if _, loaded := s.peers.LoadAndDelete(peer.endpoint.String()); loaded {
		atomic.AddInt64(&s.activeConns, -1)
	}
	s.unregisterID(peer)
}

// log 统一日志
func (s *Server) log(level int, format string, args ...interface{}) {
	logf(level, s.logLevel, "Server", format, args...)
}

// =============================================================================
// 统计 (metrics.EndpointStats)
// =============================================================================

func (s *Server) GetActiveConnections() int64  { return atomic.LoadInt64(&s.activeConns) }
func (s *Server) GetTotalConnections() uint64  { return atomic.LoadUint64(&s.totalConns) }
func (s *Server) GetPacketsReceived() uint64   { return atomic.LoadUint64(&s.packetsRecv) }
func (s *Server) GetPacketsSent() uint64       { return atomic.LoadUint64(&s.packetsSent) }
func (s *Server) GetPacketsResent() uint64     { return atomic.LoadUint64(&s.packetsResent) }
func (s *Server) GetPacketsDropped() uint64    { return atomic.LoadUint64(&s.packetsDropped) }
func (s *Server) GetAuthSuccessCount() uint64  { return atomic.LoadUint64(&s.authSuccess) }
func (s *Server) GetAuthFailureCount() uint64  { return atomic.LoadUint64(&s.authFailure) }
func (s *Server) GetTimeoutEvictions() uint64  { return atomic.LoadUint64(&s.evictions) }
func (s *Server) GetBytesReceivedPerSecond() float64 {
	if s.conn == nil {
		return 0
	}
	return s.conn.BytesReceivedPerSecond()
}
func (s *Server) GetBytesSentPerSecond() float64 {
	if s.conn == nil {
		return 0
	}
	return s.conn.BytesSentPerSecond()
}

// 编译期断言
var _ metrics.EndpointStats = (*Server)(nil)
