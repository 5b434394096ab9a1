// =============================================================================
// 文件: e2e_test.go
// 描述: 端到端测试 - 握手、认证、断开、丢包下的可靠投递
// =============================================================================
package reludp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/reludp/netio"
)

// =============================================================================
// 测试辅助
// =============================================================================

type testServerHandler struct {
	onConnected  func(*RemoteConnection)
	onAuthFailed func(net.Addr, Code)
	onData       func(*RemoteConnection, []byte, Channel)
	onTerminated func(*RemoteConnection, string)
}

func (h *testServerHandler) OnClientConnected(conn *RemoteConnection) {
	if h.onConnected != nil {
		h.onConnected(conn)
	}
}
func (h *testServerHandler) OnClientAuthFailed(endpoint net.Addr, code Code) {
	if h.onAuthFailed != nil {
		h.onAuthFailed(endpoint, code)
	}
}
func (h *testServerHandler) OnDataReceived(conn *RemoteConnection, data []byte, ch Channel) {
	if h.onData != nil {
		h.onData(conn, data, ch)
	}
}
func (h *testServerHandler) OnConnectionTerminated(conn *RemoteConnection, reason string) {
	if h.onTerminated != nil {
		h.onTerminated(conn, reason)
	}
}

type testClientHandler struct {
	onData         func([]byte, Channel)
	onDisconnected func(string)
}

func (h *testClientHandler) OnDataReceived(data []byte, ch Channel) {
	if h.onData != nil {
		h.onData(data, ch)
	}
}
func (h *testClientHandler) OnDisconnectedByServer(reason string) {
	if h.onDisconnected != nil {
		h.onDisconnected(reason)
	}
}

// quietConfig 测试配置：只打错误日志
func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.LogLevel = "error"
	return cfg
}

// startServer 启动服务端并返回监听端口
func startServer(t *testing.T, cfg *Config, protocolID uint32, secondaries []uint32,
	auth Authenticator, info ServerInfoProvider, handler ServerHandler) (*Server, int) {
	t.Helper()

	server, err := NewServer(cfg, protocolID, secondaries, auth, info, handler)
	if err != nil {
		t.Fatalf("创建服务端失败: %v", err)
	}
	if err := server.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("启动服务端失败: %v", err)
	}
	t.Cleanup(server.Stop)

	port := server.LocalAddr().(*net.UDPAddr).Port
	return server, port
}

// newTestClient 创建客户端并登记清理
func newTestClient(t *testing.T, cfg *Config, protocolID uint32, handler ClientHandler) *Client {
	t.Helper()

	client, err := NewClient(cfg, protocolID, handler)
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// =============================================================================
// 场景测试
// =============================================================================

// 免认证连接：code=SUCCESS，id=0，GetClientConnection(0) 非空
func TestConnectNoAuth(t *testing.T) {
	server, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeSuccess {
		t.Fatalf("结果码应为 SUCCESS: got %s", code)
	}
	if clientID != 0 {
		t.Errorf("首个客户端 id 应为 0: got %d", clientID)
	}
	if server.GetClientConnection(0) == nil {
		t.Error("GetClientConnection(0) 不应为空")
	}
	if client.State() != StateAuthenticatedConnected {
		t.Errorf("客户端状态应为已认证: got %s", client.State())
	}
}

// 口令认证失败：应答错误口令得到 FAILURE_INVALID_AUTHENTICATION
func TestPasswordAuthFailure(t *testing.T) {
	auth, err := NewPasswordAuthenticator("goodpassword")
	if err != nil {
		t.Fatal(err)
	}

	failedCh := make(chan Code, 1)
	handler := &testServerHandler{
		onAuthFailed: func(_ net.Addr, code Code) { failedCh <- code },
	}

	_, port := startServer(t, quietConfig(), 5, nil, auth, nil, handler)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port,
		PasswordResponder("thewrongpassword"), 5*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeInvalidAuthentication {
		t.Fatalf("结果码应为 FAILURE_INVALID_AUTHENTICATION: got %s", code)
	}

	select {
	case got := <-failedCh:
		if got != CodeInvalidAuthentication {
			t.Errorf("认证失败事件结果码错误: got %s", got)
		}
	case <-time.After(time.Second):
		t.Error("认证失败事件应该触发")
	}
}

// 口令认证成功
func TestPasswordAuthSuccess(t *testing.T) {
	auth, err := NewPasswordAuthenticator("goodpassword")
	if err != nil {
		t.Fatal(err)
	}

	_, port := startServer(t, quietConfig(), 5, nil, auth, nil, nil)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port,
		PasswordResponder("goodpassword"), 5*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeSuccess {
		t.Fatalf("结果码应为 SUCCESS: got %s", code)
	}
}

// 协议不兼容：2 秒内得到 FAILURE_UNSUPPORTED_PROTOCOL_VERSION
func TestProtocolMismatch(t *testing.T) {
	_, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 0, nil)

	start := time.Now()
	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeUnsupportedProtocolVersion {
		t.Fatalf("结果码应为 FAILURE_UNSUPPORTED_PROTOCOL_VERSION: got %s", code)
	}
	if time.Since(start) >= 2*time.Second {
		t.Error("协议不兼容应在超时前返回")
	}
}

// 次协议兼容：主协议 5，次协议 [3,4]，客户端 3 可连接
func TestSupportedSecondary(t *testing.T) {
	server, port := startServer(t, quietConfig(), 5, []uint32{3, 4}, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 3, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeSuccess {
		t.Fatalf("次协议应可连接: got %s", code)
	}

	ids := server.SupportedProtocolIDs()
	if len(ids) != 3 || ids[0] != 5 {
		t.Errorf("SupportedProtocolIDs 错误: got %v", ids)
	}
}

// 服务端主动断开：对端状态变为 Disconnected，1 秒内客户端事件触发
func TestServerTriggeredDisconnect(t *testing.T) {
	disconnectedCh := make(chan string, 1)
	clientHandler := &testClientHandler{
		onDisconnected: func(reason string) { disconnectedCh <- reason },
	}

	server, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 5, clientHandler)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	conn := server.GetClientConnection(clientID)
	if conn == nil {
		t.Fatal("应能查到连接")
	}

	server.DisconnectClient(conn, "server shutdown")

	if conn.State() != StateDisconnected {
		t.Errorf("对端状态应为 Disconnected: got %s", conn.State())
	}
	if server.GetClientConnection(clientID) != nil {
		t.Error("断开后注册表不应再有该连接")
	}

	select {
	case reason := <-disconnectedCh:
		if reason != "server shutdown" {
			t.Errorf("断开原因错误: got %q", reason)
		}
	case <-time.After(time.Second):
		t.Error("DisconnectedByServer 事件应在 1 秒内触发")
	}

	// 客户端回的 CTA 应落在收尾中的记录上完成移除，
	// 而不是被当成新连接
	waitForActiveConns(t, server, 0, 5*time.Second)
	if total := server.GetTotalConnections(); total != 1 {
		t.Errorf("终止握手不应产生新连接: total=%d", total)
	}
}

// waitForActiveConns 等待活跃连接数收敛
func waitForActiveConns(t *testing.T, server *Server, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if server.GetActiveConnections() == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("活跃连接数应收敛到 %d: got %d", want, server.GetActiveConnections())
}

// 客户端主动断开：服务端移除对端并触发终止事件
func TestClientTriggeredDisconnect(t *testing.T) {
	terminatedCh := make(chan string, 1)
	serverHandler := &testServerHandler{
		onTerminated: func(_ *RemoteConnection, reason string) { terminatedCh <- reason },
	}

	server, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, serverHandler)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	if err := client.Disconnect("bye"); err != nil {
		t.Fatalf("断开失败: %v", err)
	}

	select {
	case reason := <-terminatedCh:
		if reason != "bye" {
			t.Errorf("终止原因错误: got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Error("终止事件应该触发")
	}

	if server.GetClientConnection(clientID) != nil {
		t.Error("断开后注册表不应再有该连接")
	}

	// 收尾窗口过后记录移除，期间客户端的 CT 重传不应被当成新连接
	waitForActiveConns(t, server, 0, 8*time.Second)
	if total := server.GetTotalConnections(); total != 1 {
		t.Errorf("终止握手不应产生新连接: total=%d", total)
	}
}

// 无服务端：timeout=2s 返回 NO_RESPONSE
func TestConnectNoServer(t *testing.T) {
	// 占一个端口再释放，保证无人监听
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	client := newTestClient(t, quietConfig(), 5, nil)

	start := time.Now()
	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeNoResponse {
		t.Fatalf("结果码应为 NO_RESPONSE: got %s", code)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("应等满超时窗口: got %v", elapsed)
	}
}

// 丢包下的可靠投递：40%% 丢包 20ms 延迟，50 个不同 4 字节载荷
// 全部且仅一次到达
func TestReliableDeliveryUnderLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("丢包场景耗时，short 模式跳过")
	}

	network := netio.NewFakeNetwork(0.4, 20*time.Millisecond)

	var mu sync.Mutex
	received := make(map[string]int)
	serverHandler := &testServerHandler{
		onData: func(_ *RemoteConnection, data []byte, _ Channel) {
			mu.Lock()
			received[string(data)]++
			mu.Unlock()
		},
	}

	cfg := quietConfig()
	cfg.ResendBudgetMs = 100
	cfg.RetransmitScanMs = 20
	cfg.KeepaliveMs = 200
	cfg.IdleTimeoutMs = 30000

	server, err := NewServer(cfg, 5, nil, NoAuth{}, nil, serverHandler)
	if err != nil {
		t.Fatal(err)
	}
	server.SetDatagramConn(network.Endpoint())
	if err := server.Start(context.Background(), "fake:9000"); err != nil {
		t.Fatalf("启动服务端失败: %v", err)
	}
	defer server.Stop()

	client, err := NewClient(cfg, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	client.SetDatagramConn(network.Endpoint())
	defer client.Close()

	code, _, err := client.Connect(context.Background(), "fake", 9000, nil, 20*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("丢包网络上连接失败: code=%s err=%v", code, err)
	}

	sent := make(map[string]bool)
	for i := 0; i < 50; i++ {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(i))
		sent[string(payload)] = true

		if err := client.SendToServer(payload, ChannelReliable); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 50 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 50 {
		t.Fatalf("应收到 50 个不同载荷: got %d", len(received))
	}
	for payload, count := range received {
		if !sent[payload] {
			t.Errorf("收到未发送过的载荷: %v", []byte(payload))
		}
		if count != 1 {
			t.Errorf("载荷 %v 应恰好交付一次: got %d", []byte(payload), count)
		}
	}
}

// 可靠有序往返律：载荷逐字节一致到达
func TestReliableOrderedRoundTrip(t *testing.T) {
	dataCh := make(chan []byte, 1)
	serverHandler := &testServerHandler{
		onData: func(_ *RemoteConnection, data []byte, ch Channel) {
			if ch == ChannelReliableOrdered {
				dataCh <- data
			}
		},
	}

	_, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, serverHandler)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	payload := []byte{0x01, 0x02, 0x03, 0xFF, 0x00, 0x7F}
	if err := client.SendToServer(payload, ChannelReliableOrdered); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	select {
	case got := <-dataCh:
		if string(got) != string(payload) {
			t.Errorf("载荷应逐字节一致: got %v, want %v", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("可靠有序载荷未到达")
	}
}

// 可靠有序流 (服务端 -> 客户端)：连续发送保持顺序且无缺失
func TestReliableOrderedStream(t *testing.T) {
	var mu sync.Mutex
	var order []byte
	clientHandler := &testClientHandler{
		onData: func(data []byte, ch Channel) {
			if ch == ChannelReliableOrdered {
				mu.Lock()
				order = append(order, data[0])
				mu.Unlock()
			}
		},
	}

	server, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 5, clientHandler)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	conn := server.GetClientConnection(clientID)
	for i := byte(1); i <= 5; i++ {
		if err := server.SendToClient(conn, []byte{i}, ChannelReliableOrdered); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("应收到 5 个载荷: got %d (%v)", len(order), order)
	}
	for i := byte(0); i < 5; i++ {
		if order[i] != i+1 {
			t.Fatalf("顺序错误: got %v", order)
		}
	}
}

// 保活阻止驱逐：空闲应用不会被服务端驱逐
func TestKeepAlivePreventsEviction(t *testing.T) {
	cfg := quietConfig()
	cfg.KeepaliveMs = 200
	cfg.IdleTimeoutMs = 700

	server, port := startServer(t, cfg, 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, cfg, 5, nil)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	// 应用完全空闲，保活包应维持连接
	time.Sleep(2 * time.Second)

	if server.GetClientConnection(clientID) == nil {
		t.Error("保活下空闲对端不应被驱逐")
	}
}

// 空闲驱逐：客户端突然消失后对端在空闲窗口后被移除
func TestIdleEviction(t *testing.T) {
	terminatedCh := make(chan string, 1)
	serverHandler := &testServerHandler{
		onTerminated: func(_ *RemoteConnection, reason string) { terminatedCh <- reason },
	}

	cfg := quietConfig()
	cfg.KeepaliveMs = 200
	cfg.IdleTimeoutMs = 700

	server, port := startServer(t, cfg, 5, nil, NoAuth{}, nil, serverHandler)
	client := newTestClient(t, cfg, 5, nil)

	code, clientID, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	// 不发 CT 直接消失
	client.Close()

	select {
	case reason := <-terminatedCh:
		if reason != "idle timeout" {
			t.Errorf("驱逐原因应为 idle timeout: got %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("空闲对端应被驱逐")
	}

	if server.GetClientConnection(clientID) != nil {
		t.Error("驱逐后注册表不应再有该连接")
	}
}

// RTT 估算：连接后 ping 循环应产生正的往返时延
func TestPingMeasurement(t *testing.T) {
	_, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if client.Ping() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("RTT 应大于 0")
}

// 连接数上限：超出上限的新对端被忽略
func TestMaxConnections(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxConnections = 1

	_, port := startServer(t, cfg, 5, nil, NoAuth{}, nil, nil)

	first := newTestClient(t, quietConfig(), 5, nil)
	code, _, err := first.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("首个连接应成功: code=%s err=%v", code, err)
	}

	second := newTestClient(t, quietConfig(), 5, nil)
	code, _, err = second.Connect(context.Background(), "127.0.0.1", port, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("连接出错: %v", err)
	}
	if code != CodeNoResponse {
		t.Errorf("超限连接应得到 NO_RESPONSE: got %s", code)
	}
}

// =============================================================================
// 服务器信息查询
// =============================================================================

// testServerInfo 示例信息对象
type testServerInfo struct {
	Name    string
	Players uint32
}

func (i *testServerInfo) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, i.Players); err != nil {
		return err
	}
	name := []byte(i.Name)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
		return err
	}
	_, err := w.Write(name)
	return err
}

func deserializeTestServerInfo(r io.Reader) (interface{}, error) {
	info := &testServerInfo{}
	if err := binary.Read(r, binary.LittleEndian, &info.Players); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}
	info.Name = string(name)
	return info, nil
}

// testInfoProvider 示例信息提供者
type testInfoProvider struct{}

func (testInfoProvider) GetServerInfo(s *Server) Serializable {
	return &testServerInfo{
		Name:    "test-server",
		Players: uint32(s.GetActiveConnections()),
	}
}

// 无状态信息查询：不建立连接即可取回信息
func TestRequestServerInfo(t *testing.T) {
	server, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, testInfoProvider{}, nil)

	result, err := RequestServerInfo("127.0.0.1", port, 2*time.Second, deserializeTestServerInfo)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}

	info, ok := result.(*testServerInfo)
	if !ok {
		t.Fatalf("反序列化类型错误: %T", result)
	}
	if info.Name != "test-server" {
		t.Errorf("信息内容错误: got %q", info.Name)
	}

	// 查询不触碰对端注册表
	if n := server.GetActiveConnections(); n != 0 {
		t.Errorf("信息查询不应建立连接: active=%d", n)
	}
}

// 查询超时
func TestRequestServerInfoTimeout(t *testing.T) {
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	_, err = RequestServerInfo("127.0.0.1", port, 500*time.Millisecond, deserializeTestServerInfo)
	if err == nil {
		t.Error("无人应答应超时报错")
	}
}

// =============================================================================
// 生命周期
// =============================================================================

func TestServerStartStop(t *testing.T) {
	server, err := NewServer(quietConfig(), 5, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	if err := server.Start(context.Background(), "127.0.0.1:0"); err != ErrAlreadyRunning {
		t.Errorf("二次启动应报 ErrAlreadyRunning: got %v", err)
	}

	server.Stop()
	server.Stop() // 幂等
}

func TestSendRequiresConnection(t *testing.T) {
	client := newTestClient(t, quietConfig(), 5, nil)
	if err := client.SendToServer([]byte("x"), ChannelReliable); err != ErrNotRunning {
		t.Errorf("未连接发送应报 ErrNotRunning: got %v", err)
	}

	server, _ := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	if err := server.SendToClient(nil, []byte("x"), ChannelReliable); err != ErrNotConnected {
		t.Errorf("空连接发送应报 ErrNotConnected: got %v", err)
	}
}

func TestPayloadBound(t *testing.T) {
	_, port := startServer(t, quietConfig(), 5, nil, NoAuth{}, nil, nil)
	client := newTestClient(t, quietConfig(), 5, nil)

	code, _, err := client.Connect(context.Background(), "127.0.0.1", port, nil, 5*time.Second)
	if err != nil || code != CodeSuccess {
		t.Fatalf("连接失败: code=%s err=%v", code, err)
	}

	oversized := make([]byte, 64*1024+1)
	if err := client.SendToServer(oversized, ChannelReliable); err != ErrPayloadTooBig {
		t.Errorf("超限载荷应报 ErrPayloadTooBig: got %v", err)
	}
}
