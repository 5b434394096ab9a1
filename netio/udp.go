// =============================================================================
// 文件: netio/udp.go
// 描述: I/O 平面 - 真实 UDP socket 实现
// =============================================================================
package netio

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/mrcgq/reludp/internal/stats"
)

const readBufferSize = 65535

// UDPConn DatagramConn 的 UDP 实现。Bind 与 Connect 二选一：
// 服务端 Bind 后用 SendTo/Receive，客户端 Connect 后用
// SendAsClient/ReceiveAsClient。
type UDPConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	closed int32

	rateIn  *stats.RateMeter
	rateOut *stats.RateMeter
}

// NewUDPConn 创建未绑定的 UDP 上下文
func NewUDPConn() *UDPConn {
	return &UDPConn{
		rateIn:  stats.NewRateMeter(time.Second),
		rateOut: stats.NewRateMeter(time.Second),
	}
}

// Bind 服务端绑定
func (u *UDPConn) Bind(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	u.conn = conn
	return nil
}

// Connect 客户端连接：绑定临时端口并锁定远端
func (u *UDPConn) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("创建 socket 失败: %w", err)
	}
	u.conn = conn
	u.remote = udpAddr
	return nil
}

// SendTo 发送到指定端点
func (u *UDPConn) SendTo(endpoint net.Addr, data []byte) error {
	if u.conn == nil {
		return ErrNotBound
	}
	udpAddr, ok := endpoint.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("端点类型错误: %T", endpoint)
	}
	n, err := u.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		return err
	}
	u.rateOut.Record(n, time.Now())
	return nil
}

// SendAsClient 发送到已连接的远端
func (u *UDPConn) SendAsClient(data []byte) error {
	if u.conn == nil {
		return ErrNotBound
	}
	if u.remote == nil {
		return ErrNotConnected
	}
	n, err := u.conn.WriteToUDP(data, u.remote)
	if err != nil {
		return err
	}
	u.rateOut.Record(n, time.Now())
	return nil
}

// Receive 阻塞接收
func (u *UDPConn) Receive() ([]byte, net.Addr, error) {
	if u.conn == nil {
		return nil, nil, ErrNotBound
	}

	buf := make([]byte, readBufferSize)
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if atomic.LoadInt32(&u.closed) == 1 {
			return nil, nil, ErrConnClosed
		}
		return nil, nil, err
	}

	u.rateIn.Record(n, time.Now())
	data := make([]byte, n)
	copy(data, buf[:n])
	return data, from, nil
}

// ReceiveAsClient 客户端路径的阻塞接收。
// 只接受来自已连接远端的数据报，其余来源丢弃。
func (u *UDPConn) ReceiveAsClient() ([]byte, error) {
	for {
		data, from, err := u.Receive()
		if err != nil {
			return nil, err
		}
		if u.remote == nil {
			return data, nil
		}
		udpFrom, ok := from.(*net.UDPAddr)
		if ok && udpFrom.IP.Equal(u.remote.IP) && udpFrom.Port == u.remote.Port {
			return data, nil
		}
	}
}

// Close 关闭 socket，解除阻塞的接收
func (u *UDPConn) Close() error {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return nil
	}
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

// LocalAddr 本地端点
func (u *UDPConn) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// BytesSentPerSecond 出站字节速率
func (u *UDPConn) BytesSentPerSecond() float64 {
	return u.rateOut.PerSecond(time.Now())
}

// BytesReceivedPerSecond 入站字节速率
func (u *UDPConn) BytesReceivedPerSecond() float64 {
	return u.rateIn.PerSecond(time.Now())
}
