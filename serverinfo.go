// =============================================================================
// 文件: serverinfo.go
// 描述: 服务器信息查询 - 带外无状态 SIRQ/SIRS 交换
// =============================================================================
package reludp

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/reludp/netio"
	"github.com/mrcgq/reludp/protocol"
)

// Serializable 服务器信息对象的序列化接口
type Serializable interface {
	Serialize(w io.Writer) error
}

// Deserializer 调用方提供的反序列化函数
type Deserializer func(r io.Reader) (interface{}, error)

// ServerInfoProvider 服务端消费的信息提供者。
// SIRQ 的应答不触碰任何对端状态。
type ServerInfoProvider interface {
	GetServerInfo(s *Server) Serializable
}

// 并发相同查询合并为一次网络往返
var infoFlight singleflight.Group

// RequestServerInfo 一次性查询服务器信息：在临时 socket 上发送 SIRQ，
// 等待 SIRS 并用调用方的反序列化函数解码。不建立连接。
// 超时返回错误。
func RequestServerInfo(host string, port int, timeout time.Duration, deserialize Deserializer) (interface{}, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	result, err, _ := infoFlight.Do(addr, func() (interface{}, error) {
		conn := netio.NewUDPConn()
		if err := conn.Connect(addr); err != nil {
			return nil, err
		}
		return requestServerInfoOver(conn, timeout, deserialize)
	})
	return result, err
}

// requestServerInfoOver 在给定的数据报上下文上执行查询 (测试注入用)
func requestServerInfoOver(conn netio.DatagramConn, timeout time.Duration, deserialize Deserializer) (interface{}, error) {
	defer conn.Close()

	req := protocol.NewServerInfoRequest()
	if err := conn.SendAsClient(req.Encode()); err != nil {
		return nil, fmt.Errorf("发送 SIRQ 失败: %w", err)
	}

	type outcome struct {
		blob []byte
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		for {
			data, err := conn.ReceiveAsClient()
			if err != nil {
				done <- outcome{err: err}
				return
			}
			pkt, err := protocol.Decode(data, 0)
			if err != nil || pkt.Type != protocol.TypeServerInfoResponse {
				continue
			}
			done <- outcome{blob: pkt.Data}
			return
		}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("接收 SIRS 失败: %w", out.err)
		}
		return deserialize(bytes.NewReader(out.blob))
	case <-time.After(timeout):
		return nil, fmt.Errorf("服务器信息查询超时")
	}
}
