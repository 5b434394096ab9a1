// =============================================================================
// 文件: reludp.go
// 描述: reludp - UDP 之上的可靠/有序传输层
//
// 在单一 socket 对上提供四条投递通道 (不可靠/无序、不可靠/有序、
// 可靠/无序、可靠/有序)，以及连接生命周期：挑战-应答认证、保活、
// 优雅终止、空闲驱逐和无状态的服务器信息查询。
// =============================================================================
package reludp

import (
	"fmt"
	"net"
	"time"

	"github.com/mrcgq/reludp/protocol"
)

// 公开类型别名，调用方不必直接导入 protocol 包
type (
	// Channel 投递通道
	Channel = protocol.Channel
	// Code 连接结果码
	Code = protocol.Code
)

// 通道组合
const (
	ChannelUnreliable        = protocol.ChannelUnreliable
	ChannelUnreliableOrdered = protocol.ChannelUnreliableOrdered
	ChannelReliable          = protocol.ChannelReliable
	ChannelReliableOrdered   = protocol.ChannelReliableOrdered
)

// 结果码
const (
	CodeSuccess                    = protocol.CodeSuccess
	CodeUnsupportedProtocolVersion = protocol.CodeUnsupportedProtocolVersion
	CodeInvalidAuthentication      = protocol.CodeInvalidAuthentication
	CodeNoResponse                 = protocol.CodeNoResponse
)

// 错误定义
var (
	ErrNotRunning     = fmt.Errorf("端点未启动")
	ErrAlreadyRunning = fmt.Errorf("端点已启动")
	ErrNotConnected   = fmt.Errorf("连接未建立")
	ErrPeerLimit      = fmt.Errorf("连接数已达上限")
	ErrPayloadTooBig  = fmt.Errorf("载荷超过上限")
)

// ConnectionState 连接状态机状态
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateRequested
	StateWaitingForChallengeResponse
	StateAuthenticatedConnected
)

func (s ConnectionState) String() string {
	names := []string{
		"DISCONNECTED", "REQUESTED",
		"WAITING_FOR_CHALLENGE_RESPONSE", "AUTHENTICATED_CONNECTED",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ServerHandler 服务端事件回调。实现可以为 nil，事件被丢弃。
type ServerHandler interface {
	// OnClientConnected 对端认证通过并获得 client id 后调用
	OnClientConnected(conn *RemoteConnection)

	// OnClientAuthFailed 协议不兼容或认证失败后调用，对端随即被移除
	OnClientAuthFailed(endpoint net.Addr, code Code)

	// OnDataReceived 已认证对端的应用数据放行后调用
	OnDataReceived(conn *RemoteConnection, data []byte, channel Channel)

	// OnConnectionTerminated 对端被终止 (主动断开、收到 CT 或空闲驱逐) 后调用
	OnConnectionTerminated(conn *RemoteConnection, reason string)
}

// ClientHandler 客户端事件回调。实现可以为 nil，事件被丢弃。
type ClientHandler interface {
	// OnDataReceived 服务端应用数据放行后调用
	OnDataReceived(data []byte, channel Channel)

	// OnDisconnectedByServer 收到服务端的终止包后调用
	OnDisconnectedByServer(reason string)
}

// 日志级别
const (
	LogLevelError = 0
	LogLevelInfo  = 1
	LogLevelDebug = 2
)

// parseLogLevel 解析配置中的日志级别
func parseLogLevel(s string) int {
	switch s {
	case "debug":
		return LogLevelDebug
	case "error":
		return LogLevelError
	}
	return LogLevelInfo
}

// logf 统一日志输出
func logf(level, max int, tag, format string, args ...interface{}) {
	if level > max {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [%s] %s\n", prefix, time.Now().Format("15:04:05"), tag, fmt.Sprintf(format, args...))
}
