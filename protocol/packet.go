// =============================================================================
// 文件: protocol/packet.go
// 描述: 协议层 - 包编解码 (固定头部 + 按类型的包体，小端)
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 错误定义
var (
	ErrShortBuffer     = fmt.Errorf("数据太短")
	ErrUnknownType     = fmt.Errorf("未知包类型")
	ErrUnknownChannel  = fmt.Errorf("未知通道标志")
	ErrPayloadTooLarge = fmt.Errorf("载荷超过上限")
)

// Packet 协议数据包。解码在入口处一次完成，之后按 Type 分发。
// 包体字段只有与 Type 对应的那部分有意义。
type Packet struct {
	Type    PacketType
	Channel Channel
	Seq     uint64   // 发送方为该对端单调分配
	Acks    []uint64 // 捎带确认的序列号列表

	// 包体 (按类型取用)
	ProtocolID      uint32 // CR
	ProtocolVersion uint32 // CR (保留字段，写 0，不参与判定)
	Code            Code   // CRS
	ClientID        uint64 // CRS
	Data            []byte // CH 挑战 / CHR 应答 / AD 数据 / SIRS 信息
	Reason          string // CT 终止原因 (UTF-8)
}

// bodySize 计算包体编码长度
func (p *Packet) bodySize() int {
	switch p.Type {
	case TypeConnectionRequest:
		return 8
	case TypeChallenge, TypeChallengeResponse, TypeApplicationData, TypeServerInfoResponse:
		return 4 + len(p.Data)
	case TypeConnectionResponse:
		return 12
	case TypeTermination:
		return 4 + len(p.Reason)
	case TypeKeepAlive, TypeTerminationAck, TypeServerInfoRequest:
		return 0
	}
	return 0
}

// Encode 编码数据包
func (p *Packet) Encode() []byte {
	totalLen := HeaderBaseSize + len(p.Acks)*AckEntrySize + p.bodySize()
	buf := make([]byte, totalLen)

	// 头部
	buf[0] = byte(p.Type) | byte(p.Channel&channelMask)
	binary.LittleEndian.PutUint64(buf[1:9], p.Seq)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(p.Acks)))

	offset := HeaderBaseSize
	for _, ack := range p.Acks {
		binary.LittleEndian.PutUint64(buf[offset:offset+8], ack)
		offset += AckEntrySize
	}

	// 包体
	switch p.Type {
	case TypeConnectionRequest:
		binary.LittleEndian.PutUint32(buf[offset:offset+4], p.ProtocolID)
		binary.LittleEndian.PutUint32(buf[offset+4:offset+8], p.ProtocolVersion)

	case TypeChallenge, TypeChallengeResponse, TypeApplicationData, TypeServerInfoResponse:
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(p.Data)))
		copy(buf[offset+4:], p.Data)

	case TypeConnectionResponse:
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(p.Code))
		binary.LittleEndian.PutUint64(buf[offset+4:offset+12], p.ClientID)

	case TypeTermination:
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(p.Reason)))
		copy(buf[offset+4:], p.Reason)
	}

	return buf
}

// Decode 解码数据包。任何格式错误都返回 error，由调用方静默丢弃该报文。
// maxPayload 约束所有变长字段，拒绝敌意长度。
func Decode(data []byte, maxPayload int) (*Packet, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(data) < HeaderBaseSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortBuffer, len(data), HeaderBaseSize)
	}

	t := PacketType(data[0] & 0x0F)
	ch := Channel(data[0] & 0xF0)
	if t > maxPacketType {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(t))
	}
	if ch&^channelMask != 0 {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownChannel, byte(ch))
	}

	p := &Packet{
		Type:    t,
		Channel: ch,
		Seq:     binary.LittleEndian.Uint64(data[1:9]),
	}

	ackCount := int(binary.LittleEndian.Uint32(data[9:13]))
	offset := HeaderBaseSize
	if ackCount < 0 || ackCount*AckEntrySize > len(data)-offset {
		return nil, fmt.Errorf("确认列表越界: count=%d", ackCount)
	}
	if ackCount > 0 {
		p.Acks = make([]uint64, ackCount)
		for i := 0; i < ackCount; i++ {
			p.Acks[i] = binary.LittleEndian.Uint64(data[offset : offset+8])
			offset += AckEntrySize
		}
	}

	// 包体
	switch t {
	case TypeConnectionRequest:
		if len(data)-offset < 8 {
			return nil, fmt.Errorf("%w: CR 包体不足", ErrShortBuffer)
		}
		p.ProtocolID = binary.LittleEndian.Uint32(data[offset : offset+4])
		p.ProtocolVersion = binary.LittleEndian.Uint32(data[offset+4 : offset+8])

	case TypeChallenge, TypeChallengeResponse, TypeApplicationData, TypeServerInfoResponse:
		b, err := readBytes(data, offset, maxPayload)
		if err != nil {
			return nil, err
		}
		p.Data = b

	case TypeConnectionResponse:
		if len(data)-offset < 12 {
			return nil, fmt.Errorf("%w: CRS 包体不足", ErrShortBuffer)
		}
		p.Code = Code(binary.LittleEndian.Uint32(data[offset : offset+4]))
		p.ClientID = binary.LittleEndian.Uint64(data[offset+4 : offset+12])

	case TypeTermination:
		b, err := readBytes(data, offset, maxPayload)
		if err != nil {
			return nil, err
		}
		p.Reason = string(b)
	}

	return p, nil
}

// readBytes 读取 u32 长度前缀的字节段
func readBytes(data []byte, offset, maxPayload int) ([]byte, error) {
	if len(data)-offset < 4 {
		return nil, fmt.Errorf("%w: 缺少长度前缀", ErrShortBuffer)
	}
	n := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	if n > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, maxPayload)
	}
	offset += 4
	if len(data)-offset < n {
		return nil, fmt.Errorf("%w: 声明 %d, 剩余 %d", ErrShortBuffer, n, len(data)-offset)
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+n])
	return out, nil
}

// Clone 深拷贝 (重传表存副本用)
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.Acks != nil {
		cp.Acks = make([]uint64, len(p.Acks))
		copy(cp.Acks, p.Acks)
	}
	if p.Data != nil {
		cp.Data = make([]byte, len(p.Data))
		copy(cp.Data, p.Data)
	}
	return &cp
}

// =============================================================================
// 构造函数 (Seq 与 Acks 由发送路径统一填充)
// =============================================================================

// NewConnectionRequest 创建 CR 包。版本字段保留，固定写 0。
func NewConnectionRequest(ch Channel, protocolID uint32) *Packet {
	return &Packet{Type: TypeConnectionRequest, Channel: ch, ProtocolID: protocolID}
}

// NewChallenge 创建 CH 包
func NewChallenge(ch Channel, challenge []byte) *Packet {
	return &Packet{Type: TypeChallenge, Channel: ch, Data: challenge}
}

// NewChallengeResponse 创建 CHR 包
func NewChallengeResponse(ch Channel, response []byte) *Packet {
	return &Packet{Type: TypeChallengeResponse, Channel: ch, Data: response}
}

// NewConnectionResponse 创建 CRS 包
func NewConnectionResponse(ch Channel, code Code, clientID uint64) *Packet {
	return &Packet{Type: TypeConnectionResponse, Channel: ch, Code: code, ClientID: clientID}
}

// NewKeepAlive 创建 KA 包
func NewKeepAlive(ch Channel) *Packet {
	return &Packet{Type: TypeKeepAlive, Channel: ch}
}

// NewApplicationData 创建 AD 包
func NewApplicationData(ch Channel, data []byte) *Packet {
	return &Packet{Type: TypeApplicationData, Channel: ch, Data: data}
}

// NewTermination 创建 CT 包
func NewTermination(ch Channel, reason string) *Packet {
	return &Packet{Type: TypeTermination, Channel: ch, Reason: reason}
}

// NewTerminationAck 创建 CTA 包
func NewTerminationAck(ch Channel) *Packet {
	return &Packet{Type: TypeTerminationAck, Channel: ch}
}

// NewServerInfoRequest 创建 SIRQ 包
func NewServerInfoRequest() *Packet {
	return &Packet{Type: TypeServerInfoRequest, Channel: ChannelUnreliable}
}

// NewServerInfoResponse 创建 SIRS 包
func NewServerInfoResponse(info []byte) *Packet {
	return &Packet{Type: TypeServerInfoResponse, Channel: ChannelUnreliable, Data: info}
}
