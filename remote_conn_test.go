// =============================================================================
// 文件: remote_conn_test.go
// 描述: 对端记录测试 - 序列号分配、状态迁移、入站裁决
// =============================================================================
package reludp

import (
	"testing"
	"time"

	"github.com/mrcgq/reludp/protocol"
)

func TestPreparePacketSequences(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)
	now := time.Now()

	// 序列号从 1 严格递增
	for want := uint64(1); want <= 5; want++ {
		pkt := protocol.NewKeepAlive(protocol.ChannelUnreliable)
		conn.preparePacket(pkt, now)
		if pkt.Seq != want {
			t.Fatalf("序列号应为 %d: got %d", want, pkt.Seq)
		}
	}

	// 可靠包进待确认表，不可靠包不进
	if conn.PendingReliable() != 0 {
		t.Errorf("不可靠包不应进表: got %d", conn.PendingReliable())
	}
	conn.preparePacket(protocol.NewKeepAlive(protocol.ChannelReliable), now)
	if conn.PendingReliable() != 1 {
		t.Errorf("可靠包应进表: got %d", conn.PendingReliable())
	}
}

func TestPreparePacketCarriesAcks(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)

	conn.ackQueue.Add(10)
	conn.ackQueue.Add(11)

	pkt := protocol.NewKeepAlive(protocol.ChannelUnreliable)
	conn.preparePacket(pkt, time.Now())

	if len(pkt.Acks) != 2 || pkt.Acks[0] != 11 || pkt.Acks[1] != 10 {
		t.Errorf("出站包应捎带确认 (最新在前): got %v", pkt.Acks)
	}
}

func TestTransition(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)

	if !conn.transition(StateDisconnected, StateRequested) {
		t.Fatal("合法迁移应成功")
	}
	// 非法事件静默忽略
	if conn.transition(StateDisconnected, StateAuthenticatedConnected) {
		t.Error("状态不匹配的迁移应失败")
	}
	if conn.State() != StateRequested {
		t.Errorf("状态应保持 Requested: got %s", conn.State())
	}
}

func TestClientIDAssignedOnce(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)

	if conn.ClientID() != 0 {
		t.Error("认证前 id 应为 0")
	}
	if !conn.assignClientID(7) {
		t.Fatal("首次分配应成功")
	}
	if conn.assignClientID(8) {
		t.Error("id 只允许分配一次")
	}
	if conn.ClientID() != 7 {
		t.Errorf("id 应保持 7: got %d", conn.ClientID())
	}
}

func TestAdmitInboundReliableDuplicate(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)

	pkt := protocol.NewApplicationData(protocol.ChannelReliable, []byte("x"))
	pkt.Seq = 1

	if !conn.admitInbound(pkt) {
		t.Fatal("首个可靠包应放行")
	}
	// 重传副本丢弃但补确认
	if conn.admitInbound(pkt) {
		t.Error("重复可靠包不应再次交付")
	}
	acks := conn.ackQueue.NextAcks()
	if len(acks) != 1 || acks[0] != 1 {
		t.Errorf("重复副本应在确认队列中: got %v", acks)
	}
}

func TestAdmitInboundGapNotAcked(t *testing.T) {
	conn := newRemoteConnection(nil, 32, nil)

	first := protocol.NewApplicationData(protocol.ChannelReliableOrdered, []byte("a"))
	first.Seq = 1
	if !conn.admitInbound(first) {
		t.Fatal("首包应放行")
	}

	// 跳号的可靠有序包：不交付也不确认，等对端重传
	gap := protocol.NewApplicationData(protocol.ChannelReliableOrdered, []byte("c"))
	gap.Seq = 3
	if conn.admitInbound(gap) {
		t.Error("跳号包不应交付")
	}
	for _, ack := range conn.ackQueue.NextAcks() {
		if ack == 3 {
			t.Error("跳号包不应被确认，否则对端停止重传，洞永远补不上")
		}
	}

	// 补上 2 之后 3 的重传应放行
	middle := protocol.NewApplicationData(protocol.ChannelReliableOrdered, []byte("b"))
	middle.Seq = 2
	if !conn.admitInbound(middle) {
		t.Fatal("补洞包应放行")
	}
	if !conn.admitInbound(gap) {
		t.Error("补洞后重传的跳号包应放行")
	}
}
