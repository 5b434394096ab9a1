// =============================================================================
// 文件: internal/reliability/dedup.go
// 描述: 可靠传输 - 重复包抑制 (布隆过滤器快速否定 + 精确集合裁决)
// =============================================================================
package reliability

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	dedupExpectedItems = 100000
	dedupFalsePositive = 0.0001

	// 低于最高水位的未见序列号上限 (敌意跳号防护)
	maxGapEntries = 4096
)

// DuplicateGuard 每个对端一个，记录已放行的可靠序列号。
// 无序通道放行一切，发送方的重传会把同一个包交付两次；
// 本守卫保证可靠包至多交付一次，重复副本只补发确认。
//
// 布隆过滤器只作快速否定：未命中一定是新包。命中后由精确
// 结构裁决，误报不会吞掉从未交付过的数据。
type DuplicateGuard struct {
	mu      sync.Mutex
	filter  *bloom.BloomFilter
	highest uint64              // 已见的最高序列号
	started bool                // highest 是否已初始化
	gaps    map[uint64]struct{} // 低于 highest 但未见的序列号
}

// NewDuplicateGuard 创建重复包守卫
func NewDuplicateGuard() *DuplicateGuard {
	return &DuplicateGuard{
		filter: bloom.NewWithEstimates(dedupExpectedItems, dedupFalsePositive),
		gaps:   make(map[uint64]struct{}),
	}
}

// CheckAndMark 判定并登记一个可靠序列号。
// 返回 true 表示首次见到，false 表示重复。
func (g *DuplicateGuard) CheckAndMark(seq uint64) bool {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], seq)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.filter.Test(key[:]) {
		// 布隆命中，交给精确集合裁决
		if g.seenLocked(seq) {
			return false
		}
	}

	g.markLocked(seq)
	g.filter.Add(key[:])
	return true
}

// Seen 只查询不登记
func (g *DuplicateGuard) Seen(seq uint64) bool {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], seq)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.filter.Test(key[:]) {
		return false
	}
	return g.seenLocked(seq)
}

// seenLocked 精确裁决：序列号单调分配，低于水位且不在空洞集合
// 中的序列号必然见过。
func (g *DuplicateGuard) seenLocked(seq uint64) bool {
	if !g.started || seq > g.highest {
		return false
	}
	_, isGap := g.gaps[seq]
	return !isGap
}

func (g *DuplicateGuard) markLocked(seq uint64) {
	if !g.started {
		g.started = true
		g.highest = seq
		return
	}

	if seq <= g.highest {
		delete(g.gaps, seq)
		return
	}

	// 水位推进，中间的序列号成为空洞
	for s := g.highest + 1; s < seq; s++ {
		if len(g.gaps) >= maxGapEntries {
			break
		}
		g.gaps[s] = struct{}{}
	}
	g.highest = seq
}

// GapCount 当前空洞数量 (测试与诊断用)
func (g *DuplicateGuard) GapCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gaps)
}
