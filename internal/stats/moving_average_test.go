// =============================================================================
// 文件: internal/stats/moving_average_test.go
// 描述: 工具测试 - 滑动平均窗口行为
// =============================================================================
package stats

import (
	"testing"
	"time"
)

func TestMovingAverageWindow(t *testing.T) {
	m := NewMovingAverage(time.Second)
	base := time.Now()

	m.Add(100, base)
	m.Add(200, base.Add(100*time.Millisecond))
	m.Add(300, base.Add(200*time.Millisecond))

	avg := m.Average(base.Add(300 * time.Millisecond))
	if avg != 200 {
		t.Errorf("均值应为 200: got %v", avg)
	}

	// 窗口滑过后旧样本剔除
	avg = m.Average(base.Add(1100 * time.Millisecond))
	if avg != 250 {
		t.Errorf("剔除首样本后均值应为 250: got %v", avg)
	}

	avg = m.Average(base.Add(5 * time.Second))
	if avg != 0 {
		t.Errorf("窗口为空应返回 0: got %v", avg)
	}
}

func TestMovingAverageDuration(t *testing.T) {
	m := NewMovingAverage(time.Second)
	now := time.Now()

	m.AddDuration(20*time.Millisecond, now)
	m.AddDuration(40*time.Millisecond, now)

	if got := m.AverageDuration(now); got != 30*time.Millisecond {
		t.Errorf("时长均值应为 30ms: got %v", got)
	}
	if m.Count(now) != 2 {
		t.Errorf("样本数应为 2: got %d", m.Count(now))
	}
}

func TestRateMeter(t *testing.T) {
	r := NewRateMeter(time.Second)
	base := time.Now()

	r.Record(500, base)
	r.Record(500, base.Add(100*time.Millisecond))

	if got := r.PerSecond(base.Add(200 * time.Millisecond)); got != 1000 {
		t.Errorf("速率应为 1000 B/s: got %v", got)
	}

	if got := r.PerSecond(base.Add(3 * time.Second)); got != 0 {
		t.Errorf("窗口滑过后速率应为 0: got %v", got)
	}
}
