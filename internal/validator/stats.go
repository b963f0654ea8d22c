package validator

import "math"

// rollingStats 固定大小环形窗口上的均值与标准差
// 均值和离差平方和按 Welford 方式增量更新，数值很大时也不会相消
type rollingStats struct {
	values []float64
	next   int
	count  int
	mean   float64
	m2     float64
}

func newRollingStats(size int) *rollingStats {
	return &rollingStats{values: make([]float64, size)}
}

func (s *rollingStats) add(v float64) {
	if s.count < len(s.values) {
		s.count++
		delta := v - s.mean
		s.mean += delta / float64(s.count)
		s.m2 += delta * (v - s.mean)
	} else {
		// 窗口已满：用新值替换最旧的值，样本数不变
		old := s.values[s.next]
		oldMean := s.mean
		s.mean += (v - old) / float64(s.count)
		s.m2 += (v - old) * (v - s.mean + old - oldMean)
		if s.m2 < 0 {
			s.m2 = 0
		}
	}
	s.values[s.next] = v
	s.next = (s.next + 1) % len(s.values)
}

// zScore 返回 v 相对窗口的 z 值；样本不足或方差为 0 时 enough=false
func (s *rollingStats) zScore(v float64, minSamples int) (z float64, enough bool) {
	if s.count < minSamples {
		return 0, false
	}
	variance := s.m2 / float64(s.count)
	if variance <= 1e-12 {
		return 0, false
	}
	return (v - s.mean) / math.Sqrt(variance), true
}
