// Package validator 读数校验：量程、重复、异常（z-score）
// 每个租户一个 Validator，去重窗口与滚动统计都限定在租户内
package validator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"wisefido-scada/internal/models"
)

// Kind 校验结果类别
type Kind int

const (
	Valid Kind = iota
	OutOfRange
	Anomaly
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case Valid:
		return "valid"
	case OutOfRange:
		return "out_of_range"
	case Anomaly:
		return "anomaly"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome 校验结果；OutOfRange 和 Duplicate 应丢弃，Valid 和 Anomaly 继续流转
type Outcome struct {
	Kind    Kind
	Reading models.ProtocolReading // Anomaly 时质量已降级
	Tag     string
	Value   float64
	Min     float64
	Max     float64
	ZScore  float64
}

// Forward 是否继续送往聚合器
func (o Outcome) Forward() bool {
	return o.Kind == Valid || o.Kind == Anomaly
}

// Range 点位量程（闭区间）
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains 值是否在量程内
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Config 校验配置
type Config struct {
	// Ranges 按 tag_name 配置
	Ranges map[string]Range
	// WellRanges 按 well_id -> tag_name 覆盖
	WellRanges map[string]map[string]Range

	DuplicateWindow   time.Duration // 默认 60s
	AnomalyZThreshold float64       // <= 0 关闭异常检测
	AnomalyMinSamples int           // 样本数不足时不判异常
	AnomalyWindow     int           // 滚动窗口大小
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		DuplicateWindow:   60 * time.Second,
		AnomalyZThreshold: 4,
		AnomalyMinSamples: 30,
		AnomalyWindow:     120,
	}
}

type seriesKey struct {
	wellID  string
	tagName string
}

// Validator 单租户校验器，并发安全
type Validator struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	seen      map[models.DuplicateKey]time.Time
	lastPrune time.Time
	stats     map[seriesKey]*rollingStats
}

// New 创建校验器
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = def.AnomalyWindow
	}
	if cfg.AnomalyMinSamples <= 1 {
		cfg.AnomalyMinSamples = 2
	}
	return &Validator{
		cfg:   cfg,
		now:   time.Now,
		seen:  make(map[models.DuplicateKey]time.Time),
		stats: make(map[seriesKey]*rollingStats),
	}
}

// rangeFor 查找量程，井级覆盖优先
func (v *Validator) rangeFor(wellID, tagName string) (Range, bool) {
	if byTag, ok := v.cfg.WellRanges[wellID]; ok {
		if r, ok := byTag[tagName]; ok {
			return r, true
		}
	}
	r, ok := v.cfg.Ranges[tagName]
	return r, ok
}

// Validate 校验一条读数
// 顺序：量程 -> 重复 -> 异常；只有通过量程检查的读数才会记入去重窗口
func (v *Validator) Validate(r models.ProtocolReading) Outcome {
	// 1. 量程（NaN/Inf 一律视为越界）
	rng, hasRange := v.rangeFor(r.WellID, r.TagName)
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		if !hasRange {
			rng = Range{Min: math.Inf(-1), Max: math.Inf(1)}
		}
		return Outcome{Kind: OutOfRange, Reading: r, Tag: r.TagName, Value: r.Value, Min: rng.Min, Max: rng.Max}
	}
	if hasRange && !rng.Contains(r.Value) {
		return Outcome{Kind: OutOfRange, Reading: r, Tag: r.TagName, Value: r.Value, Min: rng.Min, Max: rng.Max}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// 2. 重复（窗口按到达时间计算）
	now := v.now()
	v.pruneLocked(now)
	key := r.Key()
	if seenAt, ok := v.seen[key]; ok && now.Sub(seenAt) <= v.cfg.DuplicateWindow {
		return Outcome{Kind: Duplicate, Reading: r, Tag: r.TagName, Value: r.Value}
	}
	v.seen[key] = now

	// 3. 异常：Bad 读数不参与统计
	if v.cfg.AnomalyZThreshold <= 0 || r.Quality == models.QualityBad {
		return Outcome{Kind: Valid, Reading: r, Tag: r.TagName, Value: r.Value}
	}

	sk := seriesKey{wellID: r.WellID, tagName: r.TagName}
	st, ok := v.stats[sk]
	if !ok {
		st = newRollingStats(v.cfg.AnomalyWindow)
		v.stats[sk] = st
	}

	z, enough := st.zScore(r.Value, v.cfg.AnomalyMinSamples)
	st.add(r.Value)

	if enough && math.Abs(z) > v.cfg.AnomalyZThreshold {
		r.Quality = r.Quality.Downgrade(models.QualityUncertain)
		return Outcome{Kind: Anomaly, Reading: r, Tag: r.TagName, Value: r.Value, ZScore: z}
	}
	return Outcome{Kind: Valid, Reading: r, Tag: r.TagName, Value: r.Value}
}

// pruneLocked 每半个窗口清理一次过期的去重键
func (v *Validator) pruneLocked(now time.Time) {
	if now.Sub(v.lastPrune) < v.cfg.DuplicateWindow/2 {
		return
	}
	for k, at := range v.seen {
		if now.Sub(at) > v.cfg.DuplicateWindow {
			delete(v.seen, k)
		}
	}
	v.lastPrune = now
}

// Stats 去重窗口中的键数量与跟踪的序列数量
func (v *Validator) Stats() (windowKeys, series int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen), len(v.stats)
}
