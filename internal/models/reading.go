package models

import (
	"errors"
	"strings"
	"time"
)

// Quality 读数质量标记（三值）
type Quality string

const (
	QualityGood      Quality = "Good"
	QualityUncertain Quality = "Uncertain"
	QualityBad       Quality = "Bad"
)

// rank 质量等级，数值越大越可信
func (q Quality) rank() int {
	switch q {
	case QualityGood:
		return 2
	case QualityUncertain:
		return 1
	default:
		return 0
	}
}

// Valid 是否为三值之一
func (q Quality) Valid() bool {
	return q == QualityGood || q == QualityUncertain || q == QualityBad
}

// Downgrade 返回 q 与 to 中较差的一个，质量只降不升
func (q Quality) Downgrade(to Quality) Quality {
	if to.rank() < q.rank() {
		return to
	}
	return q
}

// ParseQuality 解析质量字符串（大小写不敏感），未知值视为 Bad
func ParseQuality(s string) Quality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "good":
		return QualityGood
	case "uncertain":
		return QualityUncertain
	default:
		return QualityBad
	}
}

// ProtocolReading 一个遥测采样点
// 由适配器在采样时创建，校验器最多修改一次质量，之后只读
type ProtocolReading struct {
	Timestamp      time.Time `json:"timestamp"`
	TenantID       string    `json:"tenant_id"`
	WellID         string    `json:"well_id"`
	TagName        string    `json:"tag_name"`
	Value          float64   `json:"value"`
	Quality        Quality   `json:"quality"`
	SourceProtocol string    `json:"source_protocol"`
	ConnectionID   string    `json:"connection_id,omitempty"`
}

// ErrMissingTenant 读数缺少租户
var ErrMissingTenant = errors.New("reading has empty tenant_id")

// Check 检查读数的基本结构
func (r ProtocolReading) Check() error {
	if r.TenantID == "" {
		return ErrMissingTenant
	}
	if r.WellID == "" || r.TagName == "" {
		return errors.New("reading has empty well_id or tag_name")
	}
	return nil
}

// DuplicateKey 去重键 (well_id, tag_name, timestamp)
type DuplicateKey struct {
	WellID    string
	TagName   string
	Timestamp int64 // UnixNano
}

// Key 返回读数的去重键
func (r ProtocolReading) Key() DuplicateKey {
	return DuplicateKey{WellID: r.WellID, TagName: r.TagName, Timestamp: r.Timestamp.UnixNano()}
}
