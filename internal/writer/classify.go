package writer

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"wisefido-scada/internal/tenantdb"

	"github.com/lib/pq"
)

// ErrorClass 写库错误分类
type ErrorClass int

const (
	// ClassTransient 可重试：断连、超时、资源不足、序列化冲突
	ClassTransient ErrorClass = iota
	// ClassPermanent 不可重试：数据或结构错误
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// WriteError 批次最终写入失败
type WriteError struct {
	TenantID string
	Class    ErrorClass
	Readings int
	SpillID  string // 为空表示未能进入溢出存储
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %d readings for tenant %s (%s): %v", e.Readings, e.TenantID, e.Class, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Classify 按 SQLSTATE 与网络错误类型判断是否可重试
// 未识别的非 SQL 错误不重试，直接进入溢出存储
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}

	switch {
	case errors.Is(err, tenantdb.ErrUnknownTenant),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassPermanent
}

func classifySQLState(code string) ErrorClass {
	switch code {
	case "40001", "40P01":
		return ClassTransient
	}
	if len(code) < 2 {
		return ClassTransient
	}
	switch code[:2] {
	case "08", "53", "57", "58":
		return ClassTransient
	case "22", "23", "42", "44":
		return ClassPermanent
	}
	return ClassTransient
}
