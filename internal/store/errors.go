package store

import (
	"errors"
	"fmt"
)

var (
	// ErrReadOnly 表示 Store 以只读方式打开，拒绝写入。
	ErrReadOnly = errors.New("read-only")

	// ErrInvalidRecord 表示 key/value 含有日志格式不允许的字符，或日志行缺少分隔符。
	ErrInvalidRecord = errors.New("invalid record")

	// ErrClosed 表示 Store 已经关闭。
	ErrClosed = errors.New("store closed")
)

// LogError 描述回放日志时遇到的错误，附带文件路径与行号，便于定位损坏位置。
type LogError struct {
	Path string
	Line int
	Err  error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("cache log %s line %d: %v", e.Path, e.Line, e.Err)
}

// Unwrap 让 errors.Is 能识别底层的 ErrInvalidRecord 或 I/O 错误。
func (e *LogError) Unwrap() error {
	return e.Err
}
