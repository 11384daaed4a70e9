package client

import (
	"errors"
	"fmt"
)

var (
	// ErrOpenRejected 表示服务端对 open 的应答不是 OK，通常是路径或权限配置错误。
	ErrOpenRejected = errors.New("cache open rejected")

	// ErrRetriesExhausted 表示多次读取应答都遇到连接提前结束。
	ErrRetriesExhausted = errors.New("response read retries exhausted")

	// ErrTimeout 表示读取应答超时；超时不会重试。
	ErrTimeout = errors.New("response read timed out")

	// ErrClosed 表示客户端已经关闭。
	ErrClosed = errors.New("client closed")

	// ErrInvalidDescription 表示缓存描述不是本地路径，也不是 host:port:path。
	ErrInvalidDescription = errors.New("invalid cache description")
)

// ServerError 承载服务端返回的 `ERROR: <message>` 应答，连接仍可继续使用。
type ServerError struct {
	Command string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Command, e.Message)
}
