package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memocache/memocache/internal/logging"
	"github.com/memocache/memocache/internal/protocol"
	"github.com/memocache/memocache/internal/store"
)

// DefaultMaxAttempts 是读取单个应答时容忍连接提前结束的次数。
const DefaultMaxAttempts = 5

// DefaultLocalCapacity 与服务端的默认容量一致：35 * 1024 MiB。
const DefaultLocalCapacity int64 = 35 * 1024 * 1024 * 1024

// statsMarker 紧跟在 stats 之后发送；服务端把它当作未知命令回显为 ERROR 行，
// 借此标记多行 stats 应答的结尾。
const statsMarker = "stats-end"

// State 是客户端连接所处的阶段。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options 控制远程客户端的超时、重试与本地缓存。
type Options struct {
	// DialTimeout 为 0 时只受 ctx 约束。
	DialTimeout time.Duration
	// ReadTimeout 是每个请求等待应答的上限，0 表示不限；超时是致命错误。
	ReadTimeout time.Duration
	// MaxAttempts <= 0 时使用 DefaultMaxAttempts。
	MaxAttempts int
	// LocalCapacity 是本地缓存的字节上限，负数表示不限，0 使用 DefaultLocalCapacity。
	LocalCapacity int64
	Logger        *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.LocalCapacity == 0 {
		o.LocalCapacity = DefaultLocalCapacity
	}
	if o.Logger == nil {
		o.Logger = logging.NewDiscardLogger()
	}
	return o
}

// Client 是远程缓存的同步客户端：先查本地缓存，未命中再请求服务端；
// 写入同时落到本地与服务端。一个 Client 对应一条连接与一个已打开的缓存文件。
type Client struct {
	mu     sync.Mutex
	opts   Options
	logger *logrus.Logger

	path   string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	local  *store.Store

	state   State
	failure error
}

// Dial 连接 addr 并打开服务端上的 path。
func Dial(ctx context.Context, addr, path string, opts Options) (*Client, error) {
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, conn, path, opts)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"action": "client_open",
		"addr":   addr,
		"path":   path,
	}).Info("using remote cache")
	return c, nil
}

// Connect 只建立连接而不打开缓存文件，供 stats 这类与具体文件无关的请求使用；
// 在这样的客户端上 Get/Put 会收到服务端的 "no file opened yet"。
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, "", opts)
	c.state = StateOpen
	return c, nil
}

func dial(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}

// NewClient 在已建立的连接上执行 open；open 未得到 OK 时关闭连接并返回 ErrOpenRejected。
func NewClient(ctx context.Context, conn net.Conn, path string, opts Options) (*Client, error) {
	if err := protocol.ValidateField("path", path); err != nil {
		conn.Close()
		return nil, err
	}

	c := newClient(conn, path, opts)

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.requestLocked(ctx, protocol.CmdOpen, path)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp != protocol.OK {
		c.failLocked(fmt.Errorf("%w: %s", ErrOpenRejected, resp))
		conn.Close()
		return nil, c.failure
	}
	c.state = StateOpen
	return c, nil
}

func newClient(conn net.Conn, path string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:   opts,
		logger: opts.Logger,
		path:   path,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		local:  store.New(store.Options{CapacityBytes: opts.LocalCapacity, Logger: opts.Logger}),
		state:  StateConnecting,
	}
}

// Path 返回服务端上打开的缓存文件。
func (c *Client) Path() string {
	return c.path
}

// State 返回当前连接阶段。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err 返回使客户端进入 StateFailed 的原因。
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Get 先查本地缓存，未命中时请求服务端。服务端的结果不会回写本地缓存。
// 只有通过 Connect 建立、尚未打开文件的客户端会收到 ServerError。
func (c *Client) Get(key string) (string, bool, error) {
	if err := protocol.ValidateField("key", key); err != nil {
		return "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return "", false, err
	}
	if value, ok := c.local.Get(key); ok {
		return value, true, nil
	}
	resp, err := c.requestLocked(context.Background(), protocol.CmdGet, key)
	if err != nil {
		return "", false, err
	}
	// 已打开文件的连接上 get 的应答总是值本身，值可以合法地以 "ERROR: " 开头。
	if c.path == "" && protocol.IsError(resp) {
		return "", false, &ServerError{Command: string(protocol.CmdGet), Message: protocol.ErrorMessage(resp)}
	}
	value, ok := protocol.DecodeValue(resp)
	return value, ok, nil
}

// Put 先写本地缓存，再同步写入服务端。
func (c *Client) Put(key, value string) error {
	if err := protocol.ValidateField("key", key); err != nil {
		return err
	}
	if err := protocol.ValidateValue(value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	if err := c.local.Put(key, value); err != nil {
		return err
	}
	resp, err := c.requestLocked(context.Background(), protocol.CmdPut, key, value)
	if err != nil {
		return err
	}
	if protocol.IsError(resp) {
		return &ServerError{Command: string(protocol.CmdPut), Message: protocol.ErrorMessage(resp)}
	}
	return nil
}

// Stats 返回服务端所有已登记缓存文件的路径与条目数。
func (c *Client) Stats(ctx context.Context) ([]protocol.StatsEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return nil, err
	}
	request := protocol.EncodeRequest(protocol.CmdStats) + protocol.EncodeRequest(protocol.Command(statsMarker))
	if err := c.sendLocked(request); err != nil {
		return nil, err
	}

	header, err := c.readLineLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !protocol.IsStatsHeader(header) {
		return nil, c.failLocked(fmt.Errorf("unexpected stats reply: %q", header))
	}

	end := protocol.ErrorLine(statsMarker)
	var entries []protocol.StatsEntry
	for {
		line, err := c.readLineLocked(ctx)
		if err != nil {
			return nil, err
		}
		if line == end {
			return entries, nil
		}
		entry, err := protocol.ParseStatsEntry(line)
		if err != nil {
			return nil, c.failLocked(err)
		}
		entries = append(entries, entry)
	}
}

// Size 返回本地缓存的条目数。
func (c *Client) Size() int {
	return c.local.Size()
}

// Close 关闭连接；之后的请求返回 ErrClosed。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}
	c.state = StateDisconnected
	c.local.Close()
	return c.conn.Close()
}

func (c *Client) usableLocked() error {
	switch c.state {
	case StateOpen, StateConnecting:
		return nil
	case StateFailed:
		return c.failure
	default:
		return ErrClosed
	}
}

func (c *Client) requestLocked(ctx context.Context, cmd protocol.Command, args ...string) (string, error) {
	if err := c.usableLocked(); err != nil {
		return "", err
	}
	if err := c.sendLocked(protocol.EncodeRequest(cmd, args...)); err != nil {
		return "", err
	}
	return c.readLineLocked(ctx)
}

func (c *Client) sendLocked(request string) error {
	if _, err := c.writer.WriteString(request); err != nil {
		return c.failLocked(fmt.Errorf("send request: %w", err))
	}
	if err := c.writer.Flush(); err != nil {
		return c.failLocked(fmt.Errorf("send request: %w", err))
	}
	return nil
}

// readLineLocked 读取一行应答。连接提前结束时按 MaxAttempts 重读，超时立即失败。
func (c *Client) readLineLocked(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_ = c.conn.SetReadDeadline(c.deadline(ctx))

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		line, err := c.reader.ReadString('\n')
		if err == nil {
			return strings.TrimSuffix(line, "\n"), nil
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			return "", c.failLocked(fmt.Errorf("%w: %v", ErrTimeout, err))
		case errors.Is(err, io.EOF):
			if line != "" {
				return line, nil
			}
			c.logger.WithFields(logrus.Fields{
				"action":  "client_read",
				"path":    c.path,
				"attempt": attempt,
			}).Warn("empty response, retrying read")
		default:
			return "", c.failLocked(fmt.Errorf("read response: %w", err))
		}
	}
	return "", c.failLocked(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.opts.MaxAttempts))
}

// deadline 取 ReadTimeout 与 ctx 截止时间中较早的一个；零值表示不设超时。
func (c *Client) deadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.opts.ReadTimeout > 0 {
		deadline = time.Now().Add(c.opts.ReadTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return deadline
}

func (c *Client) failLocked(err error) error {
	if c.state != StateFailed {
		c.state = StateFailed
		c.failure = err
		c.logger.WithFields(logrus.Fields{
			"action": "client_failed",
			"path":   c.path,
		}).WithError(err).Error("remote cache unusable")
	}
	return err
}
