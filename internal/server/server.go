package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/memocache/memocache/internal/logging"
)

// DefaultShutdownGrace 是终止后等待在途连接自行结束的默认时长。
const DefaultShutdownGrace = 5 * time.Second

// Options 控制缓存服务的监听与访问策略。
type Options struct {
	ListenPort int
	// ReadOnly 为 true 时拒绝 put 与 terminate。
	ReadOnly bool
	// BasePath 非空时 open 只接受简单文件名，并解析到该目录下。
	BasePath      string
	ShutdownGrace time.Duration
	Registry      *CacheRegistry
	Logger        *logrus.Logger
}

// Server 接受 TCP 连接并为每个连接启动一个 session。
type Server struct {
	opts     Options
	registry *CacheRegistry
	logger   *logrus.Logger

	terminated atomic.Bool
	done       chan struct{}
	termOnce   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New 校验参数并构造 Server。
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("cache registry is required")
	}
	if opts.ListenPort < 0 || opts.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Server{
		opts:     opts,
		registry: opts.Registry,
		logger:   logger,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Registry 返回服务使用的缓存注册表。
func (s *Server) Registry() *CacheRegistry {
	return s.registry
}

// ResolvePath 把客户端给出的缓存文件名解析为注册表使用的路径。
// 设置了 BasePath 时只接受不含路径分隔符的简单文件名，并拼接到该目录下。
func (s *Server) ResolvePath(name string) (string, bool) {
	base := s.opts.BasePath
	if base == "" {
		return name, true
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	return filepath.Join(base, name), true
}

// ListenAndServe 在 ListenPort 上监听全部地址并阻塞到服务终止。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.ListenPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.opts.ListenPort, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上接受连接，直到收到 terminate、ctx 被取消或 accept 失败。
// 返回前会等待在途连接（至多 ShutdownGrace），随后落盘并关闭所有 Store。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithFields(logrus.Fields{
		"action":    "listen",
		"addr":      ln.Addr().String(),
		"read_only": s.opts.ReadOnly,
		"base_path": s.opts.BasePath,
	}).Info("cache server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Terminate()
		case <-s.done:
		}
		return ln.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ln)
	})

	serveErr := g.Wait()
	if errors.Is(serveErr, net.ErrClosed) {
		serveErr = nil
	}
	s.drain()

	if err := s.registry.Close(); err != nil {
		s.logger.WithField("action", "shutdown").WithError(err).Error("flush caches failed")
		serveErr = errors.Join(serveErr, err)
	}
	s.logger.WithField("action", "shutdown").Info("cache server stopped")
	return serveErr
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.Terminated() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if s.Terminated() {
			conn.Close()
			return nil
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			newSession(s, conn).serve()
		}()
	}
}

// Terminate 停止接受新连接并让各 session 在当前请求结束后退出；可重复调用。
func (s *Server) Terminate() {
	s.termOnce.Do(func() {
		s.terminated.Store(true)
		close(s.done)
		s.logger.WithField("action", "terminate").Info("cache server terminating")
	})
}

// Terminated 报告是否已进入终止流程。
func (s *Server) Terminated() bool {
	return s.terminated.Load()
}

// Done 在 Terminate 被调用后关闭。
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// ActiveConnections 返回当前存活的连接数。
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// drain 等待在途 session 结束；超过 ShutdownGrace 后打断仍阻塞在读上的连接。
func (s *Server) drain() {
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.opts.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-finished:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	pending := len(s.conns)
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"pending": pending,
	}).Warn("interrupting idle connections")
	<-finished
}
