package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/memocache/memocache/internal/store"
)

// Cache 是远程客户端与本地文件缓存的共同接口。
type Cache interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Size() int
	Close() error
}

var (
	_ Cache = (*Client)(nil)
	_ Cache = (*LocalCache)(nil)
)

// LocalCache 是进程内的文件缓存，path 为空时只保存在内存中。
type LocalCache struct {
	st *store.Store
}

// OpenLocal 回放 path 上的日志并返回本地缓存；每次 Put 都追加写入日志。
func OpenLocal(path string, opts Options) (*LocalCache, error) {
	opts = opts.withDefaults()
	st := store.New(store.Options{
		CapacityBytes:  opts.LocalCapacity,
		FlushFrequency: 1,
		AppendMode:     true,
		Logger:         opts.Logger,
	})
	if path != "" {
		if err := st.Init(path, false); err != nil {
			return nil, err
		}
	}
	return &LocalCache{st: st}, nil
}

func (l *LocalCache) Get(key string) (string, bool, error) {
	value, ok := l.st.Get(key)
	return value, ok, nil
}

func (l *LocalCache) Put(key, value string) error {
	return l.st.Put(key, value)
}

func (l *LocalCache) Size() int {
	return l.st.Size()
}

func (l *LocalCache) Close() error {
	return l.st.Close()
}

// Open 按描述创建缓存：含冒号时按 "host:port:path" 连接远程服务，否则视为本地文件路径，
// 空字符串表示纯内存缓存。
func Open(ctx context.Context, description string, opts Options) (Cache, error) {
	if !strings.Contains(description, ":") {
		return OpenLocal(description, opts)
	}

	addr, path, err := ParseDescription(description)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, path, opts)
}

// ParseDescription 把 "host:port:path" 拆成拨号地址与远程路径；path 中可以继续包含冒号。
func ParseDescription(description string) (addr, path string, err error) {
	tokens := strings.SplitN(description, ":", 3)
	if len(tokens) != 3 {
		return "", "", fmt.Errorf("%w: %q is not host:port:path", ErrInvalidDescription, description)
	}
	port, err := strconv.Atoi(tokens[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", "", fmt.Errorf("%w: bad port in %q", ErrInvalidDescription, description)
	}
	if tokens[2] == "" {
		return "", "", fmt.Errorf("%w: empty path in %q", ErrInvalidDescription, description)
	}
	return fmt.Sprintf("%s:%d", tokens[0], port), tokens[2], nil
}
