package server

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/memocache/memocache/internal/logging"
	"github.com/memocache/memocache/internal/protocol"
	"github.com/memocache/memocache/internal/store"
)

// RegistryOptions 描述注册表为每个新路径创建 Store 时使用的参数。
type RegistryOptions struct {
	// Store 是每个新 Store 的模板；Observer 与 Logger 由注册表按路径填充。
	Store store.Options
	// ReadOnly 为 true 时所有 Store 以只读方式初始化。
	ReadOnly bool
	Logger   *logrus.Logger
}

// CacheRegistry 维护“规范化路径 → Store”的映射，服务启动时创建一次并注入到每个连接。
// Store 一旦创建便存活到进程结束，不会被单独移除。
type CacheRegistry struct {
	mu      sync.Mutex
	stores  map[string]*store.Store
	ordered []string

	opts   RegistryOptions
	logger *logrus.Logger
}

// NewCacheRegistry 构造空注册表。
func NewCacheRegistry(opts RegistryOptions) *CacheRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &CacheRegistry{
		stores: make(map[string]*store.Store),
		opts:   opts,
		logger: logger,
	}
}

// Resolve 返回 path 对应的 Store，不存在时创建一个未初始化的 Store 并登记。
// 第二个返回值是规范化后的路径。
func (r *CacheRegistry) Resolve(path string) (*store.Store, string) {
	normalized := normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stores[normalized]; ok {
		return st, normalized
	}

	opts := r.opts.Store
	opts.Logger = r.logger
	opts.Observer = &evictionLogger{logger: r.logger, path: normalized}
	st := store.New(opts)
	r.stores[normalized] = st
	r.ordered = append(r.ordered, normalized)
	return st, normalized
}

// Open 解析 path 并确保对应 Store 已初始化。初始化在注册表锁之外进行，
// 由 Store 自身的锁保证并发 open 只加载一次；失败时条目保留，下次 open 会重试。
func (r *CacheRegistry) Open(path string) (*store.Store, error) {
	st, normalized := r.Resolve(path)
	if err := st.Init(normalized, r.opts.ReadOnly); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action": "cache_open",
			"path":   normalized,
		}).WithError(err).Warn("cache open failed")
		return nil, err
	}
	return st, nil
}

// Lookup 返回已登记的 Store，不会创建新条目。
func (r *CacheRegistry) Lookup(path string) (*store.Store, bool) {
	normalized := normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stores[normalized]
	return st, ok
}

// Len 返回已登记的 Store 数量。
func (r *CacheRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered)
}

// Stats 返回每个已登记 Store 的路径与条目数，按登记顺序排列，供 stats 命令使用。
func (r *CacheRegistry) Stats() []protocol.StatsEntry {
	paths, stores := r.list()
	result := make([]protocol.StatsEntry, len(paths))
	for i, path := range paths {
		result[i] = protocol.StatsEntry{Path: path, Entries: stores[i].Size()}
	}
	return result
}

// Snapshot 返回每个 Store 的完整诊断信息，供管理接口输出。
func (r *CacheRegistry) Snapshot() []store.Stats {
	paths, stores := r.list()
	result := make([]store.Stats, len(paths))
	for i, path := range paths {
		stats := stores[i].Stats()
		stats.Path = path
		result[i] = stats
	}
	return result
}

// Close 落盘并关闭所有 Store，返回遇到的全部错误。
func (r *CacheRegistry) Close() error {
	paths, stores := r.list()
	var errs []error
	for i, st := range stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.WithFields(logging.StoreFields("cache_close", paths[i], st.Size(), st.Bytes())).Debug("cache closed")
	}
	return errors.Join(errs...)
}

// list 在注册表锁内复制当前条目，随后的 Store 操作都在锁外进行。
func (r *CacheRegistry) list() ([]string, []*store.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := append([]string(nil), r.ordered...)
	stores := make([]*store.Store, len(paths))
	for i, path := range paths {
		stores[i] = r.stores[path]
	}
	return paths, stores
}

func normalizePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// evictionLogger 在 trace 级别记录被淘汰的条目；级别未开启时不产生任何分配。
type evictionLogger struct {
	logger *logrus.Logger
	path   string
}

func (e *evictionLogger) OnEvict(key, value string) {
	if !e.logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"action":    "cache_evict",
		"path":      e.path,
		"key_bytes": len(key),
		"val_bytes": len(value),
	}).Trace("evicted")
}
