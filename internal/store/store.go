package store

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DefaultFlushFrequency 表示每次 Put 都落盘。
const DefaultFlushFrequency = 1

// Options 控制单个 Store 的容量、刷盘节奏与写入模式。
type Options struct {
	// CapacityBytes 是所有条目内存占用之和的上限（见 EntrySize），负数表示不限。
	CapacityBytes int64
	// FlushFrequency 表示每多少次 Put 触发一次落盘，<=0 时使用 DefaultFlushFrequency。
	FlushFrequency int
	// AppendMode 为 true 时落盘只追加新记录，否则整表重写。
	AppendMode bool
	// Observer 在条目被淘汰时收到通知，可为空。
	Observer Observer
	// Logger 为空时丢弃日志。
	Logger *logrus.Logger
}

// Stats 是 Store 的诊断快照。
type Stats struct {
	Path              string `json:"path"`
	Initialized       bool   `json:"initialized"`
	ReadOnly          bool   `json:"read_only"`
	AppendMode        bool   `json:"append_mode"`
	Entries           int    `json:"entries"`
	Bytes             int64  `json:"bytes"`
	CapacityBytes     int64  `json:"capacity_bytes"`
	Touches           int64  `json:"touches"`
	Evictions         int64  `json:"evictions"`
	EvictedKeyBytes   int64  `json:"evicted_key_bytes"`
	EvictedValueBytes int64  `json:"evicted_value_bytes"`
}

type record struct {
	key   string
	value string
}

// Store 是按内存占用限额的 LRU 映射，可选地绑定一个日志文件。
// 所有方法并发安全；读、写与淘汰在同一把锁内完成。
type Store struct {
	mu     sync.Mutex
	opts   Options
	logger *logrus.Logger

	path     string
	readOnly bool
	out      *os.File
	pending  []record
	dirty    bool
	closed   bool

	items        map[string]*list.Element
	order        *list.List // front 为最近使用
	currentBytes int64

	numTouches        int64
	numEvictions      int64
	evictedKeyBytes   int64
	evictedValueBytes int64
}

// New 创建一个未绑定文件的 Store；调用 Init 之前它只是内存缓存。
func New(opts Options) *Store {
	if opts.FlushFrequency <= 0 {
		opts.FlushFrequency = DefaultFlushFrequency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Store{
		opts:   opts,
		logger: logger,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

// Init 从 path 回放日志并把 Store 绑定到该文件。已初始化的 Store 再次调用直接返回；
// 失败时 Store 恢复为未初始化的空状态，允许稍后重试。
func (s *Store) Init(path string, readOnly bool) error {
	if path == "" {
		return errors.New("cache path required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		return nil
	}
	if s.closed {
		return ErrClosed
	}

	if err := ReplayLog(path, s.insert); err != nil {
		s.resetLocked()
		return err
	}

	s.path = path
	s.readOnly = readOnly
	if !readOnly && s.opts.AppendMode {
		out, err := openAppendLog(path)
		if err != nil {
			s.resetLocked()
			return fmt.Errorf("open cache log for append: %w", err)
		}
		s.out = out
	}

	s.logger.WithFields(logrus.Fields{
		"action":    "cache_open",
		"path":      path,
		"entries":   s.order.Len(),
		"bytes":     humanize.IBytes(uint64(s.currentBytes)),
		"read_only": readOnly,
		"append":    s.opts.AppendMode,
	}).Info("cache loaded")

	if err := s.flushLocked(true); err != nil {
		if s.out != nil {
			s.out.Close()
		}
		s.resetLocked()
		return err
	}
	return nil
}

// Get 返回 key 对应的值并将其标记为最近使用；未命中时没有副作用。
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return "", false
	}
	s.order.MoveToFront(elem)
	return elem.Value.(*record).value, true
}

// Put 插入或更新 key，必要时按 LRU 淘汰直至内存占用不超过容量（包括刚插入的条目），
// 每 FlushFrequency 次调用同步落盘一次。
func (s *Store) Put(key, value string) error {
	if err := ValidateRecord(key, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if s.closed {
		return ErrClosed
	}

	if s.logger.IsLevelEnabled(logrus.TraceLevel) {
		s.logger.WithFields(logrus.Fields{
			"action":    "cache_put",
			"path":      s.path,
			"key_bytes": len(key),
			"val_bytes": len(value),
			"entries":   s.order.Len(),
			"bytes":     s.currentBytes,
			"capacity":  s.opts.CapacityBytes,
		}).Trace("put")
	}

	s.insert(key, value)
	if s.out != nil {
		s.pending = append(s.pending, record{key: key, value: value})
	}
	s.dirty = true
	s.numTouches++

	if s.numTouches%int64(s.opts.FlushFrequency) == 0 {
		return s.flushLocked(false)
	}
	return nil
}

// Size 返回当前条目数。
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Bytes 返回当前所有条目的内存占用估算值。
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBytes
}

// Path 返回绑定的日志路径，未初始化时为空。
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Touches 返回累计 Put 次数。
func (s *Store) Touches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numTouches
}

// Stats 返回诊断快照。
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Path:              s.path,
		Initialized:       s.path != "",
		ReadOnly:          s.readOnly,
		AppendMode:        s.opts.AppendMode,
		Entries:           s.order.Len(),
		Bytes:             s.currentBytes,
		CapacityBytes:     s.opts.CapacityBytes,
		Touches:           s.numTouches,
		Evictions:         s.numEvictions,
		EvictedKeyBytes:   s.evictedKeyBytes,
		EvictedValueBytes: s.evictedValueBytes,
	}
}

// Flush 立即把未落盘的修改写入日志。
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(false)
}

// Close 落盘剩余修改并释放追加句柄；之后的 Put 返回 ErrClosed，Get 仍可用。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked(false)
	if s.out != nil {
		if closeErr := s.out.Close(); err == nil {
			err = closeErr
		}
		s.out = nil
	}
	s.closed = true
	return err
}

func (s *Store) insert(key, value string) {
	if elem, ok := s.items[key]; ok {
		rec := elem.Value.(*record)
		s.currentBytes += EntrySize(key, value) - EntrySize(rec.key, rec.value)
		rec.value = value
		s.order.MoveToFront(elem)
	} else {
		s.items[key] = s.order.PushFront(&record{key: key, value: value})
		s.currentBytes += EntrySize(key, value)
	}
	s.evictLocked()
}

func (s *Store) evictLocked() {
	if s.opts.CapacityBytes < 0 {
		return
	}
	for s.currentBytes > s.opts.CapacityBytes && s.order.Len() > 0 {
		oldest := s.order.Back()
		rec := s.order.Remove(oldest).(*record)
		delete(s.items, rec.key)
		s.currentBytes -= EntrySize(rec.key, rec.value)

		s.numEvictions++
		s.evictedKeyBytes += int64(len(rec.key))
		s.evictedValueBytes += int64(len(rec.value))
		if s.opts.Observer != nil {
			s.opts.Observer.OnEvict(rec.key, rec.value)
		}
	}
}

// flushLocked 按模式落盘；force 用于 Init 后即便没有修改也重写一次文件。
func (s *Store) flushLocked(force bool) error {
	if s.path == "" || s.readOnly {
		return nil
	}

	if s.out != nil {
		if len(s.pending) == 0 {
			return nil
		}
		if err := appendRecords(s.out, s.pending); err != nil {
			return fmt.Errorf("append cache log %s: %w", s.path, err)
		}
		s.pending = s.pending[:0]
		s.dirty = false
		return nil
	}

	if s.opts.AppendMode {
		// Store 已关闭，追加句柄不再可用。
		return nil
	}
	if !s.dirty && !force {
		return nil
	}

	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		s.logger.WithFields(logrus.Fields{
			"action":         "cache_flush",
			"path":           s.path,
			"entries":        s.order.Len(),
			"bytes":          s.currentBytes,
			"touches":        s.numTouches,
			"evictions":      s.numEvictions,
			"evicted_keys":   humanize.IBytes(uint64(s.evictedKeyBytes)),
			"evicted_values": humanize.IBytes(uint64(s.evictedValueBytes)),
		}).Debug("rewrite cache log")
	}

	// 从最久未使用到最近使用依次写出，回放后保留原有的访问顺序。
	err := rewriteLog(s.path, func(w *bufio.Writer) error {
		for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
			rec := elem.Value.(*record)
			if err := writeRecord(w, rec.key, rec.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rewrite cache log %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

func (s *Store) resetLocked() {
	s.path = ""
	s.readOnly = false
	s.out = nil
	s.pending = nil
	s.dirty = false
	s.items = make(map[string]*list.Element)
	s.order.Init()
	s.currentBytes = 0
}
