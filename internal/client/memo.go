package client

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// keySeparator 是 ASCII 单元分隔符，不会出现在正常的查询参数里。
const keySeparator = "\x1f"

// KeyFor 为一组查询参数生成稳定的缓存 key：参数以单元分隔符拼接后取 xxhash64 的十六进制。
func KeyFor(parts ...string) string {
	d := xxhash.New()
	for i, part := range parts {
		if i > 0 {
			_, _ = d.WriteString(keySeparator)
		}
		_, _ = d.WriteString(part)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Memoize 命中时直接返回缓存值，否则调用 compute 并把结果写回缓存。
// compute 出错时不写缓存；写缓存失败时返回计算结果与写入错误。
func Memoize(cache Cache, key string, compute func() (string, error)) (string, error) {
	if value, ok, err := cache.Get(key); err != nil {
		return "", err
	} else if ok {
		return value, nil
	}

	value, err := compute()
	if err != nil {
		return "", err
	}
	if err := cache.Put(key, value); err != nil {
		return value, err
	}
	return value, nil
}
