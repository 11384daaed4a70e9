package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息，例如 "memocache 0.1.0 (dev)"。
func Full() string {
	return fmt.Sprintf("memocache %s (%s)", Version, Commit)
}
