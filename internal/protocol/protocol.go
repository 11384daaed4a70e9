// Package protocol defines the line-based wire format shared by the cache
// server and its clients: one request per line, fields separated by tabs, one
// response per request. Values travel verbatim except for the absent value,
// which is carried as NullSentinel; EncodeValue and DecodeValue keep that
// string out of the rest of the code base.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// NullSentinel 在线路上代表“没有值”。
	NullSentinel = "__NULL__"

	// OK 是成功的应答。
	OK = "OK"

	// Separator 分隔同一行内的字段。
	Separator = "\t"

	errorPrefix = "ERROR: "
)

// Command 是请求行的第一个字段。
type Command string

const (
	CmdOpen      Command = "open"
	CmdGet       Command = "get"
	CmdPut       Command = "put"
	CmdStats     Command = "stats"
	CmdTerminate Command = "terminate"
	CmdHelp      Command = "help"
)

// HelpText 是 help 命令的应答。
const HelpText = "Commands (tab-separated):\n" +
	"  open |path|\n" +
	"  get |key|\n" +
	"  put |key| |value|\n" +
	"  terminate\n" +
	"  stats\n" +
	"  help"

// 常见的协议错误信息。
const (
	MsgNoFileOpened     = "no file opened yet"
	MsgReadOnly         = "read-only"
	MsgSimpleNamesOnly  = "only simple file names allowed"
	TerminateReply      = "OK; server is shutting down"
	statsHeader         = "Caches:"
	statsEntryIndent    = "  "
	statsEntrySuffixFmt = " (%d entries)"
)

// ErrInvalidField 表示字段中含有线路格式无法承载的字符。
var ErrInvalidField = errors.New("invalid field")

// Request 是解析后的单行请求，Raw 保留去掉行尾后的原文用于错误回显。
type Request struct {
	Command Command
	Args    []string
	Raw     string
}

// ParseRequest 拆分一行请求；行尾的 \n 与 \r\n 会被去掉。
func ParseRequest(line string) Request {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	tokens := strings.Split(line, Separator)
	return Request{
		Command: Command(tokens[0]),
		Args:    tokens[1:],
		Raw:     line,
	}
}

// Arity 返回命令要求的参数个数；-1 表示不检查参数，未知命令返回 -2。
func (c Command) Arity() int {
	switch c {
	case CmdOpen, CmdGet:
		return 1
	case CmdPut:
		return 2
	case CmdStats, CmdTerminate, CmdHelp:
		return -1
	default:
		return -2
	}
}

// WellFormed 报告请求是否为已知命令且参数个数正确。
func (r Request) WellFormed() bool {
	arity := r.Command.Arity()
	switch arity {
	case -2:
		return false
	case -1:
		return true
	default:
		return len(r.Args) == arity
	}
}

// EncodeRequest 拼出一行请求（含结尾换行）。
func EncodeRequest(cmd Command, args ...string) string {
	var b strings.Builder
	b.WriteString(string(cmd))
	for _, arg := range args {
		b.WriteString(Separator)
		b.WriteString(arg)
	}
	b.WriteByte('\n')
	return b.String()
}

// ErrorLine 构造 `ERROR: <msg>` 应答。
func ErrorLine(msg string) string {
	return errorPrefix + msg
}

// IsError 判断应答是否为错误行。
func IsError(line string) bool {
	return strings.HasPrefix(line, errorPrefix)
}

// ErrorMessage 返回错误行中 `ERROR: ` 之后的内容。
func ErrorMessage(line string) string {
	return strings.TrimPrefix(line, errorPrefix)
}

// EncodeValue 把 (value, ok) 转成线路上的值，缺失时使用 NullSentinel。
func EncodeValue(value string, ok bool) string {
	if !ok {
		return NullSentinel
	}
	return value
}

// DecodeValue 是 EncodeValue 的逆操作。
func DecodeValue(line string) (string, bool) {
	if line == NullSentinel {
		return "", false
	}
	return line, true
}

// ValidateField 检查 key、path 等字段不含 tab 与换行。
func ValidateField(name, field string) error {
	if strings.ContainsAny(field, "\t\r\n") {
		return fmt.Errorf("%w: %s contains tab or newline", ErrInvalidField, name)
	}
	return nil
}

// ValidateValue 检查 value 可以安全地放进 put 请求，且不会与 NullSentinel 混淆。
func ValidateValue(value string) error {
	if err := ValidateField("value", value); err != nil {
		return err
	}
	if value == NullSentinel {
		return fmt.Errorf("%w: value collides with %s", ErrInvalidField, NullSentinel)
	}
	return nil
}

// StatsEntry 是 stats 应答中的一行。
type StatsEntry struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

// FormatStats 生成多行的 stats 应答（不含结尾换行）。
func FormatStats(entries []StatsEntry) string {
	var b strings.Builder
	b.WriteString(statsHeader)
	for _, entry := range entries {
		b.WriteByte('\n')
		b.WriteString(statsEntryIndent)
		b.WriteString(entry.Path)
		fmt.Fprintf(&b, statsEntrySuffixFmt, entry.Entries)
	}
	return b.String()
}

// IsStatsHeader 判断应答是否为 stats 的首行。
func IsStatsHeader(line string) bool {
	return line == statsHeader
}

// IsStatsEntry 判断应答行是否属于 stats 的条目部分。
func IsStatsEntry(line string) bool {
	return strings.HasPrefix(line, statsEntryIndent)
}

// ParseStatsEntry 解析形如 `  <path> (<n> entries)` 的行。
func ParseStatsEntry(line string) (StatsEntry, error) {
	body := strings.TrimPrefix(line, statsEntryIndent)
	open := strings.LastIndex(body, " (")
	if !IsStatsEntry(line) || open < 0 || !strings.HasSuffix(body, " entries)") {
		return StatsEntry{}, fmt.Errorf("malformed stats line: %q", line)
	}
	countText := strings.TrimSuffix(body[open+2:], " entries)")
	count, err := strconv.Atoi(countText)
	if err != nil {
		return StatsEntry{}, fmt.Errorf("malformed stats count in %q: %w", line, err)
	}
	return StatsEntry{Path: body[:open], Entries: count}, nil
}
