package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const logBufferSize = 64 * 1024

// ReplayLog 按文件顺序回放 `key\tvalue` 记录，每条调用一次 fn；同一 key 以最后
// 一次出现为准由调用方自然覆盖。文件不存在时视为空日志。
func ReplayLog(path string, fn func(key, value string)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open cache log: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, logBufferSize)
	lineNo := 0
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			line = strings.TrimSuffix(line, "\n")
			key, value, ok := strings.Cut(line, "\t")
			if !ok {
				return &LogError{Path: path, Line: lineNo, Err: ErrInvalidRecord}
			}
			fn(key, value)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return &LogError{Path: path, Line: lineNo, Err: readErr}
		}
	}
}

// openAppendLog 以追加模式打开日志，必要时创建父目录。
func openAppendLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// appendRecords 将 records 依次写到日志末尾。
func appendRecords(f *os.File, records []record) error {
	w := bufio.NewWriterSize(f, logBufferSize)
	for _, rec := range records {
		if err := writeRecord(w, rec.key, rec.value); err != nil {
			return err
		}
	}
	return w.Flush()
}

// rewriteLog 通过临时文件 + rename 原子地替换整个日志，失败时清理临时文件。
func rewriteLog(path string, write func(w *bufio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".memocache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	w := bufio.NewWriterSize(tempFile, logBufferSize)
	err = write(w)
	if err == nil {
		err = w.Flush()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func writeRecord(w *bufio.Writer, key, value string) error {
	if _, err := w.WriteString(key); err != nil {
		return err
	}
	if err := w.WriteByte('\t'); err != nil {
		return err
	}
	if _, err := w.WriteString(value); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// ValidateRecord 检查 key/value 能否无损写入日志：key 不能含 tab 或换行，value 不能含换行。
func ValidateRecord(key, value string) error {
	if strings.ContainsAny(key, "\t\n") {
		return fmt.Errorf("%w: key contains tab or newline", ErrInvalidRecord)
	}
	if strings.ContainsRune(value, '\n') {
		return fmt.Errorf("%w: value contains newline", ErrInvalidRecord)
	}
	return nil
}
