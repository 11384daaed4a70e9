package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/memocache/memocache/internal/client"
	"github.com/memocache/memocache/internal/config"
)

const defaultClientTimeout = 30 * time.Second

// newRootCmd 构建 memocache 命令树；不带子命令时等同于 serve。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memocache",
		Short:         "Memory-bounded string cache shared over TCP",
		Long:          "memocache 在内存中按 LRU 缓存字符串键值，按文件持久化，并通过简单的行协议在多个进程间共享。",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServeCmd,
	}
	addServeFlags(root.Flags())
	root.Flags().Bool("version", false, "显示版本信息")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动缓存服务",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
	addServeFlags(serveCmd.Flags())

	root.AddCommand(serveCmd, newGetCmd(), newPutCmd(), newStatsCmd())
	return root
}

// addServeFlags 注册与配置键一一对应的覆盖参数，名称需与 config 包中的绑定表一致。
func addServeFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "配置文件路径（可被 MEMOCACHE_CONFIG 指定，缺省时只用环境变量与默认值）")
	fs.Bool("check-config", false, "仅校验配置后退出")
	fs.Int("port", 4000, "缓存服务监听端口")
	fs.Int("admin-port", 0, "诊断 HTTP 端口，0 表示关闭")
	fs.String("log-level", "info", "日志级别")
	fs.String("log-file", "", "日志文件路径，空表示输出到 stdout")
	fs.IntP("verbose", "v", 0, "详细程度：>=2 输出 debug，>=5 输出 trace")
	fs.Bool("read-only", false, "拒绝 put 与 terminate")
	fs.String("base-path", "", "只允许打开该目录下的简单文件名")
	fs.String("capacity", config.DefaultCapacity.String(), "每个缓存文件的内存上限，例如 512MiB，unlimited 表示不限")
	fs.Int("flush-frequency", 1, "每多少次 put 落盘一次")
	fs.Bool("append-mode", true, "落盘时只追加新记录，false 表示整表重写")
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configFlag, _ := flags.GetString("config")
	checkOnly, _ := flags.GetBool("check-config")
	showVersion := false
	if flags.Lookup("version") != nil {
		showVersion, _ = flags.GetBool("version")
	}

	code := run(cliOptions{
		configPath:  resolveConfigPath(configFlag),
		checkOnly:   checkOnly,
		showVersion: showVersion,
		flags:       flags,
	})
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", defaultClientTimeout, "等待服务端应答的超时时间")
}

func clientOptions(cmd *cobra.Command) client.Options {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.Options{DialTimeout: timeout, ReadTimeout: timeout}
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <host:port:path> <key>",
		Short: "读取远程缓存中的值，不存在时退出码为 1",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openRemote(cmd, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			value, ok, err := c.Get(args[1])
			if err != nil {
				return err
			}
			if !ok {
				return &exitError{code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <host:port:path> <key> <value>",
		Short: "写入远程缓存",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openRemote(cmd, args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Put(args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <host:port>",
		Short: "列出服务端已打开的缓存文件及条目数",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := clientOptions(cmd)
			ctx, cancel := withTimeout(cmd.Context(), opts.ReadTimeout)
			defer cancel()

			c, err := client.Connect(ctx, args[0], opts)
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				fmt.Fprintf(out, "%s\t%d\n", entry.Path, entry.Entries)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

// openRemote 只接受 host:port:path 形式，避免命令行误把本地路径当作远程缓存。
func openRemote(cmd *cobra.Command, description string) (*client.Client, error) {
	addr, path, err := client.ParseDescription(description)
	if err != nil {
		return nil, err
	}
	opts := clientOptions(cmd)
	ctx, cancel := withTimeout(cmd.Context(), opts.ReadTimeout)
	defer cancel()

	c, err := client.Dial(ctx, addr, path, opts)
	if err != nil {
		if errors.Is(err, client.ErrOpenRejected) {
			return nil, fmt.Errorf("打开远程缓存失败: %w", err)
		}
		return nil, err
	}
	return c, nil
}

// withTimeout 在 timeout <= 0 时不设截止时间。
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
