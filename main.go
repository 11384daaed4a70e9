package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/memocache/memocache/internal/config"
	"github.com/memocache/memocache/internal/logging"
	"github.com/memocache/memocache/internal/server"
	"github.com/memocache/memocache/internal/server/routes"
	"github.com/memocache/memocache/internal/store"
	"github.com/memocache/memocache/internal/version"
)

// cliOptions 汇总 serve 所需的 CLI 选项，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	// flags 为显式设置的覆盖项，可为空。
	flags *pflag.FlagSet
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回进程退出码。
func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return 0
}

// exitError 让子命令在不打印额外信息的情况下指定退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// resolveConfigPath 计算配置文件路径：--config 优先，其次 MEMOCACHE_CONFIG；都为空时不读文件。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(config.EnvPrefix + "_CONFIG")
}

// run 根据解析到的 CLI 选项启动缓存服务，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.LoadWithFlags(opts.configPath, opts.flags)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["listen_port"] = cfg.Global.ListenPort
		fields["capacity"] = cfg.Cache.Capacity.String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["admin_port"] = cfg.Global.AdminPort
	fields["read_only"] = cfg.Global.ReadOnly
	fields["base_path"] = cfg.Global.BasePath
	fields["capacity"] = cfg.Cache.Capacity.String()
	fields["flush_frequency"] = cfg.Cache.FlushFrequency
	fields["append_mode"] = cfg.Cache.AppendMode
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "缓存服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → CacheRegistry → TCP 服务 → 可选的诊断 HTTP”顺序启动，阻塞到服务终止。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if base := cfg.Global.BasePath; base != "" && !cfg.Global.ReadOnly {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return fmt.Errorf("创建缓存目录失败: %w", err)
		}
	}

	registry := server.NewCacheRegistry(server.RegistryOptions{
		Store: store.Options{
			CapacityBytes:  cfg.Cache.Capacity.Bytes(),
			FlushFrequency: cfg.Cache.FlushFrequency,
			AppendMode:     cfg.Cache.AppendMode,
		},
		ReadOnly: cfg.Global.ReadOnly,
		Logger:   logger,
	})

	srv, err := server.New(server.Options{
		ListenPort:    cfg.Global.ListenPort,
		ReadOnly:      cfg.Global.ReadOnly,
		BasePath:      cfg.Global.BasePath,
		ShutdownGrace: cfg.Global.ShutdownGrace.DurationValue(),
		Registry:      registry,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var app *fiber.App
	if cfg.Global.AdminPort > 0 {
		app, err = server.NewAdminApp(server.AdminOptions{
			Logger:   logger,
			Registry: registry,
			Server:   srv,
		})
		if err != nil {
			return err
		}
		routes.RegisterCacheRoutes(app, registry, srv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if app != nil {
		port := cfg.Global.AdminPort
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("诊断 HTTP 服务启动")

		g.Go(func() error {
			return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-srv.Done():
			}
			return app.ShutdownWithTimeout(cfg.Global.ShutdownGrace.DurationValue())
		})
	}

	return g.Wait()
}
