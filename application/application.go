// Package application 负责网关进程的配置加载、日志初始化以及各组件的装配与运行。
package application

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/guessr-gateway/internal/friends"
	"github.com/lk2023060901/guessr-gateway/internal/game"
	"github.com/lk2023060901/guessr-gateway/internal/gateway"
	"github.com/lk2023060901/guessr-gateway/internal/identity"
	"github.com/lk2023060901/guessr-gateway/internal/league"
	"github.com/lk2023060901/guessr-gateway/internal/network/acceptor"
	"github.com/lk2023060901/guessr-gateway/internal/push"
	"github.com/lk2023060901/guessr-gateway/internal/registry"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/internal/verify"
	zlog "github.com/lk2023060901/guessr-gateway/pkg/log"
	"github.com/lk2023060901/guessr-gateway/pkg/metrics"
	"github.com/lk2023060901/guessr-gateway/pkg/util/conc"
	zviper "github.com/lk2023060901/guessr-gateway/pkg/util/viper"
)

const envPrefix = "GUESSR"

// Application 是网关进程的运行容器，持有配置并管理各组件的生命周期。
type Application struct {
	cfg     *zviper.Config
	conf    Config
	loggers map[string]*zlog.MLogger

	// Games 为对局注册表，由对局组件在 Run 之前填充。
	Games *game.Table

	gateway  *gateway.Gateway
	acceptor *acceptor.Acceptor
	closers  []func(ctx context.Context) error
}

// New creates a new Application instance.
func New() *Application {
	return &Application{Games: game.NewTable()}
}

// Run 加载配置并运行网关，直到 ctx 结束或任一服务出错。
// 配置文件路径的优先级：
//  1. 默认：./config.yaml
//  2. 环境变量：GUESSR_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run(ctx context.Context) error {
	path, err := resolveConfigPath(os.Getenv(envPrefix+"_CONFIG_FILE_PATH"), os.Args[1:])
	if err != nil {
		return err
	}
	if err := a.Load(path); err != nil {
		return err
	}
	defer zlog.Sync()

	if err := a.build(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.acceptor.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return a.gateway.Run(gctx)
	})
	if a.conf.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, a.conf.Metrics.Addr)
		})
	}
	zlog.Info("guessr gateway started",
		zap.String("addr", a.conf.Server.Addr),
		zap.String("path", a.conf.Server.Path),
		zap.String("identity", a.conf.Identity.Mode))
	return g.Wait()
}

// Load 读取配置文件并初始化日志。
func (a *Application) Load(path string) error {
	cfg := zviper.New()
	setDefaults(cfg)
	cfg.BindEnvPrefix(envPrefix)
	if err := cfg.LoadFile(path); err != nil {
		return fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	a.cfg = cfg

	if err := cfg.Unmarshal(&a.conf); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return a.initLogging()
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Settings 返回解析后的配置。
func (a *Application) Settings() Config {
	return a.conf
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// build 按依赖顺序装配各组件。
func (a *Application) build(ctx context.Context) error {
	var rdb *redis.Client
	if a.conf.Redis.Addr != "" {
		rdb = store.NewRedisClient(a.conf.Redis)
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	users, err := a.buildStore(ctx, rdb)
	if err != nil {
		return err
	}
	resolver, err := a.buildResolver(users, rdb)
	if err != nil {
		return err
	}

	size := a.conf.Pool.Size
	if size <= 0 {
		size = 64
	}
	pool := conc.NewPool[*store.User](size, conc.WithExpiryDuration(a.conf.Pool.IdleExpiry))
	a.closers = append(a.closers, func(context.Context) error { pool.Release(); return nil })

	reg := registry.New()
	channel := push.NewChannel(nil)
	tiers := league.Default()
	dir := friends.NewDirectory(users, reg, channel, pool)
	v := verify.New(a.conf.Verify, verify.Deps{
		Resolver: resolver,
		Users:    users,
		Registry: reg,
		Games:    a.Games,
		Friends:  dir,
		Channel:  channel,
		Tiers:    tiers,
	})
	if lg, ok := a.loggers["verify"]; ok {
		v.SetLogger(lg)
	}

	gw, err := gateway.New(a.conf.Reconnect, gateway.Deps{
		Registry: reg,
		Verifier: v,
		Friends:  dir,
		Channel:  channel,
		Users:    users,
		Tiers:    tiers,
	})
	if err != nil {
		return err
	}
	if lg, ok := a.loggers["gateway"]; ok {
		gw.SetLogger(lg)
	}
	a.gateway = gw

	a.acceptor = acceptor.New(acceptor.Config{
		Addr:           a.conf.Server.Addr,
		Path:           a.conf.Server.Path,
		SendQueueSize:  a.conf.Server.SendQueueSize,
		ReadTimeout:    a.conf.Server.ReadTimeout,
		WriteTimeout:   a.conf.Server.WriteTimeout,
		AllowAnyOrigin: a.conf.Server.AllowAnyOrigin,
	}, gw)
	return nil
}

// Gateway 返回装配好的网关，build 之前为 nil。
func (a *Application) Gateway() *gateway.Gateway {
	return a.gateway
}

func (a *Application) buildStore(ctx context.Context, rdb *redis.Client) (store.UserStore, error) {
	var users store.UserStore
	if a.conf.Mongo.URI == "" {
		zlog.Warn("mongo.uri is empty, using in-memory user store")
		users = store.NewMemoryStore()
	} else {
		ms, err := store.ConnectMongo(ctx, a.conf.Mongo)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ms.Close)
		users = ms
	}
	if rdb != nil {
		users = store.NewCachedStore(users, rdb, a.conf.Redis.TTL)
	}
	return users, nil
}

func (a *Application) buildResolver(users store.UserStore, rdb *redis.Client) (identity.Resolver, error) {
	switch a.conf.Identity.Mode {
	case "", IdentityModeSecret:
		return identity.NewSecretResolver(users), nil
	case IdentityModeJWT:
		cfg := identity.JWTConfig{
			Key:    []byte(a.conf.Identity.JWTKey),
			Issuer: a.conf.Identity.JWTIssuer,
		}
		if rdb == nil {
			return identity.NewJWTResolver(cfg, users, nil)
		}
		return identity.NewJWTResolver(cfg, users, rdb)
	default:
		return nil, fmt.Errorf("unknown identity mode %q", a.conf.Identity.Mode)
	}
}

func (a *Application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			zlog.Warn("close component failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// serveMetrics 在 addr 上暴露 Prometheus 指标，直到 ctx 结束。
func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// resolveConfigPath 按默认值、环境变量、命令行参数的顺序确定配置文件路径。
func resolveConfigPath(envPath string, args []string) (string, error) {
	configPath := "./config.yaml"
	if envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}
	return configPath, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on GUESSR_LOG_* env vars.
//
// Priority:
//   - GUESSR_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - GUESSR_LOG_LEVEL: log level (default "info").
//   - GUESSR_LOG_STDOUT: whether to log to stdout (default false).
//   - GUESSR_LOG_FILE_DIR: log directory.
//   - GUESSR_LOG_FILE: log file name (empty means no file).
//   - GUESSR_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("GUESSR_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:               getenvDefault("GUESSR_LOG_LEVEL", "info"),
		Format:              getenvDefault("GUESSR_LOG_FORMAT", "text"),
		DisableTimestamp:    false,
		Stdout:              getenvBool("GUESSR_LOG_STDOUT", false),
		DisableCaller:       false,
		DisableStacktrace:   false,
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("GUESSR_LOG_FILE_DIR", ""),
			Filename: getenvDefault("GUESSR_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  verify:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: verify.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
