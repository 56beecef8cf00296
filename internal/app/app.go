package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/command"
	"autotrader/internal/config"
	"autotrader/internal/creds"
	"autotrader/internal/exchange"
	"autotrader/internal/executor"
	"autotrader/internal/feed"
	"autotrader/internal/gate"
	"autotrader/internal/indicator"
	"autotrader/internal/monitor"
	"autotrader/internal/registry"
	"autotrader/internal/risk"
	"autotrader/internal/store"
	"autotrader/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装各组件并阻塞运行主调度循环，直至上下文取消。
// 退出时等待当前周期收尾并关闭全部场所会话。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("自动交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Duration("tick_interval", a.cfg.Scheduler.TickInterval),
	)

	cipher, err := creds.NewCipher(a.cfg.Crypto.EncryptionKey)
	if err != nil {
		return fmt.Errorf("初始化凭据加密失败: %w", err)
	}

	riskMgr, err := risk.NewManager(a.cfg.Risk, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化风险管理失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	runtime := command.NewRuntime(a.cfg.Autotrade, a.cfg.Scheduler.TickInterval)

	factory := venue.NewWSFactory(a.cfg.Venue, a.logger)
	sessionRegistry := registry.New(factory, cipher, a.store, a.logger)

	admitGate, err := gate.New(a.store, riskMgr, runtime, a.logger)
	if err != nil {
		return fmt.Errorf("初始化准入层失败: %w", err)
	}

	exec, err := executor.New(a.store, runtime, riskMgr, a.cfg.Venue.PollBudget, a.cfg.Venue.PollEvery, a.logger)
	if err != nil {
		return fmt.Errorf("初始化执行器失败: %w", err)
	}

	coord := &coordinator{
		store:    a.store,
		registry: sessionRegistry,
		gate:     admitGate,
		executor: exec,
		runtime:  runtime,
		monitor:  monitorSvc,
		logger:   a.logger,
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, monitorSvc, a.cfg.Monitor.Port, a.logger); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	if a.cfg.Feed.Enabled {
		if err := a.startFeed(ctx); err != nil {
			return fmt.Errorf("启动行情信号源失败: %w", err)
		}
	}

	defer func() {
		if closeErr := sessionRegistry.CloseAll(); closeErr != nil {
			a.logger.Warn("关闭场所会话失败", zap.Error(closeErr))
		}
	}()

	a.runTick(ctx, coord)

	ticker := time.NewTicker(a.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.runTick(ctx, coord)
		}
	}
}

// runTick 在超时保护下执行一个周期。周期失败只记录，进程继续运行。
func (a *App) runTick(ctx context.Context, coord *coordinator) {
	tickCtx, cancel := context.WithTimeout(ctx, a.cfg.Scheduler.TickTimeout)
	defer cancel()

	if err := coord.Tick(tickCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Error("调度周期失败", zap.Error(err))
	}
}

func (a *App) startFeed(ctx context.Context) error {
	client, err := exchange.NewClient(a.cfg.Feed, a.logger)
	if err != nil {
		return err
	}

	marketSvc := exchange.NewMarketDataService(client, a.cfg.Feed.Markets, a.cfg.Feed.CandleLimit, a.logger)

	producer, err := feed.NewProducer(a.cfg.Feed, marketSvc, indicator.NewCalculator(), a.store, a.logger)
	if err != nil {
		return err
	}

	go func() {
		if runErr := producer.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			a.logger.Error("行情信号源异常退出", zap.Error(runErr))
		}
	}()

	return nil
}
