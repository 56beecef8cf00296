package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Autotrade AutotradeConfig `mapstructure:"autotrade"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述经纪商接入端点与各阶段超时。
type VenueConfig struct {
	WSURL       string        `mapstructure:"ws_url"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	PollBudget  time.Duration `mapstructure:"poll_budget"`
	PollEvery   time.Duration `mapstructure:"poll_every"`
}

// CryptoConfig 管理凭据解密参数。密钥由部署环境注入。
type CryptoConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// AutotradeConfig 控制信号准入与下单规则，可经指令通道在线调整。
type AutotradeConfig struct {
	MinConfidence   float64       `mapstructure:"min_confidence"`
	TradeAmount     float64       `mapstructure:"trade_amount"`
	TradeDuration   time.Duration `mapstructure:"trade_duration"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxTradeRisk        float64 `mapstructure:"max_trade_risk"`
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`
	DailyLossResetHour  int     `mapstructure:"daily_loss_reset_hour"`
	EnableDailyStopLoss bool    `mapstructure:"enable_daily_stop_loss"`
}

// FeedConfig 描述行情信号源。
type FeedConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Exchange      string        `mapstructure:"exchange"`
	Markets       []string      `mapstructure:"markets"`
	Interval      time.Duration `mapstructure:"interval"`
	EmitThreshold float64       `mapstructure:"emit_threshold"`
	CandleLimit   int           `mapstructure:"candle_limit"`
	UseSandbox    bool          `mapstructure:"use_sandbox"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	TickTimeout  time.Duration `mapstructure:"tick_timeout"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Venue.WSURL == "" {
		err = multierr.Append(err, errors.New("venue.ws_url 不能为空"))
	}
	if c.Venue.AuthTimeout <= 0 {
		err = multierr.Append(err, errors.New("venue.auth_timeout 必须大于0"))
	}
	if c.Venue.AckTimeout <= 0 {
		err = multierr.Append(err, errors.New("venue.ack_timeout 必须大于0"))
	}
	if c.Venue.PollBudget < 0 {
		err = multierr.Append(err, errors.New("venue.poll_budget 不能为负"))
	}
	if c.Venue.PollBudget > 0 && c.Venue.PollEvery <= 0 {
		err = multierr.Append(err, errors.New("venue.poll_every 必须大于0"))
	}
	if c.Crypto.EncryptionKey == "" {
		err = multierr.Append(err, errors.New("crypto.encryption_key 不能为空"))
	}
	if c.Autotrade.MinConfidence < 0 || c.Autotrade.MinConfidence > 100 {
		err = multierr.Append(err, errors.New("autotrade.min_confidence 必须位于[0,100]"))
	}
	if c.Autotrade.TradeAmount <= 0 {
		err = multierr.Append(err, errors.New("autotrade.trade_amount 必须大于0"))
	}
	if c.Autotrade.TradeDuration <= 0 {
		err = multierr.Append(err, errors.New("autotrade.trade_duration 必须大于0"))
	}
	if c.Autotrade.StalenessWindow <= 0 {
		err = multierr.Append(err, errors.New("autotrade.staleness_window 必须大于0"))
	}
	if c.Autotrade.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("autotrade.batch_size 必须大于0"))
	}
	if c.Risk.MaxTradeRisk <= 0 || c.Risk.MaxTradeRisk > 1 {
		err = multierr.Append(err, errors.New("risk.max_trade_risk 必须位于(0,1]"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.EnableDailyStopLoss && (c.Risk.DailyLossResetHour < 0 || c.Risk.DailyLossResetHour > 23) {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于[0,23]"))
	}
	if c.Feed.Enabled {
		if c.Feed.Exchange == "" {
			err = multierr.Append(err, errors.New("feed.exchange 不能为空"))
		}
		if len(c.Feed.Markets) == 0 {
			err = multierr.Append(err, errors.New("feed.markets 至少包含一个标的"))
		}
		if c.Feed.Interval <= 0 {
			err = multierr.Append(err, errors.New("feed.interval 必须大于0"))
		}
		if c.Feed.EmitThreshold < 0 || c.Feed.EmitThreshold > 100 {
			err = multierr.Append(err, errors.New("feed.emit_threshold 必须位于[0,100]"))
		}
		if c.Feed.CandleLimit <= 0 {
			err = multierr.Append(err, errors.New("feed.candle_limit 必须大于0"))
		}
		if c.Feed.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("feed.retry.max_attempts 必须大于0"))
		}
		if c.Feed.Retry.MinDelay <= 0 || c.Feed.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("feed.retry.delay 必须为正"))
		}
		if c.Feed.Retry.MinDelay > c.Feed.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("feed.retry.min_delay 不能大于 max_delay"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_interval 必须大于0"))
	}
	if c.Scheduler.TickTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_timeout 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
