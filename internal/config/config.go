package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "autotrader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("venue.ws_url", "wss://api.pocketoption.com/socket.io/websocket")
	v.SetDefault("venue.auth_timeout", "10s")
	v.SetDefault("venue.ack_timeout", "15s")
	v.SetDefault("venue.poll_budget", "90s")
	v.SetDefault("venue.poll_every", "5s")

	v.SetDefault("crypto.encryption_key", "")

	v.SetDefault("autotrade.min_confidence", 95.0)
	v.SetDefault("autotrade.trade_amount", 1.0)
	v.SetDefault("autotrade.trade_duration", "60s")
	v.SetDefault("autotrade.staleness_window", "60s")
	v.SetDefault("autotrade.batch_size", 5)

	v.SetDefault("risk.max_trade_risk", 0.02)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.daily_loss_reset_hour", 0)
	v.SetDefault("risk.enable_daily_stop_loss", true)

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.exchange", "binance")
	v.SetDefault("feed.markets", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("feed.interval", "1m")
	v.SetDefault("feed.emit_threshold", 90.0)
	v.SetDefault("feed.candle_limit", 120)
	v.SetDefault("feed.use_sandbox", false)
	v.SetDefault("feed.retry.max_attempts", 5)
	v.SetDefault("feed.retry.min_delay", "500ms")
	v.SetDefault("feed.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/autotrader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.tick_interval", "15s")
	v.SetDefault("scheduler.tick_timeout", "45s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8080)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
