package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"DeFi-Sentry/pkg/logger"
)

const defaultRelaxPercent = 5

// Config 描述了 DeFi-Sentry 在启动阶段需要加载的全部配置。
type Config struct {
	Chain       ChainConfig      `json:"chain"`
	Wallet      WalletConfig     `json:"wallet"`
	Fees        FeeConfig        `json:"fees"`
	Breaker     BreakerConfig    `json:"breaker"`
	Loop        LoopConfig       `json:"loop"`
	Tokens      TokenConfig      `json:"tokens"`
	Markets     []MarketConfig   `json:"markets"`
	Oracle      OracleConfig     `json:"oracle"`
	Lending     LendingConfig    `json:"lending"`
	Permissions PermissionConfig `json:"permissions"`
	Journal     JournalConfig    `json:"journal"`
	Events      EventsConfig     `json:"events"`
	Server      ServerConfig     `json:"server"`
	Metrics     MetricsConfig    `json:"metrics"`
	Logging     logger.Config    `json:"logging"`
	Alerting    AlertingConfig   `json:"alerting"`
	Runtime     RuntimeConfig    `json:"runtime"`
}

// ChainConfig 描述链端点及 RPC 保护参数。
type ChainConfig struct {
	ChainConfig  string      `json:"chain_config"`
	DefaultChain string      `json:"default_chain"`
	RPCURL       string      `json:"rpc_url"`
	ChainID      int64       `json:"chain_id"`
	Guard        GuardConfig `json:"guard"`
}

// GuardConfig 限制访问 RPC 节点的速率并在节点异常时快速失败。
type GuardConfig struct {
	RequestsPerSecond   float64 `json:"requests_per_second"`
	Burst               int     `json:"burst"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	OpenTimeoutSeconds  int     `json:"open_timeout_seconds"`
}

// WalletConfig 指向加密的 keystore 文件，口令从环境变量读取。
type WalletConfig struct {
	KeystorePath string `json:"keystore_path"`
	PasswordEnv  string `json:"password_env"`
}

// FeeConfig 对应手续费策略的边界与步长（单位 gwei / 百分比）。
type FeeConfig struct {
	MinimumGwei     uint64 `json:"minimum_gwei"`
	MaximumGwei     uint64 `json:"maximum_gwei"`
	IncreasePercent int64  `json:"increase_percent"`
	RelaxPercent    int64  `json:"relax_percent"`
}

// BreakerConfig 对应健康熔断器的阈值。
type BreakerConfig struct {
	AllowThreshold             int `json:"allow_threshold"`
	WindowSeconds              int `json:"window_seconds"`
	HaltCeiling                int `json:"halt_ceiling"`
	MaxConsecutiveFailingTicks int `json:"max_consecutive_failing_ticks"`
	Capacity                   int `json:"capacity"`
}

// LoopConfig 控制主循环的节奏。
type LoopConfig struct {
	TickIntervalMillis    int    `json:"tick_interval_ms"`
	BalanceMaxAgeSeconds  int    `json:"balance_max_age_seconds"`
	RefreshTimeoutSeconds int    `json:"refresh_timeout_seconds"`
	ActionTimeoutSeconds  int    `json:"action_timeout_seconds"`
	GasLimitPerAction     uint64 `json:"gas_limit_per_action"`
}

// TokenConfig 描述稳定币与包装原生资产的合约地址。
type TokenConfig struct {
	Stable         string `json:"stable"`
	StableDecimals int32  `json:"stable_decimals"`
	Wrapped        string `json:"wrapped"`
}

// MarketConfig 描述一个 UniswapV2 风格的交易市场。
type MarketConfig struct {
	Name        string `json:"name"`
	Router      string `json:"router"`
	MinEdgeBps  int64  `json:"min_edge_bps"`
	SlippageBps int64  `json:"slippage_bps"`
	// MaxStableIn/MaxWrappedIn 单笔交易投入的上限（十进制单位）。
	// 留空表示不限，一笔交易会投入该资产的全部余额。
	MaxStableIn     string `json:"max_stable_in"`
	MaxWrappedIn    string `json:"max_wrapped_in"`
	DeadlineSeconds int    `json:"deadline_seconds"`
}

// UncappedFields 返回未设置单笔上限的字段名。
func (m MarketConfig) UncappedFields() []string {
	var fields []string
	if strings.TrimSpace(m.MaxStableIn) == "" {
		fields = append(fields, "max_stable_in")
	}
	if strings.TrimSpace(m.MaxWrappedIn) == "" {
		fields = append(fields, "max_wrapped_in")
	}
	return fields
}

// OracleConfig 指向参考价格合约（Medianizer）。
type OracleConfig struct {
	Medianizer string `json:"medianizer"`
}

// LendingConfig 描述闲置稳定币存入的借贷市场。
type LendingConfig struct {
	Enabled    bool   `json:"enabled"`
	Market     string `json:"market"`
	Reserve    string `json:"reserve"`
	MinDeposit string `json:"min_deposit"`
}

// PermissionConfig 控制交易发送前的人工确认与提示音。
type PermissionConfig struct {
	RequireConfirmation bool `json:"require_confirmation"`
	PlaySound           bool `json:"play_sound"`
}

// JournalConfig 描述失败记录的持久化后端。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// EventsConfig 描述运行事件的发布通道。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件通道。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
	ListKey  string `json:"list_key"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQConfig 描述 RabbitMQ 事件通道。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// ServerConfig 控制状态 API 的监听地址。
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// TokenEnv 指向保存访问令牌的环境变量，多个令牌以逗号分隔；变量为空时不做认证。
	TokenEnv string `json:"token_env"`
}

// Tokens 返回状态 API 接受的访问令牌。
func (s ServerConfig) Tokens() []string {
	if s.TokenEnv == "" {
		return nil
	}
	raw := strings.TrimSpace(os.Getenv(s.TokenEnv))
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log      bool            `json:"log"`
	Webhooks []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述一个 JSON webhook 告警接收端。
type WebhookConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	EnvFile string `json:"env_file"`
}

// Load 负责解析指定路径的 JSON 配置文件，并加载同目录下的 .env 文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// relax_percent 允许显式配置为 0 以关闭回落，因此在解析前预置默认值。
	cfg := Config{Fees: FeeConfig{RelaxPercent: defaultRelaxPercent}}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := loadEnvFile(cfg.Runtime.EnvFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile 将 .env 中的变量注入进程环境，已存在的变量不会被覆盖。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置默认值，默认值记录在 DESIGN.md 中。
func (c *Config) applyDefaults(baseDir string) {
	if c.Chain.ChainConfig != "" && !filepath.IsAbs(c.Chain.ChainConfig) {
		c.Chain.ChainConfig = filepath.Join(baseDir, c.Chain.ChainConfig)
	}
	if c.Chain.Guard.ConsecutiveFailures == 0 {
		c.Chain.Guard.ConsecutiveFailures = 5
	}
	if c.Chain.Guard.OpenTimeoutSeconds == 0 {
		c.Chain.Guard.OpenTimeoutSeconds = 30
	}

	if c.Wallet.PasswordEnv == "" {
		c.Wallet.PasswordEnv = "SENTRY_WALLET_PASSWORD"
	}
	if c.Wallet.KeystorePath != "" && !filepath.IsAbs(c.Wallet.KeystorePath) {
		c.Wallet.KeystorePath = filepath.Join(baseDir, c.Wallet.KeystorePath)
	}

	if c.Fees.MinimumGwei == 0 {
		c.Fees.MinimumGwei = 1
	}
	if c.Fees.MaximumGwei == 0 {
		c.Fees.MaximumGwei = 200
	}
	if c.Fees.IncreasePercent == 0 {
		c.Fees.IncreasePercent = 25
	}

	if c.Breaker.AllowThreshold == 0 {
		c.Breaker.AllowThreshold = 3
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 600
	}
	if c.Breaker.HaltCeiling == 0 {
		c.Breaker.HaltCeiling = 20
	}
	if c.Breaker.MaxConsecutiveFailingTicks == 0 {
		c.Breaker.MaxConsecutiveFailingTicks = 5
	}
	if c.Breaker.Capacity == 0 {
		c.Breaker.Capacity = 256
	}

	if c.Loop.TickIntervalMillis == 0 {
		c.Loop.TickIntervalMillis = 4500
	}
	if c.Loop.BalanceMaxAgeSeconds == 0 {
		c.Loop.BalanceMaxAgeSeconds = 60
	}
	if c.Loop.RefreshTimeoutSeconds == 0 {
		c.Loop.RefreshTimeoutSeconds = 15
	}
	if c.Loop.ActionTimeoutSeconds == 0 {
		c.Loop.ActionTimeoutSeconds = 90
	}
	if c.Loop.GasLimitPerAction == 0 {
		c.Loop.GasLimitPerAction = 300_000
	}

	if c.Tokens.StableDecimals == 0 {
		c.Tokens.StableDecimals = 18
	}

	for i := range c.Markets {
		m := &c.Markets[i]
		if m.Name == "" {
			m.Name = fmt.Sprintf("market-%d", i+1)
		}
		if m.MinEdgeBps == 0 {
			m.MinEdgeBps = 50
		}
		if m.SlippageBps == 0 {
			m.SlippageBps = 30
		}
		if m.DeadlineSeconds == 0 {
			m.DeadlineSeconds = 120
		}
	}

	if c.Lending.Reserve == "" {
		c.Lending.Reserve = "0"
	}
	if c.Lending.MinDeposit == "" {
		c.Lending.MinDeposit = "1"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.EnvFile == "" {
		c.Runtime.EnvFile = filepath.Join(baseDir, ".env")
	} else if !filepath.IsAbs(c.Runtime.EnvFile) {
		c.Runtime.EnvFile = filepath.Join(baseDir, c.Runtime.EnvFile)
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if (c.Journal.Driver == "jsonl" || c.Journal.Driver == "sqlite") && c.Journal.Path == "" {
		ext := ".jsonl"
		if c.Journal.Driver == "sqlite" {
			ext = ".db"
		}
		c.Journal.Path = filepath.Join(c.Runtime.DataDir, "failures"+ext)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "sentry:events"
	}
	if c.Events.Redis.ListKey == "" {
		c.Events.Redis.ListKey = "sentry:events:recent"
	}
	if c.Events.Redis.MaxLen == 0 {
		c.Events.Redis.MaxLen = 1000
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "sentry.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "sentry"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.TokenEnv == "" {
		c.Server.TokenEnv = "SENTRY_API_TOKEN"
	}

	for i := range c.Alerting.Webhooks {
		if c.Alerting.Webhooks[i].TimeoutSeconds == 0 {
			c.Alerting.Webhooks[i].TimeoutSeconds = 5
		}
	}
}

// Validate 校验配置之间的约束，返回第一个发现的问题。
func (c *Config) Validate() error {
	if c.Fees.MinimumGwei > c.Fees.MaximumGwei {
		return fmt.Errorf("fees.minimum_gwei (%d) 不能大于 fees.maximum_gwei (%d)", c.Fees.MinimumGwei, c.Fees.MaximumGwei)
	}
	if c.Fees.IncreasePercent <= 0 {
		return errors.New("fees.increase_percent 必须为正数")
	}
	if c.Fees.RelaxPercent < 0 || c.Fees.RelaxPercent >= 100 {
		return errors.New("fees.relax_percent 必须位于 [0, 100) 区间")
	}

	if c.Breaker.AllowThreshold <= 0 {
		return errors.New("breaker.allow_threshold 必须为正数")
	}
	if c.Breaker.HaltCeiling < c.Breaker.AllowThreshold {
		return fmt.Errorf("breaker.halt_ceiling (%d) 不能小于 breaker.allow_threshold (%d)", c.Breaker.HaltCeiling, c.Breaker.AllowThreshold)
	}
	if c.Breaker.WindowSeconds <= 0 || c.Breaker.MaxConsecutiveFailingTicks <= 0 || c.Breaker.Capacity <= 0 {
		return errors.New("breaker 的窗口、连续失败次数与容量必须为正数")
	}

	if c.Loop.TickIntervalMillis <= 0 || c.Loop.BalanceMaxAgeSeconds < 0 {
		return errors.New("loop.tick_interval_ms 必须为正数且 balance_max_age_seconds 不能为负")
	}

	if strings.TrimSpace(c.Wallet.KeystorePath) == "" {
		return errors.New("wallet.keystore_path 不能为空")
	}

	addresses := map[string]string{
		"tokens.stable":  c.Tokens.Stable,
		"tokens.wrapped": c.Tokens.Wrapped,
	}
	if len(c.Markets) > 0 {
		addresses["oracle.medianizer"] = c.Oracle.Medianizer
	}
	for i, m := range c.Markets {
		addresses[fmt.Sprintf("markets[%d].router", i)] = m.Router
	}
	if c.Lending.Enabled {
		addresses["lending.market"] = c.Lending.Market
	}
	for field, value := range addresses {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%s 不是合法的地址: %q", field, value)
		}
	}

	switch c.Journal.Driver {
	case "memory", "jsonl", "sqlite":
	case "mysql":
		if c.Journal.DSN == "" {
			return errors.New("journal.driver=mysql 时必须配置 journal.dsn")
		}
	default:
		return fmt.Errorf("不支持的 journal.driver: %s", c.Journal.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Addr == "" {
			return errors.New("events.driver=redis 时必须配置 events.redis.addr")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.driver=rabbitmq 时必须配置 events.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的 events.driver: %s", c.Events.Driver)
	}

	for i, hook := range c.Alerting.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("alerting.webhooks[%d].url 不能为空", i)
		}
	}
	return nil
}

// TickInterval 返回两次循环之间的休眠时长。
func (l LoopConfig) TickInterval() time.Duration {
	return time.Duration(l.TickIntervalMillis) * time.Millisecond
}

// BalanceMaxAge 返回余额快照的最大陈旧时间。
func (l LoopConfig) BalanceMaxAge() time.Duration {
	return time.Duration(l.BalanceMaxAgeSeconds) * time.Second
}

// RefreshTimeout 返回单次余额刷新的超时。
func (l LoopConfig) RefreshTimeout() time.Duration {
	return time.Duration(l.RefreshTimeoutSeconds) * time.Second
}

// ActionTimeout 返回单个动作（含交易确认）的超时。
func (l LoopConfig) ActionTimeout() time.Duration {
	return time.Duration(l.ActionTimeoutSeconds) * time.Second
}

// Window 返回熔断器的观察窗口。
func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}
