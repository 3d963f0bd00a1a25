package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowpay/internal/fee"
	"escrowpay/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Fee      FeeConfig      `mapstructure:"fee"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	AdminRateLimit  int64         `mapstructure:"admin_rate_limit"`
	AdminRatePeriod time.Duration `mapstructure:"admin_rate_period"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentReceived   string `mapstructure:"payment_received"`
	PayoutDue         string `mapstructure:"payout_due"`
	ReleaseDeadLetter string `mapstructure:"release_dead_letter"`
}

type BusinessConfig struct {
	Currency      string `mapstructure:"currency"`
	MaxRetryCount int    `mapstructure:"max_retry_count"`
	WorkerID      int64  `mapstructure:"worker_id"`
}

// FeeConfig 费率使用字符串，避免浮点误差
type FeeConfig struct {
	BuyerFeeRate  string `mapstructure:"buyer_fee_rate"`
	SellerFeeRate string `mapstructure:"seller_fee_rate"`
	ReserveDays   int    `mapstructure:"reserve_days"`
}

type EscrowConfig struct {
	DefaultDeliveryDays int           `mapstructure:"default_delivery_days"`
	CompensateInterval  time.Duration `mapstructure:"compensate_interval"`
	CompensateGrace     time.Duration `mapstructure:"compensate_grace"`
	PayoutSweepInterval time.Duration `mapstructure:"payout_sweep_interval"`
}

type QueueConfig struct {
	KeyPrefix         string        `mapstructure:"key_prefix"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
}

type GatewaysConfig struct {
	PayFast PayFastConfig `mapstructure:"payfast"`
	Ozow    OzowConfig    `mapstructure:"ozow"`
}

type PayFastConfig struct {
	MerchantID   string   `mapstructure:"merchant_id"`
	Passphrase   string   `mapstructure:"passphrase"`
	Sandbox      bool     `mapstructure:"sandbox"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
}

type OzowConfig struct {
	SiteCode     string   `mapstructure:"site_code"`
	PrivateKey   string   `mapstructure:"private_key"`
	Sandbox      bool     `mapstructure:"sandbox"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs"`
	FeeRate      string   `mapstructure:"fee_rate"`
	FeeFlatMinor int64    `mapstructure:"fee_flat_minor"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.admin_rate_limit", 60)
	v.SetDefault("server.admin_rate_period", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.payment_received", "payment.received")
	v.SetDefault("kafka.topic.payout_due", "payout.due")
	v.SetDefault("kafka.topic.release_dead_letter", "escrow.release.dead_letter")
	v.SetDefault("business.currency", "ZAR")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.worker_id", 1)
	v.SetDefault("fee.buyer_fee_rate", "0.05")
	v.SetDefault("fee.seller_fee_rate", "0.10")
	v.SetDefault("fee.reserve_days", 7)
	v.SetDefault("escrow.default_delivery_days", 7)
	v.SetDefault("escrow.compensate_interval", 5*time.Minute)
	v.SetDefault("escrow.compensate_grace", time.Hour)
	v.SetDefault("escrow.payout_sweep_interval", time.Minute)
	v.SetDefault("queue.key_prefix", "escrow:release")
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.visibility_timeout", 30*time.Second)
	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("queue.backoff_base", 10*time.Second)
	v.SetDefault("queue.backoff_max", 30*time.Minute)
	v.SetDefault("gateways.ozow.fee_rate", "0.025")
	v.SetDefault("gateways.ozow.fee_flat_minor", 200)
}

// Load 读取配置文件，环境变量 ESCROWPAY_* 覆盖文件中的值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("escrowpay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		logger.Log.Fatalf("加载配置失败: %v", err)
	}
	GlobalConfig = cfg
	return cfg
}

// Validate 启动前校验，费率和网关密钥出错时拒绝启动
func (c *Config) Validate() error {
	if _, err := c.FeePolicy(); err != nil {
		return err
	}
	if _, err := decimal.NewFromString(c.Gateways.Ozow.FeeRate); err != nil {
		return fmt.Errorf("gateways.ozow.fee_rate 非法: %w", err)
	}
	if c.Escrow.DefaultDeliveryDays <= 0 {
		return errors.New("escrow.default_delivery_days 必须大于0")
	}
	if !c.Gateways.PayFast.Sandbox && c.Gateways.PayFast.Passphrase == "" {
		return errors.New("生产环境必须配置 gateways.payfast.passphrase")
	}
	if !c.Gateways.Ozow.Sandbox && c.Gateways.Ozow.PrivateKey == "" {
		return errors.New("生产环境必须配置 gateways.ozow.private_key")
	}
	return nil
}

// FeePolicy 把配置转换成费率策略
func (c *Config) FeePolicy() (fee.Policy, error) {
	buyer, err := decimal.NewFromString(c.Fee.BuyerFeeRate)
	if err != nil {
		return fee.Policy{}, fmt.Errorf("fee.buyer_fee_rate 非法: %w", err)
	}
	seller, err := decimal.NewFromString(c.Fee.SellerFeeRate)
	if err != nil {
		return fee.Policy{}, fmt.Errorf("fee.seller_fee_rate 非法: %w", err)
	}
	p := fee.Policy{BuyerFeeRate: buyer, SellerFeeRate: seller, ReserveDays: c.Fee.ReserveDays}
	if err := p.Validate(); err != nil {
		return fee.Policy{}, err
	}
	return p, nil
}

// OzowFeeEstimator Ozow 回调不带手续费，按配置估算
func (c *Config) OzowFeeEstimator() fee.ProcessingFeeEstimator {
	rate, _ := decimal.NewFromString(c.Gateways.Ozow.FeeRate)
	return fee.PercentPlusFlat{Rate: rate, FlatMinor: c.Gateways.Ozow.FeeFlatMinor}
}
