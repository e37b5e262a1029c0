package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	N8n      N8nConfig      `mapstructure:"n8n"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
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
	CreditEvent  string `mapstructure:"credit_event"`
	ActionResult string `mapstructure:"action_result"`
}

// N8nConfig n8n 工作流引擎配置
// 所有 AI 和交易逻辑都在 n8n 的工作流里，本服务只通过 webhook 转发
type N8nConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type BusinessConfig struct {
	WelcomeBonusCredits    int64 `mapstructure:"welcome_bonus_credits"`    // 注册赠送积分
	AIMessageCost          int64 `mapstructure:"ai_message_cost"`          // 每条 AI 消息消耗积分
	StrategyActivationCost int64 `mapstructure:"strategy_activation_cost"` // 策略激活消耗积分
	MaxRetryCount          int   `mapstructure:"max_retry_count"`          // 消息投递最大重试次数
	ActionStaleMinutes     int   `mapstructure:"action_stale_minutes"`     // 指令无回调视为失败的时限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
