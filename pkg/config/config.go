// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Store   StoreConfig   `mapstructure:"store"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Review  ReviewConfig  `mapstructure:"review"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Log     LogConfig     `mapstructure:"log"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// MonitoringConfig 可观测配置
type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 链路追踪配置
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig 协调存储配置；全部子系统共用同一 DSN（单一逻辑存储）
type StoreConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	PollInterval     string `mapstructure:"poll_interval"`      // Claim 轮询间隔，如 "2s"
	LeaseDuration    string `mapstructure:"lease_duration"`     // 租约时长，如 "30s"
	MaxActiveRunning int    `mapstructure:"max_active_running"` // running 数上限；<=0 不限
	Concurrency      int    `mapstructure:"concurrency"`
}

// SweeperConfig 租约回收循环配置
type SweeperConfig struct {
	IntervalSeconds float64 `mapstructure:"interval_seconds"`
	Iterations      int     `mapstructure:"iterations"` // <=0 表示一直运行
}

// IngestConfig changelist 拉取配置
type IngestConfig struct {
	AllowlistPrefixes []string `mapstructure:"allowlist_prefixes"`
	P4Binary          string   `mapstructure:"p4_binary"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
}

// ReviewConfig 评审结果相关配置
type ReviewConfig struct {
	Recipients  []string `mapstructure:"recipients"`   // 通知收件人
	ProducerURL string   `mapstructure:"producer_url"` // 外部评审结果生产方地址
	Stages      []string `mapstructure:"stages"`       // failure pipeline 阶段序列
}

// NotifyConfig 通知提供方配置
type NotifyConfig struct {
	ProviderURL string  `mapstructure:"provider_url"`
	TokenSecret string  `mapstructure:"token_secret"` // secrets 存储中的 token key
	QPS         float64 `mapstructure:"qps"`          // 发送 QPS 上限；<=0 不限流
	Burst       int     `mapstructure:"burst"`
}

// SecretsConfig secrets 后端配置
type SecretsConfig struct {
	Backend   string `mapstructure:"backend"` // env | memory | vault
	EnvPrefix string `mapstructure:"env_prefix"`
	VaultAddr string `mapstructure:"vault_addr"`
	VaultPath string `mapstructure:"vault_path"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("store.type", "memory")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.lease_duration", "30s")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("sweeper.interval_seconds", 5.0)
	v.SetDefault("ingest.p4_binary", "p4")
	v.SetDefault("ingest.timeout_seconds", 15)
	v.SetDefault("review.stages", []string{"fetch", "review", "validate", "publish"})
	v.SetDefault("secrets.backend", "env")
	v.SetDefault("log.level", "info")
}

// replaceEnvVars 替换配置中 ${VAR} 形式的环境变量（DSN、provider 地址等）
func replaceEnvVars(config *Config) {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
				return val
			}
		}
		return s
	}
	config.Store.DSN = expand(config.Store.DSN)
	config.Notify.ProviderURL = expand(config.Notify.ProviderURL)
	config.Review.ProducerURL = expand(config.Review.ProducerURL)
	config.Secrets.VaultAddr = expand(config.Secrets.VaultAddr)
	config.Monitoring.Tracing.ExportEndpoint = expand(config.Monitoring.Tracing.ExportEndpoint)
}
