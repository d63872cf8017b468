// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
)

// Store Secret 存储接口；通知 provider 的 API token 等敏感配置经此读取
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error
}

// Config Secret Store 配置
type Config struct {
	Backend    string // vault | env | memory
	EnvPrefix  string // env 后端的变量名前缀，可空
	VaultAddr  string
	VaultPath  string
	VaultToken string
}

// NewStore 创建 Secret Store；未知 backend 回退 memory
func NewStore(config Config) (Store, error) {
	switch config.Backend {
	case "env":
		return NewEnvStore(config.EnvPrefix), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.VaultAddr,
			Token:      config.VaultToken,
			PathPrefix: config.VaultPath,
		})
	default:
		return NewMemoryStore(), nil
	}
}
