// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
)

type envStore struct {
	prefix string
}

// NewEnvStore 创建环境变量 secret store；prefix 非空时 key 先拼接 prefix
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(e.prefix + key)
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", e.prefix+key)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(e.prefix+key, value)
}
