package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 可自校验的配置对象
type Config interface {
	Validate() error
}

// LoadConfig 读取YAML配置并校验。
// 文件内容先做 ${VAR} 环境变量展开，便于密钥类字段不落盘。
func LoadConfig(path string, cfg Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config %s: %w", path, err)
	}

	return nil
}
