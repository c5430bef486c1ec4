package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadTunables 从 YAML 文件读取参数，未出现的字段保留默认值。
// path 为空时直接返回默认值。
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read classifier file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse classifier yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
