package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLConfigLoader reads raw configuration from a YAML file. A missing file
// yields an empty map unless Required is set.
type YAMLConfigLoader struct {
	Path     string
	FS       fs.FS
	Required bool
}

func NewYAMLConfigLoader(path string) *YAMLConfigLoader {
	return &YAMLConfigLoader{Path: strings.TrimSpace(path)}
}

func (l *YAMLConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil || strings.TrimSpace(l.Path) == "" {
		return map[string]any{}, nil
	}
	data, err := l.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !l.Required {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config %q: %w", l.Path, err)
	}
	return ParseYAMLConfig(data)
}

func (l *YAMLConfigLoader) read() ([]byte, error) {
	if l.FS != nil {
		return fs.ReadFile(l.FS, strings.TrimSpace(l.Path))
	}
	return os.ReadFile(strings.TrimSpace(l.Path))
}

func ParseYAMLConfig(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse yaml config: %w", err)
	}
	return raw, nil
}

var _ RawConfigLoader = (*YAMLConfigLoader)(nil)
