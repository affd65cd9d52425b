package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"weekly-stage-bot/internal/models"
)

var validate = validator.New()

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML，按扩展名判断)，
// 填充默认值、应用环境变量覆盖后进行校验。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrapf(err, "parse yaml config %s", path)
		}
	default:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(config); err != nil {
			return nil, errors.Wrapf(err, "parse json config %s", path)
		}
	}

	if err := defaults.Set(config); err != nil {
		return nil, errors.Wrap(err, "apply config defaults")
	}
	if err := ApplyEnv(config, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv 用环境变量覆盖配置。lookup 通常为 os.LookupEnv。
func ApplyEnv(config *models.Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("STOCK_POOL"); ok && strings.TrimSpace(v) != "" {
		var pool []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				pool = append(pool, s)
			}
		}
		config.StockPool = pool
	}
	if v, ok := lookup("INDEX_SYMBOL"); ok {
		config.IndexSymbol = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		config.LogConfig.Level = v
	}
	if v, ok := lookup("BINANCE_API_KEY"); ok {
		config.BinanceAPIKey = v
	}
	if v, ok := lookup("BINANCE_SECRET_KEY"); ok {
		config.BinanceSecretKey = v
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"TOTAL_CAPITAL", &config.Risk.TotalCapital},
		{"MAX_LOSS_PERCENT", &config.Risk.MaxLossPercent},
		{"STOP_LOSS_PERCENT", &config.Risk.StopLossPercent},
	}
	for _, f := range floats {
		v, ok := lookup(f.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", f.key)
		}
		*f.target = parsed
	}
	return nil
}

// Validate 校验配置，所有字段错误合并为一条消息
func Validate(config *models.Config) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return errors.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
