// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
)

// Config 进程配置，来自环境变量（可由 .env 提供）
type Config struct {
	DataDir string `env:"SCENEWEAVER_DATA_DIR" envDefault:"data"`
	DBPath  string `env:"SCENEWEAVER_DB_PATH"`
	// ScenarioDir 剧本 YAML 所在目录，文件名即剧本ID
	ScenarioDir string `env:"SCENEWEAVER_SCENARIO_DIR"`
	LogFile     string `env:"SCENEWEAVER_LOG_FILE"`
	LogLevel    string `env:"SCENEWEAVER_LOG_LEVEL" envDefault:"info"`
	Debug       bool   `env:"SCENEWEAVER_DEBUG"`

	// 推理网关
	GatewayAddr       string `env:"SCENEWEAVER_GATEWAY_ADDR" envDefault:":8081"`
	Runtime           string `env:"SCENEWEAVER_RUNTIME" envDefault:"scripted"`
	RuntimeModel      string `env:"SCENEWEAVER_RUNTIME_MODEL"`
	SessionsPerMinute int    `env:"SCENEWEAVER_SESSIONS_PER_MINUTE" envDefault:"0"`

	DriversFile string `env:"SCENEWEAVER_DRIVERS_FILE"`

	OTelEnabled  bool   `env:"SCENEWEAVER_OTEL_ENABLED"`
	OTelEndpoint string `env:"SCENEWEAVER_OTEL_ENDPOINT"`

	RetryAttempts    int `env:"SCENEWEAVER_RETRY_ATTEMPTS" envDefault:"3"`
	DirectorAttempts int `env:"SCENEWEAVER_DIRECTOR_ATTEMPTS" envDefault:"3"`
	SummaryTokens    int `env:"SCENEWEAVER_SUMMARY_TOKENS" envDefault:"512"`
	HistoryPage      int `env:"SCENEWEAVER_HISTORY_PAGE" envDefault:"32"`
	FuturePage       int `env:"SCENEWEAVER_FUTURE_PAGE" envDefault:"32"`

	// Agents 写手和导演的驱动设置，来自 DriversFile；未配置时两者都用本地运行时
	Agents Agents
}

// Agents 驱动文件的内容
type Agents struct {
	Writer   AgentConfig `toml:"writer"`
	Director AgentConfig `toml:"director"`
}

// AgentConfig 单个推理角色的驱动和采样设置
type AgentConfig struct {
	Driver      string   `toml:"driver"`
	Runtime     string   `toml:"runtime"`
	ModelPath   string   `toml:"model_path"`
	ContextSize int      `toml:"context_size"`
	BaseURL     string   `toml:"base_url"`
	ModelID     string   `toml:"model_id"`
	MaxTokens   int      `toml:"max_tokens"`
	Temperature float32  `toml:"temperature"`
	TopP        float32  `toml:"top_p"`
	Stop        []string `toml:"stop"`
	Seed        *int64   `toml:"seed"`
}

// DriverConfig 转换为 llm 的驱动联合类型
func (a AgentConfig) DriverConfig() (llm.DriverConfig, error) {
	switch llm.DriverKind(strings.ToLower(strings.TrimSpace(a.Driver))) {
	case llm.DriverLocal, "":
		if a.Runtime == "" {
			return nil, apperrors.NewValidationError("local driver needs a runtime", nil)
		}
		return llm.LocalDriver{Runtime: a.Runtime, ModelPath: a.ModelPath, ContextSize: a.ContextSize}, nil
	case llm.DriverRemote:
		if a.BaseURL == "" {
			return nil, apperrors.NewValidationError("remote driver needs base_url", nil)
		}
		return llm.RemoteDriver{BaseURL: strings.TrimRight(a.BaseURL, "/"), ModelID: a.ModelID}, nil
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown driver %q", a.Driver), nil)
	}
}

// Sampling 采样参数
func (a AgentConfig) Sampling() llm.SamplingOptions {
	return llm.SamplingOptions{
		Temperature: a.Temperature,
		TopP:        a.TopP,
		Stop:        append([]string(nil), a.Stop...),
		Seed:        a.Seed,
	}
}

// Load 加载 .env（可选）和环境变量，再叠加驱动文件
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "sceneweaver.db")
	}
	if cfg.ScenarioDir == "" {
		cfg.ScenarioDir = filepath.Join(cfg.DataDir, "scenarios")
	}

	local := AgentConfig{Driver: string(llm.DriverLocal), Runtime: cfg.Runtime, ModelPath: cfg.RuntimeModel}
	cfg.Agents = Agents{Writer: local, Director: local}
	if cfg.DriversFile != "" {
		agents, err := LoadAgents(cfg.DriversFile)
		if err != nil {
			return nil, err
		}
		cfg.Agents = *agents
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgents 读取 TOML 驱动文件。未知键视为错误。
func LoadAgents(path string) (*Agents, error) {
	var agents Agents
	meta, err := toml.DecodeFile(path, &agents)
	if err != nil {
		return nil, fmt.Errorf("load drivers file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown keys in %s: %s", path, strings.Join(keys, ", ")), nil)
	}
	if !meta.IsDefined("writer") || !meta.IsDefined("director") {
		return nil, apperrors.NewValidationError(fmt.Sprintf("%s must define [writer] and [director]", path), nil)
	}
	return &agents, nil
}

// Validate 检查数值范围和驱动设置
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"SCENEWEAVER_RETRY_ATTEMPTS", c.RetryAttempts},
		{"SCENEWEAVER_DIRECTOR_ATTEMPTS", c.DirectorAttempts},
		{"SCENEWEAVER_SUMMARY_TOKENS", c.SummaryTokens},
		{"SCENEWEAVER_HISTORY_PAGE", c.HistoryPage},
		{"SCENEWEAVER_FUTURE_PAGE", c.FuturePage},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return apperrors.NewValidationError(fmt.Sprintf("%s must be positive, got %d", check.name, check.value), nil)
		}
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return apperrors.NewValidationError("SCENEWEAVER_OTEL_ENDPOINT is required when tracing is enabled", nil)
	}
	if _, err := c.Agents.Writer.DriverConfig(); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if _, err := c.Agents.Director.DriverConfig(); err != nil {
		return fmt.Errorf("director: %w", err)
	}
	return nil
}

// EnsureDirs 创建数据目录和日志目录
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, c.ScenarioDir}
	if c.DBPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.DBPath))
	}
	if c.LogFile != "" {
		dirs = append(dirs, filepath.Dir(c.LogFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	return nil
}
