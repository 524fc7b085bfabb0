package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProviderConfig 模型服务端配置
// ProviderConfig configures the model endpoint
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
	// AutoRetry 传输失败时先静默重试一次，再升级为交互确认。
	// AutoRetry retries one transport failure silently before escalating
	// to interactive confirmation.
	AutoRetry bool `json:"auto_retry"`
}

// BackendConfig 推理后端子进程配置
// BackendConfig configures the reasoning backend subprocess
type BackendConfig struct {
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	InitTimeoutMS int      `json:"init_timeout_ms"`
}

// AutoApprovalConfig 按类别的自动批准开关
// AutoApprovalConfig holds per-category auto-approval switches
type AutoApprovalConfig struct {
	Enabled         bool `json:"enabled"`
	ReadFiles       bool `json:"read_files"`
	EditFiles       bool `json:"edit_files"`
	ExecuteCommands bool `json:"execute_commands"`
	UseBrowser      bool `json:"use_browser"`
	UseResourceHub  bool `json:"use_resource_hub"`
	// MaxRequests 连续自动批准次数上限，超过后暂停询问。
	// MaxRequests caps consecutive auto-approved requests before pausing.
	MaxRequests int `json:"max_requests"`
}

// TaskMode 任务运行模式：plan 只读勘察，act 才允许改动工作区。
// TaskMode is the task operating mode: plan is read-only reconnaissance,
// act permits workspace mutation.
type TaskMode string

const (
	ModePlan TaskMode = "plan"
	ModeAct  TaskMode = "act"
)

// AutonomyMode 自主运行模式
// AutonomyMode governs how many turns proceed without confirmation
type AutonomyMode string

const (
	AutonomyTurnBased   AutonomyMode = "turn"
	AutonomyStepLimited AutonomyMode = "steps"
	AutonomyFull        AutonomyMode = "full"
)

// AutonomyConfig 自主预算配置
// AutonomyConfig is the autonomy budget configuration
type AutonomyConfig struct {
	Mode     AutonomyMode `json:"mode"`
	MaxSteps int          `json:"max_steps"`
}

// LimitsConfig 资源限额
// LimitsConfig holds resource-exhaustion thresholds
type LimitsConfig struct {
	MaxConsecutiveMistakes int `json:"max_consecutive_mistakes"`
	TaskTokenLimit         int `json:"task_token_limit"`
}

// ShellConfig 本地命令协作者配置
// ShellConfig configures the local command collaborator
type ShellConfig struct {
	CommandTimeoutMS int `json:"command_timeout_ms"`
	OutputLimitBytes int `json:"output_limit_bytes"`
}

// CheckpointConfig 检查点配置
// CheckpointConfig configures workspace checkpoints
type CheckpointConfig struct {
	Enabled       bool     `json:"enabled"`
	InitTimeoutMS int      `json:"init_timeout_ms"`
	Excludes      []string `json:"excludes"`
}

// Config 引擎顶层配置
// Config is the engine's top-level configuration
type Config struct {
	WorkspaceRoot string             `json:"workspace_root"`
	StateDir      string             `json:"state_dir"`
	Mode          TaskMode           `json:"mode"`
	Provider      ProviderConfig     `json:"provider"`
	Backend       BackendConfig      `json:"backend"`
	AutoApproval  AutoApprovalConfig `json:"auto_approval"`
	Autonomy      AutonomyConfig     `json:"autonomy"`
	Limits        LimitsConfig       `json:"limits"`
	Shell         ShellConfig        `json:"shell"`
	Checkpoint    CheckpointConfig   `json:"checkpoint"`
}

// Load 读取 JSON 配置并应用默认值；path 为空时返回纯默认配置。
// Load reads the JSON config and applies defaults; an empty path yields
// the pure default configuration.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if key := strings.TrimSpace(os.Getenv("AGENT_API_KEY")); key != "" {
		cfg.Provider.APIKey = key
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = wd
		}
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.StateDir = filepath.Join(home, ".agentcore")
		} else {
			cfg.StateDir = ".agentcore"
		}
	}
	switch cfg.Mode {
	case ModePlan, ModeAct:
	default:
		cfg.Mode = ModeAct
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = 120000
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		cfg.Provider.Model = "gpt-4o"
	}
	if cfg.Backend.InitTimeoutMS <= 0 {
		cfg.Backend.InitTimeoutMS = 10000
	}
	if cfg.AutoApproval.MaxRequests <= 0 {
		cfg.AutoApproval.MaxRequests = 20
	}
	if cfg.Limits.MaxConsecutiveMistakes <= 0 {
		cfg.Limits.MaxConsecutiveMistakes = 3
	}
	switch cfg.Autonomy.Mode {
	case AutonomyTurnBased, AutonomyStepLimited, AutonomyFull:
	default:
		cfg.Autonomy.Mode = AutonomyTurnBased
	}
	if cfg.Autonomy.Mode == AutonomyStepLimited && cfg.Autonomy.MaxSteps <= 0 {
		cfg.Autonomy.MaxSteps = 5
	}
	if cfg.Shell.CommandTimeoutMS <= 0 {
		cfg.Shell.CommandTimeoutMS = 120000
	}
	if cfg.Shell.OutputLimitBytes <= 0 {
		cfg.Shell.OutputLimitBytes = 1 << 20
	}
	if cfg.Checkpoint.InitTimeoutMS <= 0 {
		cfg.Checkpoint.InitTimeoutMS = 15000
	}
	if len(cfg.Checkpoint.Excludes) == 0 {
		cfg.Checkpoint.Excludes = []string{
			"node_modules/**",
			".git/**",
			"dist/**",
			"build/**",
			"target/**",
			"**/*.log",
		}
	}
}
