package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment overrides for secrets, so tokens can stay out of the
// config file in shared deployments.
const (
	EnvLabToken = "CHANGELAB_LAB_TOKEN"
	EnvLLMKey   = "CHANGELAB_LLM_KEY"
	EnvLogToken = "CHANGELAB_LOG_TOKEN"
)

// Lab holds lab-controller gateway settings. An empty BaseURL leaves the
// daemon without a device backend; jobs fail at device resolution.
type Lab struct {
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	LabID              string `yaml:"lab_id"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LLM holds model-provider settings. An empty APIKey selects the
// deterministic offline client.
type LLM struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LogQuery holds log-search backend settings.
type LogQuery struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Index   string `yaml:"index"`
}

// Notify holds outbound notification settings. An empty WebhookURL
// disables delivery.
type Notify struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Config holds resolved daemon settings: listeners, state paths,
// collaborator endpoints, and pipeline limits.
type Config struct {
	ConfigPath  string
	ListenAddr  string
	MetricsAddr string
	StateDir    string
	DBPath      string
	UsecaseDir  string

	Lab      Lab
	LLM      LLM
	LogQuery LogQuery
	Notify   Notify

	EscrowRecipients []string

	MaxConcurrentJobs        int
	JobTimeoutSeconds        int
	DeviceFanout             int
	DeviceCallTimeoutSeconds int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	StateDir    string `yaml:"state_dir"`
	DBPath      string `yaml:"db_path"`
	UsecaseDir  string `yaml:"usecase_dir"`

	Lab      Lab      `yaml:"lab"`
	LLM      LLM      `yaml:"llm"`
	LogQuery LogQuery `yaml:"logquery"`
	Notify   Notify   `yaml:"notify"`

	EscrowRecipients []string `yaml:"escrow_recipients"`

	MaxConcurrentJobs        int `yaml:"max_concurrent_jobs"`
	JobTimeoutSeconds        int `yaml:"job_timeout_seconds"`
	DeviceFanout             int `yaml:"device_fanout"`
	DeviceCallTimeoutSeconds int `yaml:"device_call_timeout_seconds"`
}

func DefaultConfig() Config {
	stateDir := "/var/lib/changelab"
	return Config{
		ConfigPath:               "/etc/changelab/config.yaml",
		ListenAddr:               "127.0.0.1:8787",
		MetricsAddr:              "",
		StateDir:                 stateDir,
		DBPath:                   filepath.Join(stateDir, "changelab.db"),
		UsecaseDir:               "/etc/changelab/usecases",
		MaxConcurrentJobs:        10,
		JobTimeoutSeconds:        600,
		DeviceFanout:             5,
		DeviceCallTimeoutSeconds: 30,
	}
}

// Load reads the YAML config file, applies overrides to defaults, and
// then applies environment overrides for secret values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.StateDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "changelab.db")
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.ListenAddr != "" {
		cfg.ListenAddr = fileCfg.ListenAddr
	}
	if fileCfg.MetricsAddr != "" {
		cfg.MetricsAddr = fileCfg.MetricsAddr
	}
	if fileCfg.StateDir != "" {
		cfg.StateDir = fileCfg.StateDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.UsecaseDir != "" {
		cfg.UsecaseDir = fileCfg.UsecaseDir
	}
	if fileCfg.Lab.BaseURL != "" {
		cfg.Lab.BaseURL = fileCfg.Lab.BaseURL
	}
	if fileCfg.Lab.Token != "" {
		cfg.Lab.Token = fileCfg.Lab.Token
	}
	if fileCfg.Lab.LabID != "" {
		cfg.Lab.LabID = fileCfg.Lab.LabID
	}
	if fileCfg.Lab.InsecureSkipVerify {
		cfg.Lab.InsecureSkipVerify = true
	}
	if fileCfg.LLM.BaseURL != "" {
		cfg.LLM.BaseURL = fileCfg.LLM.BaseURL
	}
	if fileCfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = fileCfg.LLM.APIKey
	}
	if fileCfg.LLM.Model != "" {
		cfg.LLM.Model = fileCfg.LLM.Model
	}
	if fileCfg.LogQuery.BaseURL != "" {
		cfg.LogQuery.BaseURL = fileCfg.LogQuery.BaseURL
	}
	if fileCfg.LogQuery.Token != "" {
		cfg.LogQuery.Token = fileCfg.LogQuery.Token
	}
	if fileCfg.LogQuery.Index != "" {
		cfg.LogQuery.Index = fileCfg.LogQuery.Index
	}
	if fileCfg.Notify.WebhookURL != "" {
		cfg.Notify.WebhookURL = fileCfg.Notify.WebhookURL
	}
	if len(fileCfg.EscrowRecipients) > 0 {
		cfg.EscrowRecipients = fileCfg.EscrowRecipients
	}
	if fileCfg.MaxConcurrentJobs > 0 {
		cfg.MaxConcurrentJobs = fileCfg.MaxConcurrentJobs
	}
	if fileCfg.JobTimeoutSeconds > 0 {
		cfg.JobTimeoutSeconds = fileCfg.JobTimeoutSeconds
	}
	if fileCfg.DeviceFanout > 0 {
		cfg.DeviceFanout = fileCfg.DeviceFanout
	}
	if fileCfg.DeviceCallTimeoutSeconds > 0 {
		cfg.DeviceCallTimeoutSeconds = fileCfg.DeviceCallTimeoutSeconds
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLabToken)); v != "" {
		cfg.Lab.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLLMKey)); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogToken)); v != "" {
		cfg.LogQuery.Token = v
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsAddr) != "" {
		host, _, err := net.SplitHostPort(c.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics_addr must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_addr must be localhost-only (got %q)", host)
		}
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.UsecaseDir == "" {
		return fmt.Errorf("usecase_dir is required")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}
	if c.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("job_timeout_seconds must be positive")
	}
	if c.DeviceFanout <= 0 {
		return fmt.Errorf("device_fanout must be positive")
	}
	if c.DeviceCallTimeoutSeconds <= 0 {
		return fmt.Errorf("device_call_timeout_seconds must be positive")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
