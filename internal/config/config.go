// Load envs from .env
// Load YAML config
// Override with env vars, apply defaults, validate

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/config.yaml"

type Config struct {
	Mode        string `yaml:"mode"`
	Port        string `yaml:"port"`
	PublicURL   string `yaml:"public_url"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	CachePath   string `yaml:"cache_path"`
	CookiesPath string `yaml:"cookies_path"`
	FeedPath    string `yaml:"feed_path"`

	Telegram     TelegramConfig     `yaml:"telegram"`
	Agent        AgentConfig        `yaml:"agent"`
	AI           AIConfig           `yaml:"ai"`
	Finn         FinnConfig         `yaml:"finn"`
	Registration RegistrationConfig `yaml:"registration"`
	Automation   AutomationConfig   `yaml:"automation"`
	Worker       WorkerConfig       `yaml:"worker"`
	Filter       FilterConfig       `yaml:"filter"`
}

type TelegramConfig struct {
	Token         string `yaml:"token"`
	ChatID        int64  `yaml:"chat_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// AgentConfig points at the browser-automation agent (Skyvern-compatible API).
type AgentConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	ProxyLocation string        `yaml:"proxy_location"`
	MaxSteps      int           `yaml:"max_steps"`
	Timeout       time.Duration `yaml:"timeout"`
}

type AIConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Language    string  `yaml:"language"`
	MaxRetries  int     `yaml:"max_retries"`
	PriceInput  float64 `yaml:"price_input_per_million"`
	PriceOutput float64 `yaml:"price_output_per_million"`
}

type FinnConfig struct {
	Email     string        `yaml:"email"`
	Password  string        `yaml:"password"`
	TwoFactor time.Duration `yaml:"two_factor_window"`
}

type RegistrationConfig struct {
	Email               string        `yaml:"email"`
	QuestionTimeout     time.Duration `yaml:"question_timeout"`
	VerificationTimeout time.Duration `yaml:"verification_timeout"`
	FlowTimeout         time.Duration `yaml:"flow_timeout"`
}

type AutomationConfig struct {
	TaskTimeout          time.Duration `yaml:"task_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	MinDescriptionLength int           `yaml:"min_description_length"`
}

type WorkerConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

type FilterConfig struct {
	Keywords   []string `yaml:"keywords"`
	Exclude    []string `yaml:"exclude"`
	MaxAgeDays int      `yaml:"max_age_days"`
}

// Load reads .env, the YAML file at CONFIG_PATH (or configs/config.yaml) and env overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments are fine
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"APP_MODE":                   &c.Mode,
		"PORT":                       &c.Port,
		"PUBLIC_URL":                 &c.PublicURL,
		"DATABASE_URL":               &c.DatabaseURL,
		"REDIS_ADDR":                 &c.RedisAddr,
		"CACHE_PATH":                 &c.CachePath,
		"COOKIES_PATH":               &c.CookiesPath,
		"FEED_PATH":                  &c.FeedPath,
		"TELEGRAM_BOT_TOKEN":         &c.Telegram.Token,
		"TELEGRAM_WEBHOOK_SECRET":    &c.Telegram.WebhookSecret,
		"SKYVERN_API_URL":            &c.Agent.URL,
		"SKYVERN_API_KEY":            &c.Agent.APIKey,
		"AI_ENDPOINT":                &c.AI.Endpoint,
		"AI_API_KEY":                 &c.AI.APIKey,
		"AI_MODEL":                   &c.AI.Model,
		"AI_LANGUAGE":                &c.AI.Language,
		"FINN_EMAIL":                 &c.Finn.Email,
		"FINN_PASSWORD":              &c.Finn.Password,
		"DEFAULT_REGISTRATION_EMAIL": &c.Registration.Email,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		c.Telegram.ChatID = id
	}

	durations := map[string]*time.Duration{
		"QUESTION_TIMEOUT":     &c.Registration.QuestionTimeout,
		"VERIFICATION_TIMEOUT": &c.Registration.VerificationTimeout,
		"REGISTRATION_TIMEOUT": &c.Registration.FlowTimeout,
		"AUTOMATION_TIMEOUT":   &c.Automation.TaskTimeout,
		"POLL_INTERVAL":        &c.Automation.PollInterval,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	setString(&c.Mode, "dev")
	setString(&c.Port, "8080")
	setString(&c.CachePath, "../.cache")
	setString(&c.CookiesPath, "../.cookies")
	setString(&c.Agent.URL, "http://localhost:8000")
	setString(&c.Agent.ProxyLocation, "RESIDENTIAL")
	setInt(&c.Agent.MaxSteps, 60)
	setDuration(&c.Agent.Timeout, 30*time.Second)

	setString(&c.AI.Language, "uk")
	setInt(&c.AI.MaxRetries, 3)
	if c.AI.PriceInput == 0 {
		c.AI.PriceInput = 2.50
	}
	if c.AI.PriceOutput == 0 {
		c.AI.PriceOutput = 10.00
	}

	setDuration(&c.Finn.TwoFactor, 10*time.Minute)
	setDuration(&c.Registration.QuestionTimeout, 5*time.Minute)
	setDuration(&c.Registration.VerificationTimeout, 5*time.Minute)
	setDuration(&c.Registration.FlowTimeout, 30*time.Minute)

	setDuration(&c.Automation.TaskTimeout, 30*time.Minute)
	setDuration(&c.Automation.PollInterval, time.Minute)
	setDuration(&c.Automation.SweepInterval, 30*time.Second)
	setInt(&c.Automation.MinDescriptionLength, 100)

	setInt(&c.Worker.MaxWorkers, 8)
	setInt(&c.Worker.QueueSize, 256)
	setDuration(&c.Worker.TaskTimeout, 5*time.Minute)

	setInt(&c.Filter.MaxAgeDays, 60)
}

// Validate checks required fields and timeout sanity.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Registration.VerificationTimeout > c.Registration.FlowTimeout {
		errs = append(errs, errors.New("verification_timeout must not exceed flow_timeout"))
	}
	return errors.Join(errs...)
}

// WebhookURL joins a path onto the public base URL, or returns "" when no public URL is set.
func (c *Config) WebhookURL(path string) string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
