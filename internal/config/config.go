package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helixsec/helix/internal/domain/sandbox"
)

// Duration accepts "30s" style YAML values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// A bare integer means seconds.
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SandboxPlan is the YAML shape of per-plan resource limits.
type SandboxPlan struct {
	CPUCores             float64  `yaml:"cpuCores"`
	MemoryMB             int64    `yaml:"memoryMB"`
	StorageMB            int64    `yaml:"storageMB"`
	MaxConcurrent        int      `yaml:"maxConcurrent"`
	MaxDuration          Duration `yaml:"maxDuration"`
	PidsLimit            int64    `yaml:"pidsLimit"`
	MaxNetworkEgressMbps int      `yaml:"maxNetworkEgressMbps"`
}

func (p SandboxPlan) Limits() sandbox.PlanLimits {
	return sandbox.PlanLimits{
		CPUCores:             p.CPUCores,
		MemoryMB:             p.MemoryMB,
		StorageMB:            p.StorageMB,
		MaxConcurrent:        p.MaxConcurrent,
		MaxDuration:          p.MaxDuration.Std(),
		PidsLimit:            p.PidsLimit,
		MaxNetworkEgressMbps: p.MaxNetworkEgressMbps,
	}
}

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Workflow struct {
		BaseURL string   `yaml:"baseURL"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"workflow"`

	OpenAI struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"openai"`

	Admission struct {
		MaxConcurrentScans int      `yaml:"maxConcurrentScans"`
		DrainInterval      Duration `yaml:"drainInterval"`
	} `yaml:"admission"`

	Sandbox struct {
		DefaultImage string                 `yaml:"defaultImage"`
		Plans        map[string]SandboxPlan `yaml:"plans"`
	} `yaml:"sandbox"`

	Gateway struct {
		RequireHTTPS   bool     `yaml:"requireHTTPS"`
		AllowPrivate   bool     `yaml:"allowPrivate"`
		AllowLocalhost bool     `yaml:"allowLocalhost"`
		AllowedHosts   []string `yaml:"allowedHosts"`
		BlockedHosts   []string `yaml:"blockedHosts"`
		DevExceptions  []string `yaml:"devExceptions"`
	} `yaml:"gateway"`

	Auth struct {
		// Tenant name → API key.
		APIKeys map[string]string `yaml:"apiKeys"`
	} `yaml:"auth"`

	RateLimit struct {
		Capacity   int `yaml:"capacity"`
		RefillRate int `yaml:"refillRate"`
	} `yaml:"rateLimit"`
}

// Load reads config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Workflow.Timeout == 0 {
		c.Workflow.Timeout = Duration(30 * time.Second)
	}
	if c.Admission.DrainInterval == 0 {
		c.Admission.DrainInterval = Duration(30 * time.Second)
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 60
	}
	if c.RateLimit.RefillRate == 0 {
		c.RateLimit.RefillRate = 1
	}
	if c.Sandbox.DefaultImage == "" {
		c.Sandbox.DefaultImage = "helixsec/scanner:latest"
	}
	if c.Sandbox.Plans == nil {
		c.Sandbox.Plans = make(map[string]SandboxPlan)
	}
	if _, ok := c.Sandbox.Plans["default"]; !ok {
		c.Sandbox.Plans["default"] = SandboxPlan{
			CPUCores:      1,
			MemoryMB:      512,
			StorageMB:     1024,
			MaxConcurrent: 3,
			MaxDuration:   Duration(2 * time.Hour),
			PidsLimit:     128,
		}
	}
}

// Plan returns the named plan's limits, falling back to the default plan.
func (c *Config) Plan(name string) sandbox.PlanLimits {
	if p, ok := c.Sandbox.Plans[name]; ok {
		return p.Limits()
	}
	return c.Sandbox.Plans["default"].Limits()
}

// MySQLDSN builds the MySQL connection string.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds the Postgres connection string.
func (c *Config) PostgresDSN() string {
	ssl := c.Database.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		ssl,
	)
}
