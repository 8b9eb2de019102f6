// Package config provides configuration handling for the TCP splicer.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/tcpsplice/pkg/classifier"
	"github.com/irctrakz/tcpsplice/pkg/core"
	"github.com/irctrakz/tcpsplice/pkg/logging"
	"github.com/irctrakz/tcpsplice/pkg/splice"
)

// MaxBucketSize bounds the number of flows a single hash bucket may hold.
const MaxBucketSize = 64

// Config represents the complete splicer configuration.
type Config struct {
	// Proxy names the transparent proxy flows are spliced onto.
	Proxy core.ProxyConfig `json:"proxy" yaml:"proxy"`

	// Queue contains the packet interception configuration.
	Queue core.QueueConfig `json:"queue" yaml:"queue"`

	// Flows contains the flow table configuration.
	Flows core.FlowConfig `json:"flows" yaml:"flows"`

	// Classifier contains the request classifier configuration.
	Classifier core.ClassifierConfig `json:"classifier" yaml:"classifier"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics contains the diagnostics export configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is the log line format (text, json).
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig contains configuration for diagnostics export.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics, /health and /flows.
	// Empty disables the server.
	Listen string `json:"listen" yaml:"listen"`

	// Interval is how often a metrics line is logged. Zero disables it.
	Interval string `json:"interval" yaml:"interval"`

	// Format is the metrics log line format (text, json).
	Format string `json:"format" yaml:"format"`

	// PcapPath, when set, records every injected packet to this file.
	PcapPath string `json:"pcap_path" yaml:"pcapPath"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	d := splice.DefaultOptions()
	return &Config{
		Proxy: core.ProxyConfig{
			Address: "127.0.0.1",
			Port:    3128,
		},
		Queue: core.QueueConfig{
			PreRouting:  0,
			PostRouting: 1,
			MaxQueueLen: 4096,
			IgnoreMark:  splice.DefaultIgnoreMark,
			Workers:     4,
			WorkerQueue: 1000,
		},
		Flows: core.FlowConfig{
			Interface:       d.Interface,
			Buckets:         d.Buckets,
			BucketSize:      d.BucketSize,
			MaxPending:      d.MaxPending,
			IdleTimeout:     d.IdleTimeout.String(),
			TimeWait:        d.TimeWait.String(),
			ReapInterval:    d.ReapInterval.String(),
			TemplateRefresh: d.TemplateRefresh.String(),
		},
		Classifier: core.ClassifierConfig{
			Ports:             []int{80},
			ExcludeHosts:      []string{},
			ExcludeExtensions: []string{},
			StatsInterval:     "30m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Listen:   "",
			Interval: "30s",
			Format:   "text",
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envUint(name string, bits int, set func(uint64)) {
	if val := os.Getenv(name); val != "" {
		// base 0 accepts 0x-prefixed marks
		if n, err := strconv.ParseUint(val, 0, bits); err == nil {
			set(n)
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envList(name string, dst *[]string) {
	if val := os.Getenv(name); val != "" {
		var out []string
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

// LoadFromEnv loads configuration from SPLICE_* environment variables.
func LoadFromEnv(config *Config) {
	// Proxy config
	envString("SPLICE_PROXY_ADDRESS", &config.Proxy.Address)
	envInt("SPLICE_PROXY_PORT", &config.Proxy.Port)

	// Queue config
	envUint("SPLICE_QUEUE_PRE_ROUTING", 16, func(n uint64) { config.Queue.PreRouting = uint16(n) })
	envUint("SPLICE_QUEUE_POST_ROUTING", 16, func(n uint64) { config.Queue.PostRouting = uint16(n) })
	envUint("SPLICE_QUEUE_MAX_LEN", 32, func(n uint64) { config.Queue.MaxQueueLen = uint32(n) })
	envUint("SPLICE_IGNORE_MARK", 32, func(n uint64) { config.Queue.IgnoreMark = uint32(n) })
	envInt("SPLICE_WORKERS", &config.Queue.Workers)
	envInt("SPLICE_WORKER_QUEUE", &config.Queue.WorkerQueue)

	// Flow config
	envString("SPLICE_INTERFACE", &config.Flows.Interface)
	envInt("SPLICE_BUCKETS", &config.Flows.Buckets)
	envInt("SPLICE_BUCKET_SIZE", &config.Flows.BucketSize)
	envInt("SPLICE_MAX_PENDING", &config.Flows.MaxPending)
	envString("SPLICE_IDLE_TIMEOUT", &config.Flows.IdleTimeout)
	envString("SPLICE_TIME_WAIT", &config.Flows.TimeWait)
	envString("SPLICE_REAP_INTERVAL", &config.Flows.ReapInterval)
	envString("SPLICE_TEMPLATE_REFRESH", &config.Flows.TemplateRefresh)

	// Classifier config
	if val := os.Getenv("SPLICE_PORTS"); val != "" {
		var ports []int
		for _, s := range strings.Split(val, ",") {
			if p, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				ports = append(ports, p)
			}
		}
		config.Classifier.Ports = ports
	}
	envList("SPLICE_EXCLUDE_HOSTS", &config.Classifier.ExcludeHosts)
	envList("SPLICE_EXCLUDE_EXTENSIONS", &config.Classifier.ExcludeExtensions)
	envString("SPLICE_RULES_FILE", &config.Classifier.RulesFile)
	envString("SPLICE_STATS_INTERVAL", &config.Classifier.StatsInterval)

	// Logging config
	envString("SPLICE_LOG_LEVEL", &config.Logging.Level)
	envString("SPLICE_LOG_FORMAT", &config.Logging.Format)
	envString("SPLICE_LOG_FILE", &config.Logging.File)
	envInt("SPLICE_LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("SPLICE_LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("SPLICE_LOG_MAX_AGE", &config.Logging.MaxAge)

	// Metrics config
	envString("SPLICE_METRICS_LISTEN", &config.Metrics.Listen)
	envString("SPLICE_METRICS_INTERVAL", &config.Metrics.Interval)
	envString("SPLICE_METRICS_FORMAT", &config.Metrics.Format)
	envString("SPLICE_PCAP", &config.Metrics.PcapPath)
}

func parseDuration(field, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, val, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", field, val)
	}
	return d, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Proxy config
	ip := net.ParseIP(c.Proxy.Address)
	if ip == nil || ip.To4() == nil || ip.IsUnspecified() {
		return fmt.Errorf("invalid proxy address: %q", c.Proxy.Address)
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}

	// Validate Queue config
	if c.Queue.PreRouting == c.Queue.PostRouting {
		return fmt.Errorf("pre-routing and post-routing queues must differ: both %d", c.Queue.PreRouting)
	}

	// Validate Flow config
	if c.Flows.Buckets < 1 {
		return fmt.Errorf("invalid bucket count: %d", c.Flows.Buckets)
	}
	if c.Flows.BucketSize < 1 || c.Flows.BucketSize > MaxBucketSize {
		return fmt.Errorf("invalid bucket size: %d (must be 1..%d)", c.Flows.BucketSize, MaxBucketSize)
	}
	if _, err := c.SpliceOptions(); err != nil {
		return err
	}

	// Validate Classifier config
	for _, p := range c.Classifier.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid classifier port: %d", p)
		}
	}
	if _, err := parseDuration("stats interval", c.Classifier.StatsInterval); err != nil {
		return err
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	// Validate Metrics config
	if _, err := parseDuration("metrics interval", c.Metrics.Interval); err != nil {
		return err
	}

	return nil
}

// ProxyTarget returns the proxy endpoint flows are spliced onto.
func (c *Config) ProxyTarget() (splice.ProxyTarget, error) {
	return splice.NewProxyTarget(c.Proxy.Address, c.Proxy.Port)
}

// SpliceOptions converts the flow and queue sections into manager options.
func (c *Config) SpliceOptions() (splice.Options, error) {
	o := splice.Options{
		Buckets:    c.Flows.Buckets,
		BucketSize: c.Flows.BucketSize,
		MaxPending: c.Flows.MaxPending,
		IgnoreMark: c.Queue.IgnoreMark,
		Interface:  c.Flows.Interface,
	}
	var err error
	if o.IdleTimeout, err = parseDuration("idle timeout", c.Flows.IdleTimeout); err != nil {
		return o, err
	}
	if o.TimeWait, err = parseDuration("time wait", c.Flows.TimeWait); err != nil {
		return o, err
	}
	if o.ReapInterval, err = parseDuration("reap interval", c.Flows.ReapInterval); err != nil {
		return o, err
	}
	if o.TemplateRefresh, err = parseDuration("template refresh", c.Flows.TemplateRefresh); err != nil {
		return o, err
	}
	return o, nil
}

// ClassifierRules returns the exclusion lists, merged with the rules file
// when one is configured.
func (c *Config) ClassifierRules() (classifier.Rules, error) {
	r := classifier.Rules{
		ExcludeHosts:      append([]string(nil), c.Classifier.ExcludeHosts...),
		ExcludeExtensions: append([]string(nil), c.Classifier.ExcludeExtensions...),
	}
	if c.Classifier.RulesFile == "" {
		return r, nil
	}
	fromFile, err := classifier.LoadRules(c.Classifier.RulesFile)
	if err != nil {
		return r, fmt.Errorf("failed to load rules file: %w", err)
	}
	return r.Merge(fromFile), nil
}

// StatsInterval returns the classifier stats logging interval.
func (c *Config) StatsInterval() time.Duration {
	d, _ := parseDuration("stats interval", c.Classifier.StatsInterval)
	return d
}

// MetricsInterval returns the metrics log interval.
func (c *Config) MetricsInterval() time.Duration {
	d, _ := parseDuration("metrics interval", c.Metrics.Interval)
	return d
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if err := logging.SetFormat(c.Logging.Format); err != nil {
		return err
	}

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	data, err := c.Marshal(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal encodes the configuration in the format implied by the extension
// of name.
func (c *Config) Marshal(name string) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, ".json"):
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		return data, nil
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		data, err := yaml.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", name)
	}
}
