package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// DiscoveryMode selects where proxy targets are resolved
type DiscoveryMode string

const (
	// DiscoveryStatic resolves with STATIC_HOSTS overrides and DNS.
	DiscoveryStatic DiscoveryMode = "static"
	// DiscoveryKubernetes additionally resolves cluster service names from
	// the Kubernetes API before falling back to DNS.
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
)

// TLSMode represents TLS certificate source
type TLSMode string

const (
	TLSModeFile       TLSMode = "file"
	TLSModeKubernetes TLSMode = "kubernetes"
	TLSModeMemory     TLSMode = "memory"
)

// Handler chain entries.
const (
	HandlerLogging   = "logging"
	HandlerConnect   = "connect"
	HandlerProxy     = "proxy"
	HandlerDocuments = "documents"
	HandlerSessions  = "sessions-demo"
)

var knownHandlers = []string{HandlerLogging, HandlerConnect, HandlerProxy, HandlerDocuments, HandlerSessions}

// Config holds all application configuration
type Config struct {
	// Core
	Debug bool `yaml:"debug"`

	// Runtime
	Runtime   RuntimeEnvironment `yaml:"runtime"`
	Namespace string             `yaml:"namespace"`

	// Server
	ListenPorts      []int    `yaml:"listen_ports"`
	LocalhostOnly    bool     `yaml:"localhost_only"`
	HealthServerPort string   `yaml:"health_server_port"`
	HandlerChain     []string `yaml:"handler_chain"`

	// Handlers
	DocumentRoot  string        `yaml:"document_root"`
	Report404     bool          `yaml:"report_404"`
	SessionPrefix string        `yaml:"session_prefix"`
	SessionCookie string        `yaml:"session_cookie"`
	SessionExpiry time.Duration `yaml:"session_expiry"`
	SessionSweep  time.Duration `yaml:"session_sweep"`

	// Relay
	RelayPollInterval time.Duration `yaml:"relay_poll_interval"`
	RelayReadAhead    int           `yaml:"relay_read_ahead"`
	RelayPacketSize   int           `yaml:"relay_packet_size"`
	RelayPoller       string        `yaml:"relay_poller"`

	// Target resolution
	DiscoveryMode   DiscoveryMode `yaml:"discovery_mode"`
	StaticHosts     string        `yaml:"static_hosts"`
	AddressCacheTTL time.Duration `yaml:"address_cache_ttl"`
	KubeConfigPath  string        `yaml:"kubeconfig"`
	KubeContext     string        `yaml:"kube_context"`

	// TLS listener, enabled when TLSPort is non-zero
	TLSPort                 int     `yaml:"tls_port"`
	TLSSurrogate            string  `yaml:"tls_surrogate"`
	TLSMode                 TLSMode `yaml:"tls_mode"`
	TLSCertFile             string  `yaml:"tls_cert_file"`
	TLSKeyFile              string  `yaml:"tls_key_file"`
	TLSSecretName           string  `yaml:"tls_secret_name"`
	TLSAutoGenerate         bool    `yaml:"tls_auto_generate"` // Generate self-signed if cert doesn't exist
	TLSAutoRenew            bool    `yaml:"tls_auto_renew"`    // Regenerate if cert is expiring
	TLSRenewalThresholdDays int     `yaml:"tls_renewal_threshold_days"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Runtime:                 RuntimeVM,
		Namespace:               "default",
		ListenPorts:             []int{8080},
		HealthServerPort:        "9090",
		HandlerChain:            []string{HandlerLogging, HandlerConnect, HandlerProxy, HandlerDocuments},
		DocumentRoot:            "./htdocs",
		Report404:               true,
		SessionPrefix:           "/demo",
		SessionCookie:           "DynamoSession",
		SessionExpiry:           15 * time.Minute,
		SessionSweep:            time.Minute,
		RelayPollInterval:       100 * time.Millisecond,
		RelayReadAhead:          10 * 1024 * 1024,
		RelayPacketSize:         2048,
		RelayPoller:             "select",
		DiscoveryMode:           DiscoveryStatic,
		AddressCacheTTL:         10 * time.Minute,
		TLSMode:                 TLSModeMemory,
		TLSAutoGenerate:         true,
		TLSAutoRenew:            true,
		TLSRenewalThresholdDays: 30,
	}
}

// LoadFromEnv builds the configuration from defaults, the optional YAML
// file named by DYNAMO_CONFIG, then environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.Runtime = determineRuntime()
	cfg.Namespace = determineNamespace()

	if path := os.Getenv("DYNAMO_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields for every variable that is set; the current
// value is the default.
func (c *Config) applyEnv() error {
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.Namespace = getEnv("NAMESPACE", getEnv("POD_NAMESPACE", c.Namespace))

	if v := getEnv("LISTEN_PORTS", ""); v != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("invalid LISTEN_PORTS: %w", err)
		}
		c.ListenPorts = ports
	}
	c.LocalhostOnly = getEnvBool("LOCALHOST_ONLY", c.LocalhostOnly)
	c.HealthServerPort = getEnv("HEALTH_SERVER_PORT", c.HealthServerPort)
	if v := getEnv("HANDLER_CHAIN", ""); v != "" {
		c.HandlerChain = splitList(v)
	}

	c.DocumentRoot = getEnv("DOCUMENT_ROOT", c.DocumentRoot)
	c.Report404 = getEnvBool("REPORT_404", c.Report404)
	c.SessionPrefix = getEnv("SESSION_PREFIX", c.SessionPrefix)
	c.SessionCookie = getEnv("SESSION_COOKIE", c.SessionCookie)
	c.SessionExpiry = getEnvSeconds("SESSION_EXPIRY_SECONDS", c.SessionExpiry)
	c.SessionSweep = getEnvSeconds("SESSION_SWEEP_SECONDS", c.SessionSweep)

	c.RelayPollInterval = time.Duration(getEnvInt("RELAY_POLL_USEC", int(c.RelayPollInterval/time.Microsecond))) * time.Microsecond
	c.RelayReadAhead = getEnvInt("RELAY_READ_AHEAD", c.RelayReadAhead)
	c.RelayPacketSize = getEnvInt("RELAY_PACKET_SIZE", c.RelayPacketSize)
	c.RelayPoller = strings.ToLower(getEnv("RELAY_POLLER", c.RelayPoller))

	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		c.DiscoveryMode = DiscoveryMode(strings.ToLower(mode))
	}
	c.StaticHosts = getEnv("STATIC_HOSTS", c.StaticHosts)
	c.AddressCacheTTL = getEnvSeconds("ADDRESS_CACHE_TTL", c.AddressCacheTTL)
	c.KubeConfigPath = getEnv("KUBECONFIG", c.KubeConfigPath)
	c.KubeContext = getEnv("KUBE_CONTEXT", c.KubeContext)

	c.TLSPort = getEnvInt("TLS_PORT", c.TLSPort)
	c.TLSSurrogate = getEnv("TLS_SURROGATE", c.TLSSurrogate)
	c.TLSMode = determineTLSMode(c.TLSMode)
	c.TLSCertFile = getEnv("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = getEnv("TLS_KEY_FILE", c.TLSKeyFile)
	c.TLSSecretName = getEnv("TLS_SECRET_NAME", c.TLSSecretName)
	c.TLSAutoGenerate = getEnvBool("TLS_AUTO_GENERATE", c.TLSAutoGenerate)
	c.TLSAutoRenew = getEnvBool("TLS_AUTO_RENEW", c.TLSAutoRenew)
	c.TLSRenewalThresholdDays = getEnvInt("TLS_RENEWAL_THRESHOLD_DAYS", c.TLSRenewalThresholdDays)
	return nil
}

// TLSEnabled reports whether the TLS listener is configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSPort != 0
}

// HasHandler reports whether name is in the handler chain.
func (c *Config) HasHandler(name string) bool {
	return indexOf(c.HandlerChain, name) >= 0
}

// Validate ensures configuration is coherent
func (c *Config) Validate() error {
	if len(c.ListenPorts) == 0 && !c.TLSEnabled() {
		return fmt.Errorf("no listeners configured (set LISTEN_PORTS or TLS_PORT)")
	}
	for _, p := range c.ListenPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("listen port %d out of range", p)
		}
	}
	if c.TLSPort < 0 || c.TLSPort > 65535 {
		return fmt.Errorf("TLS_PORT %d out of range", c.TLSPort)
	}

	if len(c.HandlerChain) == 0 {
		return fmt.Errorf("HANDLER_CHAIN is empty")
	}
	for _, h := range c.HandlerChain {
		if indexOf(knownHandlers, h) < 0 {
			return fmt.Errorf("unknown handler %q in HANDLER_CHAIN (supported: %s)",
				h, strings.Join(knownHandlers, ", "))
		}
	}
	// CONNECT requests would otherwise be offered to the forward proxy first
	if ci, pi := indexOf(c.HandlerChain, HandlerConnect), indexOf(c.HandlerChain, HandlerProxy); ci >= 0 && pi >= 0 && ci > pi {
		return fmt.Errorf("handler %q must precede %q", HandlerConnect, HandlerProxy)
	}
	if c.HasHandler(HandlerSessions) && !strings.HasPrefix(c.SessionPrefix, "/") {
		return fmt.Errorf("SESSION_PREFIX must start with /")
	}

	if c.RelayPollInterval <= 0 || c.RelayReadAhead <= 0 || c.RelayPacketSize <= 0 {
		return fmt.Errorf("relay poll interval, read-ahead and packet size must be positive")
	}
	if c.RelayPoller != "select" && c.RelayPoller != "poll" {
		return fmt.Errorf("unsupported RELAY_POLLER: %s (supported: select, poll)", c.RelayPoller)
	}

	if c.DiscoveryMode != DiscoveryStatic && c.DiscoveryMode != DiscoveryKubernetes {
		return fmt.Errorf("unsupported DISCOVERY_MODE: %s", c.DiscoveryMode)
	}
	if c.DiscoveryMode == DiscoveryKubernetes && c.Runtime == RuntimeContainer && c.KubeConfigPath == "" {
		return fmt.Errorf("kubernetes discovery in container runtime requires KUBECONFIG path")
	}

	// TLS validation only if the TLS listener is enabled
	if c.TLSEnabled() {
		switch c.TLSMode {
		case TLSModeFile:
			if c.TLSCertFile == "" || c.TLSKeyFile == "" {
				return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set when using file-based TLS")
			}
		case TLSModeKubernetes:
			if c.TLSSecretName == "" {
				return fmt.Errorf("TLS_SECRET_NAME must be set when using kubernetes TLS mode")
			}
			if c.DiscoveryMode != DiscoveryKubernetes {
				return fmt.Errorf("kubernetes TLS mode requires DISCOVERY_MODE=kubernetes")
			}
		case TLSModeMemory:
		default:
			return fmt.Errorf("unsupported TLS_MODE: %s", c.TLSMode)
		}
	}

	return nil
}

// ParsePorts parses a comma separated port list.
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, item := range splitList(s) {
		p, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", item)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(defaultValue/time.Second))) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}

func determineRuntime() RuntimeEnvironment {
	// Explicit runtime setting
	if runtime := os.Getenv("RUNTIME"); runtime != "" {
		switch strings.ToLower(runtime) {
		case "kubernetes", "k8s":
			return RuntimeKubernetes
		case "container", "docker":
			return RuntimeContainer
		case "vm", "virtual-machine", "bare-metal":
			return RuntimeVM
		}
	}

	// Auto-detect: Check if running in Kubernetes
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return RuntimeKubernetes
	}

	// Auto-detect: Check if running in container
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RuntimeContainer
	}

	return RuntimeVM
}

func determineNamespace() string {
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		return ns
	}

	// Kubernetes downward API
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	// Read from service account (in-cluster)
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "default"
}

func determineTLSMode(current TLSMode) TLSMode {
	if mode := os.Getenv("TLS_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "file", "filesystem":
			return TLSModeFile
		case "kubernetes", "k8s", "secret":
			return TLSModeKubernetes
		case "memory", "in-memory":
			return TLSModeMemory
		}
		return TLSMode(mode)
	}

	// Auto-detect based on configuration
	if os.Getenv("TLS_CERT_FILE") != "" {
		return TLSModeFile
	}
	if os.Getenv("TLS_SECRET_NAME") != "" {
		return TLSModeKubernetes
	}
	return current
}
