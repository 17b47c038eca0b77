package dto

import (
	"fmt"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	CoAP          CoAPConfig          `mapstructure:"coap"`
	Encoding      EncodingConfig      `mapstructure:"encoding"`
	Egress        EgressConfig        `mapstructure:"egress"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// CoAPConfig contains the CoAP listener settings
type CoAPConfig struct {
	IngressEnabled   bool   `mapstructure:"ingress_enabled"`
	ListenAddress    string `mapstructure:"listen_address"`
	Profile          string `mapstructure:"profile"`
	MaxDatagramBytes int    `mapstructure:"max_datagram_bytes"`
	ReplyEnabled     bool   `mapstructure:"reply_enabled"`
	// Retransmitted requests seen within the exchange lifetime are answered
	// again without publishing. Zero disables deduplication.
	ExchangeLifetimeSeconds int `mapstructure:"exchange_lifetime_seconds"`
	DedupEntries            int `mapstructure:"dedup_entries"`
}

// ExchangeLifetime returns the deduplication window as a duration.
func (c CoAPConfig) ExchangeLifetime() time.Duration {
	return time.Duration(c.ExchangeLifetimeSeconds) * time.Second
}

// EncodingConfig selects the binary encode policy
type EncodingConfig struct {
	Policy               string `mapstructure:"policy"` // strict, inject-defaults
	DefaultContentFormat string `mapstructure:"default_content_format"`
	DefaultType          string `mapstructure:"default_type"`
	TypeOption           uint16 `mapstructure:"type_option"` // 0 = profile type option
}

// EgressConfig contains Kafka to CoAP forwarding settings
type EgressConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	TargetAddress string   `mapstructure:"target_address"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	URIPath       string   `mapstructure:"uri_path"`
	Mode          string   `mapstructure:"mode"` // binary, structured
	Confirmable   bool     `mapstructure:"confirmable"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol string         `mapstructure:"security_protocol"` // PLAINTEXT, SSL, SASL_SSL, SASL_PLAINTEXT
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`    // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, AWS_MSK_IAM
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	TLS              TLSConfig      `mapstructure:"tls"`
	AWSMSK           AWSMSKConfig   `mapstructure:"aws_msk"`
	EventsTopic      string         `mapstructure:"events_topic"`
	Producer         ProducerConfig `mapstructure:"producer"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
	DLQ              DLQConfig      `mapstructure:"dlq"`
}

// TLSConfig contains TLS settings for broker connections
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// AWSMSKConfig contains AWS MSK IAM settings
type AWSMSKConfig struct {
	Region string `mapstructure:"region"`
}

// ProducerConfig contains Kafka producer configuration
type ProducerConfig struct {
	RequiredAcks     int    `mapstructure:"required_acks"`    // 0=NoResponse, 1=WaitForLocal, -1=WaitForAll
	CompressionType  string `mapstructure:"compression_type"` // none, gzip, snappy, lz4, zstd
	MaxMessageBytes  int    `mapstructure:"max_message_bytes"`
	IdempotentWrites bool   `mapstructure:"idempotent_writes"`
	RetryMax         int    `mapstructure:"retry_max"`
	RetryBackoffMS   int    `mapstructure:"retry_backoff_ms"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	AutoOffsetReset     string `mapstructure:"auto_offset_reset"`
	SessionTimeoutMS    int    `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// GracePeriod returns the shutdown grace period.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if !c.CoAP.IngressEnabled && !c.Egress.Enabled {
		return fmt.Errorf("at least one of coap ingress or egress must be enabled")
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	return nil
}

// Validate validates egress configuration.
func (c *EgressConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TargetAddress == "" {
		return fmt.Errorf("egress target address is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("egress topics are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("egress group ID is required")
	}
	if c.Mode != "binary" && c.Mode != "structured" {
		return fmt.Errorf("unsupported egress mode: %s", c.Mode)
	}
	return nil
}

// Validate validates DLQ configuration.
func (c *DLQConfig) Validate() error {
	if c.Enabled && c.Topic == "" {
		return fmt.Errorf("dlq topic is required when the dlq is enabled")
	}
	return nil
}
