package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
)

// maxUDPPayload is the largest payload an IPv4 UDP datagram can carry.
const maxUDPPayload = 65507

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only values containing ${...} are expanded
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "kafeventcoap")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// CoAP defaults
	l.v.SetDefault("coap.ingress_enabled", true)
	l.v.SetDefault("coap.listen_address", ":5683")
	l.v.SetDefault("coap.profile", cecoap.PrivateSubject.Name)
	l.v.SetDefault("coap.max_datagram_bytes", 1152)
	l.v.SetDefault("coap.reply_enabled", true)
	l.v.SetDefault("coap.exchange_lifetime_seconds", 247)
	l.v.SetDefault("coap.dedup_entries", 10000)

	// Encoding defaults
	l.v.SetDefault("encoding.policy", cecoap.Strict.String())
	l.v.SetDefault("encoding.default_content_format", cecoap.DefaultContentFormat)
	l.v.SetDefault("encoding.default_type", cecoap.DefaultTypeMarker)
	l.v.SetDefault("encoding.type_option", 0)

	// Egress defaults
	l.v.SetDefault("egress.enabled", false)
	l.v.SetDefault("egress.target_address", "")
	l.v.SetDefault("egress.topics", []string{})
	l.v.SetDefault("egress.group_id", "kafeventcoap-egress")
	l.v.SetDefault("egress.mode", "binary")
	l.v.SetDefault("egress.uri_path", "events")
	l.v.SetDefault("egress.confirmable", false)

	// Kafka defaults
	l.v.SetDefault("kafka.bootstrap_servers", []string{})
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_username", "")
	l.v.SetDefault("kafka.sasl_password", "")
	l.v.SetDefault("kafka.aws_msk.region", "")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.events_topic", "coap.events")
	l.v.SetDefault("kafka.producer.required_acks", -1)
	l.v.SetDefault("kafka.producer.compression_type", "snappy")
	l.v.SetDefault("kafka.producer.max_message_bytes", 1000000)
	l.v.SetDefault("kafka.producer.idempotent_writes", false)
	l.v.SetDefault("kafka.producer.retry_max", 3)
	l.v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "latest")
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.dlq.enabled", true)
	l.v.SetDefault("kafka.dlq.topic", "coap.events.dlq")

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	// CoAP validation
	if _, err := cecoap.ProfileByName(config.CoAP.Profile); err != nil {
		return fmt.Errorf("coap.profile: %w", err)
	}
	if config.CoAP.IngressEnabled {
		if _, err := net.ResolveUDPAddr("udp", config.CoAP.ListenAddress); err != nil {
			return fmt.Errorf("invalid coap.listen_address %q: %w", config.CoAP.ListenAddress, err)
		}
		if config.CoAP.MaxDatagramBytes < 64 || config.CoAP.MaxDatagramBytes > maxUDPPayload {
			return fmt.Errorf("coap.max_datagram_bytes must be between 64 and %d, got %d",
				maxUDPPayload, config.CoAP.MaxDatagramBytes)
		}
		if config.CoAP.ExchangeLifetimeSeconds < 0 || config.CoAP.DedupEntries < 0 {
			return errors.New("coap.exchange_lifetime_seconds and coap.dedup_entries must not be negative")
		}
		if config.Kafka.EventsTopic == "" {
			return errors.New("kafka.events_topic is required when ingress is enabled")
		}
	}

	// Encoding validation
	if _, err := cecoap.ParsePolicyMode(config.Encoding.Policy); err != nil {
		return fmt.Errorf("encoding.policy: %w", err)
	}

	// Egress validation
	if err := config.Egress.Validate(); err != nil {
		return err
	}

	// Kafka validation
	switch config.Kafka.SecurityProtocol {
	case "PLAINTEXT", "SSL", "SASL_SSL", "SASL_PLAINTEXT":
	default:
		return fmt.Errorf("unsupported kafka.security_protocol: %s", config.Kafka.SecurityProtocol)
	}
	if err := config.Kafka.DLQ.Validate(); err != nil {
		return err
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
