package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
)

// configureSecurity configures SASL and TLS settings
func configureSecurity(saramaConfig *sarama.Config, cfg dto.KafkaConfig, logger *zap.Logger) error {
	switch cfg.SecurityProtocol {
	case "", "PLAINTEXT":
		logger.Info("Using PLAINTEXT security protocol")

	case "SSL":
		saramaConfig.Net.TLS.Enable = true
		if err := configureTLS(saramaConfig, cfg.TLS, logger); err != nil {
			return err
		}

	case "SASL_SSL":
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.TLS.Enable = true
		if err := configureSASL(saramaConfig, cfg, logger); err != nil {
			return err
		}
		if err := configureTLS(saramaConfig, cfg.TLS, logger); err != nil {
			return err
		}

	case "SASL_PLAINTEXT":
		saramaConfig.Net.SASL.Enable = true
		if err := configureSASL(saramaConfig, cfg, logger); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported security protocol: %s", cfg.SecurityProtocol)
	}

	return nil
}

// configureSASL configures SASL authentication
func configureSASL(saramaConfig *sarama.Config, cfg dto.KafkaConfig, logger *zap.Logger) error {
	switch cfg.SASLMechanism {
	case "PLAIN":
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		saramaConfig.Net.SASL.User = cfg.SASLUsername
		saramaConfig.Net.SASL.Password = cfg.SASLPassword
		logger.Info("Using SASL PLAIN authentication")

	case "SCRAM-SHA-256", "SCRAM-SHA-512":
		scramCfg := scramMechanisms[cfg.SASLMechanism]
		saramaConfig.Net.SASL.Mechanism = scramCfg.mechanism
		saramaConfig.Net.SASL.User = cfg.SASLUsername
		saramaConfig.Net.SASL.Password = cfg.SASLPassword
		saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClientGenerator(scramCfg.hash)
		logger.Info("Using SASL SCRAM authentication", zap.String("mechanism", cfg.SASLMechanism))

	case "AWS_MSK_IAM":
		if cfg.AWSMSK.Region == "" {
			return errors.New("AWS MSK IAM authentication requires kafka.aws_msk.region")
		}
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		saramaConfig.Net.SASL.TokenProvider = &MSKAccessTokenProvider{region: cfg.AWSMSK.Region}
		logger.Info("Using AWS MSK IAM authentication", zap.String("region", cfg.AWSMSK.Region))

	default:
		return fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}

	return nil
}

// configureTLS configures TLS settings
func configureTLS(saramaConfig *sarama.Config, cfg dto.TLSConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		logger.Warn("TLS is required by the security protocol but not enabled in config")
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local brokers
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return errors.New("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caCertPool
		logger.Info("Loaded CA certificate", zap.String("file", cfg.CACertFile))
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info("Loaded client certificate",
			zap.String("certFile", cfg.ClientCertFile),
			zap.String("keyFile", cfg.ClientKeyFile),
		)
	}

	saramaConfig.Net.TLS.Config = tlsConfig
	return nil
}

// MSKAccessTokenProvider implements sarama.AccessTokenProvider for AWS MSK IAM authentication.
type MSKAccessTokenProvider struct {
	region string
}

// Token generates an AWS MSK IAM authentication token.
func (m *MSKAccessTokenProvider) Token() (*sarama.AccessToken, error) {
	token, expiryMs, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to generate MSK IAM token: %w", err)
	}

	return &sarama.AccessToken{
		Token: token,
		Extensions: map[string]string{
			"expiry": strconv.FormatInt(expiryMs, 10),
		},
	}, nil
}
