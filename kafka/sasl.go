package kafka

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"taglink/config"
)

// SASL mechanisms accepted in config.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

const dialTimeout = 10 * time.Second

// saslMechanism returns the configured mechanism, or nil without a username.
func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch cfg.SASLMechanism {
	case SASLNone:
		return nil, nil
	case SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unknown sasl mechanism %q", cfg.SASLMechanism)
	}
}

func tlsConfig(cfg config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// newDialer is used for the connectivity check and the write consumer.
func newDialer(cfg config.KafkaConfig, mech sasl.Mechanism) *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: mech,
	}
}

// newTransport is shared by all topic writers of a producer.
func newTransport(cfg config.KafkaConfig, mech sasl.Mechanism) *kafka.Transport {
	return &kafka.Transport{
		DialTimeout: dialTimeout,
		TLS:         tlsConfig(cfg),
		SASL:        mech,
	}
}
