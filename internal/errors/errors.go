// Package errors defines bridge-level error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// Sentinel errors for common conditions.
var (
	ErrPublisherClosed  = errors.New("publisher is closed")
	ErrListenerClosed   = errors.New("listener is closed")
	ErrForwarderClosed  = errors.New("forwarder is closed")
	ErrMalformedPacket  = errors.New("malformed coap packet")
	ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")
	ErrConnectionLost   = errors.New("connection lost")
)

// DecodeError represents a datagram that could not be turned into an event.
type DecodeError struct {
	Remote string
	Kind   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: remote=%s kind=%s: %v", e.Remote, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed Kafka publish.
type PublishError struct {
	Topic   string
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish error: topic=%s event_id=%s: %v", e.Topic, e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the broker failure is transient.
func (e *PublishError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// ForwardError represents a Kafka record that could not be sent as CoAP.
type ForwardError struct {
	Topic     string
	Partition int32
	Offset    int64
	Target    string
	Err       error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward error: topic=%s partition=%d offset=%d target=%s: %v",
		e.Topic, e.Partition, e.Offset, e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// Errors implementing Retryable decide for themselves; otherwise transient
// broker errors and ErrConnectionLost are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrLeaderNotAvailable,
			sarama.ErrNotLeaderForPartition,
			sarama.ErrRequestTimedOut,
			sarama.ErrNotEnoughReplicas,
			sarama.ErrNotEnoughReplicasAfterAppend,
			sarama.ErrNetworkException:
			return true
		}
		return false
	}

	if errors.Is(err, sarama.ErrOutOfBrokers) || errors.Is(err, ErrConnectionLost) {
		return true
	}

	return false
}
