package mqtt

import (
	"errors"
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Domain-specific errors for MQTT operations.
// Failures to reach the broker wrap errkind.ErrTransport so domain code can
// classify them without importing this package.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = fmt.Errorf("%w: mqtt: client not connected", errkind.ErrTransport)

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = fmt.Errorf("%w: mqtt: connection failed", errkind.ErrTransport)

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = fmt.Errorf("%w: mqtt: publish failed", errkind.ErrTransport)

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = fmt.Errorf("%w: mqtt: subscribe failed", errkind.ErrTransport)

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = fmt.Errorf("%w: mqtt: unsubscribe failed", errkind.ErrTransport)

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
