package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps message size at 1MB, in line with broker defaults.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits up to the publish timeout for the
// broker to acknowledge it (QoS 1 and 2).
//
//	topic := mqtt.Topics{}.Command("relay", "pump-5")
//	err := client.Publish(topic, []byte(`{"action":"activate","duration_s":12}`), 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	return c.PublishContext(ctx, topic, payload, qos, retained)
}

// PublishContext is Publish bounded by ctx instead of the default timeout.
// Cancellation stops the wait, not the in-flight message.
func (c *Client) PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it with the configured QoS.
func (c *Client) PublishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling payload for %s: %w", topic, err)
	}
	return c.PublishContext(ctx, topic, payload, c.QoS(), false)
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS) //nolint:gosec // validated to 0-2 by config
}
