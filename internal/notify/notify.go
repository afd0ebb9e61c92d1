// Package notify delivers operator notifications and routes the answers.
//
// A notification carries actions; each action has a callback id the
// operator's client sends back on growlogic/callback/{target} when tapped:
//
//	{"callback_id": "irrigation:req-123:approve", "user": "sam"}
//
// Delivery is best effort. Every failure wraps errkind.ErrTransport so
// callers can log and carry on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/mqtt"
)

// ErrDelivery is returned when a notification could not be sent.
var ErrDelivery = fmt.Errorf("%w: notification not delivered", errkind.ErrTransport)

// Action is one button on a notification.
type Action struct {
	Label      string `json:"label"`
	CallbackID string `json:"callback_id"`
}

// Message is a notification for one target.
type Message struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Actions   []Action  `json:"actions,omitempty"`
	Reference string    `json:"reference,omitempty"` // entity the message is about
	SentAt    time.Time `json:"sent_at"`
}

// Notifier is the notification transport collaborator.
type Notifier interface {
	Notify(ctx context.Context, target string, msg Message) error
}

// Publisher is the part of the MQTT client MQTTNotifier needs.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, v any) error
}

// envelope is the wire form of a notification.
type envelope struct {
	Target string `json:"target"`
	Message
}

// MQTTNotifier publishes notifications to growlogic/notify/{target}.
type MQTTNotifier struct {
	pub Publisher
	now func() time.Time
}

// NewMQTTNotifier creates an MQTT notifier.
func NewMQTTNotifier(pub Publisher) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, now: time.Now}
}

// Notify implements Notifier.
func (n *MQTTNotifier) Notify(ctx context.Context, target string, msg Message) error {
	if target == "" {
		return fmt.Errorf("%w: no target", ErrDelivery)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = n.now().UTC()
	}
	if err := n.pub.PublishJSON(ctx, mqtt.Topics{}.Notify(target), envelope{Target: target, Message: msg}); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

// Broadcaster fans a payload out to subscribed WebSocket clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// ChannelNotifications is the WebSocket channel notifications go out on.
const ChannelNotifications = "notification"

// HubNotifier pushes notifications to connected WebSocket clients.
type HubNotifier struct {
	hub Broadcaster
}

// NewHubNotifier creates a WebSocket notifier.
func NewHubNotifier(hub Broadcaster) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Notify implements Notifier. Clients without a subscription miss it.
func (n *HubNotifier) Notify(ctx context.Context, target string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	n.hub.Broadcast(ChannelNotifications, envelope{Target: target, Message: msg})
	return nil
}

// Multi sends to every transport. It fails only when all of them fail.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, target string, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, target, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m) > 0 && len(errs) == len(m) {
		return fmt.Errorf("%w: %w", ErrDelivery, errors.Join(errs...))
	}
	return nil
}

// Callback is an operator's answer to a notification action.
type Callback struct {
	CallbackID string `json:"callback_id"`
	User       string `json:"user,omitempty"`
	Target     string `json:"-"`
}

// CallbackHandler processes one callback.
type CallbackHandler func(ctx context.Context, cb Callback) error

// Subscriber is the part of the MQTT client ListenCallbacks needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Logger is the logging interface used for callback routing.
type Logger interface {
	Warn(msg string, args ...any)
}

// ListenCallbacks subscribes to every callback topic and passes decoded
// callbacks to handle, each bounded by timeout.
func ListenCallbacks(sub Subscriber, qos byte, timeout time.Duration, logger Logger, handle CallbackHandler) error {
	return sub.Subscribe(mqtt.Topics{}.AllCallbacks(), qos, func(topic string, payload []byte) error {
		var cb Callback
		if err := json.Unmarshal(payload, &cb); err != nil || cb.CallbackID == "" {
			logger.Warn("dropping malformed notification callback", "topic", topic, "error", err)
			return nil
		}
		cb.Target = mqtt.Segment(topic, 2)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := handle(ctx, cb); err != nil {
			logger.Warn("notification callback failed",
				"callback_id", cb.CallbackID, "target", cb.Target, "error", err)
		}
		return nil
	})
}
