package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/grow-logic-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/grow-logic-core/internal/unit"
)

// Command actions.
const (
	ActionActivate = "activate"
	ActionSetState = "set_state"
)

// Command is the payload sent to a gateway.
type Command struct {
	CommandID string    `json:"command_id"`
	Action    string    `json:"action"`
	DurationS float64   `json:"duration_s,omitempty"`
	On        *bool     `json:"on,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Ack is the payload a gateway answers with.
type Ack struct {
	CommandID string `json:"command_id"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
}

// Transport is the part of the MQTT client the driver needs.
type Transport interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	QoS() byte
}

// Inventory resolves actuator ids to their gateway protocol.
type Inventory interface {
	Actuator(id string) (unit.Actuator, bool)
}

// Logger is the logging interface used by the driver.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// MQTTDeps holds the driver's collaborators.
type MQTTDeps struct {
	Transport Transport
	Inventory Inventory
	// RequireAck makes every command wait for the gateway's acknowledgement.
	RequireAck bool
	Logger     Logger
	Clock      func() time.Time
}

// MQTTDriver implements Driver over MQTT.
type MQTTDriver struct {
	transport  Transport
	inventory  Inventory
	requireAck bool
	logger     Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]chan Ack
}

// NewMQTTDriver creates the driver and, when acknowledgements are required,
// subscribes to the ack topics.
func NewMQTTDriver(deps MQTTDeps) (*MQTTDriver, error) {
	if deps.Transport == nil || deps.Inventory == nil {
		return nil, errors.New("actuator: transport and inventory are required")
	}
	d := &MQTTDriver{
		transport:  deps.Transport,
		inventory:  deps.Inventory,
		requireAck: deps.RequireAck,
		logger:     deps.Logger,
		now:        deps.Clock,
		pending:    make(map[string]chan Ack),
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	if d.now == nil {
		d.now = time.Now
	}

	if d.requireAck {
		if err := d.transport.Subscribe(mqtt.Topics{}.AllAcks(), d.transport.QoS(), d.handleAck); err != nil {
			return nil, fmt.Errorf("subscribing to acks: %w", err)
		}
	}
	return d, nil
}

// Activate implements Driver.
func (d *MQTTDriver) Activate(ctx context.Context, actuatorID string, durationS float64) error {
	if durationS <= 0 {
		return &DriverError{ActuatorID: actuatorID, Reason: fmt.Sprintf("invalid duration %.2fs", durationS)}
	}
	return d.send(ctx, actuatorID, Command{Action: ActionActivate, DurationS: durationS})
}

// SetState implements Driver.
func (d *MQTTDriver) SetState(ctx context.Context, actuatorID string, on bool) error {
	return d.send(ctx, actuatorID, Command{Action: ActionSetState, On: &on})
}

func (d *MQTTDriver) send(ctx context.Context, actuatorID string, cmd Command) error {
	a, ok := d.inventory.Actuator(actuatorID)
	if !ok {
		return failure(actuatorID, "lookup failed", ErrUnknownActuator)
	}

	cmd.CommandID = uuid.NewString()
	cmd.IssuedAt = d.now().UTC()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return failure(actuatorID, "encoding command", err)
	}

	var acks chan Ack
	if d.requireAck {
		acks = make(chan Ack, 1)
		d.mu.Lock()
		d.pending[cmd.CommandID] = acks
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.pending, cmd.CommandID)
			d.mu.Unlock()
		}()
	}

	topic := mqtt.Topics{}.Command(a.Protocol, actuatorID)
	if err := d.transport.PublishContext(ctx, topic, payload, d.transport.QoS(), false); err != nil {
		return failure(actuatorID, "publishing command", err)
	}
	d.logger.Debug("actuator command sent", "actuator_id", actuatorID, "action", cmd.Action, "command_id", cmd.CommandID)

	if acks == nil {
		return nil
	}
	select {
	case ack := <-acks:
		if !ack.OK {
			reason := ack.Reason
			if reason == "" {
				reason = "rejected by gateway"
			}
			return &DriverError{ActuatorID: actuatorID, Reason: reason}
		}
		return nil
	case <-ctx.Done():
		return failure(actuatorID, "awaiting acknowledgement", ctx.Err())
	}
}

func (d *MQTTDriver) handleAck(topic string, payload []byte) error {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		d.logger.Warn("dropping malformed ack", "topic", topic, "error", err)
		return nil
	}

	d.mu.Lock()
	ch, ok := d.pending[ack.CommandID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("ack for unknown command", "topic", topic, "command_id", ack.CommandID)
		return nil
	}

	select {
	case ch <- ack:
	default: // duplicate delivery
	}
	return nil
}
