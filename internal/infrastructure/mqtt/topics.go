package mqtt

import "fmt"

// TopicPrefix is the root of every Grow Logic topic.
//
// Device traffic uses the flat scheme growlogic/{category}/{protocol}/{id},
// the same shape field gateways already publish on. Core output lives under
// growlogic/core and operator traffic under growlogic/notify and
// growlogic/callback.
const (
	TopicPrefix       = "growlogic"
	TopicPrefixCore   = "growlogic/core"
	TopicPrefixSystem = "growlogic/system"
)

// Topics provides builders for Grow Logic MQTT topics.
//
//	topic := mqtt.Topics{}.Command("relay", "pump-5")
//	// growlogic/command/relay/pump-5
type Topics struct{}

// Command returns the topic an actuator gateway listens on.
//
// Example: growlogic/command/relay/pump-5
func (Topics) Command(protocol, actuatorID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, actuatorID)
}

// Ack returns the topic a gateway acknowledges commands on.
//
// Example: growlogic/ack/relay/pump-5
func (Topics) Ack(protocol, actuatorID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, actuatorID)
}

// SensorReading returns the topic a sensor publishes readings on.
//
// Example: growlogic/sensor/soil-3/reading
func (Topics) SensorReading(sensorID string) string {
	return fmt.Sprintf("%s/sensor/%s/reading", TopicPrefix, sensorID)
}

// Notify returns the topic operator notifications for target are sent on.
//
// Example: growlogic/notify/ops-phone
func (Topics) Notify(target string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefix, target)
}

// Callback returns the topic a notification client answers actions on.
//
// Example: growlogic/callback/ops-phone
func (Topics) Callback(target string) string {
	return fmt.Sprintf("%s/callback/%s", TopicPrefix, target)
}

// CoreEvent returns the topic for core events.
//
// Example: growlogic/core/event/verdict_changed
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: growlogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllAcks matches every command acknowledgement.
//
// Pattern: growlogic/ack/+/+
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/+/+", TopicPrefix)
}

// AllSensorReadings matches every sensor reading.
//
// Pattern: growlogic/sensor/+/reading
func (Topics) AllSensorReadings() string {
	return fmt.Sprintf("%s/sensor/+/reading", TopicPrefix)
}

// AllCallbacks matches every notification callback.
//
// Pattern: growlogic/callback/+
func (Topics) AllCallbacks() string {
	return fmt.Sprintf("%s/callback/+", TopicPrefix)
}

// AllCoreEvents matches every core event.
//
// Pattern: growlogic/core/event/+
func (Topics) AllCoreEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixCore)
}

// Segment returns the n-th '/'-separated segment of topic, or "" if the
// topic is shorter. Handlers use it to recover the id a wildcard matched.
func Segment(topic string, n int) string {
	start := 0
	for i := 0; i <= len(topic); i++ {
		if i < len(topic) && topic[i] != '/' {
			continue
		}
		if n == 0 {
			return topic[start:i]
		}
		n--
		start = i + 1
	}
	return ""
}
