// Package mqtt provides MQTT client connectivity for Grow Logic Core.
//
// MQTT is the bus between the core and the field: actuator gateways receive
// commands and acknowledge them, sensors publish readings, and operator
// devices receive notifications and answer their actions.
//
//	Grow Logic Core ↔ Mosquitto ↔ gateways, sensors, operator apps
//
// Topic layout (see Topics):
//
//	growlogic/command/{protocol}/{actuator}   core → gateway
//	growlogic/ack/{protocol}/{actuator}       gateway → core
//	growlogic/sensor/{sensor}/reading         sensor → core
//	growlogic/notify/{target}                 core → operator
//	growlogic/callback/{target}               operator → core
//	growlogic/core/event/{type}               core → anyone
//	growlogic/system/status                   retained online/offline
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
