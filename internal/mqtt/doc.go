// Package mqtt publishes the agent host's status to an MQTT broker as
// Home Assistant discovery sensors.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, an
// "online" birth message to the availability topic, and subscribes to
// Home Assistant's status topic so discovery is re-sent when HA
// restarts. A will message moves availability to "offline" on
// unexpected disconnects.
package mqtt
