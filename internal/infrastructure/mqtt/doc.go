// Package mqtt connects graygate instances to a shared MQTT broker.
//
// The broker carries schema-sync notifications between instances that
// share one metadata store: after a local metadata change an instance
// publishes the new resource version, and its peers reload.
//
// The client wraps paho.mqtt.golang with:
//   - auto-reconnect with exponential backoff
//   - subscriptions restored after every reconnect
//   - a retained per-instance status topic with a Last Will for crash detection
//   - panic recovery around message handlers
//
// # Topics
//
//	{prefix}/schema/sync              resource version announcements
//	{prefix}/instance/{id}/status     online / offline (retained, LWT)
//
// # Security
//
// Enable TLS (broker.tls) and broker authentication outside of local
// development. Payloads never contain credentials.
package mqtt
