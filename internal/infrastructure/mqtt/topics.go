package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration names none.
const DefaultTopicPrefix = "graygate"

// Topics builds topic names under a prefix.
//
//	topics := mqtt.NewTopics("graygate")
//	topics.SchemaSync() // "graygate/schema/sync"
type Topics struct {
	prefix string
}

// NewTopics creates a builder. Trailing slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	return t.prefix
}

// SchemaSync is where instances announce metadata changes.
func (t Topics) SchemaSync() string {
	return t.prefix + "/schema/sync"
}

// InstanceStatus is the retained online/offline topic of one instance.
func (t Topics) InstanceStatus(clientID string) string {
	return t.prefix + "/instance/" + clientID + "/status"
}

// AllInstanceStatus matches every instance's status topic.
func (t Topics) AllInstanceStatus() string {
	return t.prefix + "/instance/+/status"
}
