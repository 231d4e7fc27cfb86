// Package namespace builds the topic and key names the sinks publish under,
// so MQTT, Valkey and Kafka share one prefix scheme.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a builder. selector is an optional sub-namespace.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: strings.Trim(namespace, "/:-"),
		selector:  strings.Trim(selector, "/:-"),
	}
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}[/{sel}]/{plc}/tags/{tag}
func (b *Builder) MQTTTagTopic(plc, tag string) string {
	return b.join("/", plc, "tags", tag)
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{plc}/health
func (b *Builder) MQTTHealthTopic(plc string) string {
	return b.join("/", plc, "health")
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/{plc}/write
func (b *Builder) MQTTWriteTopic(plc string) string {
	return b.join("/", plc, "write")
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/{plc}/write/response
func (b *Builder) MQTTWriteResponseTopic(plc string) string {
	return b.join("/", plc, "write", "response")
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag value: {ns}[:{sel}]:{plc}:tags:{tag}
func (b *Builder) ValkeyTagKey(plc, tag string) string {
	return b.join(":", plc, "tags", tag)
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{plc}:health
func (b *Builder) ValkeyHealthKey(plc string) string {
	return b.join(":", plc, "health")
}

// ValkeyChangesChannel returns the channel for one PLC's changes: {ns}[:{sel}]:{plc}:changes
func (b *Builder) ValkeyChangesChannel(plc string) string {
	return b.join(":", plc, "changes")
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.join(":", "_all", "changes")
}

// ValkeyWriteQueue returns the list key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.join(":", "writes")
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.join(":", "write", "responses")
}

// ValkeyFactory returns the factory identifier for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.join(":")
}

// --- Kafka (delimiter: -) ---

// KafkaTagTopic returns the topic for tag values: {ns}[-{sel}], or
// "eiptag" without a namespace.
func (b *Builder) KafkaTagTopic() string {
	if t := b.join("-"); t != "" {
		return t
	}
	return "eiptag"
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.KafkaTagTopic() + ".health"
}

// KafkaWriteTopic returns the topic for write requests: {ns}[-{sel}]-writes
func (b *Builder) KafkaWriteTopic() string {
	return b.KafkaTagTopic() + "-writes"
}

// KafkaWriteResponseTopic returns the topic for write responses: {ns}[-{sel}]-write-responses
func (b *Builder) KafkaWriteResponseTopic() string {
	return b.KafkaTagTopic() + "-write-responses"
}

// KafkaKey returns the partition key for a tag: {plc}.{tag}
func (b *Builder) KafkaKey(plc, tag string) string {
	return plc + "." + tag
}

// join prefixes parts with the namespace and selector. Tag names may
// contain the delimiter themselves; they always form the last segment.
func (b *Builder) join(delim string, parts ...string) string {
	segs := make([]string, 0, len(parts)+2)
	if b.namespace != "" {
		segs = append(segs, b.namespace)
	}
	if b.selector != "" {
		segs = append(segs, b.selector)
	}
	segs = append(segs, parts...)
	return strings.Join(segs, delim)
}
