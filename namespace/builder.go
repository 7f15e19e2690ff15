// Package namespace builds the topics, keys and channels the sinks publish
// to, so MQTT, Valkey and Kafka share one layout under the namespace.
package namespace

import "strings"

// Builder derives names from a namespace and an optional selector.
type Builder struct {
	namespace string
	selector  string
}

// New creates a builder. selector may be empty.
func New(namespace, selector string) *Builder {
	return &Builder{namespace: namespace, selector: selector}
}

// --- MQTT (delimiter: /) ---

// MQTTRoot returns {ns}[/{sel}].
func (b *Builder) MQTTRoot() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTTagTopic returns {root}/{controller}/tags/{tag}.
func (b *Builder) MQTTTagTopic(controller, tag string) string {
	return b.MQTTRoot() + "/" + controller + "/tags/" + tag
}

// MQTTStatusTopic returns {root}/{controller}/status.
func (b *Builder) MQTTStatusTopic(controller string) string {
	return b.MQTTRoot() + "/" + controller + "/status"
}

// MQTTPackTopic returns {root}/packs/{name}.
func (b *Builder) MQTTPackTopic(name string) string {
	return b.MQTTRoot() + "/packs/" + name
}

// MQTTTriggerTopic returns {root}/triggers/{name}.
func (b *Builder) MQTTTriggerTopic(name string) string {
	return b.MQTTRoot() + "/triggers/" + name
}

// MQTTWriteFilter matches the write topic of every controller.
func (b *Builder) MQTTWriteFilter() string {
	return b.MQTTRoot() + "/+/write"
}

// MQTTWriteResponseTopic returns {root}/{controller}/write/response.
func (b *Builder) MQTTWriteResponseTopic(controller string) string {
	return b.MQTTRoot() + "/" + controller + "/write/response"
}

// MQTTWriteController extracts the controller from a write topic.
func (b *Builder) MQTTWriteController(topic string) string {
	return strings.TrimSuffix(strings.TrimPrefix(topic, b.MQTTRoot()+"/"), "/write")
}

// --- Valkey (delimiter: :) ---

// JoinKey joins key segments with colons, dropping empty segments and
// stray colons at segment edges.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ValkeyRoot returns {ns}[:{sel}].
func (b *Builder) ValkeyRoot() string {
	return JoinKey(b.namespace, b.selector)
}

// ValkeyTagKey returns {root}:{controller}:tags:{tag}. Tag paths may
// contain colons; the tag is always the last segment.
func (b *Builder) ValkeyTagKey(controller, tag string) string {
	return JoinKey(b.ValkeyRoot(), controller, "tags") + ":" + tag
}

// ValkeyHealthKey returns {root}:{controller}:health.
func (b *Builder) ValkeyHealthKey(controller string) string {
	return JoinKey(b.ValkeyRoot(), controller, "health")
}

// ValkeyChangesChannel returns {root}:{controller}:changes.
func (b *Builder) ValkeyChangesChannel(controller string) string {
	return JoinKey(b.ValkeyRoot(), controller, "changes")
}

// ValkeyAllChangesChannel returns {root}:_all:changes.
func (b *Builder) ValkeyAllChangesChannel() string {
	return JoinKey(b.ValkeyRoot(), "_all", "changes")
}

// ValkeyPackKey returns {root}:packs:{name}.
func (b *Builder) ValkeyPackKey(name string) string {
	return JoinKey(b.ValkeyRoot(), "packs", name)
}

// ValkeyTriggerKey returns {root}:triggers:{name}.
func (b *Builder) ValkeyTriggerKey(name string) string {
	return JoinKey(b.ValkeyRoot(), "triggers", name)
}

// ValkeyWriteQueue returns {root}:writes.
func (b *Builder) ValkeyWriteQueue() string {
	return JoinKey(b.ValkeyRoot(), "writes")
}

// ValkeyWriteResponseChannel returns {root}:write:responses.
func (b *Builder) ValkeyWriteResponseChannel() string {
	return JoinKey(b.ValkeyRoot(), "write", "responses")
}

// --- Kafka (delimiter: .) ---

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "." + b.selector
	}
	return b.namespace
}

// KafkaChangeTopic returns {ns}[.{sel}].changes.
func (b *Builder) KafkaChangeTopic() string { return b.kafkaBase() + ".changes" }

// KafkaStatusTopic returns {ns}[.{sel}].status.
func (b *Builder) KafkaStatusTopic() string { return b.kafkaBase() + ".status" }

// KafkaPackTopic returns {ns}[.{sel}].packs.
func (b *Builder) KafkaPackTopic() string { return b.kafkaBase() + ".packs" }

// KafkaTriggerTopic returns {ns}[.{sel}].triggers.
func (b *Builder) KafkaTriggerTopic() string { return b.kafkaBase() + ".triggers" }

// KafkaWriteTopic returns {ns}[.{sel}].writes.
func (b *Builder) KafkaWriteTopic() string { return b.kafkaBase() + ".writes" }

// KafkaWriteResponseTopic returns {ns}[.{sel}].write-responses.
func (b *Builder) KafkaWriteResponseTopic() string { return b.kafkaBase() + ".write-responses" }
