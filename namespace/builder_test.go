package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"a", "b"}, "a:b"},
		{[]string{"a", "", "b"}, "a:b"},
		{[]string{"a:", ":b:"}, "a:b"},
		{[]string{""}, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, JoinKey(tc.segments...), "%q", tc.segments)
	}
}

func TestBuilder_MQTT(t *testing.T) {
	b := New("plant", "east")
	assert.Equal(t, "plant/east", b.MQTTRoot())
	assert.Equal(t, "plant/east/line1/tags/Counter", b.MQTTTagTopic("line1", "Counter"))
	assert.Equal(t, "plant/east/line1/status", b.MQTTStatusTopic("line1"))
	assert.Equal(t, "plant/east/packs/line", b.MQTTPackTopic("line"))
	assert.Equal(t, "plant/east/triggers/done", b.MQTTTriggerTopic("done"))
	assert.Equal(t, "plant/east/+/write", b.MQTTWriteFilter())
	assert.Equal(t, "plant/east/line1/write/response", b.MQTTWriteResponseTopic("line1"))
	assert.Equal(t, "line1", b.MQTTWriteController("plant/east/line1/write"))

	assert.Equal(t, "plant", New("plant", "").MQTTRoot())
}

func TestBuilder_Valkey(t *testing.T) {
	b := New("plant", "")
	assert.Equal(t, "plant:line1:tags:Program:Main.X", b.ValkeyTagKey("line1", "Program:Main.X"))
	assert.Equal(t, "plant:line1:health", b.ValkeyHealthKey("line1"))
	assert.Equal(t, "plant:packs:line", b.ValkeyPackKey("line"))
	assert.Equal(t, "plant:triggers:done", b.ValkeyTriggerKey("done"))
	assert.Equal(t, "plant:line1:changes", b.ValkeyChangesChannel("line1"))
	assert.Equal(t, "plant:_all:changes", b.ValkeyAllChangesChannel())
	assert.Equal(t, "plant:writes", b.ValkeyWriteQueue())
	assert.Equal(t, "plant:write:responses", b.ValkeyWriteResponseChannel())

	assert.Equal(t, "plant:east:writes", New("plant", "east").ValkeyWriteQueue())
}

func TestBuilder_Kafka(t *testing.T) {
	b := New("plant", "")
	assert.Equal(t, "plant.changes", b.KafkaChangeTopic())
	assert.Equal(t, "plant.status", b.KafkaStatusTopic())
	assert.Equal(t, "plant.writes", b.KafkaWriteTopic())
	assert.Equal(t, "plant.packs", b.KafkaPackTopic())
	assert.Equal(t, "plant.triggers", b.KafkaTriggerTopic())
	assert.Equal(t, "plant.write-responses", b.KafkaWriteResponseTopic())

	assert.Equal(t, "plant.east.changes", New("plant", "east").KafkaChangeTopic())
}
