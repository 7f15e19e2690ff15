package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/logix"
	"taglink/plcman"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"", JSON, false},
		{"json", JSON, false},
		{" CBOR ", CBOR, false},
		{"xml", "", true},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, "application/cbor", CBOR.ContentType())
	assert.Equal(t, "application/json", JSON.ContentType())
}

func TestFromEvent(t *testing.T) {
	c := plcman.NewController("10.0.0.1:44818", plcman.WithName("line1"))
	defer c.Close()
	tag, err := c.AddTag("Counter", plcman.TagOptions{})
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("changed", func(t *testing.T) {
		got := FromEvent("plant", plcman.Event{
			Type: plcman.EventTagChanged, Controller: c, Tag: tag,
			Value: logix.IntValue(7), Previous: logix.IntValue(6), Time: now,
		})
		ch, ok := got.(*Change)
		require.True(t, ok)
		assert.NotEmpty(t, ch.ID)
		assert.Equal(t, "plant", ch.Namespace)
		assert.Equal(t, "line1", ch.Controller)
		assert.Equal(t, "10.0.0.1:44818", ch.Address)
		assert.Equal(t, "Counter", ch.Tag)
		assert.Equal(t, int64(7), ch.Value)
		assert.Equal(t, int64(6), ch.Previous)
		assert.Equal(t, QualityGood, ch.Quality)
		assert.Equal(t, now, ch.Timestamp)
	})

	t.Run("first value has no previous", func(t *testing.T) {
		ch := FromEvent("plant", plcman.Event{
			Type: plcman.EventTagChanged, Controller: c, Tag: tag, Value: logix.IntValue(1),
		}).(*Change)
		assert.Nil(t, ch.Previous)
		assert.False(t, ch.Timestamp.IsZero())
	})

	t.Run("error", func(t *testing.T) {
		ch := FromEvent("plant", plcman.Event{
			Type: plcman.EventTagError, Controller: c, Tag: tag, Err: errors.New("boom"),
		}).(*Change)
		assert.Equal(t, QualityStale, ch.Quality)
		assert.Equal(t, "boom", ch.Error)
		assert.Nil(t, ch.Value)
	})

	t.Run("status", func(t *testing.T) {
		st := FromEvent("plant", plcman.Event{
			Type: plcman.EventDisconnected, Controller: c, Err: errors.New("reset"),
		}).(*Status)
		assert.False(t, st.Connected)
		assert.Equal(t, "reset", st.Error)
		assert.Equal(t, "line1", st.Controller)
	})
}

func TestMarshal_Formats(t *testing.T) {
	ch := &Change{
		ID: "1", Controller: "line1", Tag: "Recipe",
		Value:   logix.ArrayValue(logix.IntValue(1), logix.IntValue(-2)).Interface(),
		Quality: QualityGood,
	}

	for _, f := range []Format{JSON, CBOR} {
		t.Run(string(f), func(t *testing.T) {
			data, err := Marshal(f, ch)
			require.NoError(t, err)

			var back map[string]any
			require.NoError(t, Unmarshal(f, data, &back))
			assert.Equal(t, "line1", back["controller"])
			arr, ok := back["value"].([]any)
			require.True(t, ok, "%T", back["value"])
			require.Len(t, arr, 2)

			v, err := logix.ValueOf(arr[1])
			require.NoError(t, err)
			enc, err := logix.Encode(&logix.TypeInfo{Code: logix.TypeDINT}, v)
			require.NoError(t, err)
			assert.Equal(t, []byte{0xFE, 0xFF, 0xFF, 0xFF}, enc)
		})
	}
}

func TestDecodeWrite(t *testing.T) {
	req, err := DecodeWrite(JSON, []byte(`{"id":"w1","controller":"line1","tag":"Counter","value":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), req.Value, "integers keep full precision")

	v, err := logix.ValueOf(req.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v.Int())

	nested, err := Marshal(CBOR, map[string]any{
		"controller": "line1", "tag": "Program:MainProgram.TestUDT2[0]",
		"value": map[string]any{"ID": 4, "LREAL1": 1.5},
	})
	require.NoError(t, err)
	req, err = DecodeWrite(CBOR, nested)
	require.NoError(t, err)
	m, ok := req.Value.(map[string]any)
	require.True(t, ok, "%T", req.Value)
	assert.Equal(t, uint64(4), m["ID"])

	_, err = DecodeWrite(JSON, []byte(`{"tag":"Counter","value":1}`))
	assert.Error(t, err)
	_, err = DecodeWrite(JSON, []byte(`{"controller":"a","tag":"Counter"}`))
	assert.Error(t, err)
	_, err = DecodeWrite(JSON, []byte(`not json`))
	assert.Error(t, err)

	res := (&WriteRequest{ID: "w2", Controller: "a", Tag: "b"}).Result(errors.New("nope"))
	assert.False(t, res.OK)
	assert.Equal(t, "nope", res.Error)
	assert.Equal(t, "w2", res.ID)
}
