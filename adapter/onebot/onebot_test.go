package onebot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("group message with segments", func(t *testing.T) {
		frame, err := Decode([]byte(`{"time":1,"self_id":10,"post_type":"message","message_type":"group","group_id":123,"user_id":987,
			"message":[{"type":"at","data":{"qq":"10"}},{"type":"text","data":{"text":"hello "}},{"type":"text","data":{"text":"world"}}],
			"raw_message":"[CQ:at,qq=10]hello world","sender":{"user_id":987,"nickname":"Alex","card":"Alex@Lobby"}}`))
		require.NoError(t, err)
		require.NotNil(t, frame.Event)
		assert.True(t, frame.Event.IsGroupMessage())
		assert.Equal(t, "hello world", frame.Event.Text())
		assert.Equal(t, "Alex@Lobby", frame.Event.Sender.DisplayName())
	})

	t.Run("string message", func(t *testing.T) {
		frame, err := Decode([]byte(`{"post_type":"message","message_type":"private","user_id":1,"message":"/绑定 abc","sender":{"nickname":"Bob"}}`))
		require.NoError(t, err)
		assert.True(t, frame.Event.IsPrivateMessage())
		assert.Equal(t, "/绑定 abc", frame.Event.Text())
		assert.Equal(t, "Bob", frame.Event.Sender.DisplayName())
	})

	t.Run("action response", func(t *testing.T) {
		frame, err := Decode([]byte(`{"status":"ok","retcode":0,"data":{"message_id":1},"echo":"e-1"}`))
		require.NoError(t, err)
		require.NotNil(t, frame.Response)
		assert.True(t, frame.Response.OK())
		assert.Equal(t, "e-1", frame.Response.EchoString())
	})

	t.Run("failed response", func(t *testing.T) {
		frame, err := Decode([]byte(`{"status":"failed","retcode":100,"echo":"e-2"}`))
		require.NoError(t, err)
		assert.False(t, frame.Response.OK())
	})

	t.Run("meta event", func(t *testing.T) {
		frame, err := Decode([]byte(`{"post_type":"meta_event","meta_event_type":"heartbeat","self_id":10}`))
		require.NoError(t, err)
		assert.Equal(t, MetaEventHeartbeat, frame.Event.MetaEventType)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestParseID(t *testing.T) {
	id, ok := ParseID("123456")
	assert.True(t, ok)
	assert.Equal(t, int64(123456), id)

	for _, bad := range []string{"", "abc", "-1", "0", "12a"} {
		_, ok := ParseID(bad)
		assert.False(t, ok, bad)
	}
}
