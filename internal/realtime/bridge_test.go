package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-market-chat/internal/config"
)

func TestBridgeFrameRoundTrip(t *testing.T) {
	payload, err := encodeBridgeFrame("node-a", "conversation:7", []byte(`{"event":"typing_start","data":{"conversation_id":7,"user_id":1}}`))
	require.NoError(t, err)

	room, frame, remote, err := decodeBridgeFrame("node-b", string(payload))
	require.NoError(t, err)
	assert.True(t, remote)
	assert.Equal(t, "conversation:7", room)
	assert.JSONEq(t, `{"event":"typing_start","data":{"conversation_id":7,"user_id":1}}`, string(frame))

	_, _, remote, err = decodeBridgeFrame("node-a", string(payload))
	require.NoError(t, err)
	assert.False(t, remote, "own frames must be ignored")
}

func TestBridgeFrameRejectsGarbage(t *testing.T) {
	_, _, _, err := decodeBridgeFrame("x", "{")
	assert.Error(t, err)
	_, _, _, err = decodeBridgeFrame("x", `{"instance":"y","room":"","event":{}}`)
	assert.Error(t, err)
}

func TestNewBridge_ConfigErrors(t *testing.T) {
	_, err := NewBridge(context.Background(), config.RedisConfig{}, "")
	assert.Error(t, err)
	_, err = NewBridge(context.Background(), config.RedisConfig{URL: "http://not-redis"}, "node-1")
	assert.Error(t, err)
}
