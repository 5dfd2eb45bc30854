package sts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageEvent(t *testing.T) {
	c := &socketConn{namespace: "/"}

	ev, disc, err := c.parseMessage(`2["stream:ready",{"stream_id":"demo"}]`)
	require.NoError(t, err)
	assert.False(t, disc)
	require.NotNil(t, ev)
	assert.Equal(t, "stream:ready", ev.Name)
	assert.JSONEq(t, `{"stream_id":"demo"}`, string(ev.Data))
}

func TestParseMessageEventWithAckID(t *testing.T) {
	c := &socketConn{namespace: "/"}

	ev, _, err := c.parseMessage(`213["fragment:ack",{"fragment_id":"f1"}]`)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "fragment:ack", ev.Name)
}

func TestParseMessageCustomNamespace(t *testing.T) {
	c := &socketConn{namespace: "/sts"}

	ev, _, err := c.parseMessage(`2/sts,["backpressure",{"is_paused":true}]`)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "backpressure", ev.Name)

	// Events for other namespaces are skipped.
	ev, _, err = c.parseMessage(`2/other,["backpressure",{}]`)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseMessageDisconnect(t *testing.T) {
	c := &socketConn{namespace: "/"}

	_, disc, err := c.parseMessage(`1`)
	require.NoError(t, err)
	assert.True(t, disc)
}

func TestParseMessageEventWithoutPayload(t *testing.T) {
	c := &socketConn{namespace: "/"}

	ev, _, err := c.parseMessage(`2["stream:complete"]`)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "stream:complete", ev.Name)
	assert.Nil(t, ev.Data)
}

func TestNormalizeNamespace(t *testing.T) {
	assert.Equal(t, "/", normalizeNamespace(""))
	assert.Equal(t, "/", normalizeNamespace("/"))
	assert.Equal(t, "/sts", normalizeNamespace("sts"))
	assert.Equal(t, "/sts", normalizeNamespace("/sts"))
}
