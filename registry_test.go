package main

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	failSend bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("connection dead")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frames() []CommandFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]CommandFrame, 0, len(c.sent))
	for _, payload := range c.sent {
		var frame CommandFrame
		if err := json.Unmarshal(payload, &frame); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (c *fakeConn) gotRejected() bool {
	for _, frame := range c.frames() {
		if frame.Type == "cmd" && frame.Data == CmdRejected {
			return true
		}
	}
	return false
}

func TestConnectSingleEntryPerUsername(t *testing.T) {
	registry := NewRegistry(newTestDB(t))

	first := &fakeConn{}
	second := &fakeConn{}

	registry.Connect("alice", first)
	assert.True(t, registry.IsOnline("alice"))

	registry.Connect("alice", second)

	// Exactly one registry entry; the prior socket was told it lost.
	assert.Equal(t, []string{"alice"}, registry.ListOnline())
	assert.True(t, first.gotRejected(), "evicted connection must receive the rejected command")
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
}

func TestReleaseOnlyRemovesOwnEntry(t *testing.T) {
	registry := NewRegistry(newTestDB(t))

	first := &fakeConn{}
	second := &fakeConn{}

	registry.Connect("alice", first)
	registry.Connect("alice", second)

	// The evicted connection's read loop winding down must not knock the
	// successor offline.
	registry.release("alice", first)
	assert.True(t, registry.IsOnline("alice"))

	registry.release("alice", second)
	assert.False(t, registry.IsOnline("alice"))
}

func TestDisconnect(t *testing.T) {
	registry := NewRegistry(newTestDB(t))

	registry.Connect("alice", &fakeConn{})
	registry.Connect("bob", &fakeConn{})

	registry.Disconnect("alice")
	assert.Equal(t, []string{"bob"}, registry.ListOnline())

	// Disconnecting an unknown user is a no-op.
	registry.Disconnect("ghost")
	assert.Equal(t, []string{"bob"}, registry.ListOnline())
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)

	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")
	conversationID, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	aliceConn := &fakeConn{}
	bobConn := &fakeConn{failSend: true}
	registry.Connect("alice", aliceConn)
	registry.Connect("bob", bobConn)

	delivered, pruned, err := registry.BroadcastToConversation(conversationID, []byte(`{"hello":true}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, delivered)
	assert.Equal(t, []string{"bob"}, pruned)

	// Pruning flips presence to offline immediately, no sweep needed.
	assert.False(t, registry.IsOnline("bob"))
	assert.True(t, registry.IsOnline("alice"))
	assert.True(t, bobConn.isClosed())
}

func TestBroadcastOnlyReachesParticipants(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)

	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")
	createApprovedUser(t, db, "carol", "secret")
	conversationID, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	carolConn := &fakeConn{}
	aliceConn := &fakeConn{}
	registry.Connect("alice", aliceConn)
	registry.Connect("carol", carolConn)

	delivered, pruned, err := registry.BroadcastToConversation(conversationID, []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, delivered)
	assert.Empty(t, pruned)
	assert.Empty(t, carolConn.frames())
}

func TestHandleUserEventRejectForcesOffline(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)
	createApprovedUser(t, db, "carol", "secret")
	require.NoError(t, registry.LoadDirectory())

	conn := &fakeConn{}
	registry.Connect("carol", conn)

	registry.HandleUserEvent(UserEvent{Kind: UserRejected, Username: "carol"})

	assert.True(t, conn.gotRejected())
	assert.False(t, registry.IsOnline("carol"))
	// The socket itself is not closed; teardown is the client's side.
	assert.False(t, conn.isClosed())
}

func TestHandleUserEventApprovedRefreshesDirectory(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db)

	_, err := db.AddUser("dave", "secret")
	require.NoError(t, err)
	require.NoError(t, registry.LoadDirectory())

	require.NoError(t, db.SetApproved("dave", true))
	registry.HandleUserEvent(UserEvent{Kind: UserApproved, Username: "dave"})

	snapshot := registry.DirectorySnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "dave", snapshot[0].Username)
	assert.True(t, snapshot[0].Approved)
	assert.False(t, snapshot[0].Online)
}
