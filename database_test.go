package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.CreateTables())
	t.Cleanup(func() { db.Close() })
	return db
}

func createApprovedUser(t *testing.T, db *Database, username, password string) *User {
	t.Helper()

	user, err := db.AddUser(username, password)
	require.NoError(t, err)
	require.False(t, user.Approved, "new users must start unapproved")
	require.NoError(t, db.SetApproved(username, true))

	user, err = db.GetUser(username)
	require.NoError(t, err)
	return user
}

func TestAddUserDuplicateUsername(t *testing.T) {
	db := newTestDB(t)

	_, err := db.AddUser("alice", "secret")
	require.NoError(t, err)

	_, err = db.AddUser("alice", "other")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSetApprovedUnknownUser(t *testing.T) {
	db := newTestDB(t)

	err := db.SetApproved("ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionReuse(t *testing.T) {
	db := newTestDB(t)
	user := createApprovedUser(t, db, "alice", "secret")

	first, err := db.EnsureSession(user.ID, 24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := db.EnsureSession(user.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first, second, "a valid token must be reused, not replaced")
}

func TestSessionExpiredTokenNotReused(t *testing.T) {
	db := newTestDB(t)
	user := createApprovedUser(t, db, "alice", "secret")

	now := time.Now().UTC()
	_, err := db.db.Exec(
		"INSERT INTO sessions (user_id, session_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		user.ID, "stale-token", now.Add(-48*time.Hour), now.Add(-24*time.Hour),
	)
	require.NoError(t, err)

	fresh, err := db.EnsureSession(user.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, "stale-token", fresh)
}

func TestGetOrCreateDirectUniqueness(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")
	carol := createApprovedUser(t, db, "carol", "secret")

	first, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	// Same pair in either argument order resolves to the same conversation.
	second, err := db.GetOrCreateDirect(bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := db.GetOrCreateDirect(alice.ID, carol.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	participants, err := db.GetParticipants(first)
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestMessageOrdering(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")

	conversationID, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		sender := alice.ID
		if i%2 == 1 {
			sender = bob.ID
		}
		_, err := db.AppendMessage(conversationID, sender, `{"msg":"m"}`)
		require.NoError(t, err)
	}

	messages, err := db.GetMessagesBefore(conversationID, 0, 100)
	require.NoError(t, err)
	require.Len(t, messages, 20)

	for i := 1; i < len(messages); i++ {
		assert.Greater(t, messages[i].ID, messages[i-1].ID, "history must be oldest-first by id")
	}
}

func TestGetMessagesBeforeExcludesCursor(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")

	conversationID, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	ids := make([]int, 0, 15)
	for i := 0; i < 15; i++ {
		msg, err := db.AppendMessage(conversationID, alice.ID, `{"msg":"m"}`)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	cursor := ids[10]
	page, err := db.GetMessagesBefore(conversationID, cursor, 10)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(page), 10)
	for _, msg := range page {
		assert.Less(t, msg.ID, cursor, "the cursor message itself is never returned")
	}
	for i := 1; i < len(page); i++ {
		assert.Greater(t, page[i].ID, page[i-1].ID)
	}

	small, err := db.GetMessagesBefore(conversationID, cursor, 3)
	require.NoError(t, err)
	assert.Len(t, small, 3)
	// The page closest to the cursor, not the oldest three overall.
	assert.Equal(t, ids[9], small[2].ID)
}

func TestUpdateLastReadMonotonic(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")

	conversationID, err := db.GetOrCreateDirect(alice.ID, bob.ID)
	require.NoError(t, err)

	first, err := db.AppendMessage(conversationID, alice.ID, `{"msg":"one"}`)
	require.NoError(t, err)
	second, err := db.AppendMessage(conversationID, alice.ID, `{"msg":"two"}`)
	require.NoError(t, err)

	participant, err := db.GetParticipant(conversationID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, db.UpdateLastRead(participant.ID, second.ID))

	// The watermark never moves backwards.
	err = db.UpdateLastRead(participant.ID, first.ID)
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := db.GetParticipant(conversationID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, updated.LastReadMessageID)

	err = db.UpdateLastRead(99999, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveParticipant(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")
	bob := createApprovedUser(t, db, "bob", "secret")

	name := "general"
	conv, err := db.CreateConversation(&name, ConversationGroup, alice.ID)
	require.NoError(t, err)

	require.NoError(t, db.AddParticipant(conv.ID, alice.ID))
	require.NoError(t, db.AddParticipant(conv.ID, bob.ID))
	// Adding twice is a no-op, the pair is unique.
	require.NoError(t, db.AddParticipant(conv.ID, bob.ID))

	participants, err := db.GetParticipants(conv.ID)
	require.NoError(t, err)
	require.Len(t, participants, 2)

	require.NoError(t, db.RemoveParticipant(conv.ID, bob.ID))
	err = db.RemoveParticipant(conv.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	db := newTestDB(t)
	alice := createApprovedUser(t, db, "alice", "secret")

	_, err := db.AppendMessage(12345, alice.ID, `{"msg":"hi"}`)
	assert.ErrorIs(t, err, ErrNotFound)
}
