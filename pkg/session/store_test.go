package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
	"github.com/neurallink-protocol/neurallink-go/pkg/wire"
)

const testPassphrase = "test-master-passphrase"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), testPassphrase, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSecret(t *testing.T) *crypto.SharedSecret {
	t.Helper()
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	secret, err := crypto.DeriveSharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	return secret
}

// backdate rewrites a session's last_seen, bypassing the cache.
func backdate(t *testing.T, s *Store, id string, lastSeen time.Time) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE sessions SET last_seen = ? WHERE id = ?`, lastSeen.UnixMilli(), id)
	require.NoError(t, err)
	s.mu.Lock()
	if sess, ok := s.cache[id]; ok {
		sess.LastSeen = lastSeen
	}
	s.mu.Unlock()
}

func TestStoreOpen(t *testing.T) {
	t.Run("EmptyPassphraseRejected", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "x.db"), "", zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("Reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sessions.db")
		s, err := Open(path, testPassphrase, zerolog.Nop())
		require.NoError(t, err)

		sess, err := s.Create("phone-1", testSecret(t), "aabb", []string{"notify"})
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s2, err := Open(path, testPassphrase, zerolog.Nop())
		require.NoError(t, err)
		defer s2.Close()

		got, err := s2.Get(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "phone-1", got.DeviceID)
		assert.Equal(t, []string{"notify"}, got.Capabilities)
	})
}

func TestStoreCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.Create("phone-1", testSecret(t), "aabb", []string{"notify", "camera"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.SealedSecret)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	byDevice, err := s.GetByDevice("phone-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byDevice.ID)

	_, err = s.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.GetByDevice("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreRecover(t *testing.T) {
	s := openTestStore(t)
	secret := testSecret(t)

	sess, err := s.Create("phone-1", secret, "aabb", nil)
	require.NoError(t, err)

	recovered, err := s.Recover(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, secret.Key, recovered.Key)
}

func TestStoreRecoverWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, testPassphrase, zerolog.Nop())
	require.NoError(t, err)

	sess, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, "different-passphrase", zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Recover(sess.ID)
	assert.ErrorIs(t, err, ErrRecoveryFailed)
}

func TestStoreValidate(t *testing.T) {
	s := openTestStore(t)

	t.Run("FreshSessionValid", func(t *testing.T) {
		sess, err := s.Create("phone-1", testSecret(t), "aabb", nil)
		require.NoError(t, err)

		valid, err := s.Validate(sess.ID)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("ExpiredSessionPurged", func(t *testing.T) {
		sess, err := s.Create("phone-2", testSecret(t), "aabb", nil)
		require.NoError(t, err)
		require.NoError(t, s.Enqueue("phone-2", wire.NewMessage(wire.TypeSync, nil)))

		backdate(t, s, sess.ID, time.Now().Add(-RetentionWindow-time.Hour))

		valid, err := s.Validate(sess.ID)
		require.NoError(t, err)
		assert.False(t, valid)

		_, err = s.Get(sess.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		depth, err := s.QueueDepth("phone-2")
		require.NoError(t, err)
		assert.Zero(t, depth, "queue purged with the last session")
	})

	t.Run("UnknownSessionInvalid", func(t *testing.T) {
		valid, err := s.Validate("nope")
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestStoreTouch(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)

	backdate(t, s, sess.ID, time.Now().Add(-time.Hour))
	require.NoError(t, s.Touch(sess.ID))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastSeen, time.Minute)
}

func TestStorePreferences(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetPreference(sess.ID, "notifications", "silent"))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "silent", got.Preferences["notifications"])
}

func TestStoreResolveConflicts(t *testing.T) {
	s := openTestStore(t)

	older, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)
	newer, err := s.Create("phone-1", testSecret(t), "ccdd", nil)
	require.NoError(t, err)

	backdate(t, s, older.ID, time.Now().Add(-time.Hour))
	backdate(t, s, newer.ID, time.Now())

	survivor, err := s.ResolveConflicts("phone-1")
	require.NoError(t, err)
	require.NotNil(t, survivor)
	assert.Equal(t, newer.ID, survivor.ID)

	_, err = s.Get(older.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	t.Run("NoSessions", func(t *testing.T) {
		survivor, err := s.ResolveConflicts("ghost")
		require.NoError(t, err)
		assert.Nil(t, survivor)
	})
}

func TestStoreCleanup(t *testing.T) {
	s := openTestStore(t)

	fresh, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)
	stale, err := s.Create("phone-2", testSecret(t), "ccdd", nil)
	require.NoError(t, err)
	backdate(t, s, stale.ID, time.Now().Add(-RetentionWindow-24*time.Hour))

	require.NoError(t, s.Cleanup())

	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = s.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestQueue(t *testing.T) {
	s := openTestStore(t)

	t.Run("EnqueueAndPending", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			m := wire.NewMessage(wire.TypeCommand, map[string]any{"seq": int64(i)})
			require.NoError(t, s.Enqueue("phone-1", m))
		}

		pending, err := s.Pending("phone-1")
		require.NoError(t, err)
		require.Len(t, pending, 3)

		// Enqueue order preserved.
		for i, qm := range pending {
			seq, ok := qm.Message.Payload["seq"]
			require.True(t, ok)
			assert.EqualValues(t, i, seq)
		}

		depth, err := s.QueueDepth("phone-1")
		require.NoError(t, err)
		assert.Equal(t, 3, depth)
	})

	t.Run("ProcessDelivers", func(t *testing.T) {
		var delivered []*wire.Message
		sent, failed, err := s.ProcessQueue("phone-1", func(m *wire.Message) error {
			delivered = append(delivered, m)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, sent)
		assert.Zero(t, failed)
		assert.Len(t, delivered, 3)

		depth, err := s.QueueDepth("phone-1")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("RetryCapDrops", func(t *testing.T) {
		require.NoError(t, s.Enqueue("phone-2", wire.NewMessage(wire.TypeCommand, nil)))

		sendFail := func(*wire.Message) error { return errors.New("device unreachable") }

		// Attempts 1 and 2 keep the message with bumped retry counts.
		for i := 0; i < RetryCap-1; i++ {
			sent, failed, err := s.ProcessQueue("phone-2", sendFail)
			require.NoError(t, err)
			assert.Zero(t, sent)
			assert.Equal(t, 1, failed)

			depth, err := s.QueueDepth("phone-2")
			require.NoError(t, err)
			assert.Equal(t, 1, depth, "message kept before hitting the cap")
		}

		// The attempt that reaches the cap drops the message.
		sent, failed, err := s.ProcessQueue("phone-2", sendFail)
		require.NoError(t, err)
		assert.Zero(t, sent)
		assert.Equal(t, 1, failed)

		depth, err := s.QueueDepth("phone-2")
		require.NoError(t, err)
		assert.Zero(t, depth, "message dropped at retry cap")
	})

	t.Run("ClearQueue", func(t *testing.T) {
		require.NoError(t, s.Enqueue("phone-3", wire.NewMessage(wire.TypeSync, nil)))
		require.NoError(t, s.ClearQueue("phone-3"))

		depth, err := s.QueueDepth("phone-3")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}

func TestDeleteCascade(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.Create("phone-1", testSecret(t), "aabb", nil)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue("phone-1", wire.NewMessage(wire.TypeCommand, nil)))

	require.NoError(t, s.Delete(sess.ID))

	_, err = s.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	depth, err := s.QueueDepth("phone-1")
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Deleting an unknown session is a no-op.
	assert.NoError(t, s.Delete("ghost"))
}
