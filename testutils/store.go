package testutils

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/mailstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory opens a fresh, empty store backed by creds.
type StoreFactory func(t *testing.T, creds mailstore.Credentials) mailstore.Store

const sampleMessage = "From: sender@example.net\r\nTo: alice@example.com\r\n\r\nhello\r\n.hidden dot\r\n"

// ReadAll returns every line of msg.
func ReadAll(t testing.TB, msg mailstore.Message) []string {
	t.Helper()
	var lines []string
	for line, err := range msg.Lines(context.Background()) {
		require.NoError(t, err)
		lines = append(lines, line)
	}
	return lines
}

// RunStoreConformance checks the mailstore.Store contract against a backend.
func RunStoreConformance(t *testing.T, open StoreFactory) {
	ctx := context.Background()

	t.Run("UserExists", func(t *testing.T) {
		s := open(t, NewUsers(t))
		ok, err := s.UserExists(ctx, Alice)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.UserExists(ctx, "ALICE@example.com")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.UserExists(ctx, "mallory@example.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("OpenAuthenticated", func(t *testing.T) {
		s := open(t, NewUsers(t))
		box, err := s.OpenAuthenticated(ctx, Alice, AlicePassword)
		require.NoError(t, err)
		assert.Equal(t, Alice, box.Address())

		_, err = s.OpenAuthenticated(ctx, Alice, BobPassword)
		assert.True(t, errors.Is(err, consts.ErrAuthFailed), "wrong password: %v", err)

		_, err = s.OpenAuthenticated(ctx, "mallory@example.com", "x")
		assert.True(t, errors.Is(err, consts.ErrAuthFailed), "unknown user: %v", err)
	})

	t.Run("OpenForDeliveryUnknown", func(t *testing.T) {
		s := open(t, NewUsers(t))
		_, err := s.OpenForDelivery(ctx, "mallory@example.com")
		assert.True(t, errors.Is(err, consts.ErrUserNotFound), "got %v", err)
	})

	t.Run("DeliverToDistinctMailboxes", func(t *testing.T) {
		s := open(t, NewUsers(t))
		alice, err := s.OpenForDelivery(ctx, Alice)
		require.NoError(t, err)
		aliceAgain, err := s.OpenForDelivery(ctx, "Alice@Example.com")
		require.NoError(t, err)
		carol, err := s.OpenForDelivery(ctx, Carol)
		require.NoError(t, err)

		require.NoError(t, s.Deliver(ctx, []mailstore.Mailbox{alice, carol, aliceAgain}, []byte(sampleMessage)))

		for _, who := range []struct{ user, pass string }{{Alice, AlicePassword}, {Carol, CarolPassword}} {
			box, err := s.OpenAuthenticated(ctx, who.user, who.pass)
			require.NoError(t, err)
			msgs, err := box.Messages(ctx)
			require.NoError(t, err)
			require.Len(t, msgs, 1, "%s receives exactly one copy", who.user)
			assert.Equal(t, int64(len(sampleMessage)), msgs[0].Size())
			lines := ReadAll(t, msgs[0])
			assert.Equal(t, []string{"From: sender@example.net", "To: alice@example.com", "", "hello", ".hidden dot"}, lines)
			assert.Equal(t, lines, ReadAll(t, msgs[0]), "lines are restartable")
		}

		bob, err := s.OpenAuthenticated(ctx, Bob, BobPassword)
		require.NoError(t, err)
		msgs, err := bob.Messages(ctx)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("DeliverForeignMailbox", func(t *testing.T) {
		s := open(t, NewUsers(t))
		other := open(t, NewUsers(t))
		local, err := s.OpenForDelivery(ctx, Alice)
		require.NoError(t, err)
		foreign, err := other.OpenForDelivery(ctx, Carol)
		require.NoError(t, err)

		err = s.Deliver(ctx, []mailstore.Mailbox{local, foreign}, []byte(sampleMessage))
		assert.True(t, errors.Is(err, consts.ErrMailboxNotFound), "got %v", err)

		box, err := s.OpenAuthenticated(ctx, Alice, AlicePassword)
		require.NoError(t, err)
		msgs, err := box.Messages(ctx)
		require.NoError(t, err)
		assert.Empty(t, msgs, "no partial delivery")
	})

	t.Run("MessagesOrderedAndCommitDeletions", func(t *testing.T) {
		s := open(t, NewUsers(t))
		bob, err := s.OpenForDelivery(ctx, Bob)
		require.NoError(t, err)
		for _, body := range []string{"first\r\n", "second\r\n", "third\r\n"} {
			require.NoError(t, s.Deliver(ctx, []mailstore.Mailbox{bob}, []byte(body)))
		}

		box, err := s.OpenAuthenticated(ctx, Bob, BobPassword)
		require.NoError(t, err)
		msgs, err := box.Messages(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"first"}, ReadAll(t, msgs[0]))
		assert.Equal(t, []string{"second"}, ReadAll(t, msgs[1]))
		assert.Equal(t, []string{"third"}, ReadAll(t, msgs[2]))

		require.NoError(t, box.CommitDeletions(ctx, []mailstore.Message{msgs[0], msgs[2]}))
		require.NoError(t, box.CommitDeletions(ctx, []mailstore.Message{msgs[0]}), "deleting twice is harmless")
		require.NoError(t, box.CommitDeletions(ctx, nil))

		after, err := box.Messages(ctx)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, msgs[1].ID(), after[0].ID())
		assert.Equal(t, []string{"second"}, ReadAll(t, after[0]))
	})

	t.Run("SnapshotIsStable", func(t *testing.T) {
		s := open(t, NewUsers(t))
		alice, err := s.OpenForDelivery(ctx, Alice)
		require.NoError(t, err)
		require.NoError(t, s.Deliver(ctx, []mailstore.Mailbox{alice}, []byte("one\r\n")))

		box, err := s.OpenAuthenticated(ctx, Alice, AlicePassword)
		require.NoError(t, err)
		snapshot, err := box.Messages(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Deliver(ctx, []mailstore.Mailbox{alice}, []byte("two\r\n")))
		assert.Len(t, snapshot, 1, "a snapshot does not grow")

		fresh, err := box.Messages(ctx)
		require.NoError(t, err)
		assert.Len(t, fresh, 2)
	})
}
