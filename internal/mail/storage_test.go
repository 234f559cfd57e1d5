package mail_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnet-labs/smartnet/internal/mail"
	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/testutil"
	"github.com/smartnet-labs/smartnet/migrations"
)

// testDB holds a shared database connection for all tests in this package.
var testDB *mail.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = mail.New(ctx, tc.DSN, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestUserByUsername(t *testing.T) {
	ctx := context.Background()

	u, err := testDB.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = testDB.UserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, mail.ErrUserNotFound)
}

func TestSearchUsers(t *testing.T) {
	ctx := context.Background()

	users, err := testDB.SearchUsers(ctx, "a", 0)
	require.NoError(t, err)
	// naya, alice, carol, dave all contain "a".
	require.GreaterOrEqual(t, len(users), 4)
	for i := 1; i < len(users); i++ {
		assert.LessOrEqual(t, users[i-1].Username, users[i].Username)
	}

	users, err = testDB.SearchUsers(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	users, err = testDB.SearchUsers(ctx, "zzz", 0)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSendInternalRows(t *testing.T) {
	ctx := context.Background()

	result, err := testDB.SendInternal(ctx, "alice", model.SendInternalRequest{
		ToUsernames: []string{"bob", "carol"},
		Subject:     "standup",
		Body:        "Moved to 10am.",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, result.ThreadID)
	require.NotEqual(t, uuid.Nil, result.MessageID)

	// Sender sees a read copy in sent.
	sent, err := testDB.Mailbox(ctx, "alice", model.FolderSent, 50, 0)
	require.NoError(t, err)
	var found bool
	for _, e := range sent {
		if e.MessageID == result.MessageID {
			found = true
			assert.True(t, e.IsRead)
			assert.Equal(t, "bob", e.Peer, "peer is the first addressee by username")
			assert.Equal(t, "standup", e.Subject)
		}
	}
	require.True(t, found, "message missing from sender's sent folder")

	// Each addressee sees an unread inbox row with the sender as peer.
	for _, recipient := range []string{"bob", "carol"} {
		inbox, err := testDB.Mailbox(ctx, recipient, model.FolderInbox, 50, 0)
		require.NoError(t, err)
		found = false
		for _, e := range inbox {
			if e.MessageID == result.MessageID {
				found = true
				assert.False(t, e.IsRead)
				assert.Equal(t, "alice", e.Peer)
			}
		}
		require.True(t, found, "message missing from %s's inbox", recipient)
	}
}

func TestSendInternalUnknownRecipientAtomic(t *testing.T) {
	ctx := context.Background()

	before, err := testDB.Mailbox(ctx, "dave", model.FolderSent, 100, 0)
	require.NoError(t, err)

	_, err = testDB.SendInternal(ctx, "dave", model.SendInternalRequest{
		ToUsernames: []string{"naya", "ghost"},
		Subject:     "will not send",
		Body:        "x",
	})
	require.ErrorIs(t, err, mail.ErrUserNotFound)

	// No partial state: dave's sent folder is unchanged and naya got nothing.
	after, err := testDB.Mailbox(ctx, "dave", model.FolderSent, 100, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	inbox, err := testDB.Mailbox(ctx, "naya", model.FolderInbox, 100, 0)
	require.NoError(t, err)
	for _, e := range inbox {
		assert.NotEqual(t, "will not send", e.Subject)
	}
}

func TestSendInternalUnknownSender(t *testing.T) {
	_, err := testDB.SendInternal(context.Background(), "ghost", model.SendInternalRequest{
		ToUsernames: []string{"alice"},
		Body:        "x",
	})
	assert.ErrorIs(t, err, mail.ErrUserNotFound)
}

func TestMailboxPagination(t *testing.T) {
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		result, err := testDB.SendInternal(ctx, "carol", model.SendInternalRequest{
			ToUsernames: []string{"naya"},
			Subject:     fmt.Sprintf("page-%d", i),
			Body:        "pagination fixture",
		})
		require.NoError(t, err)
		ids = append(ids, result.MessageID)
	}

	all, err := testDB.Mailbox(ctx, "naya", model.FolderInbox, 100, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 3)

	// Newest first: the third send leads.
	assert.Equal(t, ids[2], all[0].MessageID)

	page, err := testDB.Mailbox(ctx, "naya", model.FolderInbox, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].MessageID, page[0].MessageID)
}

func TestMailboxSnippetTruncated(t *testing.T) {
	ctx := context.Background()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	result, err := testDB.SendInternal(ctx, "bob", model.SendInternalRequest{
		ToUsernames: []string{"alice"},
		Subject:     "long body",
		Body:        string(long),
	})
	require.NoError(t, err)

	inbox, err := testDB.Mailbox(ctx, "alice", model.FolderInbox, 100, 0)
	require.NoError(t, err)
	for _, e := range inbox {
		if e.MessageID == result.MessageID {
			assert.Len(t, e.Snippet, model.SnippetLen)
			return
		}
	}
	t.Fatal("message not found in inbox")
}

func TestThreadOrderingAndReply(t *testing.T) {
	ctx := context.Background()

	first, err := testDB.SendInternal(ctx, "alice", model.SendInternalRequest{
		ToUsernames: []string{"bob"},
		Subject:     "thread start",
		Body:        "first message",
	})
	require.NoError(t, err)

	reply, err := testDB.SendInternal(ctx, "bob", model.SendInternalRequest{
		ToUsernames: []string{"alice"},
		Subject:     "re: thread start",
		Body:        "second message",
		ThreadID:    &first.ThreadID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, reply.ThreadID)

	// Both participants see both messages in chronological order.
	for _, viewer := range []string{"alice", "bob"} {
		messages, err := testDB.Thread(ctx, viewer, first.ThreadID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "first message", messages[0].Body)
		assert.Equal(t, "second message", messages[1].Body)
		assert.Equal(t, "alice", messages[0].Sender)
		assert.Equal(t, "bob", messages[1].Sender)
	}
}

func TestThreadNotVisibleToOutsider(t *testing.T) {
	ctx := context.Background()

	result, err := testDB.SendInternal(ctx, "alice", model.SendInternalRequest{
		ToUsernames: []string{"bob"},
		Subject:     "private",
		Body:        "between alice and bob",
	})
	require.NoError(t, err)

	_, err = testDB.Thread(ctx, "dave", result.ThreadID)
	assert.ErrorIs(t, err, mail.ErrThreadNotFound)
}

func TestThreadUnknown(t *testing.T) {
	_, err := testDB.Thread(context.Background(), "alice", uuid.New())
	assert.ErrorIs(t, err, mail.ErrThreadNotFound)
}

func TestReplyToUnknownThread(t *testing.T) {
	ghost := uuid.New()
	_, err := testDB.SendInternal(context.Background(), "alice", model.SendInternalRequest{
		ToUsernames: []string{"bob"},
		Body:        "into the void",
		ThreadID:    &ghost,
	})
	assert.ErrorIs(t, err, mail.ErrThreadNotFound)
}

func TestRecordExternalCopy(t *testing.T) {
	ctx := context.Background()

	result, err := testDB.RecordExternalCopy(ctx, "naya", "partner@example.org", "contract", "see attached")
	require.NoError(t, err)

	sent, err := testDB.Mailbox(ctx, "naya", model.FolderSent, 100, 0)
	require.NoError(t, err)
	for _, e := range sent {
		if e.MessageID == result.MessageID {
			assert.Equal(t, "partner@example.org", e.Peer)
			assert.True(t, e.IsRead)
			return
		}
	}
	t.Fatal("external copy not found in sent folder")
}

func TestRunMigrationsIdempotent(t *testing.T) {
	// A second run must skip every already-applied file.
	err := testDB.RunMigrations(context.Background(), migrations.FS)
	assert.NoError(t, err)
}
