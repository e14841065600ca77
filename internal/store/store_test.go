package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/repositories"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func (r *recordingSink) ofType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recordingSink) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := &recordingSink{}
	s := New(repositories.NewBadgerChannelRepo(db), repositories.NewBadgerMessageRepo(db), sink, zap.NewNop(), Options{})
	return s, sink
}

func mustChannel(t *testing.T, s *Store, id string, kind models.ChannelKind, creator string, members ...string) models.Channel {
	t.Helper()
	ch, err := s.CreateChannel(context.Background(), CreateChannelRequest{
		ID: id, Kind: kind, Name: id, CreatorID: creator, Members: members,
	})
	require.NoError(t, err)
	return ch
}

func mustAppend(t *testing.T, s *Store, channelID, sender, body string) models.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), AppendRequest{ChannelID: channelID, SenderID: sender, Body: body})
	require.NoError(t, err)
	return msg
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")

	first := mustAppend(t, s, "general", "alice", "hello")
	second := mustAppend(t, s, "general", "bob", "hi")

	assert.Less(t, first.ID, second.ID)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Equal(t, models.KindText, first.Kind)
	assert.Empty(t, first.Reactions)

	created := sink.ofType(models.EventMessageCreated)
	require.Len(t, created, 2)
	assert.Equal(t, first.ID, created[0].Message.ID)
	assert.Equal(t, second.ID, created[1].Message.ID)
}

func TestAppendEchoesRequestID(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")

	_, err := s.Append(context.Background(), AppendRequest{ChannelID: "general", SenderID: "alice", Body: "x", RequestID: "tmp-1"})
	require.NoError(t, err)

	created := sink.ofType(models.EventMessageCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "tmp-1", created[0].RequestID)
}

func TestAppendValidation(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")

	cases := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"empty", AppendRequest{ChannelID: "general", SenderID: "alice", Body: ""}, ErrEmptyBody},
		{"whitespace", AppendRequest{ChannelID: "general", SenderID: "alice", Body: " \n\t "}, ErrEmptyBody},
		{"too long", AppendRequest{ChannelID: "general", SenderID: "alice", Body: strings.Repeat("a", DefaultMaxBodyRunes+1)}, ErrBodyTooLong},
		{"system kind", AppendRequest{ChannelID: "general", SenderID: "alice", Body: "x", Kind: models.KindSystem}, ErrInvalidKind},
		{"unknown channel", AppendRequest{ChannelID: "nope", SenderID: "alice", Body: "x"}, ErrUnknownChannel},
		{"not a member", AppendRequest{ChannelID: "secret", SenderID: "mallory", Body: "x"}, ErrNotMember},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Append(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, sink.all())
}

func TestAppendAcceptsBodyAtLimit(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")

	body := strings.Repeat("é", DefaultMaxBodyRunes)
	msg, err := s.Append(context.Background(), AppendRequest{ChannelID: "general", SenderID: "alice", Body: body})
	require.NoError(t, err)
	assert.Equal(t, body, msg.Content)
}

func TestAppendReplyMustShareChannel(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "a", models.ChannelPublic, "alice")
	mustChannel(t, s, "b", models.ChannelPublic, "alice")
	target := mustAppend(t, s, "a", "alice", "root")

	reply, err := s.Append(context.Background(), AppendRequest{ChannelID: "a", SenderID: "bob", Body: "re", ReplyTo: target.ID})
	require.NoError(t, err)
	assert.Equal(t, target.ID, reply.ReplyTo)

	_, err = s.Append(context.Background(), AppendRequest{ChannelID: "b", SenderID: "bob", Body: "re", ReplyTo: target.ID})
	require.ErrorIs(t, err, ErrInvalidReply)

	_, err = s.Append(context.Background(), AppendRequest{ChannelID: "a", SenderID: "bob", Body: "re", ReplyTo: "missing"})
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestEditOnlyBySender(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "hello")

	_, err := s.Edit(context.Background(), msg.ID, "bob", "hacked", "")
	require.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, sink.ofType(models.EventMessageEdited))

	edited, err := s.Edit(context.Background(), msg.ID, "alice", "hello!", "r1")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, "hello!", edited.Content)

	events := sink.ofType(models.EventMessageEdited)
	require.Len(t, events, 1)
	assert.Equal(t, "hello!", events[0].Message.Content)
	assert.Equal(t, "r1", events[0].RequestID)
}

func TestEditMissingAndInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "hello")

	_, err := s.Edit(context.Background(), "0000000000000000042", "alice", "x", "")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Edit(context.Background(), msg.ID, "alice", "   ", "")
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestConcurrentEditsLastCommitWins(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "v0")

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Edit(context.Background(), msg.ID, "alice", fmt.Sprintf("v%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := sink.ofType(models.EventMessageEdited)
	require.Len(t, events, 10)
	stored, err := s.ListSince(context.Background(), "general", "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, events[len(events)-1].Message.Content, stored[0].Content)
}

func TestDeleteRepairsLastMessage(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	first := mustAppend(t, s, "general", "alice", "one")
	second := mustAppend(t, s, "general", "alice", "two")

	require.ErrorIs(t, s.Delete(context.Background(), second.ID, "bob", ""), ErrNotOwner)
	require.NoError(t, s.Delete(context.Background(), second.ID, "alice", ""))

	ch, err := s.GetChannel(context.Background(), "general", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, ch.LastMessageID)

	require.NoError(t, s.Delete(context.Background(), first.ID, "alice", ""))
	ch, err = s.GetChannel(context.Background(), "general", "alice")
	require.NoError(t, err)
	assert.Empty(t, ch.LastMessageID)

	require.ErrorIs(t, s.Delete(context.Background(), first.ID, "alice", ""), ErrNotFound)
	assert.Len(t, sink.ofType(models.EventMessageDeleted), 2)
}

func TestReactToggleIsInvolution(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "hello")

	delta, err := s.React(context.Background(), msg.ID, "bob", "👍", "")
	require.NoError(t, err)
	assert.True(t, delta.Added)

	delta, err = s.React(context.Background(), msg.ID, "bob", "👍", "")
	require.NoError(t, err)
	assert.False(t, delta.Added)

	msgs, err := s.ListSince(context.Background(), "general", "bob", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Zero(t, msgs[0].ReactionCount("👍"))
	assert.Len(t, sink.ofType(models.EventReactionChanged), 2)
}

func TestReactCanonicalizesVariationSelector(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "hello")

	first, err := s.React(context.Background(), msg.ID, "bob", "\u2764\uFE0F", "")
	require.NoError(t, err)
	second, err := s.React(context.Background(), msg.ID, "bob", "\u2764", "")
	require.NoError(t, err)

	assert.Equal(t, first.Emoji, second.Emoji)
	assert.True(t, first.Added)
	assert.False(t, second.Added)
}

func TestConcurrentReactionsFromDistinctUsers(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "hello")

	var wg sync.WaitGroup
	for _, user := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := s.React(context.Background(), msg.ID, user, "👍", "")
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	msgs, err := s.ListSince(context.Background(), "general", "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].ReactionCount("👍"))
}

func TestReactRejectsOutsiders(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")
	msg := mustAppend(t, s, "secret", "alice", "hello")
	before := len(sink.all())

	_, err := s.React(context.Background(), msg.ID, "mallory", "👍", "")
	require.ErrorIs(t, err, ErrNotMember)
	_, err = s.React(context.Background(), msg.ID, "alice", "", "")
	require.ErrorIs(t, err, ErrInvalidEmoji)
	assert.Len(t, sink.all(), before)
}

func TestConcurrentAppendsPublishInIDOrder(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(context.Background(), AppendRequest{ChannelID: "general", SenderID: "alice", Body: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	created := sink.ofType(models.EventMessageCreated)
	require.Len(t, created, 50)
	for i := 1; i < len(created); i++ {
		assert.Less(t, created[i-1].MessageID, created[i].MessageID)
	}

	msgs, err := s.ListSince(context.Background(), "general", "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	for i := range msgs {
		assert.Equal(t, created[i].MessageID, msgs[i].ID)
	}
}

func TestListSinceCursorAndLimit(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustAppend(t, s, "general", "alice", fmt.Sprintf("m%d", i)).ID)
	}

	msgs, err := s.ListSince(context.Background(), "general", "bob", ids[1], 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[2], msgs[0].ID)
	assert.Equal(t, ids[3], msgs[1].ID)

	msgs, err = s.ListSince(context.Background(), "general", "bob", ids[4], 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListSincePrivateChannel(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice", "bob")
	mustAppend(t, s, "secret", "bob", "psst")

	_, err := s.ListSince(context.Background(), "secret", "mallory", "", 0)
	require.ErrorIs(t, err, ErrNotMember)

	msgs, err := s.ListSince(context.Background(), "secret", "alice", "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCreateChannelRules(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, CreateChannelRequest{Kind: models.ChannelDirect, CreatorID: "alice", Members: []string{"bob", "alice"}})
	require.NoError(t, err)
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, []string{"alice", "bob"}, ch.Members)

	_, err = s.CreateChannel(ctx, CreateChannelRequest{Kind: models.ChannelDirect, CreatorID: "alice", Members: []string{"alice"}})
	require.ErrorIs(t, err, ErrDirectMembership)

	_, err = s.CreateChannel(ctx, CreateChannelRequest{Kind: models.ChannelDirect, CreatorID: "alice", Members: []string{"bob", "carol"}})
	require.ErrorIs(t, err, ErrDirectMembership)

	_, err = s.CreateChannel(ctx, CreateChannelRequest{ID: "bad id!", Kind: models.ChannelPublic, CreatorID: "alice"})
	require.ErrorIs(t, err, ErrInvalidChannel)

	_, err = s.CreateChannel(ctx, CreateChannelRequest{ID: "x", Kind: "group", CreatorID: "alice"})
	require.ErrorIs(t, err, ErrInvalidChannel)

	mustChannel(t, s, "dup", models.ChannelPublic, "alice")
	_, err = s.CreateChannel(ctx, CreateChannelRequest{ID: "dup", Kind: models.ChannelPublic, CreatorID: "alice"})
	require.ErrorIs(t, err, ErrChannelExists)
}

func TestAddMemberRules(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")
	dm := mustChannel(t, s, "dm", models.ChannelDirect, "alice", "bob")

	require.ErrorIs(t, s.AddMember(ctx, "secret", "mallory", "mallory"), ErrNotMember)
	require.NoError(t, s.AddMember(ctx, "secret", "alice", "carol"))
	require.NoError(t, s.AddMember(ctx, "secret", "alice", "carol"))
	require.ErrorIs(t, s.AddMember(ctx, dm.ID, "alice", "carol"), ErrDirectMembership)
	require.ErrorIs(t, s.AddMember(ctx, "missing", "alice", "carol"), ErrUnknownChannel)

	ch, err := s.GetChannel(ctx, "secret", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, ch.Members)
}

func TestListChannelsUnreadAndMarkRead(t *testing.T) {
	s, sink := newTestStore(t)
	ctx := context.Background()
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")
	first := mustAppend(t, s, "general", "alice", "one")
	second := mustAppend(t, s, "general", "alice", "two")
	mustAppend(t, s, "general", "bob", "mine")

	summaries, err := s.ListChannels(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "general", summaries[0].ID)
	assert.Equal(t, 2, summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "mine", summaries[0].LastMessage.Content)

	rs, err := s.MarkRead(ctx, "general", "bob", second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rs.LastReadID)
	assert.Zero(t, rs.Unread)

	events := sink.ofType(models.EventReadStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].OnlyUser)

	// an older pointer never moves the read state backwards
	rs, err = s.MarkRead(ctx, "general", "bob", first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rs.LastReadID)

	_, err = s.MarkRead(ctx, "general", "bob", "0000000000000000001")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkReadDefaultsToLatest(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	mustAppend(t, s, "general", "alice", "one")
	last := mustAppend(t, s, "general", "alice", "two")

	rs, err := s.MarkRead(context.Background(), "general", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, last.ID, rs.LastReadID)
}

func TestSearchScopedToAccessibleChannels(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")
	mustAppend(t, s, "general", "alice", "Deploy today")
	mustAppend(t, s, "secret", "alice", "deploy secrets")

	found, err := s.Search(context.Background(), "bob", "deploy", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "general", found[0].ChannelID)

	found, err = s.Search(context.Background(), "alice", "DEPLOY", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = s.Search(context.Background(), "alice", "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCustomClockAndBodyLimit(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(repositories.NewBadgerChannelRepo(db), repositories.NewBadgerMessageRepo(db), &recordingSink{}, nil, Options{
		MaxBodyRunes: 3,
		Now:          func() time.Time { return fixed },
	})
	mustChannel(t, s, "general", models.ChannelPublic, "alice")

	_, err = s.Append(context.Background(), AppendRequest{ChannelID: "general", SenderID: "alice", Body: "abcd"})
	require.ErrorIs(t, err, ErrBodyTooLong)

	a := mustAppend(t, s, "general", "alice", "abc")
	b := mustAppend(t, s, "general", "alice", "abc")
	assert.True(t, fixed.Equal(a.Timestamp))
	assert.Less(t, a.ID, b.ID)
}

func TestErrorClassification(t *testing.T) {
	wrapped := internalError(assert.AnError)
	assert.Equal(t, KindInternal, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrInternal)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, "message not sent", PublicMessage(wrapped))

	assert.Equal(t, KindAuthorization, KindOf(ErrNotOwner))
	assert.Equal(t, "not_owner", CodeOf(ErrNotOwner))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}

func TestListLatestReturnsNewestInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	mustChannel(t, s, "secret", models.ChannelPrivate, "alice")
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustAppend(t, s, "general", "alice", fmt.Sprintf("m%d", i)).ID)
	}

	msgs, err := s.ListLatest(context.Background(), "general", "bob", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[3], msgs[0].ID)
	assert.Equal(t, ids[4], msgs[1].ID)

	_, err = s.ListLatest(context.Background(), "secret", "mallory", 10)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestSeedIDsKeepsNewIDsAboveStored(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	channels, messages := repositories.NewBadgerChannelRepo(db), repositories.NewBadgerMessageRepo(db)

	ahead := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	before := New(channels, messages, &recordingSink{}, nil, Options{Now: func() time.Time { return ahead }})
	mustChannel(t, before, "general", models.ChannelPublic, "alice")
	stored := mustAppend(t, before, "general", "alice", "before restart")

	behind := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	after := New(channels, messages, &recordingSink{}, nil, Options{Now: func() time.Time { return behind }})
	require.NoError(t, after.SeedIDs(context.Background()))
	fresh := mustAppend(t, after, "general", "alice", "after restart")

	assert.Greater(t, fresh.ID, stored.ID)
	msgs, err := after.ListSince(context.Background(), "general", "alice", stored.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, fresh.ID, msgs[0].ID)
}

func TestContendedMessageSlotHonoursDeadline(t *testing.T) {
	s, sink := newTestStore(t)
	mustChannel(t, s, "general", models.ChannelPublic, "alice")
	msg := mustAppend(t, s, "general", "alice", "original")

	release, err := s.messageLocks.Lock(context.Background(), msg.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Edit(ctx, msg.ID, "alice", "changed", "e1")
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "timeout", CodeOf(err))
	release()

	assert.Empty(t, sink.ofType(models.EventMessageEdited))
	_, err = s.Edit(context.Background(), msg.ID, "alice", "changed", "e2")
	assert.NoError(t, err)
}
