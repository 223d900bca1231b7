package chatscope

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestAdminCommands(
	t testing.TB,
	deleteDelay time.Duration,
) (*AdminCommands, *fakeContextStore, *stubSink) {
	t.Helper()
	store := &fakeContextStore{}
	logger := slog.New(testLogHandler(t))
	cmds := NewAdminCommands(
		NewContextScope(store, logger),
		&DiscordConfig{
			OwnerID:         testOwnerID,
			CommandPrefix:   DefaultDiscordCommandPrefix,
			ListDeleteDelay: deleteDelay,
		},
		logger,
	)
	t.Cleanup(cmds.Stop)
	return cmds, store, newStubSink()
}

func newOwnerMessage(content string) InboundMessage {
	return InboundMessage{
		ID:        "700000000000000001",
		ChannelID: testChannelID,
		GuildID:   testGuildID,
		Content:   content,
		Author:    MessageAuthor{ID: testOwnerID, Username: "owner"},
		IsMember:  true,
	}
}

func TestAdminCommands_Parse(t *testing.T) {
	t.Parallel()
	cmds, _, _ := newTestAdminCommands(t, time.Minute)

	testCases := []struct {
		input    string
		expected AdminCommand
		ok       bool
	}{
		{input: "!list", expected: AdminCommand{Name: adminCommandList}, ok: true},
		{input: "!LIST", expected: AdminCommand{Name: adminCommandList}, ok: true},
		{input: "!list extra", expected: AdminCommand{Name: adminCommandList, Args: "extra"}, ok: true},
		{input: "!add  Be kind ", expected: AdminCommand{Name: adminCommandAdd, Args: "Be kind"}, ok: true},
		{input: "!Add\nmultiline\ntext", expected: AdminCommand{Name: adminCommandAdd, Args: "multiline\ntext"}, ok: true},
		{input: "!add", expected: AdminCommand{Name: adminCommandAdd}, ok: true},
		{input: "!remove abc", expected: AdminCommand{Name: adminCommandRemove, Args: "abc"}, ok: true},
		{input: "!listing"},
		{input: "!additional context"},
		{input: "list"},
		{input: "?list"},
		{input: "!"},
		{input: ""},
		{input: " !list"},
	}

	for _, tc := range testCases {
		t.Run(
			fmt.Sprintf("%q", tc.input), func(t *testing.T) {
				got, ok := cmds.Parse(tc.input)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.expected, got)
			},
		)
	}
}

func TestAdminCommands_Parse_MultiCharPrefix(t *testing.T) {
	t.Parallel()
	cmds := NewAdminCommands(
		NewContextScope(&fakeContextStore{}, nil),
		&DiscordConfig{CommandPrefix: "cs!", OwnerID: testOwnerID},
		nil,
	)
	cmd, ok := cmds.Parse("CS!remove 1")
	require.True(t, ok)
	assert.Equal(t, AdminCommand{Name: adminCommandRemove, Args: "1"}, cmd)

	_, ok = cmds.Parse("!remove 1")
	assert.False(t, ok)
}

func TestAdminCommands_NotOwner(t *testing.T) {
	t.Parallel()
	cmds, store, sink := newTestAdminCommands(t, time.Minute)
	msg := newOwnerMessage("!add Be kind")
	msg.Author.ID = testUserID

	cmds.Handle(context.Background(), sink, msg, AdminCommand{Name: adminCommandAdd, Args: "Be kind"})
	assert.Equal(t, replyMissingPermissions, sink.lastReply(t).Content)
	assert.Empty(t, store.snippets)
}

func TestAdminCommands_BotAuthor(t *testing.T) {
	t.Parallel()
	cmds, store, sink := newTestAdminCommands(t, time.Minute)
	msg := newOwnerMessage("!add Be kind")
	msg.Author.Bot = true

	cmds.Handle(context.Background(), sink, msg, AdminCommand{Name: adminCommandAdd, Args: "Be kind"})
	assert.Empty(t, sink.Replies())
	assert.Empty(t, store.snippets)
}

func TestAdminCommands_Add(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		args      string
		insertErr error
		expected  string
		stored    int
	}{
		{name: "ok", args: "Be kind", expected: `Context added successfully: "Be kind"`, stored: 1},
		{name: "missing text", args: "", expected: replyAddMissingText},
		{name: "period", args: "Meetings are on fridays.", expected: replyAddHasPeriod},
		{name: "store error", args: "Be kind", insertErr: errors.New("timeout"), expected: replyAddError},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cmds, store, sink := newTestAdminCommands(t, time.Minute)
				store.insertErr = tc.insertErr
				cmds.Handle(
					context.Background(),
					sink,
					newOwnerMessage("!add "+tc.args),
					AdminCommand{Name: adminCommandAdd, Args: tc.args},
				)
				assert.Equal(t, tc.expected, sink.lastReply(t).Content)
				assert.Len(t, store.snippets, tc.stored)
				if tc.stored > 0 {
					assert.Equal(t, testOwnerID, store.snippets[0].AddedBy.ID)
					assert.Equal(t, "owner", store.snippets[0].AddedBy.Username)
				}
			},
		)
	}
}

func TestAdminCommands_Remove(t *testing.T) {
	t.Parallel()
	cmds, store, sink := newTestAdminCommands(t, time.Minute)
	ctx := context.Background()

	snippet, err := cmds.scope.Add(ctx, "Be kind", Author{ID: testOwnerID})
	require.NoError(t, err)

	cmds.Handle(ctx, sink, newOwnerMessage("!remove"), AdminCommand{Name: adminCommandRemove})
	assert.Equal(t, replyRemoveMissingID, sink.lastReply(t).Content)

	cmds.Handle(
		ctx,
		sink,
		newOwnerMessage("!remove nope"),
		AdminCommand{Name: adminCommandRemove, Args: "nope"},
	)
	assert.Equal(t, "Invalid context ID: nope", sink.lastReply(t).Content)

	cmds.Handle(
		ctx,
		sink,
		newOwnerMessage("!remove "+snippet.ID),
		AdminCommand{Name: adminCommandRemove, Args: snippet.ID},
	)
	assert.Equal(t, replyRemoveSuccess, sink.lastReply(t).Content)
	assert.Empty(t, store.snippets)

	store.deleteErr = errors.New("timeout")
	cmds.Handle(
		ctx,
		sink,
		newOwnerMessage("!remove "+snippet.ID),
		AdminCommand{Name: adminCommandRemove, Args: snippet.ID},
	)
	assert.Equal(t, replyRemoveError, sink.lastReply(t).Content)
}

func TestAdminCommands_List_Empty(t *testing.T) {
	t.Parallel()
	cmds, _, sink := newTestAdminCommands(t, time.Minute)
	cmds.Handle(context.Background(), sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	assert.Equal(t, replyListEmpty, sink.lastReply(t).Content)
	assert.Empty(t, sink.Deleted())
}

func TestAdminCommands_List_Error(t *testing.T) {
	t.Parallel()
	cmds, store, sink := newTestAdminCommands(t, time.Minute)
	store.listErr = errors.New("connection refused")
	cmds.Handle(context.Background(), sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	assert.Equal(t, replyListError, sink.lastReply(t).Content)
}

func TestAdminCommands_List(t *testing.T) {
	t.Parallel()
	cmds, _, sink := newTestAdminCommands(t, 50*time.Millisecond)
	ctx := context.Background()

	first, err := cmds.scope.Add(ctx, "Be kind", Author{})
	require.NoError(t, err)
	second, err := cmds.scope.Add(ctx, "Meetings are on fridays", Author{})
	require.NoError(t, err)

	cmds.Handle(ctx, sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	reply := sink.lastReply(t)
	require.Len(t, reply.Embeds, 1)
	embed := reply.Embeds[0]
	assert.Equal(t, contextListTitle, embed.Title)
	assert.Equal(t, contextListDescription, embed.Description)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "Scope #1", embed.Fields[0].Name)
	assert.Equal(t, "Be kind\n`!remove "+first.ID+"`", embed.Fields[0].Value)
	assert.Equal(t, "Scope #2", embed.Fields[1].Name)
	assert.Equal(t, "Meetings are on fridays\n`!remove "+second.ID+"`", embed.Fields[1].Value)

	assert.Eventually(
		t,
		func() bool {
			deleted := sink.Deleted()
			return len(deleted) == 1 && deleted[0] == reply.ID
		},
		2*time.Second,
		10*time.Millisecond,
	)
}

// messageEmbedLen counts the characters discord limits across all the
// embeds of a message
func messageEmbedLen(embeds []*discordgo.MessageEmbed) int {
	var n int
	for _, e := range embeds {
		n += utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
		for _, f := range e.Fields {
			n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
		}
	}
	return n
}

func newTestSnippets(n int, text func(i int) string) []ContextSnippet {
	snippets := make([]ContextSnippet, 0, n)
	for i := 0; i < n; i++ {
		snippets = append(
			snippets,
			ContextSnippet{ID: fmt.Sprintf("%024x", i+1), Text: text(i)},
		)
	}
	return snippets
}

func TestContextListMessages(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name             string
		snippets         []ContextSnippet
		expectedMessages int
	}{
		{
			name: "single",
			snippets: newTestSnippets(
				1, func(int) string { return "Be kind" },
			),
			expectedMessages: 1,
		},
		{
			name: "many short",
			snippets: newTestSnippets(
				300, func(i int) string { return fmt.Sprintf("snippet %d", i) },
			),
			expectedMessages: 3,
		},
		{
			name: "long text",
			snippets: newTestSnippets(
				10, func(int) string { return strings.Repeat("a", 2000) },
			),
			expectedMessages: 2,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				messages := contextListMessages("!", tc.snippets)
				require.Len(t, messages, tc.expectedMessages)

				var seen int
				for _, embeds := range messages {
					assert.LessOrEqual(t, len(embeds), discordMaxMessageEmbeds)
					assert.LessOrEqual(t, messageEmbedLen(embeds), discordMaxMessageEmbedLen)
					for _, e := range embeds {
						assert.Equal(t, contextListTitle, e.Title)
						assert.NotEmpty(t, e.Fields)
						assert.LessOrEqual(t, len(e.Fields), discordMaxEmbedFields)
						for _, f := range e.Fields {
							s := tc.snippets[seen]
							seen++
							assert.Equal(t, fmt.Sprintf("Scope #%d", seen), f.Name)
							assert.LessOrEqual(t, utf8.RuneCountInString(f.Value), discordEmbedFieldValueMax)
							assert.True(t, strings.HasSuffix(f.Value, "`!remove "+s.ID+"`"))
						}
					}
				}
				assert.Equal(t, len(tc.snippets), seen, "every snippet should be listed")
			},
		)
	}
}

func TestAdminCommands_List_SplitsMessages(t *testing.T) {
	t.Parallel()
	cmds, store, sink := newTestAdminCommands(t, time.Millisecond)
	store.snippets = newTestSnippets(
		12, func(int) string { return strings.Repeat("a", 2000) },
	)

	cmds.Handle(context.Background(), sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	cmds.Wait()

	replies := sink.Replies()
	require.Len(t, replies, 3)
	var ids []string
	for _, r := range replies {
		assert.LessOrEqual(t, messageEmbedLen(r.Embeds), discordMaxMessageEmbedLen)
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, ids, sink.Deleted())
}

func TestAdminCommands_Stop_DeletesImmediately(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	store := &fakeContextStore{}
	cmds := NewAdminCommands(
		NewContextScope(store, nil),
		&DiscordConfig{
			OwnerID:         testOwnerID,
			CommandPrefix:   DefaultDiscordCommandPrefix,
			ListDeleteDelay: time.Hour,
		},
		slog.New(testLogHandler(t)),
	)
	sink := newStubSink()
	ctx := context.Background()

	_, err := cmds.scope.Add(ctx, "Be kind", Author{})
	require.NoError(t, err)

	cmds.Handle(ctx, sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	reply := sink.lastReply(t)
	assert.Empty(t, sink.Deleted())
	assert.Equal(t, int64(1), cmds.timersRunning.Load())

	stopped := make(chan struct{})
	go func() {
		cmds.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Stop")
	}

	assert.Equal(t, []string{reply.ID}, sink.Deleted())
	assert.Equal(t, int64(0), cmds.timersRunning.Load())

	// a second stop is a no-op
	cmds.Stop()
	goleak.VerifyNone(t, opt)
}

func TestAdminCommands_ContextCancelled_DeletesImmediately(t *testing.T) {
	t.Parallel()
	cmds, _, sink := newTestAdminCommands(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := cmds.scope.Add(ctx, "Be kind", Author{})
	require.NoError(t, err)
	cmds.Handle(ctx, sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	reply := sink.lastReply(t)

	cancel()
	cmds.Wait()
	assert.Equal(t, []string{reply.ID}, sink.Deleted())
}

func TestAdminCommands_DeleteError(t *testing.T) {
	t.Parallel()
	cmds, _, sink := newTestAdminCommands(t, time.Millisecond)
	sink.deleteErr = errors.New("unknown message")
	ctx := context.Background()

	_, err := cmds.scope.Add(ctx, "Be kind", Author{})
	require.NoError(t, err)
	cmds.Handle(ctx, sink, newOwnerMessage("!list"), AdminCommand{Name: adminCommandList})
	cmds.Wait()
	assert.Empty(t, sink.Deleted())
}
