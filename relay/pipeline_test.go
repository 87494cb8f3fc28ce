package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/queue"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo/repotest"
	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPipeline(t *testing.T, cfg *model.SyncConfig, rules ...*model.FilterRule) (*Pipeline, *repotest.Store, int64) {
	t.Helper()
	ctx := context.Background()
	store := repotest.NewStore()

	server := &model.LeafServer{Name: "ServerName", Token: "token-1"}
	require.NoError(t, store.Servers().UpsertServer(ctx, server))

	if cfg != nil {
		cfg.ServerID = server.ID
		require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, cfg))
		if len(rules) > 0 {
			require.NoError(t, store.Syncs().ReplaceFilterRules(ctx, server.ID, rules))
		}
	}

	p := NewPipeline(store.Servers(), store.Syncs(), queue.NewManager(store.Queue(), clog.Discard()), nil, clog.Discard())
	return p, store, server.ID
}

func enabledSync(groups ...string) *model.SyncConfig {
	return &model.SyncConfig{
		Enabled:           true,
		GameToChatEnabled: true,
		ChatToGameEnabled: true,
		GroupIDs:          groups,
	}
}

func TestPipeline_GameToChat(t *testing.T) {
	ctx := context.Background()
	p, store, serverID := setupPipeline(t, enabledSync("123"))

	msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "[ServerName] Steve: hi", msg.Content)

	messages := store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, model.QueueStatusPending, messages[0].Status)
	assert.Equal(t, "hi", messages[0].RawMessage)
	assert.Equal(t, "Steve", messages[0].Sender)
}

func TestPipeline_ChatToGame(t *testing.T) {
	ctx := context.Background()

	t.Run("群号在同步范围内", func(t *testing.T) {
		p, _, serverID := setupPipeline(t, enabledSync("123"))
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionChatToGame, Sender: "Alex", Text: "hello", GroupID: "123"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "[123] Alex: hello", msg.Content)
		assert.Equal(t, "123", msg.GroupID)
	})

	t.Run("群号不在同步范围内", func(t *testing.T) {
		p, store, serverID := setupPipeline(t, enabledSync("123"))
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionChatToGame, Sender: "Alex", Text: "hello", GroupID: "999"})
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Empty(t, store.Messages())
	})
}

func TestPipeline_CustomTemplate(t *testing.T) {
	cfg := enabledSync("1")
	cfg.GameToChatTemplate = "<{player:upper}@{serverName}> {message} {missing}"
	p, _, serverID := setupPipeline(t, cfg)

	msg, err := p.Process(context.Background(), Message{
		ServerID:  serverID,
		Direction: model.DirectionGameToChat,
		Sender:    "steve",
		Text:      "hi",
		Extra:     map[string]any{"player": "ignored"},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "<STEVE@ServerName> hi ", msg.Content)
}

func TestPipeline_Filter(t *testing.T) {
	ctx := context.Background()

	t.Run("空替换丢弃消息", func(t *testing.T) {
		p, store, serverID := setupPipeline(t, enabledSync("1"), &model.FilterRule{
			Keyword: "badword", MatchMode: model.MatchModeContains, Direction: model.FilterDirectionBoth, Enabled: true,
		})
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "this has badword"})
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Empty(t, store.Messages())
	})

	t.Run("替换后继续渲染", func(t *testing.T) {
		p, _, serverID := setupPipeline(t, enabledSync("1"), &model.FilterRule{
			Keyword: "badword", MatchMode: model.MatchModeContains, Direction: model.FilterDirectionBoth, Replacement: "***", Enabled: true,
		})
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "a badword b"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "[ServerName] Steve: a *** b", msg.Content)
	})
}

func TestPipeline_Disabled(t *testing.T) {
	ctx := context.Background()

	t.Run("同步关闭", func(t *testing.T) {
		cfg := enabledSync("1")
		cfg.Enabled = false
		p, store, serverID := setupPipeline(t, cfg)
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Empty(t, store.Messages())
	})

	t.Run("方向关闭", func(t *testing.T) {
		cfg := enabledSync("1")
		cfg.GameToChatEnabled = false
		p, _, serverID := setupPipeline(t, cfg)
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("没有同步配置", func(t *testing.T) {
		p, _, serverID := setupPipeline(t, nil)
		msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
		require.NoError(t, err)
		assert.Nil(t, msg)
	})
}

func TestPipeline_StoreError(t *testing.T) {
	p, store, serverID := setupPipeline(t, enabledSync("1"))
	store.SetErr(errors.New("connection refused"))

	msg, err := p.Process(context.Background(), Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
	assert.Error(t, err)
	assert.Nil(t, msg)
}

func TestPipeline_OnEnqueued(t *testing.T) {
	p, _, serverID := setupPipeline(t, enabledSync("1"))

	var got []int64
	p.OnEnqueued(func(msg *model.QueueMessage) { got = append(got, msg.ID) })

	msg, err := p.Process(context.Background(), Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, got)
}

func TestPipeline_Rerender(t *testing.T) {
	ctx := context.Background()
	cfg := enabledSync("1")
	cfg.GameToChatTemplate = "{player}: {message}"
	p, store, serverID := setupPipeline(t, cfg)

	msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionGameToChat, Sender: "Steve", Text: "hi"})
	require.NoError(t, err)

	cfg.GameToChatTemplate = "{player} says {message}"
	require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, cfg))

	content, ok, err := p.Rerender(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Steve says hi", content)

	cfg.Enabled = false
	require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, cfg))
	_, ok, err = p.Rerender(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_RerenderGroupRemoved(t *testing.T) {
	ctx := context.Background()
	cfg := enabledSync("123", "456")
	p, store, serverID := setupPipeline(t, cfg)

	msg, err := p.Process(ctx, Message{ServerID: serverID, Direction: model.DirectionChatToGame, Sender: "Alex", Text: "hello", GroupID: "123"})
	require.NoError(t, err)
	require.NotNil(t, msg)

	_, ok, err := p.Rerender(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	// 群被移出同步范围后不再投递到游戏
	cfg.GroupIDs = []string{"456"}
	require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, cfg))
	_, ok, err = p.Rerender(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_TimestampFromCreatedAt(t *testing.T) {
	cfg := enabledSync("1")
	cfg.GameToChatTemplate = "{timestamp:date}"
	p, _, serverID := setupPipeline(t, cfg)

	created := time.Date(2024, 3, 5, 10, 0, 0, 0, time.Local)
	content, ok, err := p.Rerender(context.Background(), &model.QueueMessage{
		ServerID:  serverID,
		Direction: model.DirectionGameToChat,
		Sender:    "Steve",
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-03-05", content)
}
