package queue

import (
	"context"
	"testing"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo/repotest"
	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	accept map[string]bool
	sent   []string
}

func (f *fakeChat) SendGroupMessage(_ context.Context, _ int64, groupID, text string) bool {
	f.sent = append(f.sent, groupID+":"+text)
	return f.accept[groupID]
}

type fakeGame struct {
	online    map[int64]bool
	broadcast []string
}

func (f *fakeGame) Broadcast(serverID int64, message string) bool {
	if !f.online[serverID] {
		return false
	}
	f.broadcast = append(f.broadcast, message)
	return true
}

func seedServer(t *testing.T, store *repotest.Store, enabled bool, groups ...string) *model.LeafServer {
	ctx := context.Background()
	adapter := &model.Adapter{Type: model.AdapterTypeOneBot, Direction: model.ConnectionReverse, Enabled: enabled}
	require.NoError(t, store.Adapters().UpsertAdapter(ctx, adapter))
	server := &model.LeafServer{Name: "Lobby", Token: "t", AdapterID: &adapter.ID}
	require.NoError(t, store.Servers().UpsertServer(ctx, server))
	require.NoError(t, store.Syncs().UpsertSyncConfig(ctx, &model.SyncConfig{ServerID: server.ID, Enabled: true, GroupIDs: groups}))
	return server
}

func TestDirectSender(t *testing.T) {
	ctx := context.Background()

	t.Run("任意一个群成功即成功", func(t *testing.T) {
		store := repotest.NewStore()
		server := seedServer(t, store, true, "100", "200")
		chat := &fakeChat{accept: map[string]bool{"200": true}}
		s := NewDirectSender(store.Servers(), store.Adapters(), store.Syncs(), chat, &fakeGame{}, clog.Discard())

		ok := s.Deliver(ctx, &model.QueueMessage{ServerID: server.ID, Direction: model.DirectionGameToChat, Content: "hi"})
		assert.True(t, ok)
		assert.Equal(t, []string{"100:hi", "200:hi"}, chat.sent)
	})

	t.Run("所有群都失败", func(t *testing.T) {
		store := repotest.NewStore()
		server := seedServer(t, store, true, "100")
		s := NewDirectSender(store.Servers(), store.Adapters(), store.Syncs(), &fakeChat{}, &fakeGame{}, clog.Discard())
		assert.False(t, s.Deliver(ctx, &model.QueueMessage{ServerID: server.ID, Direction: model.DirectionGameToChat}))
	})

	t.Run("适配器被禁用", func(t *testing.T) {
		store := repotest.NewStore()
		server := seedServer(t, store, false, "100")
		chat := &fakeChat{accept: map[string]bool{"100": true}}
		s := NewDirectSender(store.Servers(), store.Adapters(), store.Syncs(), chat, &fakeGame{}, clog.Discard())
		assert.False(t, s.Deliver(ctx, &model.QueueMessage{ServerID: server.ID, Direction: model.DirectionGameToChat}))
		assert.Empty(t, chat.sent)
	})

	t.Run("游戏侧需要在线连接", func(t *testing.T) {
		store := repotest.NewStore()
		game := &fakeGame{online: map[int64]bool{1: true}}
		s := NewDirectSender(store.Servers(), store.Adapters(), store.Syncs(), &fakeChat{}, game, clog.Discard())

		assert.True(t, s.Deliver(ctx, &model.QueueMessage{ServerID: 1, Direction: model.DirectionChatToGame, Content: "hello"}))
		assert.False(t, s.Deliver(ctx, &model.QueueMessage{ServerID: 2, Direction: model.DirectionChatToGame, Content: "hello"}))
		assert.Equal(t, []string{"hello"}, game.broadcast)
	})

	t.Run("未知方向", func(t *testing.T) {
		store := repotest.NewStore()
		s := NewDirectSender(store.Servers(), store.Adapters(), store.Syncs(), &fakeChat{}, &fakeGame{}, clog.Discard())
		assert.False(t, s.Deliver(ctx, &model.QueueMessage{ServerID: 1, Direction: "sideways"}))
	})
}

func TestManager(t *testing.T) {
	store := repotest.NewStore()
	m := NewManager(store.Queue(), clog.Discard())
	ctx := context.Background()

	msg := &model.QueueMessage{ServerID: 9, Direction: model.DirectionGameToChat, Content: "x"}
	require.NoError(t, m.Enqueue(ctx, msg))
	assert.NotZero(t, msg.ID)

	stats, err := m.Stats(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Total)
}
