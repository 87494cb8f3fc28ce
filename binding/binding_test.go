package binding

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo/repotest"
	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kickCall struct {
	serverID int64
	player   string
	reason   string
}

type fakeKicker struct {
	calls chan kickCall
}

func (k *fakeKicker) Kick(serverID int64, player, reason string) bool {
	k.calls <- kickCall{serverID, player, reason}
	return true
}

func newTestService(t *testing.T, cfgs ...*model.BindingConfig) (*Service, *repotest.Store, *fakeKicker) {
	t.Helper()
	store := repotest.NewStore()
	for _, cfg := range cfgs {
		require.NoError(t, store.Bindings().UpsertBindingConfig(context.Background(), cfg))
	}
	kicker := &fakeKicker{calls: make(chan kickCall, 4)}
	return NewService(store.Bindings(), store.Players(), kicker, clog.Discard()), store, kicker
}

func seedPlayer(t *testing.T, store *repotest.Store, name, uuid string) *model.Player {
	t.Helper()
	p, err := store.Players().UpsertPlayer(context.Background(), &model.Player{Name: name, UUID: uuid})
	require.NoError(t, err)
	return p
}

func TestRequestCode(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		mode     string
		length   int
		alphabet string
	}{
		{model.CodeModeNumber, 4, digits},
		{model.CodeModeUpper, 8, upper},
		{model.CodeModeLower, 6, lower},
		{model.CodeModeLetter, 6, letters},
		{model.CodeModeMixed, 6, mixed},
		{"unknown", 6, mixed},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := model.DefaultBindingConfig(1)
			cfg.CodeMode = tt.mode
			cfg.CodeLength = tt.length
			svc, _, _ := newTestService(t, cfg)

			p, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
			require.NoError(t, err)
			assert.Len(t, p.Code, tt.length)
			for _, c := range p.Code {
				assert.True(t, strings.ContainsRune(tt.alphabet, c), "unexpected char %q", c)
			}
		})
	}
}

func TestRequestCode_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))

	first, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	second, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)

	other, err := svc.RequestCode(ctx, 2, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, other.Code)
}

func TestRequestCode_Expiry(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))
	now := time.Now()
	svc.now = func() time.Time { return now }

	first, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), first.ExpiresAt)

	now = now.Add(5 * time.Minute)
	_, ok := svc.Lookup(first.Code)
	assert.False(t, ok)
	_, ok = svc.PendingFor(1, "uuid-steve")
	assert.False(t, ok)

	second, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), second.ExpiresAt)
}

// scriptedCodes 依次返回给定的验证码，用完后重复最后一个
func scriptedCodes(codes ...string) (func(string, int) (string, error), *int) {
	calls := 0
	return func(string, int) (string, error) {
		i := calls
		if i >= len(codes) {
			i = len(codes) - 1
		}
		calls++
		return codes[i], nil
	}, &calls
}

func TestRequestCode_SkipsActiveCodes(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1), model.DefaultBindingConfig(2))
	gen, calls := scriptedCodes("111111", "111111", "222222")
	svc.genCode = gen

	first, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)
	assert.Equal(t, "111111", first.Code)

	// 其他子服已占用的验证码同样跳过
	second, err := svc.RequestCode(ctx, 2, "uuid-alex", "Alex", "")
	require.NoError(t, err)
	assert.Equal(t, "222222", second.Code)
	assert.Equal(t, 3, *calls)
}

func TestRequestCode_Exhausted(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))
	gen, calls := scriptedCodes("111111")
	svc.genCode = gen

	_, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
	require.NoError(t, err)

	_, err = svc.RequestCode(ctx, 1, "uuid-alex", "Alex", "")
	assert.ErrorIs(t, err, ErrCodeExhausted)
	assert.Equal(t, 1+maxCodeAttempts, *calls)
	_, ok := svc.PendingFor(1, "uuid-alex")
	assert.False(t, ok)
}

func TestRequestCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))

	var wg sync.WaitGroup
	codes := make([]string, 16)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "")
			if err == nil {
				codes[i] = p.Code
			}
		}(i)
	}
	wg.Wait()
	for _, c := range codes {
		assert.Equal(t, codes[0], c)
	}
}

func TestBindScenario(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, model.DefaultBindingConfig(1))
	player := seedPlayer(t, store, "Steve", "uuid-steve")

	p, err := svc.RequestCode(ctx, 1, "uuid-steve", "Steve", "minecraft_uuid123")
	require.NoError(t, err)
	assert.Len(t, p.Code, 6)
	assert.Equal(t, "minecraft_uuid123", p.Account)

	res, err := svc.HandleChatMessage(ctx, Account{UID: "qq_987", Network: model.NetworkQQ, Name: "Alice"}, "/绑定 "+p.Code)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, OpBind, res.Op)
	assert.Equal(t, "qq_987", res.Account)
	assert.Equal(t, "Alice 已成功绑定玩家 Steve", res.Message)

	got, err := store.Players().GetPlayerByUUID(ctx, "uuid-steve")
	require.NoError(t, err)
	require.NotNil(t, got.SocialAccountID)
	account, err := store.Players().GetSocialAccount(ctx, *got.SocialAccountID)
	require.NoError(t, err)
	assert.Equal(t, "qq_987", account.UID)
	assert.Equal(t, player.ID, got.ID)

	_, ok := svc.PendingFor(1, "uuid-steve")
	assert.False(t, ok)
	_, ok = svc.Lookup(p.Code)
	assert.False(t, ok)

	// 同一验证码不能再次使用
	again, err := svc.HandleChatMessage(ctx, Account{UID: "qq_1", Network: model.NetworkQQ, Name: "Bob"}, "/绑定 "+p.Code)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, "验证码 "+p.Code+" 无效或已过期", again.Message)
}

func TestHandleChatMessage_GlobalFirstMatch(t *testing.T) {
	ctx := context.Background()
	first := model.DefaultBindingConfig(1)
	second := model.DefaultBindingConfig(2)
	second.BindSuccessMessage = "server2 #player"
	svc, store, _ := newTestService(t, first, second)
	seedPlayer(t, store, "Steve", "uuid-steve")

	// 验证码由子服 2 签发，前缀先匹配到子服 1，仍绑定到子服 2
	p, err := svc.RequestCode(ctx, 2, "uuid-steve", "Steve", "")
	require.NoError(t, err)

	res, err := svc.HandleChatMessage(ctx, Account{UID: "10001", Network: model.NetworkQQ, Name: "Alice"}, "/绑定 "+p.Code)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.ServerID)
	assert.Equal(t, "server2 Steve", res.Message)
}

func TestHandleChatMessage_NoMatch(t *testing.T) {
	svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))
	res, err := svc.HandleChatMessage(context.Background(), Account{UID: "1"}, "hello world")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()
	alice := Account{UID: "10001", Network: model.NetworkQQ, Name: "Alice"}

	bound := func(t *testing.T, cfg *model.BindingConfig) (*Service, *repotest.Store, *fakeKicker) {
		svc, store, kicker := newTestService(t, cfg)
		player := seedPlayer(t, store, "Steve", "uuid-steve")
		_, err := store.Players().LinkSocialAccount(ctx, player.ID, &model.SocialAccount{UID: alice.UID, Network: alice.Network, Name: alice.Name})
		require.NoError(t, err)
		return svc, store, kicker
	}

	t.Run("本人解绑并踢出", func(t *testing.T) {
		svc, store, kicker := bound(t, model.DefaultBindingConfig(1))
		res, err := svc.HandleChatMessage(ctx, alice, "/解绑 Steve")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "Alice 已解绑玩家 Steve", res.Message)

		got, err := store.Players().GetPlayerByName(ctx, "Steve")
		require.NoError(t, err)
		assert.Nil(t, got.SocialAccountID)

		select {
		case call := <-kicker.calls:
			assert.Equal(t, int64(1), call.serverID)
			assert.Equal(t, "Steve", call.player)
			assert.Equal(t, "Steve，你的账号已解绑", call.reason)
		case <-time.After(time.Second):
			t.Fatal("player was not kicked")
		}
	})

	t.Run("其他账号不能解绑", func(t *testing.T) {
		svc, store, _ := bound(t, model.DefaultBindingConfig(1))
		res, err := svc.HandleChatMessage(ctx, Account{UID: "20002", Network: model.NetworkQQ, Name: "Mallory"}, "/解绑 Steve")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Mallory 无法解绑玩家 Steve", res.Message)

		got, err := store.Players().GetPlayerByName(ctx, "Steve")
		require.NoError(t, err)
		assert.NotNil(t, got.SocialAccountID)
	})

	t.Run("策略禁止解绑", func(t *testing.T) {
		cfg := model.DefaultBindingConfig(1)
		cfg.AllowUnbind = false
		svc, _, _ := bound(t, cfg)
		res, err := svc.HandleChatMessage(ctx, alice, "/解绑 Steve")
		require.NoError(t, err)
		assert.False(t, res.Success)
	})

	t.Run("玩家不存在", func(t *testing.T) {
		svc, _, _ := bound(t, model.DefaultBindingConfig(1))
		res, err := svc.HandleChatMessage(ctx, alice, "/解绑 Herobrine")
		require.NoError(t, err)
		assert.False(t, res.Success)
	})
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("不要求绑定", func(t *testing.T) {
		svc, _, _ := newTestService(t, model.DefaultBindingConfig(1))
		adm, err := svc.Join(ctx, 1, "Steve", "uuid-steve", "127.0.0.1")
		require.NoError(t, err)
		assert.True(t, adm.Allow)
	})

	t.Run("要求绑定且未绑定", func(t *testing.T) {
		cfg := model.DefaultBindingConfig(1)
		cfg.RequireBinding = true
		svc, store, _ := newTestService(t, cfg)

		adm, err := svc.Join(ctx, 1, "Steve", "uuid-steve", "127.0.0.1")
		require.NoError(t, err)
		assert.False(t, adm.Allow)
		assert.Equal(t, "Steve，请在群内发送 /绑定 "+adm.Code+" 完成绑定，验证码 5 分钟内有效", adm.Reason)

		p, err := store.Players().GetPlayerByUUID(ctx, "uuid-steve")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", p.IP)

		again, err := svc.Join(ctx, 1, "Steve", "uuid-steve", "127.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, adm.Code, again.Code)
	})

	t.Run("要求绑定且已绑定", func(t *testing.T) {
		cfg := model.DefaultBindingConfig(1)
		cfg.RequireBinding = true
		svc, store, _ := newTestService(t, cfg)
		player := seedPlayer(t, store, "Steve", "uuid-steve")
		_, err := store.Players().LinkSocialAccount(ctx, player.ID, &model.SocialAccount{UID: "1", Network: model.NetworkQQ})
		require.NoError(t, err)

		adm, err := svc.Join(ctx, 1, "Steve", "uuid-steve", "127.0.0.1")
		require.NoError(t, err)
		assert.True(t, adm.Allow)
	})
}

func TestQueryAndGameUnbind(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, model.DefaultBindingConfig(1))
	player := seedPlayer(t, store, "Steve", "uuid-steve")

	st, err := svc.Query(ctx, 1, "uuid-steve")
	require.NoError(t, err)
	assert.False(t, st.Bound)
	assert.Nil(t, st.Pending)

	ticket, err := svc.RequestBind(ctx, 1, "uuid-steve", "Steve")
	require.NoError(t, err)
	assert.True(t, ticket.Success)

	st, err = svc.Query(ctx, 1, "uuid-steve")
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Equal(t, ticket.Code, st.Pending.Code)

	// 查询不会消耗验证码
	_, ok := svc.Lookup(ticket.Code)
	assert.True(t, ok)

	_, err = store.Players().LinkSocialAccount(ctx, player.ID, &model.SocialAccount{UID: "10001", Network: model.NetworkQQ, Name: "Alice"})
	require.NoError(t, err)

	st, err = svc.Query(ctx, 1, "uuid-steve")
	require.NoError(t, err)
	assert.True(t, st.Bound)
	assert.Equal(t, "10001", st.Account.UID)

	again, err := svc.RequestBind(ctx, 1, "uuid-steve", "Steve")
	require.NoError(t, err)
	assert.False(t, again.Success)

	res, err := svc.GameUnbind(ctx, 1, "uuid-steve")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Alice 已解绑玩家 Steve", res.Message)

	res, err = svc.GameUnbind(ctx, 1, "uuid-steve")
	require.NoError(t, err)
	assert.False(t, res.Success)
}
