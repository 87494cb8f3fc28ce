// Package binding 实现玩家与聊天账号之间的验证码绑定状态机。
//
// 每个 (子服, 玩家) 最多存在一条有效的待绑定记录；验证码在所有子服范围内唯一，
// 过期记录在每次请求或查找时惰性清理。
package binding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/nexus/observability"
	"github.com/CrashVibe/FGATE-Nexus-sub000/pkg/render"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

// ErrCodeExhausted 多次尝试后仍无法生成不冲突的验证码
var ErrCodeExhausted = xerrors.New("no unique verification code available")

const (
	maxCodeAttempts   = 100
	defaultCodeLength = 6
	defaultExpire     = 5 * time.Minute
)

// 指令类型
const (
	OpBind   = "bind"
	OpUnbind = "unbind"
)

// Kicker 把玩家踢出子服，玩家不在线时返回 false
type Kicker interface {
	Kick(serverID int64, player, reason string) bool
}

// Account 发起指令的聊天账号
type Account struct {
	UID     string
	Network string
	Name    string
}

// Pending 一条待确认的绑定
type Pending struct {
	ServerID   int64
	PlayerUUID string
	PlayerName string
	Code       string
	// Account 认领该验证码的聊天账号，确认绑定时被实际发送者替换
	Account   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Result 一次绑定或解绑指令的结果，Message 为可直接回复给用户的文本
type Result struct {
	Op       string
	ServerID int64
	Success  bool
	Player   string
	Account  string
	Message  string
}

// Admission 玩家进服判定
type Admission struct {
	Allow  bool
	Reason string
	Code   string
}

// Ticket 游戏内主动申请绑定的结果
type Ticket struct {
	Success   bool
	Code      string
	ExpiresAt time.Time
	Message   string
}

// Status 玩家绑定状态，只读
type Status struct {
	Bound   bool
	Account *model.SocialAccount
	Pending *Pending
}

type pendingKey struct {
	serverID int64
	player   string
}

// Service 绑定状态机
type Service struct {
	bindings repo.BindingRepo
	players  repo.PlayerRepo
	kicker   Kicker
	logger   clog.Logger
	now      func() time.Time
	genCode  func(alphabet string, length int) (string, error)

	mu      sync.Mutex
	pending map[pendingKey]*Pending
	codes   map[string]pendingKey
}

// NewService 创建绑定状态机，kicker 可以为 nil
func NewService(bindings repo.BindingRepo, players repo.PlayerRepo, kicker Kicker, logger clog.Logger) *Service {
	return &Service{
		bindings: bindings,
		players:  players,
		kicker:   kicker,
		logger:   logger.WithNamespace("binding"),
		now:      time.Now,
		genCode:  randomCode,
		pending:  make(map[pendingKey]*Pending),
		codes:    make(map[string]pendingKey),
	}
}

// Config 读取子服绑定策略，未配置时返回默认策略
func (s *Service) Config(ctx context.Context, serverID int64) (*model.BindingConfig, error) {
	cfg, err := s.bindings.GetBindingConfig(ctx, serverID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.DefaultBindingConfig(serverID), nil
		}
		return nil, err
	}
	return cfg, nil
}

// RequestCode 为 (子服, 玩家) 申请验证码。已有未过期的验证码时原样返回
func (s *Service) RequestCode(ctx context.Context, serverID int64, playerUUID, playerName, account string) (*Pending, error) {
	cfg, err := s.Config(ctx, serverID)
	if err != nil {
		return nil, err
	}

	length := cfg.CodeLength
	if length <= 0 {
		length = defaultCodeLength
	}
	ttl := time.Duration(cfg.CodeExpireMinutes) * time.Minute
	if ttl <= 0 {
		ttl = defaultExpire
	}
	alphabet := Alphabet(cfg.CodeMode)

	now := s.now()
	k := pendingKey{serverID: serverID, player: playerUUID}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	if p, ok := s.pending[k]; ok {
		cp := *p
		return &cp, nil
	}

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.genCode(alphabet, length)
		if err != nil {
			return nil, err
		}
		if _, taken := s.codes[code]; taken {
			continue
		}
		p := &Pending{
			ServerID:   serverID,
			PlayerUUID: playerUUID,
			PlayerName: playerName,
			Code:       code,
			Account:    account,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		s.pending[k] = p
		s.codes[code] = k

		s.logger.Debug("verification code issued",
			clog.Int64("server_id", serverID),
			clog.String("player", playerName),
			clog.Duration("ttl", ttl))
		cp := *p
		return &cp, nil
	}

	s.logger.Warn("failed to generate unique verification code",
		clog.Int64("server_id", serverID),
		clog.Int("active_codes", len(s.codes)))
	return nil, ErrCodeExhausted
}

// PendingFor 查询 (子服, 玩家) 当前有效的待绑定记录
func (s *Service) PendingFor(serverID int64, playerUUID string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[pendingKey{serverID: serverID, player: playerUUID}]
	if !ok || !s.now().Before(p.ExpiresAt) {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Lookup 按验证码查找待绑定记录
func (s *Service) Lookup(code string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	k, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	cp := *s.pending[k]
	return &cp, true
}

func (s *Service) sweepLocked(now time.Time) {
	for k, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			delete(s.pending, k)
			if s.codes[p.Code] == k {
				delete(s.codes, p.Code)
			}
		}
	}
}

// take 取出验证码对应的记录，保证同一验证码只能被确认一次
func (s *Service) take(code string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	k, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	p := s.pending[k]
	delete(s.codes, code)
	delete(s.pending, k)
	return p, true
}

// restore 存储失败时放回记录，期间已有新记录则放弃
func (s *Service) restore(p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pendingKey{serverID: p.ServerID, player: p.PlayerUUID}
	if _, ok := s.pending[k]; ok {
		return
	}
	if _, ok := s.codes[p.Code]; ok {
		return
	}
	s.pending[k] = p
	s.codes[p.Code] = k
}

// Join 处理玩家进服：登记玩家，需要绑定而未绑定时签发验证码并要求踢出
func (s *Service) Join(ctx context.Context, serverID int64, name, uuid, ip string) (*Admission, error) {
	player, err := s.players.UpsertPlayer(ctx, &model.Player{Name: name, UUID: uuid, IP: ip})
	if err != nil {
		return nil, err
	}
	if err := s.players.AddPlayerServer(ctx, player.ID, serverID); err != nil {
		return nil, err
	}

	cfg, err := s.Config(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !cfg.RequireBinding || player.SocialAccountID != nil {
		return &Admission{Allow: true}, nil
	}

	p, err := s.RequestCode(ctx, serverID, uuid, name, "")
	if err != nil {
		return nil, err
	}
	observability.RecordBinding(ctx, "join", "kick")
	return &Admission{
		Allow:  false,
		Reason: CodeMessage(cfg, name, p.Code),
		Code:   p.Code,
	}, nil
}

// RequestBind 玩家在游戏内申请绑定
func (s *Service) RequestBind(ctx context.Context, serverID int64, uuid, name string) (*Ticket, error) {
	player, err := s.players.GetPlayerByUUID(ctx, uuid)
	switch {
	case err == nil:
		if player.SocialAccountID != nil {
			return &Ticket{Success: false, Message: "当前玩家已绑定账号"}, nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	cfg, err := s.Config(ctx, serverID)
	if err != nil {
		return nil, err
	}
	p, err := s.RequestCode(ctx, serverID, uuid, name, "")
	if err != nil {
		if errors.Is(err, ErrCodeExhausted) {
			return &Ticket{Success: false, Message: "验证码生成失败，请稍后再试"}, nil
		}
		return nil, err
	}
	observability.RecordBinding(ctx, "request", "ok")
	return &Ticket{
		Success:   true,
		Code:      p.Code,
		ExpiresAt: p.ExpiresAt,
		Message:   CodeMessage(cfg, name, p.Code),
	}, nil
}

// Query 查询玩家绑定状态，不修改任何状态
func (s *Service) Query(ctx context.Context, serverID int64, uuid string) (*Status, error) {
	st := &Status{}
	if p, ok := s.PendingFor(serverID, uuid); ok {
		st.Pending = p
	}

	player, err := s.players.GetPlayerByUUID(ctx, uuid)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return st, nil
		}
		return nil, err
	}
	if player.SocialAccountID == nil {
		return st, nil
	}
	account, err := s.players.GetSocialAccount(ctx, *player.SocialAccountID)
	if err != nil {
		return nil, err
	}
	st.Bound = true
	st.Account = account
	return st, nil
}

// HandleChatMessage 依次匹配所有子服的绑定/解绑前缀，第一个匹配的子服处理该消息。
// 没有任何前缀匹配时返回 nil。
func (s *Service) HandleChatMessage(ctx context.Context, account Account, text string) (*Result, error) {
	configs, err := s.bindings.ListBindingConfigs(ctx)
	if err != nil {
		return nil, err
	}

	for _, cfg := range configs {
		if cfg.BindPrefix != "" && strings.HasPrefix(text, cfg.BindPrefix) {
			code := strings.TrimSpace(text[len(cfg.BindPrefix):])
			return s.bind(ctx, cfg, account, code)
		}
		if cfg.UnbindPrefix != "" && strings.HasPrefix(text, cfg.UnbindPrefix) {
			name := strings.TrimSpace(text[len(cfg.UnbindPrefix):])
			return s.unbind(ctx, cfg, account, name)
		}
	}
	return nil, nil
}

func (s *Service) bind(ctx context.Context, matched *model.BindingConfig, account Account, code string) (*Result, error) {
	res := &Result{Op: OpBind, ServerID: matched.ServerID, Account: account.UID}
	vars := placeholders{user: account.Name, uid: account.UID, code: code}

	p, ok := s.take(code)
	if !ok {
		observability.RecordBinding(ctx, OpBind, "invalid_code")
		res.Message = vars.apply(matched.BindFailMessage)
		return res, nil
	}

	// 验证码在哪个子服签发就绑定到哪个子服
	cfg := matched
	if p.ServerID != matched.ServerID {
		if c, err := s.Config(ctx, p.ServerID); err == nil {
			cfg = c
		}
	}
	res.ServerID = p.ServerID
	res.Player = p.PlayerName
	vars.player = p.PlayerName

	player, err := s.players.GetPlayerByUUID(ctx, p.PlayerUUID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("pending binding refers to unknown player",
				clog.Int64("server_id", p.ServerID),
				clog.String("player", p.PlayerName))
			observability.RecordBinding(ctx, OpBind, "player_not_found")
			res.Message = vars.apply(cfg.BindFailMessage)
			return res, nil
		}
		s.restore(p)
		return nil, err
	}

	p.Account = account.UID
	linked, err := s.players.LinkSocialAccount(ctx, player.ID, &model.SocialAccount{
		UID:     account.UID,
		Network: account.Network,
		Name:    account.Name,
	})
	if err != nil {
		s.restore(p)
		return nil, err
	}

	s.logger.Info("player bound",
		clog.Int64("server_id", p.ServerID),
		clog.String("player", player.Name),
		clog.String("account", linked.UID),
		clog.String("network", linked.Network))
	observability.RecordBinding(ctx, OpBind, "ok")

	vars.player = player.Name
	res.Player = player.Name
	res.Success = true
	res.Message = vars.apply(cfg.BindSuccessMessage)
	return res, nil
}

func (s *Service) unbind(ctx context.Context, cfg *model.BindingConfig, account Account, name string) (*Result, error) {
	res := &Result{Op: OpUnbind, ServerID: cfg.ServerID, Player: name, Account: account.UID}
	vars := placeholders{user: account.Name, uid: account.UID, player: name}
	fail := func(reason string) (*Result, error) {
		observability.RecordBinding(ctx, OpUnbind, reason)
		res.Message = vars.apply(cfg.UnbindFailMessage)
		return res, nil
	}

	if !cfg.AllowUnbind {
		return fail("disabled")
	}

	player, err := s.players.GetPlayerByName(ctx, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fail("player_not_found")
		}
		return nil, err
	}
	if player.SocialAccountID == nil {
		return fail("not_bound")
	}
	linked, err := s.players.GetSocialAccount(ctx, *player.SocialAccountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fail("not_bound")
		}
		return nil, err
	}
	// 只能解绑自己绑定的玩家
	if linked.UID != account.UID || linked.Network != account.Network {
		return fail("not_owner")
	}

	ok, err := s.players.UnlinkSocialAccount(ctx, player.ID, linked.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fail("not_bound")
	}

	s.logger.Info("player unbound",
		clog.Int64("server_id", cfg.ServerID),
		clog.String("player", player.Name),
		clog.String("account", account.UID))
	observability.RecordBinding(ctx, OpUnbind, "ok")

	s.kickAsync(cfg.ServerID, player.Name, render.Render(cfg.UnbindKickMessage, render.Context{
		"name":   player.Name,
		"player": player.Name,
	}))

	res.Success = true
	res.Message = vars.apply(cfg.UnbindSuccessMessage)
	return res, nil
}

// GameUnbind 玩家在游戏内解除自己的绑定
func (s *Service) GameUnbind(ctx context.Context, serverID int64, uuid string) (*Result, error) {
	cfg, err := s.Config(ctx, serverID)
	if err != nil {
		return nil, err
	}
	res := &Result{Op: OpUnbind, ServerID: serverID}

	player, err := s.players.GetPlayerByUUID(ctx, uuid)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res.Message = "玩家不存在"
			return res, nil
		}
		return nil, err
	}
	res.Player = player.Name
	vars := placeholders{player: player.Name}

	if !cfg.AllowUnbind {
		res.Message = vars.apply(cfg.UnbindFailMessage)
		return res, nil
	}
	if player.SocialAccountID == nil {
		res.Message = "当前玩家未绑定账号"
		return res, nil
	}
	if account, err := s.players.GetSocialAccount(ctx, *player.SocialAccountID); err == nil {
		vars.user = account.Name
		vars.uid = account.UID
		res.Account = account.UID
	}

	ok, err := s.players.UnlinkSocialAccount(ctx, player.ID, *player.SocialAccountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Message = vars.apply(cfg.UnbindFailMessage)
		return res, nil
	}
	observability.RecordBinding(ctx, "game_unbind", "ok")
	res.Success = true
	res.Message = vars.apply(cfg.UnbindSuccessMessage)
	return res, nil
}

func (s *Service) kickAsync(serverID int64, player, reason string) {
	if s.kicker == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic while kicking player", clog.Any("panic", r))
			}
		}()
		if !s.kicker.Kick(serverID, player, reason) {
			s.logger.Debug("player not online, skip kick",
				clog.Int64("server_id", serverID),
				clog.String("player", player))
		}
	}()
}

// CodeMessage 渲染验证码提示，占位符为 {name} {prefix} {code} {time}
func CodeMessage(cfg *model.BindingConfig, name, code string) string {
	minutes := cfg.CodeExpireMinutes
	if minutes <= 0 {
		minutes = int(defaultExpire / time.Minute)
	}
	return render.Render(cfg.KickMessage, render.Context{
		"name":   name,
		"prefix": cfg.BindPrefix,
		"code":   code,
		"time":   minutes,
	})
}

type placeholders struct {
	user   string
	uid    string
	player string
	code   string
}

func (p placeholders) apply(tpl string) string {
	return strings.NewReplacer(
		"#user", p.user,
		"#uid", p.uid,
		"#player", p.player,
		"#code", p.code,
	).Replace(tpl)
}
