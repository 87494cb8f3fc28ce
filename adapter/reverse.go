package adapter

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/CrashVibe/FGATE-Nexus-sub000/repo"
	"github.com/ceyewan/genesis/clog"
)

// HeaderSelfID 反向连接时机器人上报自身账号的请求头
const HeaderSelfID = "X-Self-ID"

// ServeReverse 接受机器人实现的反向连接。
// 适配器必须存在、启用且为反向 OneBot；配置了 token 时校验 Authorization 或 access_token 参数。
func (m *Manager) ServeReverse(w http.ResponseWriter, r *http.Request, adapterID int64) {
	logger := m.logger.With(clog.Int64("adapter_id", adapterID), clog.String("remote_addr", r.RemoteAddr))

	a, err := m.adapters.GetAdapter(r.Context(), adapterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "adapter not found", http.StatusNotFound)
			return
		}
		logger.Error("failed to load adapter", clog.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a.Type != model.AdapterTypeOneBot || a.Direction != model.ConnectionReverse {
		http.Error(w, "adapter does not accept reverse connections", http.StatusBadRequest)
		return
	}
	if !a.Enabled {
		http.Error(w, "adapter disabled", http.StatusForbidden)
		return
	}

	selfID, err := strconv.ParseInt(r.Header.Get(HeaderSelfID), 10, 64)
	if err != nil || selfID <= 0 {
		http.Error(w, "missing "+HeaderSelfID, http.StatusBadRequest)
		return
	}

	if a.Token != "" {
		got := accessToken(r)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
			logger.Warn("reverse connection rejected: invalid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade reverse connection", clog.Error(err))
		return
	}
	if m.attach(adapterID, model.ConnectionReverse, ws, selfID, nil) == nil {
		return
	}
	logger.Info("reverse connection accepted", clog.Int64("self_id", selfID))
}

func accessToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "Token "} {
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimPrefix(auth, prefix)
		}
	}
	return r.URL.Query().Get("access_token")
}
