package adapter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// dial 拨号正向连接，配置了 token 时以 Bearer 方式携带
func dial(ctx context.Context, dialer *websocket.Dialer, address, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return ws, nil
}
