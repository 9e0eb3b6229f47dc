package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// gatewayClient is a thin RPC client over the control-surface WebSocket.
type gatewayClient struct {
	conn *websocket.Conn
}

// dialGateway connects to the running gateway using the configured address
// and token.
func dialGateway(cfg *config.Config) (*gatewayClient, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", url, err)
	}
	return &gatewayClient{conn: conn}, nil
}

func (c *gatewayClient) Close() { c.conn.Close() }

// call sends one request and decodes the matching response's result into
// out (when non-nil).
func (c *gatewayClient) call(method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}
	id := uuid.NewString()[:8]
	if err := c.conn.WriteJSON(protocol.Request{ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var resp struct {
			ID     string          `json:"id"`
			OK     bool            `json:"ok"`
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		}
		if err := c.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}
		if resp.ID != id {
			continue
		}
		if !resp.OK {
			return fmt.Errorf("%s: %s", method, resp.Error)
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// loadClientConfig loads config for client commands, exiting on parse
// failure.
func loadClientConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
