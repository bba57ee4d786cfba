// Package client connects tools and editor instances to a running
// registrar.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/basket/registrar/internal/registrar"
	"github.com/basket/registrar/internal/rpc"
)

// NotificationFunc receives relayed notifications. params carries the
// sourceClientId of the sender when it was a keyed object.
type NotificationFunc func(method string, params json.RawMessage)

type Options struct {
	// URL of the registrar's websocket endpoint, e.g. ws://127.0.0.1:56024/ws.
	URL     string
	AppName string
	// Tokens supplies and keeps the client's token. Nil means every
	// connection asks the instances for a fresh grant.
	Tokens TokenStore

	OnNotification NotificationFunc
	Logger         *slog.Logger
}

// Client is an authenticated external-client session.
type Client struct {
	conn   *rpc.Conn
	logger *slog.Logger
	app    string
}

// Connect dials the registrar and authenticates. A stored token is tried
// first; if the registrar no longer knows it, a new grant is requested
// from the instances (which may prompt a human) and saved for next time.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.AppName == "" {
		return nil, fmt.Errorf("client: app name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client", "app", opts.AppName)

	mux := rpc.NewMux()
	if opts.OnNotification != nil {
		mux.SetDefault(func(_ context.Context, method string, params json.RawMessage) {
			opts.OnNotification(method, params)
		})
	}
	conn, err := dial(ctx, opts.URL, mux, logger)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, logger: logger, app: opts.AppName}
	if err := c.authenticate(ctx, opts.Tokens); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, tokens TokenStore) error {
	if tokens != nil {
		token, err := tokens.Load()
		if err != nil {
			return err
		}
		if token != "" {
			err := c.call(ctx, registrar.MethodAuthenticate, registrar.AuthenticateParams{AppName: c.app, Token: token}, nil)
			if err == nil {
				c.logger.Info("authenticated with stored token")
				return nil
			}
			if !errors.Is(err, registrar.ErrInvalidToken) {
				return fmt.Errorf("authenticate: %w", err)
			}
			c.logger.Info("stored token rejected, requesting a new grant")
		}
	}

	var grant registrar.RequestTokenResult
	if err := c.call(ctx, registrar.MethodRequestToken, registrar.RequestTokenParams{AppName: c.app}, &grant); err != nil {
		return fmt.Errorf("request token: %w", err)
	}
	if tokens != nil {
		if err := tokens.Save(grant.Token); err != nil {
			c.logger.Warn("could not persist new token", "error", err)
		}
	}
	if err := c.call(ctx, registrar.MethodAuthenticate, registrar.AuthenticateParams{AppName: c.app, Token: grant.Token}, nil); err != nil {
		return fmt.Errorf("authenticate with new token: %w", err)
	}
	c.logger.Info("authenticated with new grant")
	return nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	return registrar.FromWire(c.conn.Call(ctx, method, params, result))
}

// Call issues a request to the registrar. Errors from the registrar's
// taxonomy match the registrar sentinels with errors.Is.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.call(ctx, method, params, result)
}

// Notify broadcasts a notification to every connected instance.
func (c *Client) Notify(method string, params any) error {
	return c.conn.Notify(method, params)
}

func (c *Client) Instances(ctx context.Context) ([]registrar.InstanceInfo, error) {
	var out []registrar.InstanceInfo
	if err := c.call(ctx, registrar.MethodListInstances, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChooseInstance returns the only registered instance, or nil if there is
// not exactly one.
func (c *Client) ChooseInstance(ctx context.Context) (*registrar.InstanceInfo, error) {
	var out *registrar.InstanceInfo
	if err := c.call(ctx, registrar.MethodChooseInstance, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LastActiveInstance(ctx context.Context) (*registrar.InstanceInfo, error) {
	var out *registrar.InstanceInfo
	if err := c.call(ctx, registrar.MethodLastActiveInstance, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Done is closed when the connection to the registrar is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Closed()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func dial(ctx context.Context, url string, handler rpc.Handler, logger *slog.Logger) (*rpc.Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial registrar: %w", err)
	}
	conn := rpc.New(ws, handler, rpc.Options{Logger: logger})
	go func() {
		if err := conn.Run(context.Background()); err != nil {
			logger.Warn("registrar connection ended", "error", err)
		}
	}()
	return conn, nil
}
