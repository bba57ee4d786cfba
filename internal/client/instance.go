package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/basket/registrar/internal/registrar"
	"github.com/basket/registrar/internal/rpc"
)

// Approver decides whether an application may be granted a token. ctx is
// cancelled if the registrar withdraws the request; the answer is then
// ignored.
type Approver interface {
	Approve(ctx context.Context, req registrar.RequestAccessParams) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req registrar.RequestAccessParams) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req registrar.RequestAccessParams) (bool, error) {
	return f(ctx, req)
}

type InstanceOptions struct {
	URL  string
	Name string
	Port int

	// Approver answers access requests. Nil denies everything.
	Approver Approver

	OnNotification NotificationFunc
	// OnClientCount is told about external clients connecting and leaving.
	OnClientCount func(registrar.ClientCountParams)
	Logger        *slog.Logger
}

// Instance is a registered editor instance.
type Instance struct {
	conn     *rpc.Conn
	logger   *slog.Logger
	approver Approver
	opts     InstanceOptions

	mu      sync.Mutex
	prompts map[int64]context.CancelFunc
}

// ConnectInstance dials the registrar and registers as an instance. The
// registrar checks the instance by asking it to read back the registrar's
// secret file.
func ConnectInstance(ctx context.Context, opts InstanceOptions) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{
		logger:   logger.With("component", "instance", "name", opts.Name),
		approver: opts.Approver,
		opts:     opts,
		prompts:  map[int64]context.CancelFunc{},
	}
	mux := rpc.NewMux()
	mux.Request(registrar.MethodAuthenticateVsCodeInstance, inst.readSecret)
	mux.Request(registrar.MethodRequestAccess, inst.requestAccess)
	mux.Notification(registrar.MethodCancelAccessRequest, inst.cancelAccess)
	mux.Notification(registrar.MethodClientConnected, inst.clientCount)
	mux.Notification(registrar.MethodClientDisconnected, inst.clientCount)
	if opts.OnNotification != nil {
		mux.SetDefault(func(_ context.Context, method string, params json.RawMessage) {
			opts.OnNotification(method, params)
		})
	}

	conn, err := dial(ctx, opts.URL, mux, inst.logger)
	if err != nil {
		return nil, err
	}
	inst.conn = conn
	err = registrar.FromWire(conn.Call(ctx, registrar.MethodRegisterAsVsCodeInstance,
		registrar.RegisterInstanceParams{Name: opts.Name, Port: opts.Port}, nil))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register instance: %w", err)
	}
	inst.logger.Info("registered with registrar")
	return inst, nil
}

func (i *Instance) readSecret(_ context.Context, params json.RawMessage) (any, error) {
	var p registrar.SecretProbeParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.FilePathToRead)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return registrar.SecretProbeResult{Content: string(data)}, nil
}

func (i *Instance) requestAccess(ctx context.Context, params json.RawMessage) (any, error) {
	var p registrar.RequestAccessParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if i.approver == nil {
		return registrar.RequestAccessResult{AccessGranted: false}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.prompts[p.RequestID] = cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.prompts, p.RequestID)
		i.mu.Unlock()
		cancel()
	}()

	i.logger.Info("access requested", "request_id", p.RequestID, "app", p.AppName)
	granted, err := i.approver.Approve(ctx, p)
	if err != nil {
		i.logger.Warn("approver failed, denying", "request_id", p.RequestID, "error", err)
		granted = false
	}
	return registrar.RequestAccessResult{AccessGranted: granted}, nil
}

func (i *Instance) cancelAccess(_ context.Context, params json.RawMessage) {
	var p registrar.CancelAccessRequestParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return
	}
	i.mu.Lock()
	cancel, ok := i.prompts[p.RequestID]
	i.mu.Unlock()
	if ok {
		i.logger.Debug("access request withdrawn", "request_id", p.RequestID)
		cancel()
	}
}

func (i *Instance) clientCount(_ context.Context, params json.RawMessage) {
	var p registrar.ClientCountParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return
	}
	if i.opts.OnClientCount != nil {
		i.opts.OnClientCount(p)
	}
}

// PendingPrompts returns the ids of access requests still awaiting an
// answer from the approver.
func (i *Instance) PendingPrompts() []int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]int64, 0, len(i.prompts))
	for id := range i.prompts {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Notify sends a notification to every connected external client.
func (i *Instance) Notify(method string, params any) error {
	return i.conn.Notify(method, params)
}

// NotifyInstances sends a notification to every other instance.
func (i *Instance) NotifyInstances(method string, params map[string]any) error {
	return i.conn.Notify(method, registrar.ServerToServer(params))
}

// AuthenticateClient checks a token a tool presented to this instance
// directly.
func (i *Instance) AuthenticateClient(ctx context.Context, appName, token string) error {
	return registrar.FromWire(i.conn.Call(ctx, registrar.MethodAuthenticateClient,
		registrar.AuthenticateParams{AppName: appName, Token: token}, nil))
}

// TrustFilePath asks the registrar where its trust store lives.
func (i *Instance) TrustFilePath(ctx context.Context) (string, error) {
	var res registrar.ConfigFileNameResult
	if err := registrar.FromWire(i.conn.Call(ctx, registrar.MethodGetConfigFileName, nil, &res)); err != nil {
		return "", err
	}
	return res.Path, nil
}

// ReloadTrust makes the registrar re-read its trust store and returns the
// number of records it now holds.
func (i *Instance) ReloadTrust(ctx context.Context) (int, error) {
	var res registrar.ReloadConfigResult
	if err := registrar.FromWire(i.conn.Call(ctx, registrar.MethodReloadConfig, nil, &res)); err != nil {
		return 0, err
	}
	return res.Records, nil
}

func (i *Instance) Done() <-chan struct{} {
	return i.conn.Closed()
}

func (i *Instance) Close() error {
	return i.conn.Close()
}
