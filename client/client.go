// Package client implements the RPC client of the block cache service.
//
// Every operation builds its request payload, runs it through the middleware
// chain and ends in exactly one socket exchange with one cache node:
//
//	op → encode payload → [logging → metrics → rate limit → user → timeout]
//	   → transport.Exchange (dial, send, receive, close) → check action → decode status
//
// The node is either the configured static address or, when a registry is
// configured, the node the balancer picks for the file path.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dvbcache/codec"
	"dvbcache/config"
	"dvbcache/loadbalance"
	"dvbcache/message"
	"dvbcache/middleware"
	"dvbcache/protocol"
	"dvbcache/registry"
	"dvbcache/transport"
)

var (
	ErrNotStarted = errors.New("client not started")
	ErrStopped    = errors.New("client stopped")
	ErrReadOnly   = errors.New("file opened read-only")
	ErrNoNodes    = errors.New("no cache node available")
	ErrBadRange   = errors.New("read range overflows the file offset")
)

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

type Client struct {
	cfg         *config.Config
	opts        transport.Options
	registry    registry.Registry
	ownRegistry bool // created from cfg.Registry, closed on Stop
	balancer    loadbalance.Balancer
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	registerer  prometheus.Registerer
	logger      *zap.Logger
	cache       *blockCache

	state     atomic.Int32
	mu        sync.RWMutex
	instances []registry.ServiceInstance // last discovered node list
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient builds a client from cfg; a nil cfg means config.Default().
// Start must be called before any operation.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		opts:       transport.Options{Timeout: cfg.Timeout},
		registerer: prometheus.DefaultRegisterer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry == nil && cfg.UseRegistry() {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect registry: %w", err)
		}
		c.registry = reg
		c.ownRegistry = true
	}
	if c.registry != nil && c.balancer == nil {
		b, err := loadbalance.New(cfg.Registry.Balancer)
		if err != nil {
			return nil, err
		}
		c.balancer = b
	}

	cache, err := newBlockCache(cfg.BlockCache.Files, cfg.BlockCache.BlocksPerFile)
	if err != nil {
		return nil, err
	}
	c.cache = cache

	if err := c.buildChain(); err != nil {
		return nil, err
	}
	return c, nil
}

// buildChain wraps the transport exchange with the configured middlewares.
func (c *Client) buildChain() error {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(c.logger)}
	if c.cfg.Metrics.Enabled {
		m, err := middleware.NewMetrics(c.cfg.Metrics.Namespace, c.registerer)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mws = append(mws, middleware.MetricsMiddleware(m))
	}
	if c.cfg.RateLimit.QPS > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.cfg.RateLimit.QPS, c.cfg.RateLimit.Burst))
	}
	mws = append(mws, c.middlewares...)
	mws = append(mws, middleware.TimeOutMiddleware(c.cfg.Timeout))

	c.handler = middleware.Chain(mws...)(c.exchange)
	return nil
}

// exchange is the innermost handler: one connection, one request, one response.
func (c *Client) exchange(ctx context.Context, req *message.Request) (*message.Response, error) {
	return transport.Exchange(ctx, req.Addr, c.opts, req.Action, req.Payload)
}

// Start loads the node list and follows registry changes until Stop. With a
// static address it only marks the client usable.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateNew, stateStarted) {
		if c.state.Load() == stateStopped {
			return ErrStopped
		}
		return nil
	}
	if c.registry == nil {
		c.logger.Info("client started", zap.String("addr", c.cfg.Addr))
		return nil
	}

	service := c.cfg.Registry.Service
	instances, err := c.registry.Discover(service)
	if err != nil {
		c.state.Store(stateNew)
		return fmt.Errorf("discover %s: %w", service, err)
	}
	c.setInstances(instances)
	if len(instances) == 0 {
		c.logger.Warn("no cache nodes registered yet", zap.String("service", service))
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ch := c.registry.Watch(watchCtx, service)
	if ch != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for list := range ch {
				c.setInstances(list)
				c.logger.Info("cache nodes changed", zap.Int("nodes", len(list)))
			}
		}()
	}
	c.logger.Info("client started", zap.String("service", service), zap.Int("nodes", len(instances)))
	return nil
}

// Stop ends the registry watch. Operations issued afterwards fail with
// ErrStopped; exchanges already in flight run to completion.
func (c *Client) Stop() error {
	if c.state.Swap(stateStopped) == stateStopped {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.cache.purge()
	if c.ownRegistry {
		if closer, ok := c.registry.(io.Closer); ok {
			return closer.Close()
		}
	}
	return nil
}

func (c *Client) setInstances(instances []registry.ServiceInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = instances
}

// Nodes returns the node list the client currently routes to.
func (c *Client) Nodes() []registry.ServiceInstance {
	if c.registry == nil {
		return []registry.ServiceInstance{{Addr: c.cfg.Addr, Weight: 1}}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]registry.ServiceInstance, len(c.instances))
	copy(out, c.instances)
	return out
}

// resolve picks the node serving path.
func (c *Client) resolve(path string) (string, error) {
	if c.registry == nil {
		return c.cfg.Addr, nil
	}
	c.mu.RLock()
	instances := c.instances
	c.mu.RUnlock()
	if len(instances) == 0 {
		return "", message.NewTransportError(message.FailedConnectionFailed, ErrNoNodes)
	}
	inst, err := c.balancer.Pick(instances, path)
	if err != nil {
		return "", message.NewTransportError(message.FailedConnectionFailed, err)
	}
	return inst.Addr, nil
}

func (c *Client) checkState() error {
	switch c.state.Load() {
	case stateNew:
		return message.NewLocalError(ErrNotStarted.Error(), ErrNotStarted)
	case stateStopped:
		return message.NewLocalError(ErrStopped.Error(), ErrStopped)
	}
	return nil
}

// call performs one exchange and decodes the common response prefix. A
// response whose action is not the one paired with the request is rejected
// without looking at its payload.
func (c *Client) call(ctx context.Context, op, path string, action protocol.Action, payload []byte) (int32, []byte, error) {
	if err := c.checkState(); err != nil {
		return message.StatusFailed, nil, err
	}
	addr, err := c.resolve(path)
	if err != nil {
		return message.StatusFailed, nil, err
	}

	resp, err := c.handler(ctx, &message.Request{
		Op:      op,
		Path:    path,
		Addr:    addr,
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		return message.StatusFailed, nil, err
	}

	expected, _ := protocol.ResponseOf(action)
	if resp.Action != expected {
		return message.StatusFailed, nil, message.NewProtocolError(message.FailedInvalidResponse,
			fmt.Errorf("%s answered with %s, expected %s", action, resp.Action, expected))
	}

	r := codec.NewReader(resp.Payload)
	status := r.ReadInt32(message.StatusFailed)
	if r.Offset() == 0 {
		return message.StatusFailed, nil, message.NewProtocolError(message.FailedInvalidResponse,
			fmt.Errorf("%s: reply carries no status", resp.Action))
	}
	at := r.Offset()
	msg := r.ReadBytes(nil)
	if r.Offset() == at {
		// a failure status stays meaningful without its text
		if status < 0 {
			return status, []byte(message.FailedInvalidResponse), nil
		}
		return message.StatusFailed, nil, message.NewProtocolError(message.FailedInvalidResponse,
			fmt.Errorf("%s: status %d without message", resp.Action, status))
	}
	return status, msg, nil
}

// callStatus runs an operation whose only success status is 0.
func (c *Client) callStatus(ctx context.Context, op, path string, action protocol.Action, payload []byte) error {
	status, msg, err := c.call(ctx, op, path, action, payload)
	if err != nil {
		return err
	}
	if status != message.StatusSuccess {
		return message.NewApplicationError(status, string(msg))
	}
	return nil
}

func pathPayload(path string) []byte {
	b := codec.NewBuilder(codec.SizeLenPrefix + len(path))
	b.WriteString(path)
	return b.Bytes()
}

// Open returns a handle for path. No request is sent; mode only decides
// whether the handle may write.
func (c *Client) Open(path string, mode Mode) *File {
	return &File{client: c, path: path, mode: mode}
}

// Close tells the node that the caller is done with path.
func (c *Client) Close(ctx context.Context, path string) error {
	defer c.cache.invalidate(path)
	return c.callStatus(ctx, "close", path, protocol.ActionClose, pathPayload(path))
}

func (c *Client) Unlink(ctx context.Context, path string) error {
	defer c.cache.invalidate(path)
	return c.callStatus(ctx, "unlink", path, protocol.ActionUnlink, pathPayload(path))
}

func (c *Client) MkDir(ctx context.Context, path string) error {
	return c.callStatus(ctx, "mkdir", path, protocol.ActionMkDir, pathPayload(path))
}

func (c *Client) RmDir(ctx context.Context, path string) error {
	return c.callStatus(ctx, "rmdir", path, protocol.ActionRmDir, pathPayload(path))
}

func (c *Client) Flush(ctx context.Context, path string) error {
	return c.callStatus(ctx, "flush", path, protocol.ActionFlush, pathPayload(path))
}

// Truncate resizes path to size bytes.
func (c *Client) Truncate(ctx context.Context, path string, size int64) error {
	defer c.cache.invalidate(path)
	b := codec.NewBuilder(codec.SizeLenPrefix + len(path) + codec.SizeInt64)
	b.WriteString(path)
	b.WriteInt64(size)
	return c.callStatus(ctx, "truncate", path, protocol.ActionTruncate, b.Bytes())
}

// GetAttr returns the modification time and size of path. The attribute
// record is the raw message field: two little-endian uint64 values, mtime
// first, with no prefixes of their own.
func (c *Client) GetAttr(ctx context.Context, path string) (*message.FileStat, error) {
	status, msg, err := c.call(ctx, "getattr", path, protocol.ActionGetAttr, pathPayload(path))
	if err != nil {
		return nil, err
	}
	if status != message.StatusSuccess {
		return nil, message.NewApplicationError(status, string(msg))
	}
	if len(msg) < 2*codec.SizeInt64 {
		return nil, message.NewProtocolError(message.FailedInvalidResponse,
			fmt.Errorf("attribute record has %d bytes, want %d", len(msg), 2*codec.SizeInt64))
	}
	r := codec.NewReader(msg)
	return &message.FileStat{
		ModTime: r.ReadUint64(0),
		Size:    r.ReadUint64(0),
	}, nil
}

// Admin sends an administrative command. The node used is the one serving
// the empty path.
func (c *Client) Admin(ctx context.Context, cmd protocol.AdminCommand, args []byte) ([]byte, error) {
	b := codec.NewBuilder(codec.SizeInt8 + codec.SizeLenPrefix + len(args))
	b.WriteInt8(int8(cmd))
	b.WriteBytes(args)

	status, msg, err := c.call(ctx, "admin", "", protocol.ActionAdmin, b.Bytes())
	if err != nil {
		return nil, err
	}
	if status != message.StatusSuccess {
		return nil, message.NewApplicationError(status, string(msg))
	}
	if cmd == protocol.AdminClearFiles {
		c.cache.purge()
	}
	return msg, nil
}
