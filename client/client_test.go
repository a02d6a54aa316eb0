package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"dvbcache/codec"
	"dvbcache/config"
	"dvbcache/message"
	"dvbcache/middleware"
	"dvbcache/protocol"
	"dvbcache/registry"
	"dvbcache/server"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	svr := server.NewServer()
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve("", nil)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr
}

func newTestClient(t *testing.T, addr string, mutate func(*config.Config), opts ...Option) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = addr
	cfg.Timeout = 3 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	cli, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(func() { cli.Stop() })
	return cli
}

// countCalls counts the requests that reach the transport.
func countCalls(n *atomic.Int32) middleware.Middleware {
	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			n.Add(1)
			return next(ctx, req)
		}
	}
}

func TestClientWriteRead(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	n, err := cli.Open("mem:///t1", ModeReadWrite).Write(ctx, []byte("hello"), 0, false)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	data, err := cli.Open("mem:///t1", ParseMode("r")).Read(ctx, 5, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestClientUnlinkThenRead(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	_, err := cli.Open("mem:///t1", ModeReadWrite).Write(ctx, []byte("hello"), 0, true)
	require.NoError(t, err)
	require.NoError(t, cli.Unlink(ctx, "mem:///t1"))

	_, err = cli.Open("mem:///t1", ModeReadOnly).Read(ctx, 5, 0)
	require.Error(t, err)
	require.True(t, message.IsApplication(err))
	require.Equal(t, -int32(syscall.ENOENT), message.StatusOf(err))

	var e *message.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, syscall.ENOENT.Error(), e.Message)
}

func TestClientEmptyWrite(t *testing.T) {
	var calls atomic.Int32
	// nothing listens here: an attempted exchange would fail
	cli := newTestClient(t, "127.0.0.1:1", nil, WithMiddleware(countCalls(&calls)))

	n, err := cli.Open("mem:///t1", ModeReadWrite).Write(context.Background(), nil, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = cli.Open("mem:///t1", ModeReadOnly).Write(context.Background(), []byte{}, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.EqualValues(t, 0, calls.Load())
}

func TestClientReadOnlyHandle(t *testing.T) {
	var calls atomic.Int32
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil, WithMiddleware(countCalls(&calls)))
	f := cli.Open("mem:///t1", ModeReadOnly)

	_, err := f.Write(context.Background(), []byte("x"), 0, false)
	require.ErrorIs(t, err, ErrReadOnly)
	require.True(t, message.IsLocal(err))

	err = f.Truncate(context.Background(), 0)
	require.ErrorIs(t, err, ErrReadOnly)
	require.EqualValues(t, 0, calls.Load())
}

func TestClientActionMismatch(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionFlush, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		// 状态为 0 的负载，但 action 错误，不应被解析
		return &message.Response{Action: protocol.ActionReadResp, Payload: []byte{0, 0, 0, 0}}, nil
	})
	cli := newTestClient(t, svr.Addr().String(), nil)

	err := cli.Flush(context.Background(), "mem:///t1")
	require.Error(t, err)
	require.True(t, message.IsProtocol(err))
	require.Equal(t, message.StatusFailed, message.StatusOf(err))

	var e *message.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, message.FailedInvalidResponse, e.Message)
}

func TestClientUnknownStatusVerbatim(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionMkDir, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		b := codec.NewBuilder(0)
		b.WriteInt32(-4242)
		b.WriteString("quota exceeded on shard 7")
		return &message.Response{Action: protocol.ActionMkDirResp, Payload: b.Bytes()}, nil
	})
	cli := newTestClient(t, svr.Addr().String(), nil)

	err := cli.MkDir(context.Background(), "mem:///d")
	require.True(t, message.IsApplication(err))
	require.EqualValues(t, -4242, message.StatusOf(err))
	require.Contains(t, err.Error(), "quota exceeded on shard 7")
}

func TestClientMissingMessage(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionRmDir, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		b := codec.NewBuilder(0)
		b.WriteInt32(-5)
		return &message.Response{Action: protocol.ActionRmDirResp, Payload: b.Bytes()}, nil
	})
	svr.Handle(protocol.ActionClose, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return &message.Response{Action: protocol.ActionSuccess}, nil
	})
	cli := newTestClient(t, svr.Addr().String(), nil)

	err := cli.RmDir(context.Background(), "mem:///d")
	var e *message.Error
	require.True(t, errors.As(err, &e))
	require.EqualValues(t, -5, e.Status)
	require.Equal(t, message.FailedInvalidResponse, e.Message)

	// empty payload: no status was sent at all
	err = cli.Close(context.Background(), "mem:///d")
	require.True(t, message.IsProtocol(err))
	require.Equal(t, message.StatusFailed, message.StatusOf(err))
}

func TestClientReadWithoutData(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionRead, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		// 成功状态但缺少数据字段
		b := codec.NewBuilder(0)
		b.WriteInt32(5)
		return &message.Response{Action: protocol.ActionReadResp, Payload: b.Bytes()}, nil
	})
	cli := newTestClient(t, svr.Addr().String(), nil)

	data, err := cli.Open("mem:///t1", ModeReadOnly).Read(context.Background(), 5, 0)
	require.Nil(t, data)
	require.True(t, message.IsProtocol(err))
	require.Equal(t, message.StatusFailed, message.StatusOf(err))
}

func TestClientGetAttr(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	before := time.Now().Add(-time.Second).Unix()
	_, err := cli.Open("mem:///t2", ModeReadWrite).Write(ctx, make([]byte, 1234), 0, false)
	require.NoError(t, err)

	stat, err := cli.Open("mem:///t2", ModeReadOnly).GetAttr(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1234, stat.Size)
	require.GreaterOrEqual(t, stat.Time().Unix(), before)

	require.NoError(t, cli.Truncate(ctx, "mem:///t2", 10))
	stat, err = cli.GetAttr(ctx, "mem:///t2")
	require.NoError(t, err)
	require.EqualValues(t, 10, stat.Size)

	_, err = cli.GetAttr(ctx, "mem:///none")
	require.True(t, message.IsApplication(err))
}

func TestClientGetAttrShortRecord(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionGetAttr, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		b := codec.NewBuilder(0)
		b.WriteInt32(0)
		b.WriteBytes([]byte{1, 2, 3})
		return &message.Response{Action: protocol.ActionGetAttrResp, Payload: b.Bytes()}, nil
	})
	cli := newTestClient(t, svr.Addr().String(), nil)

	_, err := cli.GetAttr(context.Background(), "mem:///t")
	require.True(t, message.IsProtocol(err))
}

func TestClientDirsFlushClose(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	require.NoError(t, cli.MkDir(ctx, "file:///data"))
	require.True(t, message.IsApplication(cli.MkDir(ctx, "file:///data")))
	require.NoError(t, cli.RmDir(ctx, "file:///data"))

	f := cli.Open("mem:///t3", ModeReadWrite)
	require.Equal(t, "mem:///t3", f.Path())
	require.Equal(t, ModeReadWrite, f.Mode())
	require.NoError(t, f.Flush(ctx))
	require.NoError(t, f.Close(ctx))
}

func TestClientInvalidScheme(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)

	err := cli.Unlink(context.Background(), "s3://bucket/key")
	require.Equal(t, -int32(syscall.EINVAL), message.StatusOf(err))
}

func TestClientAdminClear(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	_, err := cli.Open("mem:///t4", ModeReadWrite).Write(ctx, []byte("x"), 0, false)
	require.NoError(t, err)
	_, err = cli.Admin(ctx, protocol.AdminClearFiles, nil)
	require.NoError(t, err)
	require.Empty(t, svr.Store().Paths())

	_, err = cli.Admin(ctx, protocol.AdminCommand(99), nil)
	require.True(t, message.IsApplication(err))
}

func TestClientConnectionRefused(t *testing.T) {
	cli := newTestClient(t, "127.0.0.1:1", nil)

	err := cli.MkDir(context.Background(), "mem:///d")
	require.True(t, message.IsTransport(err))
	require.Equal(t, message.StatusFailed, message.StatusOf(err))
}

func TestClientTimeout(t *testing.T) {
	svr := startServer(t)
	svr.Handle(protocol.ActionFlush, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, errors.New("too late")
	})
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) { cfg.Timeout = 100 * time.Millisecond })

	err := cli.Flush(context.Background(), "mem:///t")
	require.True(t, message.IsTransport(err))
	var e *message.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, message.FailedConnectionTimeout, e.Message)
	require.Equal(t, message.StatusFailed, message.StatusOf(err))
}

func TestClientLifecycle(t *testing.T) {
	cfg := config.Default()
	cli, err := NewClient(cfg)
	require.NoError(t, err)

	err = cli.MkDir(context.Background(), "mem:///d")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, cli.Start(context.Background()))
	require.NoError(t, cli.Start(context.Background()))
	require.NoError(t, cli.Stop())

	err = cli.MkDir(context.Background(), "mem:///d")
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, cli.Start(context.Background()), ErrStopped)
	require.NoError(t, cli.Stop())
}

func TestNewClientInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Balancer = "nope"
	_, err := NewClient(cfg)
	require.Error(t, err)

	// hand-built config without a fetch concurrency
	cfg = &config.Config{
		Addr:       "127.0.0.1:6500",
		Registry:   config.Registry{Balancer: config.DefaultBalancer},
		BlockCache: config.BlockCache{BlockSize: 4, Files: 2, BlocksPerFile: 2},
		Log:        config.Log{Level: "info"},
	}
	_, err = NewClient(cfg)
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	require.Equal(t, ModeReadOnly, ParseMode("r"))
	require.Equal(t, ModeReadOnly, ParseMode("rb"))
	require.Equal(t, ModeReadWrite, ParseMode("w"))
	require.Equal(t, ModeReadWrite, ParseMode("r+w"))
	require.Equal(t, "r", ModeReadOnly.String())
}

func TestReadBlocks(t *testing.T) {
	svr := startServer(t)
	var calls atomic.Int32
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) {
		cfg.BlockCache.BlockSize = 4
		cfg.BlockCache.Concurrency = 2
	}, WithMiddleware(countCalls(&calls)))
	ctx := context.Background()

	w := cli.Open("mem:///blocks", ModeReadWrite)
	_, err := w.Write(ctx, []byte("0123456789"), 0, false)
	require.NoError(t, err)

	r := cli.Open("mem:///blocks", ModeReadOnly)
	calls.Store(0)
	data, err := r.ReadBlocks(ctx, 8, 1)
	require.NoError(t, err)
	require.Equal(t, "12345678", string(data))
	require.EqualValues(t, 3, calls.Load()) // blocks 0, 1, 2
	// block 2 holds only "89": short blocks are not cached
	require.Equal(t, 2, cli.cache.blocks("mem:///blocks"))

	calls.Store(0)
	data, err = r.ReadBlocks(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
	require.EqualValues(t, 1, calls.Load()) // only the tail block

	// a write drops the cached blocks
	_, err = w.Write(ctx, []byte("ab"), 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, cli.cache.blocks("mem:///blocks"))

	data, err = r.ReadBlocks(ctx, 4, 0)
	require.NoError(t, err)
	require.Equal(t, "ab23", string(data))
}

func TestReadBlocksFallback(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) { cfg.BlockCache.BlockSize = 4 })
	ctx := context.Background()

	w := cli.Open("mem:///fb", ModeReadWrite)
	_, err := w.Write(ctx, []byte("0123456789"), 0, false)
	require.NoError(t, err)

	// writable handle: single read, nothing cached
	data, err := w.ReadBlocks(ctx, 8, 0)
	require.NoError(t, err)
	require.Equal(t, "01234567", string(data))
	require.Equal(t, 0, cli.cache.blocks("mem:///fb"))

	// smaller than one block
	data, err = cli.Open("mem:///fb", ModeReadOnly).ReadBlocks(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, "34", string(data))
}

func TestReadBlocksHugeRange(t *testing.T) {
	svr := startServer(t)
	var calls atomic.Int32
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) {
		cfg.BlockCache.BlockSize = 4
		cfg.BlockCache.Concurrency = 2
	}, WithMiddleware(countCalls(&calls)))
	ctx := context.Background()

	_, err := cli.Open("mem:///huge", ModeReadWrite).Write(ctx, []byte("0123456789"), 0, false)
	require.NoError(t, err)
	r := cli.Open("mem:///huge", ModeReadOnly)

	calls.Store(0)
	_, err = r.ReadBlocks(ctx, math.MaxUint64, 0)
	require.ErrorIs(t, err, ErrBadRange)
	require.True(t, message.IsLocal(err))
	_, err = r.ReadBlocks(ctx, math.MaxInt64, 1)
	require.ErrorIs(t, err, ErrBadRange)
	require.EqualValues(t, 0, calls.Load())

	// reading stops at the end of the file, not at the end of the range
	data, err := r.ReadBlocks(ctx, math.MaxInt64-1, 0)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
	require.EqualValues(t, 4, calls.Load()) // rounds {0, 1} and {2, 3}
}

func TestReadBlocksError(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) { cfg.BlockCache.BlockSize = 4 })

	_, err := cli.Open("mem:///none", ModeReadOnly).ReadBlocks(context.Background(), 16, 0)
	require.True(t, message.IsApplication(err))
}

func TestClientMetrics(t *testing.T) {
	svr := startServer(t)
	reg := prometheus.NewRegistry()
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Namespace = "dvbtest"
	}, WithRegisterer(reg))

	require.NoError(t, cli.MkDir(context.Background(), "mem:///m"))
	n, err := testutil.GatherAndCount(reg, "dvbtest_client_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClientRateLimit(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), func(cfg *config.Config) {
		cfg.RateLimit.QPS = 1
		cfg.RateLimit.Burst = 1
	})
	ctx := context.Background()

	require.NoError(t, cli.Flush(ctx, "mem:///r"))
	err := cli.Flush(ctx, "mem:///r")
	require.ErrorIs(t, err, middleware.ErrRateLimited)
}

func TestClientConcurrent(t *testing.T) {
	svr := startServer(t)
	cli := newTestClient(t, svr.Addr().String(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("mem:///c%d", i)
			if _, err := cli.Open(path, ModeReadWrite).Write(ctx, []byte(path), 0, false); err != nil {
				errs <- err
				return
			}
			data, err := cli.Open(path, ModeReadOnly).Read(ctx, 64, 0)
			if err != nil {
				errs <- err
				return
			}
			if string(data) != path {
				errs <- fmt.Errorf("read %q from %s", data, path)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// ---- registry based routing ----

type staticRegistry struct {
	mu        sync.Mutex
	instances []registry.ServiceInstance
	ch        chan []registry.ServiceInstance
}

func (r *staticRegistry) Register(string, registry.ServiceInstance, int64) error { return nil }
func (r *staticRegistry) Deregister(string, string) error                        { return nil }

func (r *staticRegistry) Discover(string) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances, nil
}

func (r *staticRegistry) Watch(ctx context.Context, _ string) <-chan []registry.ServiceInstance {
	out := make(chan []registry.ServiceInstance)
	go func() {
		defer close(out)
		for {
			select {
			case list := <-r.ch:
				select {
				case out <- list:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func TestClientRegistryRouting(t *testing.T) {
	s1, s2 := startServer(t), startServer(t)
	reg := &staticRegistry{
		instances: []registry.ServiceInstance{{Addr: s1.Addr().String()}, {Addr: s2.Addr().String()}},
		ch:        make(chan []registry.ServiceInstance),
	}
	cli := newTestClient(t, "", func(cfg *config.Config) {
		cfg.Registry.Endpoints = []string{"unused:2379"}
	}, WithRegistry(reg))
	ctx := context.Background()
	require.Len(t, cli.Nodes(), 2)

	// 同一路径总是落在同一个节点上
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("mem:///r%d", i)
		_, err := cli.Open(path, ModeReadWrite).Write(ctx, []byte("x"), 0, false)
		require.NoError(t, err)
		_, err = cli.Open(path, ModeReadOnly).Read(ctx, 1, 0)
		require.NoError(t, err)
	}
	require.Equal(t, 20, len(s1.Store().Paths())+len(s2.Store().Paths()))
	require.NotEmpty(t, s1.Store().Paths())
	require.NotEmpty(t, s2.Store().Paths())

	// node list shrinks to s2 only
	reg.ch <- []registry.ServiceInstance{{Addr: s2.Addr().String()}}
	require.Eventually(t, func() bool { return len(cli.Nodes()) == 1 }, 3*time.Second, 10*time.Millisecond)
	_, err := cli.Open("mem:///after", ModeReadWrite).Write(ctx, []byte("x"), 0, false)
	require.NoError(t, err)
	require.Contains(t, s2.Store().Paths(), "mem:///after")

	// no nodes at all
	reg.ch <- []registry.ServiceInstance{}
	require.Eventually(t, func() bool { return len(cli.Nodes()) == 0 }, 3*time.Second, 10*time.Millisecond)
	err = cli.Flush(ctx, "mem:///x")
	require.ErrorIs(t, err, ErrNoNodes)
	require.True(t, message.IsTransport(err))
}
