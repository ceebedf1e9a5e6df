package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/LingClient/cluster"
	"github.com/code-100-precent/LingClient/connection"
	"github.com/code-100-precent/LingClient/protocol"
)

// fakeConn 测试用连接：按处理函数产生响应
type fakeConn struct {
	mu      sync.Mutex
	handler func(cmd *protocol.Cmd) (*protocol.Value, error)
	sent    []*protocol.Cmd
}

func (c *fakeConn) SendCommand(ctx context.Context, cmd *protocol.Cmd) (*protocol.Value, error) {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	return c.handler(cmd)
}

func (c *fakeConn) SendPipeline(ctx context.Context, cmds []*protocol.Cmd, offset, count int) ([]*protocol.Value, error) {
	replies := make([]*protocol.Value, 0, len(cmds))
	for _, cmd := range cmds {
		c.mu.Lock()
		c.sent = append(c.sent, cmd)
		c.mu.Unlock()
		v, err := c.handler(cmd)
		if err != nil {
			return nil, err
		}
		replies = append(replies, v)
	}
	if offset+count > len(replies) {
		return nil, protocol.NewClientError(protocol.KindFatalReceiveError, "not enough replies")
	}
	return replies[offset : offset+count], nil
}

func (c *fakeConn) Close() error { return nil }

// sentNames 已发送命令名序列
func (c *fakeConn) sentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, cmd := range c.sent {
		out = append(out, cmd.Name())
	}
	return out
}

// okHandler 一律回 OK
func okHandler(cmd *protocol.Cmd) (*protocol.Value, error) {
	return protocol.NewSimpleString("OK"), nil
}

// newTestManager 构造不走网络的测试管理器
func newTestManager(t *testing.T, slots []cluster.Slot, conns map[string]*fakeConn) *clusterManager {
	t.Helper()

	telemetry := connection.NewTelemetry(nil)
	slotMap := cluster.NewSlotMap(slots, nil, cluster.ReadFromStrategy{})

	nodes := make(map[string]*connection.ClusterNode, len(conns))
	for addr, conn := range conns {
		nodes[addr] = connection.NewClusterNode(connection.ConnectionDetails{Conn: conn}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := (&Config{Addresses: []string{"test:0"}}).withDefaults()
	cfg.ConnectionRetryStrategy.JitterPercent = 0
	cfg.ConnectionRetryStrategy.Factor = 1

	return &clusterManager{
		cfg:            cfg,
		telemetry:      telemetry,
		container:      connection.NewConnectionsContainer(slotMap, nodes, telemetry),
		refreshRequest: make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// fullCoverage 单主节点覆盖全部槽
func fullCoverage(addr string) []cluster.Slot {
	return []cluster.Slot{{Start: 0, End: cluster.ClusterSlots - 1, Master: addr}}
}

// TestRequestTimeoutDefault 测试普通命令用默认超时
func TestRequestTimeoutDefault(t *testing.T) {
	timeout, has, err := requestTimeoutFor(protocol.NewCmd("GET", "k"), 250*time.Millisecond)
	if err != nil || !has || timeout != 250*time.Millisecond {
		t.Fatalf("Expected default timeout, got %v has=%v err=%v", timeout, has, err)
	}
}

// TestRequestTimeoutBlockingLastArg 测试 BLPOP 家族取最后一个参数（秒）
func TestRequestTimeoutBlockingLastArg(t *testing.T) {
	timeout, has, err := requestTimeoutFor(protocol.NewCmd("BLPOP", "key", "1.5"), 250*time.Millisecond)
	if err != nil || !has {
		t.Fatalf("Parse failed: %v", err)
	}
	// 1.5s + 0.5s 安全余量
	if timeout != 2*time.Second {
		t.Fatalf("Expected 2s, got %v", timeout)
	}
}

// TestRequestTimeoutBlockingIndex1 测试 BLMPOP 取下标 1
func TestRequestTimeoutBlockingIndex1(t *testing.T) {
	timeout, has, err := requestTimeoutFor(
		protocol.NewCmd("BLMPOP", "2", "1", "mylist", "LEFT"), 250*time.Millisecond)
	if err != nil || !has {
		t.Fatalf("Parse failed: %v", err)
	}
	if timeout != 2500*time.Millisecond {
		t.Fatalf("Expected 2.5s, got %v", timeout)
	}
}

// TestRequestTimeoutXReadBlock 测试 XREAD 取 BLOCK 之后的毫秒值
func TestRequestTimeoutXReadBlock(t *testing.T) {
	timeout, has, err := requestTimeoutFor(
		protocol.NewCmd("XREAD", "BLOCK", "1000", "STREAMS", "s", "0"), 250*time.Millisecond)
	if err != nil || !has {
		t.Fatalf("Parse failed: %v", err)
	}
	if timeout != 1500*time.Millisecond {
		t.Fatalf("Expected 1.5s, got %v", timeout)
	}

	// 没有 BLOCK 不是阻塞调用，用默认超时
	timeout, has, err = requestTimeoutFor(
		protocol.NewCmd("XREAD", "STREAMS", "s", "0"), 250*time.Millisecond)
	if err != nil || !has || timeout != 250*time.Millisecond {
		t.Fatalf("Non-blocking XREAD should use default, got %v (err=%v)", timeout, err)
	}
}

// TestRequestTimeoutWait 测试 WAIT 取下标 2 的毫秒值
func TestRequestTimeoutWait(t *testing.T) {
	timeout, has, err := requestTimeoutFor(
		protocol.NewCmd("WAIT", "1", "800"), 250*time.Millisecond)
	if err != nil || !has {
		t.Fatalf("Parse failed: %v", err)
	}
	if timeout != 1300*time.Millisecond {
		t.Fatalf("Expected 1.3s, got %v", timeout)
	}
}

// TestRequestTimeoutZeroBlocksForever 测试 0 禁用超时（B1）
func TestRequestTimeoutZeroBlocksForever(t *testing.T) {
	_, has, err := requestTimeoutFor(protocol.NewCmd("BLPOP", "key", "0"), 250*time.Millisecond)
	if err != nil {
		t.Fatalf("Zero timeout should not error: %v", err)
	}
	if has {
		t.Fatal("Zero timeout should disable the deadline")
	}
}

// TestRequestTimeoutNegativeRejected 测试负超时是请求错误（B2）
func TestRequestTimeoutNegativeRejected(t *testing.T) {
	_, _, err := requestTimeoutFor(protocol.NewCmd("BLPOP", "key", "-1"), 250*time.Millisecond)
	if protocol.KindOf(err) != protocol.KindUserOperationError {
		t.Fatalf("Expected UserOperationError, got %v", err)
	}
}

// TestRequestTimeoutOverflowRejected 测试超过 2^32-1 是请求错误（B3）
func TestRequestTimeoutOverflowRejected(t *testing.T) {
	_, _, err := requestTimeoutFor(protocol.NewCmd("BLPOP", "key", "4294967296"), 250*time.Millisecond)
	if protocol.KindOf(err) != protocol.KindUserOperationError {
		t.Fatalf("Expected UserOperationError, got %v", err)
	}
}

// TestInflightAdmission 测试在途请求准入（B5、I7）
func TestInflightAdmission(t *testing.T) {
	c := &Client{}
	c.inflight.Store(2)

	if !c.reserveInflight() || !c.reserveInflight() {
		t.Fatal("First two requests must be admitted")
	}
	// 第三个被拒绝，且不影响已占名额
	if c.reserveInflight() {
		t.Fatal("Request beyond the limit must be rejected")
	}
	if c.inflight.Load() != 0 {
		t.Fatalf("Counter must stay at 0, got %d", c.inflight.Load())
	}

	c.releaseInflight()
	if !c.reserveInflight() {
		t.Fatal("Released budget must be reusable")
	}
}

// TestInflightConcurrentAdmission 测试并发准入不超限
func TestInflightConcurrentAdmission(t *testing.T) {
	c := &Client{}
	c.inflight.Store(100)

	var wg sync.WaitGroup
	count := 0
	var mu sync.Mutex

	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.reserveInflight() {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count != 100 {
		t.Fatalf("Exactly 100 requests should be admitted, got %d", count)
	}
	if c.inflight.Load() != 0 {
		t.Fatalf("Counter must be 0 after admission, got %d", c.inflight.Load())
	}
}

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	if err := cfg.Validate(); protocol.KindOf(err) != protocol.KindInvalidClientConfig {
		t.Fatalf("No addresses should be invalid, got %v", err)
	}

	cfg = (&Config{
		Addresses: []string{"a:6379"},
		Protocol:  connection.RESP2,
		PubSub:    connection.PubSubSubscriptions{Sharded: [][]byte{[]byte("ch")}},
	}).withDefaults()
	if err := cfg.Validate(); protocol.KindOf(err) != protocol.KindInvalidClientConfig {
		t.Fatalf("Sharded subscriptions on RESP2 should be invalid, got %v", err)
	}

	cfg = (&Config{Addresses: []string{"a:6379"}}).withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Valid config rejected: %v", err)
	}
}

// TestConfigDefaults 测试默认值填充
func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{Addresses: []string{"a:6379"}}).withDefaults()

	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("Expected default request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.InflightRequestsLimit != DefaultInflightRequestsLimit {
		t.Fatalf("Expected default inflight limit, got %d", cfg.InflightRequestsLimit)
	}
	if cfg.Protocol != connection.RESP3 {
		t.Fatal("Default protocol should be RESP3")
	}
}

// TestParseRedisVersion 测试 INFO SERVER 版本解析
func TestParseRedisVersion(t *testing.T) {
	info := "# Server\r\nredis_version:6.2.0\r\nredis_mode:cluster\r\n"
	if v := parseRedisVersion(info); v != "6.2.0" {
		t.Fatalf("Expected 6.2.0, got %q", v)
	}
	if majorVersion("6.2.0") != 6 || majorVersion("7.0.1") != 7 {
		t.Fatal("Major version parse mismatch")
	}
	if majorVersion("garbage") != 0 {
		t.Fatal("Unparseable version should be 0")
	}
}

// TestLazyClientCreation 测试延迟客户端创建立即返回
func TestLazyClientCreation(t *testing.T) {
	cfg := &Config{
		Addresses:   []string{"127.0.0.1:1"}, // 不可达也不影响创建
		LazyConnect: true,
	}
	c, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lazy creation must not connect: %v", err)
	}
	defer c.Close()

	if c.TopologySnapshot() != nil {
		t.Fatal("Lazy client should have no topology yet")
	}
}
