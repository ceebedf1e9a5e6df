package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingClient/protocol"
)

/*
 * ============================================================================
 * 传输层连接 - Transport Connection
 * ============================================================================
 *
 * Conn 是抽象连接：发送单命令、发送管道、关闭。
 * TCPConn 是具体实现：TCP（可选 TLS）+ RESP 编解码 + 握手。
 *
 * 握手序列：
 * 1. RESP3: HELLO 3 [AUTH user pass]；RESP2: AUTH [user] pass（如配置）
 * 2. 单机模式且 database_id != 0：SELECT db
 * 3. client_name 配置时：CLIENT SETNAME name
 * 4. 订阅配置时：SUBSCRIBE / PSUBSCRIBE / SSUBSCRIBE
 * 重连走同一握手，订阅随之重建。
 */

// TLSMode TLS 模式
type TLSMode int

const (
	// NoTLS 明文连接
	NoTLS TLSMode = iota
	// SecureTLS 校验证书的 TLS
	SecureTLS
	// InsecureTLS 不校验证书的 TLS
	InsecureTLS
)

// Protocol RESP 协议版本
type Protocol int

const (
	// RESP2 协议版本 2
	RESP2 Protocol = 2
	// RESP3 协议版本 3
	RESP3 Protocol = 3
)

// AuthInfo 认证信息
type AuthInfo struct {
	Username string
	Password string
}

// PubSubSubscriptions 订阅配置
type PubSubSubscriptions struct {
	Exact   [][]byte
	Pattern [][]byte
	Sharded [][]byte
}

// IsEmpty 是否没有任何订阅
func (p PubSubSubscriptions) IsEmpty() bool {
	return len(p.Exact) == 0 && len(p.Pattern) == 0 && len(p.Sharded) == 0
}

// HasSharded 是否配置了分片订阅
func (p PubSubSubscriptions) HasSharded() bool {
	return len(p.Sharded) > 0
}

// ConnConfig 建立单个连接所需的配置
type ConnConfig struct {
	TLSMode           TLSMode
	Protocol          Protocol
	Auth              *AuthInfo
	DatabaseID        int
	ClientName        string
	ClusterMode       bool
	ConnectionTimeout time.Duration
	Subscriptions     PubSubSubscriptions

	// PushHandler 接收 RESP3 推送消息，可为 nil（推送被丢弃）
	PushHandler func(*protocol.Value)
}

// Conn 抽象连接
type Conn interface {
	// SendCommand 发送单命令并等待响应值树
	SendCommand(ctx context.Context, cmd *protocol.Cmd) (*protocol.Value, error)

	// SendPipeline 发送一批命令，跳过前 offset 个响应，返回随后 count 个
	SendPipeline(ctx context.Context, cmds []*protocol.Cmd, offset, count int) ([]*protocol.Value, error)

	// Close 关闭连接
	Close() error
}

// TCPConn 基于 TCP 的连接实现
type TCPConn struct {
	addr string
	conn net.Conn

	mu     sync.Mutex
	reader *bufio.Reader
	writer *bufio.Writer

	pushHandler func(*protocol.Value)
	closed      bool
}

// Dial 建立连接并完成握手
func Dial(ctx context.Context, addr string, cfg ConnConfig) (*TCPConn, error) {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}

	dialer := &net.Dialer{Timeout: timeout}
	var netConn net.Conn
	var err error

	switch cfg.TLSMode {
	case NoTLS:
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	case SecureTLS:
		netConn, err = (&tls.Dialer{NetDialer: dialer}).DialContext(ctx, "tcp", addr)
	case InsecureTLS:
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{InsecureSkipVerify: true}}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, protocol.NewClientErrorf(protocol.KindIoError, "dial %s: %v", addr, err)
	}

	c := &TCPConn{
		addr:        addr,
		conn:        netConn,
		reader:      bufio.NewReader(netConn),
		writer:      bufio.NewWriter(netConn),
		pushHandler: cfg.PushHandler,
	}

	if err := c.handshake(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake 执行连接握手
func (c *TCPConn) handshake(ctx context.Context, cfg ConnConfig) error {
	handshakeCtx := ctx
	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}

	exec := func(step string, cmd *protocol.Cmd) error {
		resp, err := c.SendCommand(handshakeCtx, cmd)
		if err != nil {
			return errors.Wrapf(err, "%s failed", step)
		}
		if e := protocol.ErrorFromValue(resp); e != nil {
			return errors.Wrapf(e, "%s failed", step)
		}
		return nil
	}

	if cfg.Protocol == RESP3 {
		hello := protocol.NewCmd("HELLO", "3")
		if cfg.Auth != nil {
			user := cfg.Auth.Username
			if user == "" {
				user = "default"
			}
			hello.Arg("AUTH").Arg(user).Arg(cfg.Auth.Password)
		}
		if err := exec("HELLO", hello); err != nil {
			return err
		}
	} else if cfg.Auth != nil {
		auth := protocol.NewCmd("AUTH")
		if cfg.Auth.Username != "" {
			auth.Arg(cfg.Auth.Username)
		}
		auth.Arg(cfg.Auth.Password)
		if err := exec("AUTH", auth); err != nil {
			return err
		}
	}

	if !cfg.ClusterMode && cfg.DatabaseID != 0 {
		// database_id 仅单机模式生效，集群模式忽略
		if err := exec("SELECT", protocol.NewCmd("SELECT", strconv.Itoa(cfg.DatabaseID))); err != nil {
			return err
		}
	}

	if cfg.ClientName != "" {
		if err := exec("CLIENT SETNAME", protocol.NewCmd("CLIENT", "SETNAME", cfg.ClientName)); err != nil {
			return err
		}
	}

	return c.applySubscriptions(handshakeCtx, cfg.Subscriptions)
}

// applySubscriptions 建立握手期订阅
func (c *TCPConn) applySubscriptions(ctx context.Context, subs PubSubSubscriptions) error {
	subscribe := func(name string, channels [][]byte) error {
		if len(channels) == 0 {
			return nil
		}
		cmd := protocol.NewCmd(name)
		for _, ch := range channels {
			cmd.ArgBytes(ch)
		}
		_, err := c.SendCommand(ctx, cmd)
		return errors.Wrapf(err, "%s failed", name)
	}

	if err := subscribe("SUBSCRIBE", subs.Exact); err != nil {
		return err
	}
	if err := subscribe("PSUBSCRIBE", subs.Pattern); err != nil {
		return err
	}
	return subscribe("SSUBSCRIBE", subs.Sharded)
}

// Addr 连接的目标地址
func (c *TCPConn) Addr() string {
	return c.addr
}

// SendCommand 发送单命令并等待响应
func (c *TCPConn) SendCommand(ctx context.Context, cmd *protocol.Cmd) (*protocol.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, protocol.NewClientError(protocol.KindIoError, "connection closed")
	}

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}

	if _, err := c.writer.Write(cmd.Encode()); err != nil {
		return nil, c.ioError(err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, c.ioError(err)
	}

	return c.readReply()
}

// SendPipeline 发送一批命令，跳过前 offset 个响应后返回 count 个
func (c *TCPConn) SendPipeline(ctx context.Context, cmds []*protocol.Cmd, offset, count int) ([]*protocol.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, protocol.NewClientError(protocol.KindIoError, "connection closed")
	}

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}

	for _, cmd := range cmds {
		if _, err := c.writer.Write(cmd.Encode()); err != nil {
			return nil, c.ioError(err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return nil, c.ioError(err)
	}

	for i := 0; i < offset; i++ {
		if _, err := c.readReply(); err != nil {
			return nil, err
		}
	}

	out := make([]*protocol.Value, 0, count)
	for i := 0; i < count; i++ {
		v, err := c.readReply()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// readReply 读取一个响应值，推送消息交给 pushHandler
func (c *TCPConn) readReply() (*protocol.Value, error) {
	for {
		v, err := protocol.Decode(c.reader)
		if err != nil {
			return nil, c.ioError(err)
		}
		if v.Type == protocol.TypePush {
			if c.pushHandler != nil {
				c.pushHandler(v)
			}
			continue
		}
		return v, nil
	}
}

// applyDeadline 把 ctx 截止时间映射到套接字
func (c *TCPConn) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return protocol.NewClientError(protocol.KindTimeout, "context done before send")
	}
	if deadline, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(deadline)
	}
	return c.conn.SetDeadline(time.Time{})
}

// ioError 把底层错误包装为 IoError，超时映射为 Timeout
func (c *TCPConn) ioError(err error) *protocol.Error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return protocol.NewClientErrorf(protocol.KindTimeout, "%s: %v", c.addr, err)
	}
	return protocol.NewClientErrorf(protocol.KindIoError, "%s: %v", c.addr, err)
}

// Close 关闭连接
func (c *TCPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logrus.WithField("component", "connection").Debugf("closing connection to %s", c.addr)
	return c.conn.Close()
}
