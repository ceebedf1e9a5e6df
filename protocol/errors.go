package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

/*
 * ============================================================================
 * 错误分类 - Error Taxonomy
 * ============================================================================
 *
 * 集群客户端的错误分为两层：
 * - 服务端错误：从 RESP 错误值解析出来（MOVED / ASK / TRYAGAIN / NOSCRIPT ...）
 * - 客户端错误：连接未找到、超时、配置非法等本地产生的错误
 *
 * 跨结构化回调边界时错误序列化为 "ERR_CODE:<numeric_kind>|<message>"。
 */

// ErrorKind 错误类别
type ErrorKind int

const (
	KindResponseError ErrorKind = iota
	KindMoved
	KindAsk
	KindTryAgain
	KindNoScript
	KindClusterDown
	KindConnectionNotFound
	KindFatalReceiveError
	KindNotAllSlotsCovered
	KindInvalidClientConfig
	KindUserOperationError
	KindIoError
	KindTimeout
	KindClientError
	KindExtensionError
)

// kindNames 错误类别名
var kindNames = map[ErrorKind]string{
	KindResponseError:       "ResponseError",
	KindMoved:               "Moved",
	KindAsk:                 "Ask",
	KindTryAgain:            "TryAgain",
	KindNoScript:            "NoScript",
	KindClusterDown:         "ClusterDown",
	KindConnectionNotFound:  "ConnectionNotFound",
	KindFatalReceiveError:   "FatalReceiveError",
	KindNotAllSlotsCovered:  "NotAllSlotsCovered",
	KindInvalidClientConfig: "InvalidClientConfig",
	KindUserOperationError:  "UserOperationError",
	KindIoError:             "IoError",
	KindTimeout:             "Timeout",
	KindClientError:         "ClientError",
	KindExtensionError:      "ExtensionError",
}

// String 返回类别名
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Error 统一错误类型
type Error struct {
	Kind    ErrorKind
	Code    string // 服务端错误码，如 "MOVED"、"ERR"
	Message string
	Slot    int    // MOVED / ASK 携带的槽号
	Addr    string // MOVED / ASK 携带的目标地址 host:port
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + " " + e.Message
	}
	return e.Kind.String() + ": " + e.Message
}

// BoundaryString 跨结构化回调边界的序列化格式
func (e *Error) BoundaryString() string {
	return fmt.Sprintf("ERR_CODE:%d|%s", int(e.Kind), e.Error())
}

// IsRedirect 是否为重定向错误
func (e *Error) IsRedirect() bool {
	return e.Kind == KindMoved || e.Kind == KindAsk
}

// IsRetryable 服务端错误是否可以原样重试
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindMoved, KindAsk, KindTryAgain, KindClusterDown:
		return true
	}
	return false
}

// NewClientError 创建客户端侧错误
func NewClientError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewClientErrorf 创建带格式化信息的客户端侧错误
func NewClientErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ParseServerError 解析 RESP 错误字符串
//
// 服务端错误的第一个空格前的 token 是错误码：
// - "MOVED 3999 127.0.0.1:6381" → Moved，槽号 3999，地址 127.0.0.1:6381
// - "ASK 3999 127.0.0.1:6381"   → Ask，一次性重定向
// - "TRYAGAIN ..."              → TryAgain，多键操作命中迁移中的键
// - "NOSCRIPT ..."              → NoScript，脚本未加载
// - 其他                        → ResponseError
func ParseServerError(s string) *Error {
	code := s
	rest := ""
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		code = s[:idx]
		rest = s[idx+1:]
	}

	switch code {
	case "MOVED", "ASK":
		slot, addr, err := parseRedirectTarget(rest)
		if err != nil {
			return &Error{Kind: KindResponseError, Code: code, Message: rest}
		}
		kind := KindMoved
		if code == "ASK" {
			kind = KindAsk
		}
		return &Error{Kind: kind, Code: code, Message: rest, Slot: slot, Addr: addr}

	case "TRYAGAIN":
		return &Error{Kind: KindTryAgain, Code: code, Message: rest}

	case "NOSCRIPT":
		return &Error{Kind: KindNoScript, Code: code, Message: rest}

	case "CLUSTERDOWN":
		return &Error{Kind: KindClusterDown, Code: code, Message: rest}

	default:
		return &Error{Kind: KindResponseError, Code: code, Message: rest}
	}
}

// parseRedirectTarget 解析 "<slot> <host>:<port>"
func parseRedirectTarget(s string) (int, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("malformed redirect: %q", s)
	}

	slot, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", err
	}

	addr := fields[1]
	if !strings.Contains(addr, ":") {
		return 0, "", fmt.Errorf("malformed redirect address: %q", addr)
	}
	return slot, addr, nil
}

// ErrorFromValue 从 RESP 错误值得到错误，不是错误值返回 nil
func ErrorFromValue(v *Value) *Error {
	if v == nil || !v.IsError() {
		return nil
	}
	return ParseServerError(v.Str)
}

// AsError 从 error 取回 *Error，失败返回 nil
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return nil
}

// KindOf 返回错误的类别；非 *Error 一律按 IoError 处理
func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return KindIoError
}
