package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

/*
 * ============================================================================
 * 命令模型 - Command
 * ============================================================================
 *
 * 命令是批量字符串数组。重试时复用原始参数字节，不做二次解析。
 */

// Cmd 一条待发送的命令
type Cmd struct {
	args [][]byte
}

// NewCmd 创建命令
func NewCmd(name string, args ...string) *Cmd {
	cmd := &Cmd{args: make([][]byte, 0, len(args)+1)}
	cmd.args = append(cmd.args, []byte(name))
	for _, a := range args {
		cmd.args = append(cmd.args, []byte(a))
	}
	return cmd
}

// NewCmdFromArgs 从原始参数字节创建命令
func NewCmdFromArgs(args [][]byte) *Cmd {
	return &Cmd{args: args}
}

// Arg 追加一个字符串参数
func (c *Cmd) Arg(arg string) *Cmd {
	c.args = append(c.args, []byte(arg))
	return c
}

// ArgBytes 追加一个字节参数
func (c *Cmd) ArgBytes(arg []byte) *Cmd {
	c.args = append(c.args, arg)
	return c
}

// ArgInt 追加一个整数参数
func (c *Cmd) ArgInt(arg int64) *Cmd {
	c.args = append(c.args, []byte(strconv.FormatInt(arg, 10)))
	return c
}

// Args 返回原始参数字节
func (c *Cmd) Args() [][]byte {
	return c.args
}

// ArgCount 参数个数（含命令名）
func (c *Cmd) ArgCount() int {
	return len(c.args)
}

// ArgAt 返回第 idx 个参数，越界返回 nil
func (c *Cmd) ArgAt(idx int) []byte {
	if idx < 0 || idx >= len(c.args) {
		return nil
	}
	return c.args[idx]
}

// Name 命令名（大写）
func (c *Cmd) Name() string {
	if len(c.args) == 0 {
		return ""
	}
	return strings.ToUpper(string(c.args[0]))
}

// Encode 编码为 RESP 批量字符串数组
func (c *Cmd) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte('*')
	buf.WriteString(strconv.Itoa(len(c.args)))
	buf.WriteString("\r\n")
	for _, arg := range c.args {
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(arg)))
		buf.WriteString("\r\n")
		buf.Write(arg)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// String 便于日志输出，命令名加参数个数
func (c *Cmd) String() string {
	if len(c.args) == 0 {
		return "(empty)"
	}
	return c.Name() + " (" + strconv.Itoa(len(c.args)-1) + " args)"
}
