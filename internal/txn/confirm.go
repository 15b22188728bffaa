package txn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNotTerminal 表示要求人工确认，但标准输入不是终端。
var ErrNotTerminal = errors.New("需要人工确认交易，但标准输入不是终端")

// Confirmer 在交易发送前向操作员确认。
type Confirmer interface {
	Confirm(ctx context.Context, summary string) (bool, error)
}

// CheckTerminal 在启动时确认 f 是交互式终端。
func CheckTerminal(f *os.File) error {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return ErrNotTerminal
	}
	return nil
}

// TerminalConfirmer 通过终端提示 y/N 确认交易。
// 整个生命周期只有一个读取协程，超时未回答的提示不会吞掉之后的输入。
type TerminalConfirmer struct {
	in  io.Reader
	out io.Writer

	start sync.Once
	lines chan string
}

// NewTerminalConfirmer 从 in 读取回答，把提示写到 out。
func NewTerminalConfirmer(in io.Reader, out io.Writer) *TerminalConfirmer {
	return &TerminalConfirmer{in: in, out: out, lines: make(chan string, 8)}
}

func (c *TerminalConfirmer) readLines() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	close(c.lines)
}

// Confirm 阻塞等待操作员输入。提示之前输入的行会被丢弃；ctx 结束时视为拒绝。
func (c *TerminalConfirmer) Confirm(ctx context.Context, summary string) (bool, error) {
	c.start.Do(func() { go c.readLines() })

	for drained := false; !drained; {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return false, io.EOF
			}
		default:
			drained = true
		}
	}

	fmt.Fprintf(c.out, "%s\n确认发送? [y/N]: ", summary)
	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out, "\n等待超时，本次交易取消")
		return false, nil
	case line, ok := <-c.lines:
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
