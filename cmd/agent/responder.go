package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"agentcore/internal/chat"
)

// consoleResponder 把 ask 打到终端并读一行 stdin 作为响应。同一时刻
// 只伺服一个 ask。
// consoleResponder prints asks to the terminal and reads one stdin line
// as the reply. It serves one ask at a time.
type consoleResponder struct {
	mu    sync.Mutex
	lines chan string
	errs  chan error
	out   io.Writer
}

func newConsoleResponder(in io.Reader, out io.Writer) *consoleResponder {
	r := &consoleResponder{
		lines: make(chan string),
		errs:  make(chan error, 1),
		out:   out,
	}
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			r.errs <- err
			return
		}
		r.errs <- io.EOF
	}()
	return r
}

func (r *consoleResponder) WaitResponse(ctx context.Context, msg chat.Message) (chat.AskResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.out, "\n[%s] %s\n%s", msg.Ask, msg.Text, promptFor(msg.Ask))

	select {
	case <-ctx.Done():
		return chat.AskResponse{}, ctx.Err()
	case err := <-r.errs:
		return chat.AskResponse{}, fmt.Errorf("read response: %w", err)
	case line := <-r.lines:
		return parseResponse(msg.Ask, line), nil
	}
}

func promptFor(kind chat.AskKind) string {
	switch kind {
	case chat.AskFollowup:
		return "answer> "
	case chat.AskCompletionResult:
		return "feedback (empty to accept)> "
	default:
		return "[y]es / [n]o / feedback> "
	}
}

// parseResponse 把一行输入映射为响应：followup 原样作为消息；其余
// 空行与 y/yes 为同意，n/no 为拒绝，任何其他文本作为带反馈的消息。
// parseResponse maps one input line to a reply: followups pass through
// as messages; elsewhere an empty line or y/yes approves, n/no denies,
// and any other text becomes a message with feedback.
func parseResponse(kind chat.AskKind, line string) chat.AskResponse {
	if kind == chat.AskFollowup {
		return chat.AskResponse{Response: chat.ResponseMessage, Text: strings.TrimSpace(line)}
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return chat.AskResponse{Response: chat.ResponseYes}
	case "n", "no":
		return chat.AskResponse{Response: chat.ResponseNo}
	default:
		return chat.AskResponse{Response: chat.ResponseMessage, Text: strings.TrimSpace(line)}
	}
}
