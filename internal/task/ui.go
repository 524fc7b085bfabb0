package task

import (
	"context"
	"fmt"

	"agentcore/internal/chat"
	"agentcore/internal/state"
)

// Responder 用户响应通道：阻塞直到响应到达，或被更新的 ask 取代。
// Responder is the user response channel: it blocks until a reply arrives
// or the ask is superseded by a newer one.
type Responder interface {
	WaitResponse(ctx context.Context, msg chat.Message) (chat.AskResponse, error)
}

// UI 把 ask/say 写入状态管理器并通过 Responder 等待用户响应，
// 是任务与用户交互的唯一通道。
// UI writes ask/say through the state manager and waits for user replies
// via the Responder; it is the task's sole user-interaction channel.
type UI struct {
	state     *state.Manager
	responder Responder
}

// NewUI 创建交互通道
// NewUI builds the interaction channel
func NewUI(st *state.Manager, responder Responder) *UI {
	return &UI{state: st, responder: responder}
}

// Ask 记录一条 ask 消息并阻塞等待响应。
// Ask records an ask message and blocks for the response.
func (u *UI) Ask(ctx context.Context, kind chat.AskKind, text string) (chat.AskResponse, error) {
	msg, err := u.state.AddMessage(chat.Message{
		Kind: chat.KindAsk,
		Ask:  kind,
		Text: text,
	})
	if err != nil {
		return chat.AskResponse{}, fmt.Errorf("record ask: %w", err)
	}
	if u.responder == nil {
		return chat.AskResponse{Response: chat.ResponseIgnored}, nil
	}
	resp, err := u.responder.WaitResponse(ctx, msg)
	if err != nil {
		return chat.AskResponse{}, fmt.Errorf("await %s response: %w", kind, err)
	}
	return resp, nil
}

// Say 记录一条 say 消息；partial 消息按尾部同子类型合并。
// Say records a say message; partials merge into the trailing entry of
// the same subtype.
func (u *UI) Say(kind chat.SayKind, text string, images []string, partial bool) error {
	_, err := u.state.AddMessage(chat.Message{
		Kind:    chat.KindSay,
		Say:     kind,
		Text:    text,
		Images:  images,
		Partial: partial,
	})
	if err != nil {
		return fmt.Errorf("record say: %w", err)
	}
	return nil
}
