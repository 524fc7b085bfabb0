package state

import "agentcore/internal/chat"

// PrepareResume 清理上次会话遗留的尾部记录：resume 类 ask 以及
// 没有用量、没有费用也没有取消原因的悬空 api_req_started（请求中途
// 被打断，不能当作已完成回放给用户）。
// PrepareResume drops trailing resume bookkeeping asks and any dangling
// in-flight api_req_started that has no token usage, no cost and no
// cancel reason (the request was interrupted mid-flight and must not be
// replayed as if it finished).
func (m *Manager) PrepareResume() error {
	m.mu.Lock()
	messages := append([]chat.Message(nil), m.messages...)
	m.mu.Unlock()

	for len(messages) > 0 {
		last := messages[len(messages)-1]
		if last.Kind == chat.KindAsk &&
			(last.Ask == chat.AskResumeTask || last.Ask == chat.AskResumeCompletedTask) {
			messages = messages[:len(messages)-1]
			continue
		}
		break
	}

	// 悬空的 in-flight 请求可能不在末尾（其后常跟着已展示的 partial 文本），
	// 所以检查最后一条 api_req_started 而不是最后一条消息。
	// The dangling in-flight request may not be the last entry (streamed
	// partials often follow it), so inspect the last api_req_started
	// rather than the last message.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Kind != chat.KindSay || msg.Say != chat.SayAPIReqStarted {
			continue
		}
		// 计价表外的模型费用恒为 0，不能只凭费用判断完成与否；带有
		// token 用量的记录是已完成的请求，必须保留。
		// Models outside the pricing table always cost 0, so cost alone
		// cannot tell a finished request apart; any recorded token usage
		// marks the request as completed and it must stay.
		info := chat.ParseAPIReqInfo(msg.Text)
		if info.Cost == 0 && info.CancelReason == "" &&
			info.TokensIn == 0 && info.TokensOut == 0 {
			messages = append(messages[:i], messages[i+1:]...)
		}
		break
	}

	return m.OverwriteMessages(messages)
}
