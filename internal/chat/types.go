package chat

import (
	"encoding/json"
	"strings"
)

// Kind 消息方向：ask 等待用户响应，say 只做展示
// Kind is the message direction: ask blocks on a user response, say is display-only
type Kind string

const (
	KindAsk Kind = "ask"
	KindSay Kind = "say"
)

// AskKind 是 ask 消息的封闭子类型集合
// AskKind is the closed set of ask message subtypes
type AskKind string

const (
	AskFollowup               AskKind = "followup"
	AskTool                   AskKind = "tool"
	AskCommand                AskKind = "command"
	AskBrowserLaunch          AskKind = "browser_action_launch"
	AskUseResourceHub         AskKind = "use_resource_hub"
	AskAPIReqFailed           AskKind = "api_req_failed"
	AskMistakeLimitReached    AskKind = "mistake_limit_reached"
	AskAutoApprovalMaxReached AskKind = "auto_approval_max_req_reached"
	AskTokenLimitReached      AskKind = "task_token_limit_reached"
	AskStepLimitReached       AskKind = "step_limit_reached"
	AskCompletionResult       AskKind = "completion_result"
	AskResumeTask             AskKind = "resume_task"
	AskResumeCompletedTask    AskKind = "resume_completed_task"
)

// SayKind 是 say 消息的封闭子类型集合
// SayKind is the closed set of say message subtypes
type SayKind string

const (
	SayTask              SayKind = "task"
	SayText              SayKind = "text"
	SayReasoning         SayKind = "reasoning"
	SayTool              SayKind = "tool"
	SayCommandOutput     SayKind = "command_output"
	SayAPIReqStarted     SayKind = "api_req_started"
	SayCompletionResult  SayKind = "completion_result"
	SayCheckpointCreated SayKind = "checkpoint_created"
	SayDeletedAPIReqs    SayKind = "deleted_api_reqs"
	SayError             SayKind = "error"
	SayUserFeedback      SayKind = "user_feedback"
)

// DeletedRange 标记 model-facing history 中被逻辑截断的连续区间 [Start,End)。
// DeletedRange marks a contiguous span [Start,End) of the model-facing
// history that was logically truncated for context-window management.
type DeletedRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Message 是任务消息日志中的一条 UI 可见记录，按 Ts 全序排列。
// Message is one UI-visible record in a task's message log, totally
// ordered by Ts (unix milliseconds, primary key within a task).
type Message struct {
	Ts      int64    `json:"ts"`
	Kind    Kind     `json:"kind"`
	Ask     AskKind  `json:"ask,omitempty"`
	Say     SayKind  `json:"say,omitempty"`
	Text    string   `json:"text,omitempty"`
	Images  []string `json:"images,omitempty"`
	Partial bool     `json:"partial,omitempty"`

	LastCheckpointHash string `json:"lastCheckpointHash,omitempty"`

	// ConversationHistoryIndex 记录消息创建时 model-facing history 的长度游标。
	// ConversationHistoryIndex is the index into the model-facing history
	// at the time this message was created.
	ConversationHistoryIndex        int           `json:"conversationHistoryIndex,omitempty"`
	ConversationHistoryDeletedRange *DeletedRange `json:"conversationHistoryDeletedRange,omitempty"`
}

// APIReqInfo 是 api_req_started say 消息 Text 中携带的请求记账信息。
// APIReqInfo is the accounting payload carried in the Text of an
// api_req_started say message.
type APIReqInfo struct {
	Request      string  `json:"request,omitempty"`
	TokensIn     int     `json:"tokensIn,omitempty"`
	TokensOut    int     `json:"tokensOut,omitempty"`
	CacheWrites  int     `json:"cacheWrites,omitempty"`
	CacheReads   int     `json:"cacheReads,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	CancelReason string  `json:"cancelReason,omitempty"`
}

// ParseAPIReqInfo 解析 api_req_started 消息文本；非法 JSON 返回零值。
// ParseAPIReqInfo parses an api_req_started message text; malformed JSON
// yields the zero value.
func ParseAPIReqInfo(text string) APIReqInfo {
	var info APIReqInfo
	if strings.TrimSpace(text) == "" {
		return info
	}
	_ = json.Unmarshal([]byte(text), &info)
	return info
}

// Marshal 将记账信息编码回消息文本
// Marshal encodes the accounting payload back into message text
func (i APIReqInfo) Marshal() string {
	data, err := json.Marshal(i)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// AskResponse 是 ask 的用户响应
// AskResponse is the user's reply to an ask
type AskResponse struct {
	Response ResponseKind
	Text     string
	Images   []string
}

// ResponseKind 是 ask 响应的封闭集合
// ResponseKind is the closed set of ask response outcomes
type ResponseKind string

const (
	ResponseYes     ResponseKind = "yesButtonClicked"
	ResponseNo      ResponseKind = "noButtonClicked"
	ResponseMessage ResponseKind = "messageResponse"
	ResponseIgnored ResponseKind = "ignored"
)
