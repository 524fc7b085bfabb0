package tools

import (
	"strings"

	"agentcore/internal/config"
	"agentcore/internal/security"
)

// Policy 自动批准策略：工具名映射到布尔类别开关的纯函数。
// Policy is the auto-approval policy: a pure function of tool name over
// boolean category switches.
type Policy struct {
	cfg config.AutoApprovalConfig
}

// NewPolicy 创建策略
// NewPolicy builds a policy from settings
func NewPolicy(cfg config.AutoApprovalConfig) *Policy {
	return &Policy{cfg: cfg}
}

// ShouldAutoApprove 判断该调用是否免交互放行。execute_command 携带
// requires_approval=true、或命令本身被风险分析判为危险时，覆盖类别
// 开关强制询问。
// ShouldAutoApprove decides whether the call proceeds without asking.
// An execute_command carrying requires_approval=true, or one flagged by
// command risk analysis, overrides its category switch and always asks.
func (p *Policy) ShouldAutoApprove(name Name, params map[string]string) bool {
	if !p.cfg.Enabled {
		return false
	}
	switch name {
	case ReadFile:
		return p.cfg.ReadFiles
	case WriteToFile, ReplaceInFile:
		return p.cfg.EditFiles
	case ExecuteCommand:
		if strings.EqualFold(strings.TrimSpace(params["requires_approval"]), "true") {
			return false
		}
		if security.AnalyzeCommand(params["command"]).RequireApproval {
			return false
		}
		return p.cfg.ExecuteCommands
	case BrowserAction:
		return p.cfg.UseBrowser
	case UseHubTool, ReadHubResource:
		return p.cfg.UseResourceHub
	case AskFollowup, AttemptCompletion:
		// 本身就是与用户的交互，不占审批语义。
		// These are themselves user interactions; approval does not apply.
		return true
	default:
		return false
	}
}

// MaxRequests 返回连续自动批准上限
// MaxRequests returns the consecutive auto-approval cap
func (p *Policy) MaxRequests() int {
	return p.cfg.MaxRequests
}
