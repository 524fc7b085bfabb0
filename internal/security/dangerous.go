package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// 命令风险分析为纯函数：只看命令文本，不看文件系统。解析失败一律
// 按需审批处理（fail closed）。
// Command risk analysis is a pure function over the command text; it
// never touches the filesystem. Parse failures fail closed and require
// approval.

var destructivePattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|shutdown|reboot|kill|killall)([\s;&|()]|$)`)

// CommandRisk 命令风险评估结果
// CommandRisk is a command risk assessment
type CommandRisk struct {
	RequireApproval bool
	Reason          string
}

// AnalyzeCommand 评估一条 shell 命令是否必须人工批准。
// AnalyzeCommand decides whether a shell command must be approved by a
// human regardless of the auto-approval switches.
func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRisk{}
	}

	if strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`") {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "contains command substitution/backticks",
		}
	}

	if _, err := splitShellWords(trimmed); err != nil {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "command parse failed (fail closed)",
		}
	}

	if destructivePattern.MatchString(trimmed) {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "matches destructive command policy",
		}
	}

	return CommandRisk{}
}

// splitShellWords 轻量 shell 分词，只为检出悬挂引号与转义。
// splitShellWords is a light shell tokenizer, only thorough enough to
// catch dangling quotes and escapes.
func splitShellWords(input string) ([]string, error) {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		quoted   bool
	)

	flush := func() {
		if cur.Len() > 0 || quoted {
			out = append(out, cur.String())
			cur.Reset()
			quoted = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unmatched quote")
	}
	flush()
	return out, nil
}
