package tools

import (
	"fmt"
	"strings"
)

// ErrorResult 将执行错误格式化为模型可读的工具结果文本。
// ErrorResult formats an execution error as model-readable tool result text.
func ErrorResult(name Name, err error) string {
	return fmt.Sprintf("The tool execution failed.\nTool: %s\nError: %s", name, err.Error())
}

// MissingParamsResult 缺参短路结果；调用方负责记一次 mistake。
// MissingParamsResult is the missing-parameter short-circuit result; the
// caller is responsible for counting the mistake.
func MissingParamsResult(name Name, missing []string) string {
	return fmt.Sprintf("Missing required parameter(s) for %s: %s. Retry with complete arguments.",
		name, strings.Join(missing, ", "))
}

// DeniedResult 用户拒绝后的结果文本
// DeniedResult is the result text after a user rejection
func DeniedResult(feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		return "The user denied this operation."
	}
	return fmt.Sprintf("The user denied this operation and provided the following feedback:\n<feedback>\n%s\n</feedback>", feedback)
}

// SkippedResult 前序拒绝导致后续工具被跳过时的结果文本
// SkippedResult is the result text for tools skipped after a prior rejection
func SkippedResult(name Name) string {
	return fmt.Sprintf("Skipping tool %s due to user rejecting a previous tool.", name)
}

func unavailableResult(name Name) string {
	return fmt.Sprintf("The tool %s is not available in this session.", name)
}

func formatFileResult(path string, res FileResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The content was successfully saved to %s.", path)
	if res.UserEdits != "" {
		sb.WriteString("\n\nThe user made the following updates to your content:\n")
		sb.WriteString(res.UserEdits)
	}
	if res.Diagnostics != "" {
		sb.WriteString("\n\nNew problems detected after saving the file:\n")
		sb.WriteString(res.Diagnostics)
	}
	return sb.String()
}

func formatBrowserResult(res BrowserResult) string {
	var sb strings.Builder
	if res.URL != "" {
		fmt.Fprintf(&sb, "URL: %s\n", res.URL)
	}
	if res.MousePosition != "" {
		fmt.Fprintf(&sb, "Mouse: %s\n", res.MousePosition)
	}
	if res.Logs != "" {
		fmt.Fprintf(&sb, "Console logs:\n%s\n", res.Logs)
	}
	if sb.Len() == 0 {
		return "(browser action completed)"
	}
	return strings.TrimRight(sb.String(), "\n")
}
