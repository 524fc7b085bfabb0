package tools

// Name 是封闭的工具名集合；调度器对其穷举，防止工具分类与分发漂移。
// Name is the closed set of tool names; the dispatcher enumerates it
// exhaustively so the taxonomy and the dispatch table cannot drift.
type Name string

const (
	ReadFile          Name = "read_file"
	WriteToFile       Name = "write_to_file"
	ReplaceInFile     Name = "replace_in_file"
	ExecuteCommand    Name = "execute_command"
	BrowserAction     Name = "browser_action"
	UseHubTool        Name = "use_hub_tool"
	ReadHubResource   Name = "read_hub_resource"
	AskFollowup       Name = "ask_followup_question"
	AttemptCompletion Name = "attempt_completion"
)

// Known 报告名字是否属于封闭集合
// Known reports whether the name belongs to the closed set
func Known(name Name) bool {
	switch name {
	case ReadFile, WriteToFile, ReplaceInFile, ExecuteCommand, BrowserAction,
		UseHubTool, ReadHubResource, AskFollowup, AttemptCompletion:
		return true
	default:
		return false
	}
}

// Mutates 报告该工具是否会改动工作区；plan 模式下这些工具被拒绝。
// Mutates reports whether the tool changes the workspace; plan mode
// refuses these tools.
func Mutates(name Name) bool {
	switch name {
	case WriteToFile, ReplaceInFile, ExecuteCommand:
		return true
	default:
		return false
	}
}

// requiredParams 每个工具缺一不可的参数
// requiredParams lists the parameters each tool cannot run without
var requiredParams = map[Name][]string{
	ReadFile:          {"path"},
	WriteToFile:       {"path", "content"},
	ReplaceInFile:     {"path", "diff"},
	ExecuteCommand:    {"command"},
	BrowserAction:     {"action"},
	UseHubTool:        {"server_name", "tool_name"},
	ReadHubResource:   {"server_name", "uri"},
	AskFollowup:       {"question"},
	AttemptCompletion: {"result"},
}

// MissingParams 返回缺失的必填参数名
// MissingParams returns the names of absent required parameters
func MissingParams(name Name, params map[string]string) []string {
	var missing []string
	for _, key := range requiredParams[name] {
		if params[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
