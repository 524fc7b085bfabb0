package task

import (
	"agentcore/internal/provider"
	"agentcore/internal/tools"
)

// toolDefinitions 暴露给模型的全部工具定义，与封闭工具集一一对应。
// toolDefinitions lists every tool definition exposed to the model,
// mirroring the closed tool set.
func toolDefinitions() []provider.ToolDef {
	return []provider.ToolDef{
		{
			Name:        string(tools.ReadFile),
			Description: "Read the contents of a file at the given path.",
			Parameters: objectSchema(map[string]any{
				"path": stringProp("Workspace-relative path of the file to read"),
			}, "path"),
		},
		{
			Name:        string(tools.WriteToFile),
			Description: "Write content to a file, creating it if needed and overwriting existing content.",
			Parameters: objectSchema(map[string]any{
				"path":    stringProp("Workspace-relative path of the file to write"),
				"content": stringProp("Full content to write"),
			}, "path", "content"),
		},
		{
			Name:        string(tools.ReplaceInFile),
			Description: "Apply a search/replace diff to an existing file.",
			Parameters: objectSchema(map[string]any{
				"path": stringProp("Workspace-relative path of the file to edit"),
				"diff": stringProp("Search/replace blocks describing the edit"),
			}, "path", "diff"),
		},
		{
			Name:        string(tools.ExecuteCommand),
			Description: "Execute a shell command in the workspace.",
			Parameters: objectSchema(map[string]any{
				"command":           stringProp("The command to run"),
				"requires_approval": stringProp("Set to \"true\" when the command is destructive or impactful"),
			}, "command"),
		},
		{
			Name:        string(tools.BrowserAction),
			Description: "Drive a browser session: launch, click, type, scroll_down, scroll_up, close.",
			Parameters: objectSchema(map[string]any{
				"action":     stringProp("One of launch, click, type, scroll_down, scroll_up, close"),
				"url":        stringProp("URL for the launch action"),
				"coordinate": stringProp("x,y coordinate for the click action"),
				"text":       stringProp("Text for the type action"),
			}, "action"),
		},
		{
			Name:        string(tools.UseHubTool),
			Description: "Invoke a tool provided by an external resource hub server.",
			Parameters: objectSchema(map[string]any{
				"server_name": stringProp("Name of the hub server"),
				"tool_name":   stringProp("Name of the tool to call"),
				"arguments":   stringProp("JSON-encoded tool arguments"),
			}, "server_name", "tool_name"),
		},
		{
			Name:        string(tools.ReadHubResource),
			Description: "Read a resource exposed by an external resource hub server.",
			Parameters: objectSchema(map[string]any{
				"server_name": stringProp("Name of the hub server"),
				"uri":         stringProp("URI of the resource"),
			}, "server_name", "uri"),
		},
		{
			Name:        string(tools.AskFollowup),
			Description: "Ask the user a clarifying question when required information is missing.",
			Parameters: objectSchema(map[string]any{
				"question": stringProp("The question to ask"),
			}, "question"),
		},
		{
			Name:        string(tools.AttemptCompletion),
			Description: "Present the final result of the task once all steps are done.",
			Parameters: objectSchema(map[string]any{
				"result":  stringProp("Final result description"),
				"command": stringProp("Optional command to demonstrate the result"),
			}, "result"),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
