package task

import (
	"context"
	"fmt"
	"strings"

	"agentcore/internal/config"
	"agentcore/internal/logging"
)

// ensureSystemPrompt 首轮从后端拉取人格、知识与计划组装系统提示词，
// 之后走缓存。知识检索失败仅降级记日志，人格失败阻止任务。
// ensureSystemPrompt assembles the system prompt from backend persona,
// knowledge and plan on the first turn, cached afterwards. Knowledge
// failures degrade with a log entry; a persona failure blocks the task.
func (t *Task) ensureSystemPrompt(ctx context.Context) error {
	if t.systemPrompt != "" {
		return nil
	}

	persona, err := t.backend.SelectPersona(ctx, t.goal)
	if err != nil {
		return fmt.Errorf("select persona: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(persona.Prompt)

	if t.mode == config.ModePlan {
		sb.WriteString("\n\nYou are in plan mode: investigate the workspace and discuss an approach " +
			"with the user, but do not edit files or run commands. Those tools are unavailable until act mode.")
	}

	hits, err := t.backend.KnowledgeSearch(ctx, t.goal)
	if err != nil {
		logging.Get().Warn("knowledge search failed", "err", err)
	} else if len(hits) > 0 {
		sb.WriteString("\n\n# Relevant knowledge\n")
		for _, hit := range hits {
			fmt.Fprintf(&sb, "- [%s] %s\n", hit.Source, hit.Content)
		}
	}

	plan, err := t.backend.GeneratePlan(ctx, t.goal, t.workspace)
	if err != nil {
		logging.Get().Warn("plan generation failed", "err", err)
	} else {
		t.plan = &plan
		sb.WriteString("\n\n# Execution plan\n")
		for i, step := range plan.Steps {
			fmt.Fprintf(&sb, "%d. %s", i+1, step.Title)
			if step.Detail != "" {
				fmt.Fprintf(&sb, " - %s", step.Detail)
			}
			sb.WriteString("\n")
		}
	}

	t.systemPrompt = sb.String()
	return nil
}
