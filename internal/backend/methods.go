package backend

import (
	"context"
	"fmt"
	"strings"
)

// 方法名是与后端约定的固定契约
// Method names are fixed contracts with the backend
const (
	methodInitialize        = "initialize"
	methodGeneratePlan      = "generatePlan"
	methodSelectPersona     = "selectPersona"
	methodRefineSteps       = "refineSteps"
	methodAnalyzeAndRecover = "analyzeAndRecover"
	methodReplanning        = "replanning"
	methodKnowledgeSearch   = "knowledgeSearch"
	methodShutdown          = "shutdown"
)

// InitializeResult 握手响应
// InitializeResult is the handshake response
type InitializeResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PlanStep 计划中的一个步骤
// PlanStep is one step of a plan
type PlanStep struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Plan 后端生成的执行计划
// Plan is the backend-generated execution plan
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// Persona 任务选定的人格与系统提示词
// Persona is the persona and system prompt selected for a task
type Persona struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Recovery 失败分析与恢复建议
// Recovery is the failure analysis and recovery suggestion
type Recovery struct {
	Analysis   string `json:"analysis"`
	Suggestion string `json:"suggestion"`
}

// KnowledgeHit 知识检索的一条命中
// KnowledgeHit is one knowledge search result
type KnowledgeHit struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Initialize 发送握手请求；受 initTimeout 约束，超时则任务不得启动。
// Initialize sends the handshake request, bounded by initTimeout; on
// timeout the task must not start.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	var out InitializeResult
	err := c.call(initCtx, methodInitialize, map[string]any{
		"protocolVersion": jsonRPCVersion,
		"client":          map[string]string{"name": "agentcore", "version": "1.0.0"},
	}, &out)
	if err != nil {
		if initCtx.Err() == context.DeadlineExceeded {
			return InitializeResult{}, fmt.Errorf("backend initialization timed out after %s", c.initTimeout)
		}
		return InitializeResult{}, err
	}
	if strings.TrimSpace(out.Name) == "" {
		return InitializeResult{}, fmt.Errorf("initialize: backend reported no name")
	}
	c.initialized.Store(true)
	return out, nil
}

// GeneratePlan 为任务目标生成执行计划
// GeneratePlan produces an execution plan for the task goal
func (c *Client) GeneratePlan(ctx context.Context, goal, workspaceContext string) (Plan, error) {
	var out Plan
	err := c.call(ctx, methodGeneratePlan, map[string]string{
		"goal":    goal,
		"context": workspaceContext,
	}, &out)
	if err != nil {
		return Plan{}, err
	}
	if len(out.Steps) == 0 {
		return Plan{}, fmt.Errorf("generatePlan: backend returned a plan with no steps")
	}
	for i, step := range out.Steps {
		if strings.TrimSpace(step.Title) == "" {
			return Plan{}, fmt.Errorf("generatePlan: step %d has no title", i)
		}
	}
	return out, nil
}

// SelectPersona 根据任务目标选择人格与系统提示词
// SelectPersona picks the persona and system prompt for the task goal
func (c *Client) SelectPersona(ctx context.Context, goal string) (Persona, error) {
	var out Persona
	if err := c.call(ctx, methodSelectPersona, map[string]string{"goal": goal}, &out); err != nil {
		return Persona{}, err
	}
	if strings.TrimSpace(out.Prompt) == "" {
		return Persona{}, fmt.Errorf("selectPersona: backend returned an empty prompt")
	}
	return out, nil
}

// RefineSteps 根据反馈细化既有计划步骤
// RefineSteps refines existing plan steps from feedback
func (c *Client) RefineSteps(ctx context.Context, steps []PlanStep, feedback string) ([]PlanStep, error) {
	var out struct {
		Steps []PlanStep `json:"steps"`
	}
	err := c.call(ctx, methodRefineSteps, map[string]any{
		"steps":    steps,
		"feedback": feedback,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Steps) == 0 {
		return nil, fmt.Errorf("refineSteps: backend returned no steps")
	}
	return out.Steps, nil
}

// AnalyzeAndRecover 分析失败原因并给出恢复建议
// AnalyzeAndRecover analyzes a failure and suggests recovery
func (c *Client) AnalyzeAndRecover(ctx context.Context, failure string) (Recovery, error) {
	var out Recovery
	if err := c.call(ctx, methodAnalyzeAndRecover, map[string]string{"failure": failure}, &out); err != nil {
		return Recovery{}, err
	}
	if strings.TrimSpace(out.Suggestion) == "" {
		return Recovery{}, fmt.Errorf("analyzeAndRecover: backend returned no suggestion")
	}
	return out, nil
}

// Replanning 在执行进度偏离时重新规划
// Replanning replans when execution drifts from the plan
func (c *Client) Replanning(ctx context.Context, plan Plan, progress string) (Plan, error) {
	var out Plan
	err := c.call(ctx, methodReplanning, map[string]any{
		"plan":     plan,
		"progress": progress,
	}, &out)
	if err != nil {
		return Plan{}, err
	}
	if len(out.Steps) == 0 {
		return Plan{}, fmt.Errorf("replanning: backend returned a plan with no steps")
	}
	return out, nil
}

// KnowledgeSearch 检索与查询相关的知识条目
// KnowledgeSearch retrieves knowledge entries relevant to the query
func (c *Client) KnowledgeSearch(ctx context.Context, query string) ([]KnowledgeHit, error) {
	var out struct {
		Hits []KnowledgeHit `json:"hits"`
	}
	if err := c.call(ctx, methodKnowledgeSearch, map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Shutdown 通知后端退出
// Shutdown asks the backend to exit
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, methodShutdown, struct{}{}, nil)
}
