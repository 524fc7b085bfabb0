package state

import (
	"strings"

	"agentcore/internal/chat"
)

// TaskMetrics 是消息日志上聚合出的请求记账总量。
// TaskMetrics is the request accounting aggregated over the message log.
type TaskMetrics struct {
	TokensIn    int
	TokensOut   int
	CacheWrites int
	CacheReads  int
	TotalCost   float64
}

// AggregateMetrics 重算完整消息日志的 token/费用总量。
// AggregateMetrics recomputes token/cost totals over the full message log.
func AggregateMetrics(messages []chat.Message) TaskMetrics {
	var out TaskMetrics
	for _, msg := range messages {
		if msg.Kind != chat.KindSay || msg.Say != chat.SayAPIReqStarted {
			continue
		}
		info := chat.ParseAPIReqInfo(msg.Text)
		out.TokensIn += info.TokensIn
		out.TokensOut += info.TokensOut
		out.CacheWrites += info.CacheWrites
		out.CacheReads += info.CacheReads
		out.TotalCost += info.Cost
	}
	return out
}

// 每百万 token 的美元价格表，按模型前缀匹配。
// Per-million-token USD pricing, matched by model prefix.
type modelPricing struct {
	inputPerM  float64
	outputPerM float64
}

var pricingTable = map[string]modelPricing{
	"gpt-4o-mini": {inputPerM: 0.15, outputPerM: 0.6},
	"gpt-4o":      {inputPerM: 2.5, outputPerM: 10},
	"o1":          {inputPerM: 15, outputPerM: 60},
	"o3":          {inputPerM: 2, outputPerM: 8},
}

// CalculateCost 按模型族计算单次请求费用；未知模型返回 0。
// CalculateCost computes one request's cost by model family; unknown
// models yield 0.
func CalculateCost(model string, tokensIn, tokensOut int) float64 {
	name := strings.ToLower(strings.TrimSpace(model))
	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricingTable[best]
	return float64(tokensIn)/1e6*p.inputPerM + float64(tokensOut)/1e6*p.outputPerM
}
