package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CostAnalyzeParams are the parameters of cost.analyze.
type CostAnalyzeParams struct {
	AccountID string `json:"account_id,omitempty" jsonschema:"description=Cloud account to analyse"`
	Period    string `json:"period,omitempty" jsonschema:"enum=monthly,enum=quarterly,description=Billing period"`
}

// ServiceCost is one line of a cost breakdown.
type ServiceCost struct {
	Service     string  `json:"service"`
	MonthlyUSD  float64 `json:"monthly_usd"`
	Utilization float64 `json:"utilization"`
}

// CostAnalysis is the output of cost.analyze.
type CostAnalysis struct {
	AccountID        string        `json:"account_id"`
	Period           string        `json:"period"`
	TotalUSD         float64       `json:"total_usd"`
	Breakdown        []ServiceCost `json:"breakdown"`
	Underutilized    []string      `json:"underutilized"`
	EstimatedSavings float64       `json:"estimated_savings_usd"`
}

// CostRecommendParams are the parameters of cost.recommend.
type CostRecommendParams struct {
	Services         []string `json:"services,omitempty" jsonschema:"description=Services to focus on"`
	TargetSavingsPct float64  `json:"target_savings_pct,omitempty" jsonschema:"minimum=0,maximum=100"`
}

// Recommendation is one suggested change.
type Recommendation struct {
	Service    string  `json:"service"`
	Action     string  `json:"action"`
	SavingsUSD float64 `json:"savings_usd"`
}

// WeatherParams are the parameters of weather.query.
type WeatherParams struct {
	City string `json:"city" jsonschema:"minLength=1"`
}

// CommandParams are the parameters of dangerous.command.
type CommandParams struct {
	Command string `json:"command" jsonschema:"minLength=1"`
}

var sampleCosts = []ServiceCost{
	{Service: "compute", MonthlyUSD: 4200, Utilization: 0.31},
	{Service: "storage", MonthlyUSD: 1350, Utilization: 0.82},
	{Service: "database", MonthlyUSD: 2100, Utilization: 0.44},
	{Service: "network", MonthlyUSD: 610, Utilization: 0.67},
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		{
			Name:        "cost.analyze",
			Description: "Break down cloud spend by service and flag underutilized resources.",
			Schema:      SchemaFor[CostAnalyzeParams](),
			Timeout:     5 * time.Second,
			Executor:    Typed(analyzeCosts),
		},
		{
			Name:        "cost.recommend",
			Description: "Suggest concrete changes that reduce cloud spend.",
			Schema:      SchemaFor[CostRecommendParams](),
			Timeout:     5 * time.Second,
			Executor:    Typed(recommendCosts),
		},
		{
			Name:        "weather.query",
			Description: "Current weather for a city.",
			Schema:      SchemaFor[WeatherParams](),
			Timeout:     5 * time.Second,
			Executor: Typed(func(_ context.Context, p WeatherParams) (any, error) {
				return map[string]any{"city": p.City, "weather": "Sunny", "temperature": 25}, nil
			}),
		},
		{
			Name:        "dangerous.command",
			Description: "Run a shell command. Blocked by the default policy.",
			Schema:      SchemaFor[CommandParams](),
			Timeout:     5 * time.Second,
			Executor: Typed(func(context.Context, CommandParams) (any, error) {
				return nil, errors.New("tool execution disabled")
			}),
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func analyzeCosts(ctx context.Context, p CostAnalyzeParams) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account := p.AccountID
	if account == "" {
		account = "default"
	}
	period := p.Period
	if period == "" {
		period = "monthly"
	}
	factor := 1.0
	if period == "quarterly" {
		factor = 3
	}

	out := CostAnalysis{AccountID: account, Period: period}
	for _, c := range sampleCosts {
		c.MonthlyUSD *= factor
		out.Breakdown = append(out.Breakdown, c)
		out.TotalUSD += c.MonthlyUSD
		if c.Utilization < 0.5 {
			out.Underutilized = append(out.Underutilized, c.Service)
			out.EstimatedSavings += c.MonthlyUSD * (0.5 - c.Utilization)
		}
	}
	return out, nil
}

func recommendCosts(_ context.Context, p CostRecommendParams) (any, error) {
	focus := map[string]bool{}
	for _, s := range p.Services {
		focus[strings.ToLower(s)] = true
	}
	var recs []Recommendation
	for _, c := range sampleCosts {
		if len(focus) > 0 && !focus[c.Service] {
			continue
		}
		if c.Utilization >= 0.5 {
			continue
		}
		recs = append(recs, Recommendation{
			Service:    c.Service,
			Action:     fmt.Sprintf("rightsize %s to match %.0f%% utilization", c.Service, c.Utilization*100),
			SavingsUSD: c.MonthlyUSD * (0.5 - c.Utilization),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SavingsUSD > recs[j].SavingsUSD })
	return map[string]any{"recommendations": recs, "target_savings_pct": p.TargetSavingsPct}, nil
}
