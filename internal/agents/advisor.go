// Package agents provides the agents the engine can run: a built-in cost
// advisor, an OpenAI function-calling agent and remote SSE agents.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/internal/engine"
	"github.com/xiaot623/gogo/internal/tools"
)

// AdvisorName is the name the advisor registers under.
const AdvisorName = "advisor"

// Advisor is a deterministic agent: one thought, one tool call, one answer.
type Advisor struct{}

// NewAdvisor creates the built-in advisor.
func NewAdvisor() *Advisor {
	return &Advisor{}
}

// Next implements engine.Agent.
func (a *Advisor) Next(ctx context.Context, turn *engine.Turn) (engine.Step, error) {
	if err := ctx.Err(); err != nil {
		return engine.Step{}, err
	}
	obs, ok := turn.LastObservation()
	if !ok {
		return plan(turn.Message), nil
	}
	if obs.Error != nil {
		return engine.Step{
			Response: fmt.Sprintf("I could not finish that: %s.", obs.Error.Message),
			Done:     true,
		}, nil
	}
	response, err := summarize(obs)
	if err != nil {
		return engine.Step{}, err
	}
	return engine.Step{Response: response, Done: true}, nil
}

func plan(message string) engine.Step {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "weather"):
		city := "Beijing"
		if i := strings.LastIndex(lower, " in "); i >= 0 {
			if c := strings.TrimSpace(strings.Trim(message[i+4:], "?!.")); c != "" {
				city = c
			}
		}
		return engine.Step{
			Thought:  "Checking the current weather in " + city,
			ToolCall: call("weather.query", tools.WeatherParams{City: city}),
		}
	case strings.HasPrefix(lower, "run ") || strings.HasPrefix(lower, "exec "):
		_, cmd, _ := strings.Cut(message, " ")
		return engine.Step{
			Thought:  "Running the requested command",
			ToolCall: call("dangerous.command", tools.CommandParams{Command: cmd}),
		}
	case strings.Contains(lower, "recommend"):
		return engine.Step{
			Thought:  "Looking for changes that reduce your bill",
			ToolCall: call("cost.recommend", tools.CostRecommendParams{}),
		}
	default:
		return engine.Step{
			Thought:  "Analyzing your cloud spend for the last billing period",
			ToolCall: call("cost.analyze", tools.CostAnalyzeParams{Period: "monthly"}),
		}
	}
}

func call(name string, params any) *engine.ToolCall {
	raw, _ := json.Marshal(params)
	return &engine.ToolCall{Name: name, Parameters: raw}
}

func summarize(obs engine.Observation) (string, error) {
	switch obs.Tool {
	case "cost.analyze":
		var analysis tools.CostAnalysis
		if err := json.Unmarshal(obs.Result, &analysis); err != nil {
			return "", fmt.Errorf("decode cost analysis: %w", err)
		}
		if len(analysis.Underutilized) == 0 {
			return fmt.Sprintf("Your %s spend is $%.2f and every service is well utilized.", analysis.Period, analysis.TotalUSD), nil
		}
		return fmt.Sprintf("Your %s spend is $%.2f. Rightsizing %s could save about $%.2f.",
			analysis.Period, analysis.TotalUSD, strings.Join(analysis.Underutilized, ", "), analysis.EstimatedSavings), nil
	case "cost.recommend":
		var out struct {
			Recommendations []tools.Recommendation `json:"recommendations"`
		}
		if err := json.Unmarshal(obs.Result, &out); err != nil {
			return "", fmt.Errorf("decode recommendations: %w", err)
		}
		if len(out.Recommendations) == 0 {
			return "No changes recommended right now.", nil
		}
		lines := make([]string, 0, len(out.Recommendations))
		for _, r := range out.Recommendations {
			lines = append(lines, fmt.Sprintf("%s (saves $%.2f)", r.Action, r.SavingsUSD))
		}
		return "Recommended: " + strings.Join(lines, "; ") + ".", nil
	case "weather.query":
		var w struct {
			City        string  `json:"city"`
			Weather     string  `json:"weather"`
			Temperature float64 `json:"temperature"`
		}
		if err := json.Unmarshal(obs.Result, &w); err != nil {
			return "", fmt.Errorf("decode weather: %w", err)
		}
		return fmt.Sprintf("It is %s and %.0f°C in %s.", strings.ToLower(w.Weather), w.Temperature, w.City), nil
	default:
		return fmt.Sprintf("%s returned %s", obs.Tool, string(obs.Result)), nil
	}
}
