package agents

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xiaot623/gogo/internal/engine"
	"github.com/xiaot623/gogo/internal/tools"
)

// OpenAIName is the name the OpenAI agent registers under.
const OpenAIName = "openai"

// Config selects which agents are registered.
type Config struct {
	OpenAI     OpenAIConfig
	Remote     map[string]string
	HTTPClient *http.Client
}

// RegisterAll registers the advisor, the OpenAI agent when an API key is
// configured, and every remote agent.
func RegisterAll(reg *engine.Registry, catalog *tools.Registry, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := reg.Register(AdvisorName, NewAdvisor()); err != nil {
		return err
	}

	if cfg.OpenAI.APIKey != "" {
		agent, err := NewOpenAIAgent(cfg.OpenAI, catalog)
		if err != nil {
			return fmt.Errorf("openai agent: %w", err)
		}
		if err := reg.Register(OpenAIName, agent); err != nil {
			return err
		}
	} else {
		logger.Info("openai agent disabled, no API key configured")
	}

	for name, url := range cfg.Remote {
		if err := reg.Register(name, NewRemoteAgent(url, cfg.HTTPClient)); err != nil {
			return fmt.Errorf("remote agent %s: %w", name, err)
		}
	}
	logger.Info("agents registered", "agents", reg.Names())
	return nil
}
