package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/elizaOS/milaidy-sub002/models"
)

// EchoTool is a built-in safe tool that returns its input
var EchoTool = Definition{
	Name:        "echo",
	Kind:        models.ActionToolCall,
	RiskLevel:   models.RiskSafe,
	Description: "returns its input unchanged",
}

// RegisterBuiltins adds the tools that need no integration
func RegisterBuiltins(r *Registry) error {
	return r.Register(EchoTool, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if len(input) == 0 {
			return json.RawMessage(`null`), nil
		}
		return input, nil
	})
}

// LoadCatalog reads a JSON array of definitions from path
func LoadCatalog(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool catalog: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	return defs, nil
}

// RegisterRemote registers every definition as a tool served by gateway
func RegisterRemote(r *Registry, gateway *HTTPInvoker, defs []Definition) error {
	for _, def := range defs {
		if err := r.Register(def, gateway.Handler(def.Name)); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}
