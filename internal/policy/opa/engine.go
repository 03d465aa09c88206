package opa

import (
	"context"
	"embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Query is the rule every policy module must define.
const Query = "data.apconsole.authz.allow"

//go:embed policies/*.rego
var builtin embed.FS

// Built-in policy names accepted by Config.Builtin.
const (
	BuiltinAuthenticated  = "authenticated"
	BuiltinAdminMutations = "admin_mutations"
)

// Config selects the policy source. File wins over Builtin.
type Config struct {
	File    string
	Builtin string
}

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	source string
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	if config.Builtin == "" {
		config.Builtin = BuiltinAuthenticated
	}

	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().Str("source", e.source).Msg("OPA engine initialized")
	return e, nil
}

// load parses and prepares the configured module
func (e *Engine) load() error {
	name, content, err := e.readPolicy()
	if err != nil {
		return err
	}

	module, err := ast.ParseModule(name, content)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", name, err)
	}
	e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")

	r := rego.New(
		rego.Query(Query),
		rego.Module(name, content),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.source = name
	e.mu.Unlock()

	return nil
}

func (e *Engine) readPolicy() (string, string, error) {
	if e.config.File != "" {
		content, err := os.ReadFile(e.config.File)
		if err != nil {
			return "", "", fmt.Errorf("failed to read policy file %s: %w", e.config.File, err)
		}
		return e.config.File, string(content), nil
	}

	name := "policies/" + e.config.Builtin + ".rego"
	content, err := builtin.ReadFile(name)
	if err != nil {
		return "", "", fmt.Errorf("unknown built-in policy %q", e.config.Builtin)
	}
	return name, string(content), nil
}

// Evaluate evaluates the allow rule against input. An undefined result is
// a denial.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (bool, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Policy evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy result is not a boolean: %T", results[0].Expressions[0].Value)
	}
	return allow, nil
}

// Source names the loaded module.
func (e *Engine) Source() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// Reload re-reads the policy. On failure the previous policy stays active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policy")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policy: %w", err)
	}

	e.logger.Info().Str("source", e.Source()).Msg("OPA policy reloaded successfully")
	return nil
}
