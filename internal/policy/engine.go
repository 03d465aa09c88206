// Package policy decides whether an admin API request may proceed.
package policy

import (
	"context"
	"fmt"

	"github.com/goodtune/apconsole/internal/policy/opa"
	"github.com/rs/zerolog"
)

// Request describes an API call to authorize.
type Request struct {
	Authenticated bool
	Username      string
	Role          string
	Method        string
	Path          string
	Action        string // JSON "action" of a POST body, when known
}

// Config selects the policy.
type Config struct {
	File               string
	AdminOnlyMutations bool
}

// Engine gathers request facts and asks OPA
type Engine struct {
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a policy engine from config
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	opaCfg := opa.Config{File: cfg.File, Builtin: opa.BuiltinAuthenticated}
	if cfg.AdminOnlyMutations {
		opaCfg.Builtin = opa.BuiltinAdminMutations
	}

	opaEngine, err := opa.NewEngine(opaCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	return &Engine{
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Allow reports whether req may proceed. Evaluation errors deny.
func (e *Engine) Allow(ctx context.Context, req Request) bool {
	allowed, err := e.opaEngine.Evaluate(ctx, req.input())
	if err != nil {
		e.logger.Error().Err(err).Str("path", req.Path).Msg("Policy evaluation failed, denying")
		return false
	}
	return allowed
}

// Reload re-reads the policy source.
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}

// Source names the active policy module.
func (e *Engine) Source() string {
	return e.opaEngine.Source()
}

func (r Request) input() map[string]interface{} {
	return map[string]interface{}{
		"authenticated": r.Authenticated,
		"username":      r.Username,
		"role":          r.Role,
		"method":        r.Method,
		"path":          r.Path,
		"action":        r.Action,
	}
}
