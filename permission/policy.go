// Package permission decides which tool executions need approval before
// they run.
package permission

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/turnengine/config"
)

// Policy is consulted once per tool execution.
type Policy interface {
	ShouldRequirePermission(toolID string) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(toolID string) bool

func (f PolicyFunc) ShouldRequirePermission(toolID string) bool { return f(toolID) }

// AllowAll never asks.
var AllowAll Policy = PolicyFunc(func(string) bool { return false })

// AskAll always asks.
var AskAll Policy = PolicyFunc(func(string) bool { return true })

// ModePolicy applies the configured permission mode. AlwaysAsk wins over
// AutoApprove; in auto mode everything else runs unprompted, in prompt
// mode everything else asks.
type ModePolicy struct {
	mode        string
	autoApprove []string
	alwaysAsk   []string
}

func NewModePolicy(cfg config.Permissions) *ModePolicy {
	return &ModePolicy{
		mode:        cfg.Mode,
		autoApprove: cfg.AutoApprove,
		alwaysAsk:   cfg.AlwaysAsk,
	}
}

func (p *ModePolicy) ShouldRequirePermission(toolID string) bool {
	if matchAny(p.alwaysAsk, toolID) {
		return true
	}
	if matchAny(p.autoApprove, toolID) {
		return false
	}
	return p.mode != config.PermissionModeAuto
}

func matchAny(patterns []string, toolID string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, toolID); err == nil && ok {
			return true
		}
	}
	return false
}
