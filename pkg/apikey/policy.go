package apikey

import (
	"fmt"
	"regexp"
)

// Allows evaluates the policy against a tool name. Regex patterns are tried
// in declared order and individually invalid patterns are skipped; an
// unrecognized mode denies.
func (p ToolAccessPolicy) Allows(toolName string) (bool, string) {
	switch p.Mode {
	case ModeAll, "":
		return true, "access mode allows all tools"
	case ModeAllowlist:
		for _, name := range p.Tools {
			if name == toolName {
				return true, "tool is on the allowlist"
			}
		}
		return false, fmt.Sprintf("tool %q is not on the allowlist", toolName)
	case ModeDenylist:
		for _, name := range p.Tools {
			if name == toolName {
				return false, fmt.Sprintf("tool %q is on the denylist", toolName)
			}
		}
		return true, "tool is not on the denylist"
	case ModeRegex:
		for _, pattern := range p.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(toolName) {
				return true, fmt.Sprintf("tool matches pattern %q", pattern)
			}
		}
		return false, fmt.Sprintf("tool %q matches no access pattern", toolName)
	default:
		return false, fmt.Sprintf("unrecognized access mode %q", p.Mode)
	}
}

// Validate checks the policy shape: the mode must be one of the four known
// values and, in regex mode, every pattern must compile. Keys are never
// created or updated with a policy that fails here.
func (p ToolAccessPolicy) Validate() error {
	switch p.Mode {
	case ModeAll, ModeAllowlist, ModeDenylist, "":
	case ModeRegex:
		for _, pattern := range p.Patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid access pattern %q: %w", pattern, err)
			}
		}
	default:
		return fmt.Errorf("unknown access mode %q", p.Mode)
	}
	return nil
}
