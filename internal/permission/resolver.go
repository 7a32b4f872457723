package permission

import "github.com/bmatcuk/doublestar/v4"

// Resolve computes the policy for a tool call. Pure function, no side
// effects: the unconditional-allow override short-circuits to allow, then an
// explicit tool rule, then shell/edit pattern rules scoped to the call's
// arguments, then the tool's category rule, defaulting to ask. Session
// grants are an additional allow path checked by the caller.
func Resolve(req Request, rules RuleSet, unconditionalAllow bool) Policy {
	if unconditionalAllow {
		return Allow
	}

	if policy, ok := rules.Tools[req.Tool]; ok {
		return policy
	}

	if category, ok := Categorize(req.Tool); ok {
		if policy, ok := resolvePattern(req, category, rules); ok {
			return policy
		}
		if policy, ok := rules.Categories[category]; ok {
			return policy
		}
	}

	return Ask
}

// resolvePattern applies shell command-pattern and edit path-pattern rules.
// They only fire when the call carries the argument they scope over.
func resolvePattern(req Request, category Category, rules RuleSet) (Policy, bool) {
	switch category {
	case CategoryShell:
		if len(rules.Shell) == 0 {
			return "", false
		}
		command, ok := req.Args["command"].(string)
		if !ok || command == "" {
			return "", false
		}
		return matchShellRules(command, rules.Shell)

	case CategoryEdit:
		if len(rules.Edit) == 0 {
			return "", false
		}
		path, ok := req.Args["path"].(string)
		if !ok {
			path, ok = req.Args["filePath"].(string)
		}
		if !ok || path == "" {
			return "", false
		}
		for pattern, policy := range rules.Edit {
			if matched, err := doublestar.Match(pattern, path); err == nil && matched {
				return policy, true
			}
		}
	}
	return "", false
}

// matchShellRules parses the command and resolves every simple command in it
// against the pattern rules. The strictest outcome wins: any deny denies,
// any ask asks, and allow requires every command to match an allow rule.
func matchShellRules(command string, patterns map[string]Policy) (Policy, bool) {
	commands, err := ParseCommand(command)
	if err != nil || len(commands) == 0 {
		return "", false
	}

	outcome := Allow
	matchedAny := false
	for _, cmd := range commands {
		policy, ok := MatchCommandPattern(cmd, patterns)
		if !ok {
			return "", false
		}
		matchedAny = true
		switch policy {
		case Deny:
			return Deny, true
		case Ask:
			outcome = Ask
		}
	}
	return outcome, matchedAny
}
