package permission

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is one parsed simple command within a shell invocation.
type Command struct {
	Name       string
	Args       []string
	Subcommand string // first non-flag argument
}

// ParseCommand parses a shell command string into its simple commands, so
// pattern rules apply to every command in a pipeline or list.
func ParseCommand(command string) ([]Command, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var commands []Command
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *Command {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &Command{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}
	return cmd
}

// wordToString flattens a shell word; expansions become placeholders so a
// dynamic argument can never satisfy a literal pattern.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// MatchCommandPattern finds the policy for a command, most specific pattern
// first: "git commit *", then "git *", then "git", then "*".
func MatchCommandPattern(cmd Command, patterns map[string]Policy) (Policy, bool) {
	if cmd.Subcommand != "" {
		if policy, ok := patterns[cmd.Name+" "+cmd.Subcommand+" *"]; ok {
			return policy, true
		}
	}
	if policy, ok := patterns[cmd.Name+" *"]; ok {
		return policy, true
	}
	if policy, ok := patterns[cmd.Name]; ok {
		return policy, true
	}
	if policy, ok := patterns["*"]; ok {
		return policy, true
	}
	return "", false
}
