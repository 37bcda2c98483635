package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/okabe/himari/pkg/acl"
)

// toolPolicy checks every tool call the model requests before it runs:
// the tool must be declared for the run, the ACL must allow it, and exec
// commands must match the allowlist when one is configured.
type toolPolicy struct {
	guard     *acl.Guard
	allowlist []*regexp.Regexp
	rawRules  []string
	badRule   string
}

func newToolPolicy(guard *acl.Guard, execAllowlist []string) *toolPolicy {
	p := &toolPolicy{guard: guard, rawRules: execAllowlist}
	for _, raw := range execAllowlist {
		re, err := regexp.Compile(raw)
		if err != nil {
			p.badRule = raw
			continue
		}
		p.allowlist = append(p.allowlist, re)
	}
	return p
}

// policyDenial is a refusal the loop feeds back to the model as a tool
// message. It is not a run-fatal error.
type policyDenial struct {
	Reason string
}

// evaluate returns nil when the call may execute, a *policyDenial when it
// must be refused, and an error when the policy itself is misconfigured.
func (p *toolPolicy) evaluate(chatID, userID int64, call ToolCall, declared []string) (*policyDenial, error) {
	name := strings.ToLower(strings.TrimSpace(call.Name))
	if name == "" {
		return nil, fmt.Errorf("tool call %s has an empty tool name", call.ID)
	}

	if !toolDeclared(declared, name) {
		return &policyDenial{Reason: fmt.Sprintf("tool '%s' is not declared for this run", name)}, nil
	}

	if p.guard != nil {
		decision := p.guard.AuthorizeTool(chatID, userID, name)
		if !decision.Allowed {
			return &policyDenial{Reason: fmt.Sprintf("tool '%s' is denied by ACL (%s)", name, decision.Reason)}, nil
		}
	}

	if name == "exec" && len(p.rawRules) > 0 {
		if p.badRule != "" {
			return nil, fmt.Errorf("exec allowlist pattern %q does not compile", p.badRule)
		}
		command, ok := call.Args["command"].(string)
		if !ok || strings.TrimSpace(command) == "" {
			return &policyDenial{Reason: "exec call is missing a command string"}, nil
		}
		matched := false
		for _, re := range p.allowlist {
			if re.MatchString(command) {
				matched = true
				break
			}
		}
		if !matched {
			return &policyDenial{Reason: fmt.Sprintf("command does not match the exec allowlist: %s", command)}, nil
		}
	}

	return nil, nil
}

func toolDeclared(declared []string, name string) bool {
	for _, d := range declared {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// deniedToolResult is the payload stored and fed back to the model when a
// call is refused by policy, confirmation timeout, or explicit rejection.
func deniedToolResult(reason string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   reason,
	})
	return string(payload)
}
