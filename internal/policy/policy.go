package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Decision is the effective gate verdict for one tool call.
type Decision string

const (
	// Allow runs the tool without a human in the loop.
	Allow Decision = "allow"
	// RequireApproval parks the session until a reviewer decides.
	RequireApproval Decision = "require_approval"
	// Deny refuses the tool call; the runner treats it as an agent mistake.
	Deny Decision = "deny"
)

// Checker is the interface used by the loop runner to gate tool calls.
type Checker interface {
	Decide(sessionID, tool string, gatewayNeedsApproval bool) Decision
	PolicyVersion() string
}

// Rule scopes a verdict to sessions. Session and Tools accept "*" and
// path.Match patterns such as "fs.*".
type Rule struct {
	Session string   `yaml:"session"`
	Tools   []string `yaml:"tools"`
	Action  Decision `yaml:"action"`
}

// Policy is the serializable policy data.
type Policy struct {
	RequireApproval []string `yaml:"require_approval"`
	AutoApprove     []string `yaml:"auto_approve"`
	DenyTools       []string `yaml:"deny_tools"`
	Rules           []Rule   `yaml:"rules,omitempty"`
}

// Default defers every decision to the gateway's needsApproval flag.
func Default() Policy {
	return Policy{}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Decide resolves the verdict for a tool call. Session rules win, most
// specific first; then deny_tools, require_approval and auto_approve in that
// order. With nothing matching, the gateway's flag decides.
func (p Policy) Decide(sessionID, tool string, gatewayNeedsApproval bool) Decision {
	tool = normalize(tool)
	if rule := p.bestRule(normalize(sessionID), tool); rule != nil {
		return rule.Action
	}
	switch {
	case matchAny(p.DenyTools, tool):
		return Deny
	case matchAny(p.RequireApproval, tool):
		return RequireApproval
	case matchAny(p.AutoApprove, tool):
		return Allow
	case gatewayNeedsApproval:
		return RequireApproval
	default:
		return Allow
	}
}

// bestRule picks the matching rule with the highest specificity:
// exact session beats wildcard session, exact tool beats pattern beats "*".
func (p Policy) bestRule(sessionID, tool string) *Rule {
	var best *Rule
	bestScore := -1
	for i := range p.Rules {
		rule := &p.Rules[i]
		score := 0
		switch ruleSession := normalize(rule.Session); {
		case ruleSession == sessionID:
			score += 8
		case ruleSession == "" || ruleSession == "*":
		case matchPattern(ruleSession, sessionID):
			score += 4
		default:
			continue
		}
		toolScore := -1
		for _, t := range rule.Tools {
			t = normalize(t)
			switch {
			case t == tool:
				toolScore = max(toolScore, 2)
			case t == "*":
				toolScore = max(toolScore, 0)
			case matchPattern(t, tool):
				toolScore = max(toolScore, 1)
			}
		}
		if toolScore < 0 {
			continue
		}
		score += toolScore
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	return best
}

func (p Policy) validate() error {
	for i, rule := range p.Rules {
		switch rule.Action {
		case Allow, RequireApproval, Deny:
		default:
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		if len(rule.Tools) == 0 {
			return fmt.Errorf("rule %d: tools must not be empty", i)
		}
	}
	for _, list := range [][]string{p.RequireApproval, p.AutoApprove, p.DenyTools} {
		for _, pattern := range list {
			if _, err := path.Match(normalize(pattern), ""); err != nil {
				return fmt.Errorf("bad tool pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reloads.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Decide is the thread-safe check used at runtime.
func (lp *LivePolicy) Decide(sessionID, tool string, gatewayNeedsApproval bool) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Decide(sessionID, tool, gatewayNeedsApproval)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.RequireApproval = append([]string(nil), lp.data.RequireApproval...)
	cp.AutoApprove = append([]string(nil), lp.data.AutoApprove...)
	cp.DenyTools = append([]string(nil), lp.data.DenyTools...)
	cp.Rules = append([]Rule(nil), lp.data.Rules...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchPattern(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func matchAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		p = normalize(p)
		if p == "*" || p == tool || matchPattern(p, tool) {
			return true
		}
	}
	return false
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, list := range [][]string{p.RequireApproval, p.AutoApprove, p.DenyTools} {
		for _, v := range list {
			_, _ = h.Write([]byte(normalize(v) + "|"))
		}
		_, _ = h.Write([]byte("#"))
	}
	for _, r := range p.Rules {
		_, _ = h.Write([]byte(normalize(r.Session) + "=" + string(r.Action) + ":" + strings.Join(r.Tools, ",") + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
