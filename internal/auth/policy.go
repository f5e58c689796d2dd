package auth

import (
	"strings"

	"github.com/recordwise/regent/internal/logging"
)

// Operation names an intent the agent can act on.
type Operation string

const (
	OpSearch Operation = "search"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpHelp   Operation = "help"
)

// defaultRoleOperations is the built-in role grant table. Role and
// operation names are matched case-insensitively.
var defaultRoleOperations = map[string][]Operation{
	"administrator":       {OpSearch, OpCreate, OpUpdate},
	"records manager":     {OpSearch, OpCreate, OpUpdate},
	"records co-ordinator": {OpSearch, OpCreate, OpUpdate},
	"knowledge worker":    {OpSearch, OpCreate, OpUpdate},
	"contributor":         {OpSearch, OpCreate},
	"inquiry user":        {OpSearch},
}

// Policy decides whether a role may perform an operation. Unknown roles and
// unknown operations are denied; help is granted to every caller, including
// callers with no role at all.
type Policy struct {
	grants map[string]map[Operation]bool
	log    *logging.Logger
}

// NewPolicy builds a policy from the built-in grant table.
func NewPolicy(log *logging.Logger) *Policy {
	return NewPolicyWith(nil, log)
}

// NewPolicyWith builds a policy from overrides merged over the built-in
// table. An override replaces the full grant list for its role; an override
// with an empty list revokes the role entirely.
func NewPolicyWith(overrides map[string][]Operation, log *logging.Logger) *Policy {
	p := &Policy{
		grants: make(map[string]map[Operation]bool, len(defaultRoleOperations)),
		log:    log.Sub("policy"),
	}
	for role, ops := range defaultRoleOperations {
		p.set(role, ops)
	}
	for role, ops := range overrides {
		p.set(role, ops)
	}
	return p
}

func (p *Policy) set(role string, ops []Operation) {
	set := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		set[Operation(strings.ToLower(string(op)))] = true
	}
	p.grants[normalizeRole(role)] = set
}

// Allowed reports whether role may perform op.
func (p *Policy) Allowed(role string, op Operation) bool {
	op = Operation(strings.ToLower(strings.TrimSpace(string(op))))
	if op == OpHelp {
		return true
	}
	grants, ok := p.grants[normalizeRole(role)]
	if !ok {
		p.log.Debug().Str("role", role).Str("operation", string(op)).Msg("unknown role denied")
		return false
	}
	return grants[op]
}

// Operations returns the sorted grant list for role, help included.
func (p *Policy) Operations(role string) []Operation {
	grants := p.grants[normalizeRole(role)]
	ops := make([]Operation, 0, len(grants)+1)
	for _, op := range []Operation{OpSearch, OpCreate, OpUpdate} {
		if grants[op] {
			ops = append(ops, op)
		}
	}
	return append(ops, OpHelp)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
