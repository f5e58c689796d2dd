// Package workflow enforces the tool-call discipline the agent must follow:
// authenticate first, validate the session on every later turn, and clear
// authorization before acting.
package workflow

import (
	"strings"
	"sync"

	"github.com/recordwise/regent/internal/auth"
	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

// Step is one stage of the required tool sequence.
type Step string

const (
	StepAuthenticate       Step = "authenticate_user"
	StepValidateSession    Step = "validate_session"
	StepCheckAuthorization Step = "check_authorization"
	StepExecute            Step = "execute"
)

// Sequence returns the steps a turn must pass through, in order. The first
// turn authenticates (which validates implicitly); later turns validate the
// existing session. Help skips the authorization gate.
func Sequence(firstTurn bool, intent auth.Operation) []Step {
	var steps []Step
	if firstTurn {
		steps = append(steps, StepAuthenticate)
	} else {
		steps = append(steps, StepValidateSession)
	}
	if intent != auth.OpHelp {
		steps = append(steps, StepCheckAuthorization)
	}
	return append(steps, StepExecute)
}

// DetectIntent classifies a user message into an operation using keyword
// heuristics. Unrecognized messages fall back to help.
func DetectIntent(message string) auth.Operation {
	m := strings.ToLower(message)
	switch {
	case containsAny(m, "update", "edit", "change", "modify", "revise", "amend"):
		return auth.OpUpdate
	case containsAny(m, "create", "add", "new record", "register", "file a", "upload"):
		return auth.OpCreate
	case containsAny(m, "search", "find", "look", "show", "list", "retrieve", "query", "where"):
		return auth.OpSearch
	default:
		return auth.OpHelp
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// turnState tracks which gates a session has passed.
type turnState struct {
	authenticated bool
	validated     bool
	authorized    map[auth.Operation]bool
}

// Guard is the per-session gatekeeper. Gates are recorded as the agent
// passes them; Ready refuses execution until the gates for the current turn
// have been passed, so a skipped gate short-circuits the turn.
type Guard struct {
	mu    sync.Mutex
	turns map[string]*turnState
	log   *logging.Logger
}

// NewGuard creates an empty guard.
func NewGuard(log *logging.Logger) *Guard {
	return &Guard{
		turns: make(map[string]*turnState),
		log:   log.Sub("workflow"),
	}
}

func (g *Guard) state(sessionID string) *turnState {
	st, ok := g.turns[sessionID]
	if !ok {
		st = &turnState{authorized: make(map[auth.Operation]bool)}
		g.turns[sessionID] = st
	}
	return st
}

// RecordAuthentication marks the session as freshly authenticated, which
// also counts as validation for the current turn.
func (g *Guard) RecordAuthentication(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(sessionID)
	st.authenticated = true
	st.validated = true
}

// RecordValidation marks the session as validated for the current turn.
// Validation does not count for a session that never authenticated.
func (g *Guard) RecordValidation(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.turns[sessionID]
	if !ok {
		return domain.E(domain.CodeSessionInactive, "session was never authenticated").
			WithNext("call " + string(StepAuthenticate) + " first")
	}
	st.validated = true
	return nil
}

// RecordAuthorization marks the operation as cleared for the session.
func (g *Guard) RecordAuthorization(sessionID string, op auth.Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(sessionID).authorized[op] = true
}

// Ready reports whether the session may execute op. It fails when the
// session skipped authentication or validation, or when a non-help
// operation was never cleared by the authorization gate.
func (g *Guard) Ready(sessionID string, op auth.Operation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.turns[sessionID]
	if !ok || !st.authenticated {
		return domain.E(domain.CodeSessionInactive, "session was never authenticated").
			WithNext("call " + string(StepAuthenticate) + " first")
	}
	if !st.validated {
		return domain.E(domain.CodeSessionInactive, "session was not validated this turn").
			WithNext("call " + string(StepValidateSession) + " first")
	}
	if op != auth.OpHelp && !st.authorized[op] {
		g.log.Warn().Str("session_id", sessionID).Str("operation", string(op)).Msg("execution attempted before the authorization gate")
		return domain.E(domain.CodeNotAuthorized, "operation was not cleared by the authorization gate").
			WithNext("call " + string(StepCheckAuthorization) + " first")
	}
	return nil
}

// EndTurn closes out a turn: the validation and authorization gates reset,
// the authentication mark remains.
func (g *Guard) EndTurn(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.turns[sessionID]
	if !ok {
		return
	}
	st.validated = false
	st.authorized = make(map[auth.Operation]bool)
}

// Forget drops all guard state for the session.
func (g *Guard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.turns, sessionID)
}
