package mcpserver

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recordwise/regent/internal/auth"
	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/session"
	"github.com/recordwise/regent/internal/workflow"
)

func (s *Server) registerTools() {
	s.add(mcp.NewTool("authenticate_user",
		mcp.WithDescription("Authenticate a bearer credential, verify the user against the records system, and open (or resume) their session. Must be called before anything else on a first contact."),
		mcp.WithString("bearer_token", mcp.Required(), mcp.Description("The bearer credential, with or without the 'Bearer ' prefix")),
	), s.handleAuthenticateUser)

	s.add(mcp.NewTool("validate_session",
		mcp.WithDescription("Check that a session is alive and record activity on it. Call at the start of every turn after the first."),
		mcp.WithString("session_id", mcp.Description("The session to validate; may be omitted when a bearer_token is given")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent; when both are given its subject must match the session owner")),
		mcp.WithBoolean("require_active", mcp.Description("When false, a session the sweeper marked idle validates and is revived instead of failing. Defaults to true")),
	), s.handleValidateSession)

	s.add(mcp.NewTool("validate_email",
		mcp.WithDescription("Check whether an email belongs to a registered records-system user."),
		mcp.WithString("email", mcp.Required(), mcp.Description("The email address to check")),
	), s.handleValidateEmail)

	s.add(mcp.NewTool("detect_intent",
		mcp.WithDescription("Classify a user message into an operation (search, create, update, or help) and return the tool sequence the turn must follow. With a session_id, also reports whether the turn's gates have already been passed."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The user's message")),
		mcp.WithString("session_id", mcp.Description("The current session, if one exists; omit on first contact")),
	), s.handleDetectIntent)

	s.add(mcp.NewTool("check_authorization",
		mcp.WithDescription("Check that the session's user may perform an operation. Required before search, create, or update."),
		mcp.WithString("session_id", mcp.Description("The session asking for clearance")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("One of: search, create, update, help")),
	), s.handleCheckAuthorization)

	s.add(mcp.NewTool("get_session_info",
		mcp.WithDescription("Return the session's safe summary: status, timestamps, conversation length, and a cache digest. Never includes the credential."),
		mcp.WithString("session_id", mcp.Description("The session to describe")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
	), s.handleGetSessionInfo)

	s.add(mcp.NewTool("get_conversation_history",
		mcp.WithDescription("Return the session's conversation in chronological order."),
		mcp.WithString("session_id", mcp.Description("The session whose history to read")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
		mcp.WithNumber("limit", mcp.Description("Maximum messages to return, counted back from the most recent; 0 or omitted returns all")),
		mcp.WithNumber("offset", mcp.Description("Messages to skip back from the most recent")),
	), s.handleGetConversationHistory)

	s.add(mcp.NewTool("record_message",
		mcp.WithDescription("Append a conversation turn to the session. Oldest messages are evicted once the conversation cap is reached."),
		mcp.WithString("session_id", mcp.Description("The session the turn belongs to")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
		mcp.WithString("role", mcp.Required(), mcp.Description("Either 'user' or 'assistant'. An assistant turn closes out the workflow gates for the turn")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The message text")),
		mcp.WithObject("metadata", mcp.Description("Opaque metadata stored with the message")),
	), s.handleRecordMessage)

	s.add(mcp.NewTool("update_memory",
		mcp.WithDescription("Update the session's conversation summary and/or merge user preferences."),
		mcp.WithString("session_id", mcp.Description("The session to update")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
		mcp.WithString("summary", mcp.Description("Replacement conversation summary")),
		mcp.WithObject("preferences", mcp.Description("Preference keys to merge over the existing ones")),
	), s.handleUpdateMemory)

	s.add(mcp.NewTool("clear_session",
		mcp.WithDescription("Wipe the session's conversation and cache while keeping the session alive."),
		mcp.WithString("session_id", mcp.Description("The session to clear")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
	), s.handleClearSession)

	s.add(mcp.NewTool("update_session_state",
		mcp.WithDescription("Replace the session's working state wholesale."),
		mcp.WithString("session_id", mcp.Description("The session to update")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
		mcp.WithObject("state", mcp.Required(), mcp.Description("The new working state")),
	), s.handleUpdateSessionState)

	s.add(mcp.NewTool("get_session_state",
		mcp.WithDescription("Return the session's working state."),
		mcp.WithString("session_id", mcp.Description("The session to read")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
	), s.handleGetSessionState)

	s.add(mcp.NewTool("end_session",
		mcp.WithDescription("End the session and discard its conversation, cache, and sealed credential."),
		mcp.WithString("session_id", mcp.Description("The session to end")),
		mcp.WithString("bearer_token", mcp.Description("Credential used to resolve the session when session_id is absent")),
	), s.handleEndSession)

	s.add(mcp.NewTool("validate_token",
		mcp.WithDescription("Verify a bearer credential without touching any session. Returns the verified identity and expiry outlook."),
		mcp.WithString("bearer_token", mcp.Required(), mcp.Description("The credential to verify")),
	), s.handleValidateToken)

	s.add(mcp.NewTool("create_session_from_token",
		mcp.WithDescription("Open a session directly from a verified credential, skipping the records-system lookup. Intended for provisioning and testing flows."),
		mcp.WithString("bearer_token", mcp.Required(), mcp.Description("The credential to open a session for")),
		mcp.WithObject("metadata", mcp.Description("Opaque metadata stored with the session")),
	), s.handleCreateSessionFromToken)
}

// add registers a tool with timing and audit instrumentation.
func (s *Server) add(tool mcp.Tool, h server.ToolHandlerFunc) {
	name := tool.Name
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := h(ctx, req)
		dur := time.Since(start)
		succeeded := err == nil && res != nil && !res.IsError
		s.audit.Tool("", name, succeeded, dur.Milliseconds())
		s.log.Debug().Str("tool", name).Dur("duration", dur).Msg("tool call")
		return res, err
	})
}

// bearerHeader normalizes a raw token or full header into a header value.
func bearerHeader(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

// resultFail renders a failed gateway result.
func resultFail(res auth.Result) *mcp.CallToolResult {
	return failCode(res.Code, res.Message, res.NextStep)
}

// resolveSessionID returns the session a gated tool should act on: the
// explicit session_id when given, otherwise the caller's live session
// resolved through the bearer credential's subject. The second return is
// non-nil when resolution failed and should be returned as-is.
func (s *Server) resolveSessionID(ctx context.Context, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if sid := req.GetString("session_id", ""); sid != "" {
		return sid, nil
	}
	bearer := req.GetString("bearer_token", "")
	if bearer == "" {
		return "", mcp.NewToolResultError("either session_id or bearer_token is required")
	}
	bearer = strings.TrimPrefix(bearerHeader(bearer), "Bearer ")

	res := s.gateway.ValidateSession(ctx, "", bearer, true)
	if !res.OK {
		return "", resultFail(res)
	}
	return res.Session.ID, nil
}

func opStrings(ops []auth.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}

func (s *Server) handleAuthenticateUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("bearer_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := s.gateway.Authenticate(ctx, bearerHeader(token))
	if !res.OK {
		return resultFail(res), nil
	}

	s.guard.RecordAuthentication(res.Session.ID)
	return ok(payload{
		"session":                  res.Session,
		"user":                     res.Identity,
		"role":                     res.Role,
		"operations":               opStrings(res.Operations),
		"credential_expiring_soon": res.CredentialExpiringSoon,
		"credential_seconds_left":  res.CredentialSecondsLeft,
	}), nil
}

func (s *Server) handleValidateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	bearer := req.GetString("bearer_token", "")
	if bearer != "" {
		bearer = strings.TrimPrefix(bearerHeader(bearer), "Bearer ")
	}
	if sessionID == "" && bearer == "" {
		return mcp.NewToolResultError("either session_id or bearer_token is required"), nil
	}
	requireActive := req.GetBool("require_active", true)

	res := s.gateway.ValidateSession(ctx, sessionID, bearer, requireActive)
	if !res.OK {
		if res.Code == domain.CodeSessionExpired && sessionID != "" {
			s.guard.Forget(sessionID)
		}
		return resultFail(res), nil
	}
	sessionID = res.Session.ID

	if err := s.guard.RecordValidation(sessionID); err != nil {
		// The store knows the session but the guard does not: a restart
		// dropped in-memory guard state. Re-pin it from the session.
		s.guard.RecordAuthentication(sessionID)
	}
	return ok(payload{"session": res.Session, "user": res.Identity}), nil
}

func (s *Server) handleValidateEmail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := req.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	profile, lookupErr := s.directory.Lookup(ctx, email)
	if lookupErr != nil {
		return failErr(lookupErr), nil
	}
	p := payload{"exists": profile.Exists}
	if profile.Exists {
		p["role"] = profile.Role
		p["display_name"] = profile.DisplayName
	}
	return ok(p), nil
}

func (s *Server) handleDetectIntent(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessionID := req.GetString("session_id", "")

	intent := workflow.DetectIntent(message)
	seq := workflow.Sequence(sessionID == "", intent)
	steps := make([]string, len(seq))
	for i, st := range seq {
		steps[i] = string(st)
	}
	p := payload{"intent": string(intent), "required_sequence": steps}
	if sessionID != "" {
		p["cleared_to_execute"] = s.guard.Ready(sessionID, intent) == nil
	}
	return ok(p), nil
}

func (s *Server) handleCheckAuthorization(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	opName, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	op := auth.Operation(strings.ToLower(strings.TrimSpace(opName)))

	res := s.gateway.CheckAuthorization(ctx, sessionID, op)
	if !res.OK {
		return resultFail(res), nil
	}

	s.guard.RecordAuthorization(sessionID, op)
	return ok(payload{
		"operation":  string(op),
		"role":       res.Role,
		"operations": opStrings(res.Operations),
	}), nil
}

func (s *Server) handleGetSessionInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}

	info, infoErr := s.store.Info(ctx, sessionID)
	if infoErr != nil {
		return failErr(infoErr), nil
	}
	return ok(payload{"info": info}), nil
}

func (s *Server) handleGetConversationHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	limit := req.GetInt("limit", 0)
	offset := req.GetInt("offset", 0)

	msgs, total, convErr := s.store.Conversation(ctx, sessionID, limit, offset)
	if convErr != nil {
		return failErr(convErr), nil
	}
	return ok(payload{"messages": msgs, "total": total}), nil
}

func (s *Server) handleRecordMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	role, err := req.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if role != "user" && role != "assistant" {
		return mcp.NewToolResultError("role must be 'user' or 'assistant'"), nil
	}
	metadata, _ := req.GetArguments()["metadata"].(map[string]any)

	msg, appendErr := s.store.AppendMessage(ctx, sessionID, role, content, nil, metadata)
	if appendErr != nil {
		return failErr(appendErr), nil
	}
	if role == "assistant" {
		// The assistant's reply closes the turn; the next one must
		// revalidate before it can execute again.
		s.guard.EndTurn(sessionID)
	}
	return ok(payload{"message": msg}), nil
}

func (s *Server) handleUpdateMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	args := req.GetArguments()

	var upd session.CacheUpdate
	updated := []string{}
	if summary, has := args["summary"].(string); has {
		upd.ConversationSummary = &summary
		updated = append(updated, "summary")
	}
	if prefs, has := args["preferences"].(map[string]any); has && len(prefs) > 0 {
		upd.UserPreferences = prefs
		updated = append(updated, "preferences")
	}
	if len(updated) == 0 {
		return mcp.NewToolResultError("nothing to update; provide summary and/or preferences"), nil
	}
	if err := s.store.UpdateCache(ctx, sessionID, upd); err != nil {
		return failErr(err), nil
	}
	return ok(payload{"updated": updated}), nil
}

func (s *Server) handleClearSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	if clearErr := s.store.ClearConversation(ctx, sessionID); clearErr != nil {
		return failErr(clearErr), nil
	}
	return ok(payload{"cleared": true}), nil
}

func (s *Server) handleUpdateSessionState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	state, has := req.GetArguments()["state"].(map[string]any)
	if !has {
		return mcp.NewToolResultError("state must be an object"), nil
	}
	if stateErr := s.store.SetState(ctx, sessionID, state); stateErr != nil {
		return failErr(stateErr), nil
	}
	return ok(payload{"state": state}), nil
}

func (s *Server) handleGetSessionState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}
	state, stateErr := s.store.GetState(ctx, sessionID)
	if stateErr != nil {
		return failErr(stateErr), nil
	}
	return ok(payload{"state": state}), nil
}

func (s *Server) handleEndSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, failed := s.resolveSessionID(ctx, req)
	if failed != nil {
		return failed, nil
	}

	res := s.gateway.EndSession(ctx, sessionID)
	if !res.OK {
		return resultFail(res), nil
	}
	s.guard.Forget(sessionID)
	return ok(payload{"ended": true}), nil
}

func (s *Server) handleValidateToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("bearer_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	token = strings.TrimPrefix(bearerHeader(token), "Bearer ")

	claims, valErr := s.validator.Validate(ctx, token)
	if valErr != nil {
		return failErr(valErr), nil
	}
	identity, idErr := claims.Identity()
	if idErr != nil {
		return failErr(idErr), nil
	}

	expiringSoon, secondsLeft, _ := s.validator.TimeToExpiry(claims, 0)
	return ok(payload{
		"user":              identity,
		"expiring_soon":     expiringSoon,
		"seconds_to_expiry": secondsLeft,
	}), nil
}

func (s *Server) handleCreateSessionFromToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("bearer_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	token = strings.TrimPrefix(bearerHeader(token), "Bearer ")
	metadata, _ := req.GetArguments()["metadata"].(map[string]any)

	res := s.gateway.CreateSession(ctx, token, metadata)
	if !res.OK {
		return resultFail(res), nil
	}

	s.guard.RecordAuthentication(res.Session.ID)
	return ok(payload{
		"session":                  res.Session,
		"user":                     res.Identity,
		"credential_expiring_soon": res.CredentialExpiringSoon,
		"credential_seconds_left":  res.CredentialSecondsLeft,
	}), nil
}
