package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
	"github.com/recordwise/regent/internal/records"
)

// SessionStore is the slice of the session layer the gateway drives.
type SessionStore interface {
	Create(ctx context.Context, id domain.Identity, encryptedCredential string, metadata map[string]any) (*domain.Session, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	GetByUser(ctx context.Context, userID string) (*domain.Session, error)
	Touch(ctx context.Context, sessionID string) error
	SetStatus(ctx context.Context, sessionID string, status domain.Status) error
	Invalidate(ctx context.Context, sessionID string) error
}

// Directory resolves a verified identity to its records-system profile.
type Directory interface {
	Lookup(ctx context.Context, email string) (records.Profile, error)
}

// Result is the outcome of a gateway operation. Gateways report failures
// through the result, not through Go errors: the caller is an agent tool
// surface that always needs a structured answer.
type Result struct {
	OK       bool
	Code     domain.Code
	Message  string
	NextStep string

	Session    *domain.Session
	Identity   domain.Identity
	Role       string
	Operations []Operation

	// CredentialExpiringSoon is set when the verified credential expires
	// within the gateway's expiry buffer.
	CredentialExpiringSoon bool
	CredentialSecondsLeft  int
}

func fail(err error) Result {
	r := Result{OK: false, Code: domain.CodeOf(err), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		r.Message = de.Message
		r.NextStep = de.NextStep
	}
	if r.Code == "" {
		r.Code = domain.CodeInvalidCredential
	}
	return r
}

// Gateway runs the authentication journey: bearer extraction, credential
// validation, directory lookup, and session establishment.
type Gateway struct {
	validator *Validator
	vault     *Vault
	policy    *Policy
	directory Directory
	sessions  SessionStore
	audit     *logging.Audit
	log       *logging.Logger
	buffer    time.Duration
	now       func() time.Time
}

// NewGateway wires the authentication journey together.
func NewGateway(v *Validator, vault *Vault, p *Policy, dir Directory, sessions SessionStore, audit *logging.Audit, log *logging.Logger) *Gateway {
	return &Gateway{
		validator: v,
		vault:     vault,
		policy:    p,
		directory: dir,
		sessions:  sessions,
		audit:     audit,
		log:       log.Sub("gateway"),
		buffer:    DefaultExpiryBuffer,
		now:       time.Now,
	}
}

// SetExpiryBuffer overrides the window within which a credential is
// reported as expiring soon.
func (g *Gateway) SetExpiryBuffer(d time.Duration) {
	g.buffer = d
}

// ExtractBearer pulls the token out of an Authorization header value,
// distinguishing a missing header, a wrong scheme, and a malformed value.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", domain.E(domain.CodeMissingCredential, "no authorization header provided").
			WithNext("authenticate and retry with a bearer credential")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found {
		return "", domain.E(domain.CodeMalformedCredential, "authorization header has no credential")
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return "", domain.E(domain.CodeMalformedCredential, "authorization scheme must be Bearer")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.E(domain.CodeMalformedCredential, "bearer credential is empty")
	}
	if strings.ContainsAny(token, " \t") {
		return "", domain.E(domain.CodeMalformedCredential, "authorization header must be exactly scheme and credential")
	}
	return token, nil
}

// Authenticate runs the full journey for a raw Authorization header value.
// One active session per user: a caller who already holds one gets it back
// instead of a second session.
func (g *Gateway) Authenticate(ctx context.Context, authorizationHeader string) Result {
	journey := g.audit.StartJourney("")

	token, err := ExtractBearer(authorizationHeader)
	if err != nil {
		g.audit.Step(journey, "extract_bearer", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	g.audit.Step(journey, "extract_bearer", true, "")

	claims, err := g.validator.Validate(ctx, token)
	if err != nil {
		g.audit.Step(journey, "validate_credential", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	identity, err := claims.Identity()
	if err != nil {
		g.audit.Step(journey, "validate_credential", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	g.audit.Step(journey, "validate_credential", true, identity.UserID)

	if identity.Email == "" {
		err := domain.E(domain.CodeInvalidCredential, "credential carries no email claim")
		g.audit.Step(journey, "directory_lookup", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	profile, err := g.directory.Lookup(ctx, identity.Email)
	if err != nil {
		g.audit.Step(journey, "directory_lookup", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	if !profile.Exists {
		err := domain.E(domain.CodeNotAuthorized, "user is not registered in the records system").
			WithNext("contact a records administrator to be provisioned")
		g.audit.Step(journey, "directory_lookup", false, identity.Email)
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	if profile.DisplayName != "" {
		identity.Name = profile.DisplayName
	}
	g.audit.Step(journey, "directory_lookup", true, profile.Role)

	sess, err := g.establishSession(ctx, identity, token)
	if err != nil {
		g.audit.Step(journey, "establish_session", false, err.Error())
		g.audit.EndJourney(journey, false)
		return fail(err)
	}
	g.audit.Step(journey, "establish_session", true, sess.ID)
	g.audit.EndJourney(journey, true)

	expiringSoon, secondsLeft, _ := g.validator.TimeToExpiry(claims, g.buffer)
	redacted := sess.Redacted()
	return Result{
		OK:                     true,
		Session:                &redacted,
		Identity:               identity,
		Role:                   profile.Role,
		Operations:             g.policy.Operations(profile.Role),
		CredentialExpiringSoon: expiringSoon,
		CredentialSecondsLeft:  secondsLeft,
	}
}

// establishSession reuses the caller's live session or creates one with the
// credential sealed in the vault.
func (g *Gateway) establishSession(ctx context.Context, identity domain.Identity, token string) (*domain.Session, error) {
	existing, err := g.sessions.GetByUser(ctx, identity.UserID)
	if err == nil && existing != nil && existing.Status == domain.StatusActive && !existing.ExpiredAt(g.now()) {
		if err := g.sessions.Touch(ctx, existing.ID); err != nil {
			return nil, err
		}
		return existing, nil
	}

	sealed, err := g.vault.Encrypt(token)
	if err != nil {
		return nil, err
	}
	return g.sessions.Create(ctx, identity, sealed, nil)
}

// ValidateSession checks a session's liveness. A session past its expiry is
// moved to expired before the failure is reported; a live one is touched.
// requireActive rejects a session the sweeper has marked idle; without it an
// idle session validates and is brought back to active. When a bearer
// credential accompanies the call, its subject must match the session's
// owner.
func (g *Gateway) ValidateSession(ctx context.Context, sessionID, bearer string, requireActive bool) Result {
	var sess *domain.Session
	var err error
	if sessionID != "" {
		sess, err = g.sessions.Get(ctx, sessionID)
	} else {
		// No session id given: fall back to resolving the caller's live
		// session through the credential's subject.
		if bearer == "" {
			return fail(domain.E(domain.CodeMissingCredential, "no session id or credential provided").
				WithNext("provide a session_id or a bearer credential"))
		}
		claims, valErr := g.validator.Validate(ctx, bearer)
		if valErr != nil {
			return fail(valErr)
		}
		sub, subErr := claims.Subject()
		if subErr != nil {
			return fail(subErr)
		}
		sess, err = g.sessions.GetByUser(ctx, sub)
	}
	if err != nil {
		return fail(err)
	}

	if sess.Status == domain.StatusExpired {
		return fail(domain.E(domain.CodeSessionExpired, "session has expired").
			WithNext("authenticate again to open a new session"))
	}
	if sess.ExpiredAt(g.now()) {
		if err := g.sessions.SetStatus(ctx, sess.ID, domain.StatusExpired); err != nil {
			g.log.Warn().Str("session_id", sess.ID).Err(err).Msg("failed to expire session")
		}
		return fail(domain.E(domain.CodeSessionExpired, "session has expired").
			WithNext("authenticate again to open a new session"))
	}
	if sess.Status != domain.StatusActive {
		if requireActive {
			return fail(domain.E(domain.CodeSessionInactive, "session is not active").
				WithNext("authenticate again to resume"))
		}
		// Expired was already ruled out above, so this is an idle session
		// and the non-strict caller wants it revived.
		if err := g.sessions.SetStatus(ctx, sess.ID, domain.StatusActive); err != nil {
			return fail(err)
		}
		sess.Status = domain.StatusActive
	}

	if bearer != "" {
		claims, err := g.validator.Validate(ctx, bearer)
		if err != nil {
			return fail(err)
		}
		sub, err := claims.Subject()
		if err != nil {
			return fail(err)
		}
		if sub != sess.UserID {
			g.audit.Denied("", sub, "", "session_access")
			return fail(domain.E(domain.CodeInvalidCredential, "credential subject does not match session owner"))
		}
	}

	if err := g.sessions.Touch(ctx, sess.ID); err != nil {
		return fail(err)
	}
	redacted := sess.Redacted()
	return Result{OK: true, Session: &redacted, Identity: domain.Identity{UserID: sess.UserID, Email: sess.Email, Name: sess.Name}}
}

// CreateSession opens a session directly from a verified credential,
// skipping the directory lookup. Intended for provisioning and testing
// flows where the caller vouches for registration. metadata is attached
// to the session verbatim.
func (g *Gateway) CreateSession(ctx context.Context, bearer string, metadata map[string]any) Result {
	claims, err := g.validator.Validate(ctx, bearer)
	if err != nil {
		return fail(err)
	}
	identity, err := claims.Identity()
	if err != nil {
		return fail(err)
	}
	sealed, err := g.vault.Encrypt(bearer)
	if err != nil {
		return fail(err)
	}
	sess, err := g.sessions.Create(ctx, identity, sealed, metadata)
	if err != nil {
		return fail(err)
	}

	expiringSoon, secondsLeft, _ := g.validator.TimeToExpiry(claims, g.buffer)
	redacted := sess.Redacted()
	return Result{
		OK:                     true,
		Session:                &redacted,
		Identity:               identity,
		CredentialExpiringSoon: expiringSoon,
		CredentialSecondsLeft:  secondsLeft,
	}
}

// CheckAuthorization validates the session, resolves the owner's role, and
// asks the policy whether the operation is allowed.
func (g *Gateway) CheckAuthorization(ctx context.Context, sessionID string, op Operation) Result {
	res := g.ValidateSession(ctx, sessionID, "", true)
	if !res.OK {
		return res
	}
	profile, err := g.directory.Lookup(ctx, res.Session.Email)
	if err != nil {
		return fail(err)
	}
	if !g.policy.Allowed(profile.Role, op) {
		g.audit.Denied("", res.Session.UserID, profile.Role, string(op))
		return fail(domain.E(domain.CodeNotAuthorized, "role does not permit this operation").
			WithNext("ask for an operation your role permits, or request access"))
	}
	res.Role = profile.Role
	res.Operations = g.policy.Operations(profile.Role)
	return res
}

// EndSession invalidates the session, releasing its sealed credential.
func (g *Gateway) EndSession(ctx context.Context, sessionID string) Result {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	if err := g.sessions.Invalidate(ctx, sess.ID); err != nil {
		return fail(err)
	}
	return Result{OK: true}
}
