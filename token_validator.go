package identity

import (
	"context"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// SnapshotValidator checks a cached snapshot before the controller restores
// it in degraded mode, without tying callers to a specific scheme.
type SnapshotValidator interface {
	Validate(ctx context.Context, snapshot *CachedIdentitySnapshot) error
}

// SnapshotValidatorFunc adapts a function into a SnapshotValidator.
type SnapshotValidatorFunc func(ctx context.Context, snapshot *CachedIdentitySnapshot) error

// Validate satisfies the SnapshotValidator interface.
func (f SnapshotValidatorFunc) Validate(ctx context.Context, snapshot *CachedIdentitySnapshot) error {
	if f == nil {
		return nil
	}
	return f(ctx, snapshot)
}

// JWKSSnapshotValidator verifies the snapshot's access token signature
// against the identity backend's JWKS. Expiry claims are not enforced: a
// snapshot can legitimately outlive its token while the 24h TTL holds, and
// the degraded path exists precisely because the backend is unreachable for
// a refresh. Only the signature and the subject binding are checked.
type JWKSSnapshotValidator struct {
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	logger Logger
}

var _ SnapshotValidator = (*JWKSSnapshotValidator)(nil)

// NewJWKSSnapshotValidator fetches the JWKS from jwksURL.
func NewJWKSSnapshotValidator(jwksURL string) (*JWKSSnapshotValidator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "unable to fetch backend JWKS")
	}
	return NewJWKSSnapshotValidatorFromKeys(jwks), nil
}

// NewJWKSSnapshotValidatorFromKeys wraps an already-initialized key set.
func NewJWKSSnapshotValidatorFromKeys(jwks *keyfunc.JWKS) *JWKSSnapshotValidator {
	return &JWKSSnapshotValidator{
		jwks:   jwks,
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
		logger: defLogger{},
	}
}

func (v *JWKSSnapshotValidator) WithLogger(logger Logger) *JWKSSnapshotValidator {
	if logger != nil {
		v.logger = logger
	}
	return v
}

// Validate checks the access token signature and that the token subject
// matches the snapshot's resolved identity.
func (v *JWKSSnapshotValidator) Validate(_ context.Context, snapshot *CachedIdentitySnapshot) error {
	if snapshot == nil || snapshot.Session == nil {
		return goerrors.New("snapshot carries no session", goerrors.CategoryBadInput)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(snapshot.Session.AccessToken, claims, v.jwks.Keyfunc)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryAuth, "snapshot token signature invalid")
	}

	if !token.Valid {
		return goerrors.New("snapshot token rejected", goerrors.CategoryAuth)
	}

	if snapshot.Identity != nil && claims.Subject != snapshot.Identity.ID.String() {
		return goerrors.New("snapshot token subject mismatch", goerrors.CategoryAuth)
	}

	return nil
}
