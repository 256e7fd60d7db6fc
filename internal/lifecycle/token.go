package lifecycle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/flowrelay/relay/pkg/schema"
)

// Claims are the fields bound into a capability token. A token is scoped to
// exactly one execution and the identity captured when it was created.
type Claims struct {
	ExecutionID string `json:"execution_id"`
	Identity    string `json:"identity"`
	IssuedAt    int64  `json:"issued_at"`
}

// TokenIssuer mints and verifies HMAC-SHA256 capability tokens handed to the
// remote execution host. The host presents the token on every callback; a
// token never grants access beyond its own execution.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer from the signing secret.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "token signing secret is required")
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Mint issues a token for one execution and identity.
func (ti *TokenIssuer) Mint(executionID, identity string) (string, error) {
	claims := Claims{
		ExecutionID: executionID,
		Identity:    identity,
		IssuedAt:    time.Now().UTC().Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "encode token claims").WithCause(err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + ti.sign(body), nil
}

// Verify checks the token signature and returns its claims.
func (ti *TokenIssuer) Verify(token string) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "malformed capability token")
	}
	if !hmac.Equal([]byte(ti.sign(body)), []byte(sig)) {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "capability token signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "malformed capability token").WithCause(err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "malformed capability token").WithCause(err)
	}
	return &claims, nil
}

// VerifyFor verifies the token and additionally binds it to executionID.
// A valid token for a different execution is rejected.
func (ti *TokenIssuer) VerifyFor(token, executionID string) (*Claims, error) {
	claims, err := ti.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.ExecutionID != executionID {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "capability token is scoped to a different execution")
	}
	return claims, nil
}

func (ti *TokenIssuer) sign(body string) string {
	mac := hmac.New(sha256.New, ti.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
