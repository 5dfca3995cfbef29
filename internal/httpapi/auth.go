package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminAudience    = "relaymeet"
	ScopeSharesWrite = "shares:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// adminClaims identify an operator allowed to mint share links. MeetingID,
// when present, pins the token to one meeting.
type adminClaims struct {
	MeetingID string   `json:"meeting_id,omitempty"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c adminClaims) hasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func authorizeAdmin(authHeader, secret, meetingID, requiredScope string, now time.Time) (adminClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return adminClaims{}, err
	}
	if claims.MeetingID != "" && meetingID != "" && claims.MeetingID != meetingID {
		return adminClaims{}, forbidden("meeting mismatch")
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return adminClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (adminClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return adminClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims adminClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return adminClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return adminClaims{}, unauthorized("jwt signature mismatch")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return adminClaims{}, unauthorized("invalid aud claim")
	default:
		return adminClaims{}, unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return adminClaims{}, unauthorized("missing sub claim")
	}
	if len(claims.Scopes) == 0 {
		return adminClaims{}, forbidden("no scopes granted")
	}
	return claims, nil
}

// SignAdminToken issues an HS256 token accepted by the share endpoint. An
// empty meetingID allows any meeting.
func SignAdminToken(secret, subject, meetingID string, scopes []string, expiresAt time.Time) (string, error) {
	if secret == "" || subject == "" {
		return "", errors.New("secret and subject are required")
	}
	claims := adminClaims{
		MeetingID: meetingID,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{adminAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
