package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject    = "sub"
	claimOperatorID = "operator_id"
	claimUsername   = "username"
	claimType       = "typ"
	claimIssuedAt   = "iat"
	claimExpiresAt  = "exp"

	operatorTokenType = "operator"
	contextKey        = "user"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// The query lookup lets browser EventSource and WebSocket clients authenticate.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		ContextKey:    contextKey,
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// Identity is the operator a request is authenticated as.
type Identity struct {
	OperatorID string
	Username   string
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if claimString(claims, claimType) != operatorTokenType {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token type")
	}
	return claims, nil
}

// IdentityFromContext extracts the operator identity from JWT claims.
func IdentityFromContext(c echo.Context) (Identity, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		OperatorID: claimString(claims, claimOperatorID),
		Username:   claimString(claims, claimUsername),
	}
	if id.OperatorID == "" {
		id.OperatorID = claimString(claims, claimSubject)
	}
	if id.OperatorID == "" {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "operator id missing")
	}
	return id, nil
}

// OperatorIDFromContext extracts the operator id from JWT claims.
func OperatorIDFromContext(c echo.Context) (string, error) {
	id, err := IdentityFromContext(c)
	if err != nil {
		return "", err
	}
	return id.OperatorID, nil
}

// GenerateToken creates a signed JWT for the operator.
func GenerateToken(id Identity, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(id.OperatorID) == "" {
		return "", time.Time{}, fmt.Errorf("operator id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:    id.OperatorID,
		claimOperatorID: id.OperatorID,
		claimUsername:   id.Username,
		claimType:       operatorTokenType,
		claimIssuedAt:   now.Unix(),
		claimExpiresAt:  expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext issues a new token for the caller keeping the
// lifetime of the presented one, or defaultExpiresIn when it cannot be read.
func RefreshTokenFromContext(c echo.Context, secret string, defaultExpiresIn time.Duration) (string, time.Time, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	id, err := IdentityFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresIn := defaultExpiresIn
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil {
		if lifetime := exp.Sub(iat.Time); lifetime > 0 {
			expiresIn = lifetime
		}
	}
	return GenerateToken(id, secret, expiresIn)
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
