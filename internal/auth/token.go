package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mikrovm/internal/model"
)

// AccessClaims identifies an authenticated tenant on API requests. The
// username travels in the registered subject claim.
type AccessClaims struct {
	UserID int    `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Username returns the subject the token was issued for.
func (c *AccessClaims) Username() string {
	return c.Subject
}

var (
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
)

// Init configures token signing. Must be called before IssueToken or
// VerifyToken.
func Init(secret, iss string, ttlMinutes int) {
	signingKey = []byte(secret)
	issuer = iss
	tokenTTL = time.Duration(ttlMinutes) * time.Minute
}

// IssueToken signs an HS256 access token for the user and returns it with
// its expiry time.
func IssueToken(u *model.User) (string, time.Time, error) {
	if len(signingKey) == 0 {
		return "", time.Time{}, fmt.Errorf("token signing not initialized")
	}

	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	claims := AccessClaims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// VerifyToken validates a token and returns its claims. Errors from the jwt
// library pass through unwrapped so callers can distinguish expiry from
// tampering.
func VerifyToken(tokenString string) (*AccessClaims, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token signing not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
