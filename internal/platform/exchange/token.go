package exchange

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionClaims identify this facility to the exchange. lic carries the
// provider license.
type assertionClaims struct {
	License string `json:"lic"`
	jwt.RegisteredClaims
}

const assertionLifetime = 5 * time.Minute

func signAssertion(secret []byte, issuer, subject, audience, license string, now time.Time) (string, error) {
	claims := assertionClaims{
		License: license,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
