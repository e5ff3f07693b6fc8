package converge

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies connection tokens and extracts the client
// identity. tokens are HS256 JWTs carrying a `client_id` claim.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
	}
}

// Verify checks the signature and expiry and returns the client id.
func (self *Authenticator) Verify(token string) (Id, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method %s.", t.Method.Alg())
		}
		return self.secret, nil
	})
	if err != nil {
		return Id{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Id{}, fmt.Errorf("Malformed claims.")
	}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("Missing client_id claim.")
	}
	clientId, err := ParseId(clientIdStr)
	if err != nil {
		return Id{}, err
	}
	return clientId, nil
}

// Mint signs a token for a client, used by the cli and by tests.
func (self *Authenticator) Mint(clientId Id, duration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"client_id": clientId.String(),
		"iat":       now.Unix(),
		"exp":       now.Add(duration).Unix(),
	})
	return token.SignedString(self.secret)
}
