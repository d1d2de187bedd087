package rest

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ParseRSAPublicKey parses a PEM-encoded RSA public key, as loaded from the
// control_pubkey_path session option, for use with NewRouter.
func ParseRSAPublicKey(pem []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("rest: parse RSA public key: %w", err)
	}
	return key, nil
}
