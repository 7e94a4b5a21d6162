package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the fixed aud claim App Store Connect expects.
const Audience = "appstoreconnect-v1"

// DefaultTTL is how long an issued credential stays valid.
const DefaultTTL = 600 * time.Second

// clockSkew backdates iat so a slightly fast remote clock still accepts the token.
const clockSkew = 60 * time.Second

// ErrSigning is returned when the key material cannot be parsed or used.
var ErrSigning = errors.New("failed to sign credential")

// Credential is a signed bearer token plus the claims it was minted with.
type Credential struct {
	Token     string
	IssuerID  string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SecondsRemaining returns seconds until the credential expires, negative once
// it has.
func (c Credential) SecondsRemaining(now time.Time) int {
	return int(c.ExpiresAt.Sub(now).Seconds())
}

// Issuer mints ES256 credentials for one API key.
type Issuer struct {
	issuerID string
	keyID    string
	key      *ecdsa.PrivateKey
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer parses privateKeyPEM (PKCS#8 or SEC 1) once. A ttl of zero means
// DefaultTTL.
func NewIssuer(issuerID, keyID, privateKeyPEM string, ttl time.Duration) (*Issuer, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", ErrSigning, err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		issuerID: issuerID,
		keyID:    keyID,
		key:      key,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue mints a fresh credential.
func (i *Issuer) Issue() (Credential, error) {
	now := i.now().Truncate(time.Second)
	issuedAt := now.Add(-clockSkew)
	expiresAt := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": i.issuerID,
		"aud": Audience,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
	})
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return Credential{
		Token:     signed,
		IssuerID:  i.issuerID,
		KeyID:     i.keyID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Issue is a one-shot helper for callers that only need a single credential.
func Issue(issuerID, keyID, privateKeyPEM string, ttl time.Duration) (Credential, error) {
	issuer, err := NewIssuer(issuerID, keyID, privateKeyPEM, ttl)
	if err != nil {
		return Credential{}, err
	}
	return issuer.Issue()
}
