package auth

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Roles understood by the API. Source systems submit records, reviewers work
// the queue, operators may merge and split clusters directly.
const (
	RoleSource   = "source"
	RoleReviewer = "reviewer"
	RoleOperator = "operator"
)

type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Credential is one API principal. Secrets are stored bcrypt-hashed; the
// plaintext never persists.
type Credential struct {
	UserID     string
	Username   string
	SecretHash string
	Roles      []string
}

type Service interface {
	Authenticate(ctx context.Context, username, secret string) (string, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

type service struct {
	signingKey  []byte
	tokenTTL    time.Duration
	credentials map[string]Credential
}

// NewService builds the token service. Signing key comes from MPI_JWT_SECRET;
// credentials are provisioned by the deployment.
func NewService(credentials []Credential) (Service, error) {
	secret := os.Getenv("MPI_JWT_SECRET")
	if secret == "" {
		return nil, errors.New("MPI_JWT_SECRET is required")
	}

	byName := make(map[string]Credential, len(credentials))
	for _, c := range credentials {
		byName[c.Username] = c
	}

	return &service{
		signingKey:  []byte(secret),
		tokenTTL:    8 * time.Hour,
		credentials: byName,
	}, nil
}

func (s *service) Authenticate(_ context.Context, username, secret string) (string, error) {
	cred, ok := s.credentials[username]
	if !ok {
		// Burn a comparison anyway so unknown usernames cost the same as
		// wrong secrets.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGJCGOO0zM4ZJpzromrUnNkkNA1L7tOq"), []byte(secret))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := &Claims{
		UserID:   cred.UserID,
		Username: cred.Username,
		Roles:    cred.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			Subject:   cred.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *service) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashSecret is used by provisioning tools to prepare credential hashes.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
