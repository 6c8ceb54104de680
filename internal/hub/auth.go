package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingWorkerID is returned for tokens without a workerId claim
var ErrMissingWorkerID = errors.New("token has no workerId claim")

// JWTService verifies worker tokens and mints them for provisioning
type JWTService struct {
	secretKey []byte
	issuer    string
}

// WorkerClaims represents the claims in a worker token
type WorkerClaims struct {
	jwt.RegisteredClaims
	WorkerID string `json:"workerId"`
	Role     string `json:"role,omitempty"`
}

// Token roles
const (
	RoleWorker   = "worker"
	RoleOperator = "operator"
)

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, issuer string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// GenerateToken signs a token for workerID valid for ttl
func (j *JWTService) GenerateToken(workerID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &WorkerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		WorkerID: workerID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken validates a token and returns its claims. Expiry and
// not-before are enforced by the parser.
func (j *JWTService) ValidateToken(tokenString string) (*WorkerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &WorkerClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*WorkerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.WorkerID == "" {
		return nil, ErrMissingWorkerID
	}

	return claims, nil
}

// RequireOperator is a middleware that requires an operator token
func (j *JWTService) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if claims.Role != RoleOperator {
			http.Error(w, "Operator token required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
