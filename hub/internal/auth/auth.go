// Package auth validates the credentials peers present in their auth frame.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrExpired      = errors.New("credential expired")
)

// Identity is what a validated credential resolves to.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin" or "user"
	AgentID  string // set for agent credentials; binds the token to one agent id
}

// Validator resolves a bearer credential to an identity. Implementations
// return ErrUnauthorized or ErrExpired (possibly wrapped) on rejection.
type Validator interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims represents the JWT token claims issued to browsers.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type staticAgentToken struct {
	userID  string
	agentID string
	hash    []byte
}

// Service is the builtin validator. It accepts HS256 browser JWTs,
// time-limited HMAC agent tokens and bcrypt-hashed static agent tokens.
type Service struct {
	jwtSecret          []byte
	jwtExpiry          time.Duration
	agentTokenSecret   string
	agentTokenLifetime time.Duration
	agentTokens        []staticAgentToken
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig) *Service {
	tokens := make([]staticAgentToken, 0, len(cfg.AgentTokens))
	for _, e := range cfg.AgentTokens {
		tokens = append(tokens, staticAgentToken{userID: e.UserID, agentID: e.AgentID, hash: []byte(e.TokenHash)})
	}
	return &Service{
		jwtSecret:          []byte(cfg.JWTSecret),
		jwtExpiry:          cfg.JWTExpiry.Duration,
		agentTokenSecret:   cfg.AgentTokenSecret,
		agentTokenLifetime: cfg.AgentTokenLifetime.Duration,
		agentTokens:        tokens,
	}
}

// Verify implements Validator.
func (s *Service) Verify(ctx context.Context, token string) (*Identity, error) {
	switch {
	case token == "":
		return nil, ErrUnauthorized
	case looksLikeJWT(token):
		if len(s.jwtSecret) == 0 {
			return nil, ErrUnauthorized
		}
		return s.verifyJWT(token)
	case strings.Count(token, ":") == 3 && s.agentTokenSecret != "":
		return s.verifyAgentToken(token)
	default:
		return s.verifyStatic(token)
	}
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2 && !strings.Contains(token, ":")
}

// IssueToken signs a browser JWT for userID.
func (s *Service) IssueToken(userID, username, role string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if role == "" {
		role = "user"
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) verifyJWT(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}

// AgentTokenLifetime returns the lifetime for generated agent tokens.
func (s *Service) AgentTokenLifetime() time.Duration {
	return s.agentTokenLifetime
}

// GenerateAgentToken creates a time-limited HMAC token for one agent of a user.
// Token format: {userID}:{agentID}:{timestamp}:{hmac-sha256(userID:agentID:timestamp, secret)}
func (s *Service) GenerateAgentToken(userID, agentID string) (string, error) {
	if s.agentTokenSecret == "" {
		return "", errors.New("agent token secret not configured")
	}
	if strings.Contains(userID, ":") || strings.Contains(agentID, ":") {
		return "", errors.New("user and agent ids must not contain ':'")
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return userID + ":" + agentID + ":" + ts + ":" + s.sign(userID, agentID, ts), nil
}

func (s *Service) sign(userID, agentID, ts string) string {
	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(userID + ":" + agentID + ":" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) verifyAgentToken(token string) (*Identity, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return nil, ErrUnauthorized
	}
	userID, agentID, tsStr, sig := parts[0], parts[1], parts[2], parts[3]
	if userID == "" || agentID == "" {
		return nil, ErrUnauthorized
	}

	if !hmac.Equal([]byte(sig), []byte(s.sign(userID, agentID, tsStr))) {
		return nil, ErrUnauthorized
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, ErrUnauthorized
	}
	age := time.Since(time.Unix(ts, 0))
	if age > s.agentTokenLifetime {
		return nil, ErrExpired
	}
	if age < -1*time.Minute {
		return nil, fmt.Errorf("%w: token from the future", ErrUnauthorized)
	}

	return &Identity{UserID: userID, Username: agentID, Role: "user", AgentID: agentID}, nil
}

func (s *Service) verifyStatic(token string) (*Identity, error) {
	for _, e := range s.agentTokens {
		if bcrypt.CompareHashAndPassword(e.hash, []byte(token)) == nil {
			return &Identity{UserID: e.userID, Username: e.agentID, Role: "user", AgentID: e.agentID}, nil
		}
	}
	return nil, ErrUnauthorized
}

// NewStaticToken returns a random agent token and the bcrypt hash to put in
// auth.agent_tokens.
func NewStaticToken() (token, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = "rat_" + hex.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return token, string(h), nil
}
