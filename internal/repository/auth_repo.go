package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/models"
)

var (
	// ErrInvalidCredentials is returned when the email or password does not match.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken is returned when signing up with an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrSessionInvalid is returned for expired, revoked or malformed tokens.
	ErrSessionInvalid = errors.New("session is invalid or expired")
)

const revokedTokenPrefix = "auth:revoked:"

// AuthRepository implements backend.Auth with a users table, bcrypt password
// hashes and HS256 access tokens.
type AuthRepository struct {
	db       *gorm.DB
	redis    *redis.Client
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

var _ backend.Auth = (*AuthRepository)(nil)

// NewAuthRepository constructs the auth adapter. Revoked tokens are tracked in
// Redis when a client is given, in process memory otherwise.
func NewAuthRepository(db *gorm.DB, redisClient *redis.Client, secret string, tokenTTL time.Duration) *AuthRepository {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &AuthRepository{
		db:       db,
		redis:    redisClient,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		now:      time.Now,
		revoked:  make(map[string]time.Time),
	}
}

func (r *AuthRepository) SignUp(ctx context.Context, email, password string) (backend.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var existing int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return backend.Session{}, err
	}
	if existing > 0 {
		return backend.Session{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return backend.Session{}, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{ID: uuid.NewString(), Email: email, PasswordHash: string(hash)}
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return backend.Session{}, ErrEmailTaken
		}
		return backend.Session{}, err
	}

	return r.issue(user)
}

func (r *AuthRepository) SignIn(ctx context.Context, email, password string) (backend.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return backend.Session{}, ErrInvalidCredentials
		}
		return backend.Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return backend.Session{}, ErrInvalidCredentials
	}

	return r.issue(user)
}

func (r *AuthRepository) SignOut(ctx context.Context, accessToken string) error {
	claims, err := r.parse(accessToken)
	if err != nil {
		return err
	}

	ttl := claims.ExpiresAt.Time.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	if r.redis != nil {
		return r.redis.Set(ctx, revokedTokenPrefix+claims.ID, "1", ttl).Err()
	}

	r.mu.Lock()
	r.revoked[claims.ID] = claims.ExpiresAt.Time
	r.mu.Unlock()
	return nil
}

func (r *AuthRepository) Verify(ctx context.Context, accessToken string) (backend.Session, error) {
	claims, err := r.parse(accessToken)
	if err != nil {
		return backend.Session{}, err
	}

	revoked, err := r.isRevoked(ctx, claims.ID)
	if err != nil {
		return backend.Session{}, err
	}
	if revoked {
		return backend.Session{}, ErrSessionInvalid
	}

	return backend.Session{
		AccessToken: accessToken,
		ExpiresAt:   claims.ExpiresAt.Time,
		User:        backend.User{ID: claims.Subject, Email: claims.Email},
	}, nil
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (r *AuthRepository) issue(user models.User) (backend.Session, error) {
	now := r.now()
	expires := now.Add(r.tokenTTL)
	claims := sessionClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return backend.Session{}, fmt.Errorf("sign access token: %w", err)
	}

	return backend.Session{
		AccessToken: token,
		ExpiresAt:   expires,
		User:        backend.User{ID: user.ID, Email: user.Email},
	}, nil
}

func (r *AuthRepository) parse(accessToken string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(accessToken), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil || !token.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}

func (r *AuthRepository) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	if r.redis != nil {
		exists, err := r.redis.Exists(ctx, revokedTokenPrefix+tokenID).Result()
		if err != nil {
			return false, err
		}
		return exists > 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	expires, ok := r.revoked[tokenID]
	if !ok {
		return false, nil
	}
	if r.now().After(expires) {
		delete(r.revoked, tokenID)
		return false, nil
	}
	return true, nil
}
