package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"healthchat/internal/redis"
)

const (
	redisTokenPrefix   = "auth:token:"
	redisCodePrefix    = "auth:code:"
	redisAttemptPrefix = "auth:code:attempts:"

	codeLength      = 6
	defaultCodeTTL  = 5 * time.Minute
	maxCodeAttempts = 5
	minPhoneDigits  = 10
)

// Validation failures surfaced to handlers.
var (
	ErrInvalidPhone    = errors.New("phone must contain at least 10 digits")
	ErrCodeMismatch    = errors.New("invalid verification code")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many verification attempts")
)

// Service issues one-time login codes and bearer tokens.
// Codes live in redis when available, with the database as fallback;
// tokens are persisted in the database and cached in redis.
type Service struct {
	db             *sql.DB
	rdb            *redis.Client
	tokenTTL       time.Duration
	codeTTL        time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
func NewService(db *sql.DB, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		rdb:            rdb,
		tokenTTL:       ttl,
		codeTTL:        defaultCodeTTL,
		cookieName:     "hc_auth_token",
		headerName:     "Authorization",
		csrfCookieName: "hc_csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// NormalizePhone strips formatting characters and validates digit count.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// formatting only
		default:
			return "", ErrInvalidPhone
		}
	}
	phone := b.String()
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < minPhoneDigits {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// RequestCode mints a fresh one-time code for the phone and stores its hash
// with a TTL. The plain code is returned so the caller can hand it to the
// delivery collaborator; a repeated request replaces the previous code.
func (s *Service) RequestCode(ctx context.Context, rawPhone string) (string, string, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return "", "", err
	}

	code, err := generateCode()
	if err != nil {
		return "", "", err
	}
	hash := hashCode(code)
	now := time.Now().UTC()
	expires := now.Add(s.codeTTL)

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, redisCodePrefix+phone, hash, s.codeTTL); err == nil {
			_ = s.rdb.Del(ctx, redisAttemptPrefix+phone)
			return phone, code, nil
		}
		// fall through to database on redis failure
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (phone, code_hash, attempts, created_at, expires_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET code_hash = excluded.code_hash, attempts = 0,
		 created_at = excluded.created_at, expires_at = excluded.expires_at`,
		phone, hash, now, expires,
	)
	if err != nil {
		return "", "", fmt.Errorf("store auth code: %w", err)
	}
	return phone, code, nil
}

// VerifyCode checks the submitted code against the stored hash, enforcing
// the attempt limit. On success the code is consumed and the normalized
// phone returned; account lookup and token issuance stay with the caller.
func (s *Service) VerifyCode(ctx context.Context, rawPhone, code string) (string, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return "", err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrCodeMismatch
	}

	if s.rdb != nil {
		if hash, err := s.rdb.Get(ctx, redisCodePrefix+phone); err == nil {
			return phone, s.verifyAgainstRedis(ctx, phone, hash, code)
		} else if errors.Is(err, redis.ErrCacheMiss) {
			// no code in redis, check the database fallback below
		}
	}

	var hash string
	var attempts int
	var expires time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT code_hash, attempts, expires_at FROM auth_codes WHERE phone = ?`, phone,
	).Scan(&hash, &attempts, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCodeExpired
		}
		return "", fmt.Errorf("lookup auth code: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE phone = ?`, phone)
		return "", ErrCodeExpired
	}
	if attempts >= maxCodeAttempts {
		return "", ErrTooManyAttempts
	}
	if !codeMatches(hash, code) {
		_, _ = s.db.ExecContext(ctx, `UPDATE auth_codes SET attempts = attempts + 1 WHERE phone = ?`, phone)
		return "", ErrCodeMismatch
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE phone = ?`, phone)
	return phone, nil
}

func (s *Service) verifyAgainstRedis(ctx context.Context, phone, hash, code string) error {
	attemptKey := redisAttemptPrefix + phone
	attempts, err := s.rdb.Incr(ctx, attemptKey)
	if err == nil && attempts == 1 {
		_ = s.rdb.Expire(ctx, attemptKey, s.codeTTL)
	}
	if attempts > maxCodeAttempts {
		return ErrTooManyAttempts
	}
	if !codeMatches(hash, code) {
		return ErrCodeMismatch
	}
	_ = s.rdb.Del(ctx, redisCodePrefix+phone, attemptKey)
	return nil
}

// IssueToken mints a new random bearer token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			if s.rdb != nil {
				_ = s.rdb.Set(ctx, redisTokenPrefix+token, userID, s.tokenTTL)
			}
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, errors.New("token required")
	}
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, redisTokenPrefix+authToken); err == nil {
			var userID int64
			if _, err := fmt.Sscan(cached, &userID); err == nil && userID > 0 {
				return userID, nil
			}
		}
	}
	var userID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("invalid token")
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		if s.rdb != nil {
			_ = s.rdb.Del(ctx, redisTokenPrefix+authToken)
		}
		return 0, errors.New("token expired")
	}
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.rdb != nil {
		_ = s.rdb.Del(ctx, redisTokenPrefix+authToken)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	if s.rdb != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
		if err == nil {
			var keys []string
			for rows.Next() {
				var token string
				if err := rows.Scan(&token); err == nil {
					keys = append(keys, redisTokenPrefix+token)
				}
			}
			rows.Close()
			_ = s.rdb.Del(ctx, keys...)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func codeMatches(storedHash, code string) bool {
	submitted := hashCode(code)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(submitted)) == 1
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// CodeTTL reports the one-time code lifetime.
func (s *Service) CodeTTL() time.Duration {
	return s.codeTTL
}
