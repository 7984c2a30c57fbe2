package auth

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"healthchat/internal/config"
	"healthchat/internal/redis"
	"healthchat/internal/storage"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"5551234567", "5551234567", false},
		{"555 123 4567", "5551234567", false},
		{"123456789", "", true},
		{"+1234", "", true},
		{"555-abc-4567", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Errorf("NormalizePhone(%q) err = %v, want ErrInvalidPhone", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q", tc.raw, got, err, tc.want)
		}
	}
}

func TestRequestAndVerifyCode(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	phone, code, err := svc.RequestCode(ctx, "+1 555 000 1111")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if phone != "+15550001111" || len(code) != codeLength {
		t.Fatalf("unexpected phone/code: %q %q", phone, code)
	}

	got, err := svc.VerifyCode(ctx, phone, code)
	if err != nil || got != phone {
		t.Fatalf("VerifyCode failed: phone=%q err=%v", got, err)
	}

	// the code is consumed on success
	if _, err := svc.VerifyCode(ctx, phone, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired after consumption, got %v", err)
	}
}

func TestVerifyCodeWrongCodeAndAttemptLimit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	phone, code, err := svc.RequestCode(ctx, "+15550002222")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}

	for i := 0; i < maxCodeAttempts; i++ {
		if _, err := svc.VerifyCode(ctx, phone, "000000"); !errors.Is(err, ErrCodeMismatch) {
			t.Fatalf("attempt %d: expected ErrCodeMismatch, got %v", i+1, err)
		}
	}
	// attempts exhausted, even the right code is refused
	if _, err := svc.VerifyCode(ctx, phone, code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestRequestCodeReplacesPrevious(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	phone, first, err := svc.RequestCode(ctx, "+15550003333")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	_, second, err := svc.RequestCode(ctx, phone)
	if err != nil {
		t.Fatalf("second RequestCode: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh code on re-request")
	}
	if _, err := svc.VerifyCode(ctx, phone, first); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("old code should no longer verify, got %v", err)
	}
	if _, err := svc.VerifyCode(ctx, phone, second); err != nil {
		t.Fatalf("new code rejected: %v", err)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	phone, code, err := svc.RequestCode(ctx, "+15550004444")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := db.Exec(`UPDATE auth_codes SET expires_at = ? WHERE phone = ?`, past, phone); err != nil {
		t.Fatalf("expire code: %v", err)
	}
	if _, err := svc.VerifyCode(ctx, phone, code); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 1)

	svc := NewService(db, nil, time.Hour)
	token, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}
	userID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || userID != 1 {
		t.Fatalf("ValidateToken failed: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected error after revoke")
	}

	token2, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), 1); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 2)

	svc := NewService(db, nil, 10*time.Millisecond)
	token, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("expected expiration error")
	}
	// ensure token removed
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	insertUser(t, db, 10)

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	raw := cacheClient.Raw()
	if raw == nil {
		t.Fatalf("redis raw client nil")
	}
	key := redisTokenPrefix + token
	got, err := raw.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "10" {
		t.Fatalf("expected user 10 in rdb, got %s", got)
	}

	_, _ = db.Exec(`DELETE FROM user_tokens WHERE token = ?`, token)
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != 10 {
		t.Fatalf("ValidateToken via rdb failed: id=%d err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := raw.Get(ctx, key).Result(); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and rdb delete")
	}
}

func TestCodeLifecycleUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	phone, code, err := svc.RequestCode(ctx, "+15550005555")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	raw := cacheClient.Raw()
	if _, err := raw.Get(ctx, redisCodePrefix+phone).Result(); err != nil {
		t.Fatalf("code hash not in redis: %v", err)
	}
	if _, err := svc.VerifyCode(ctx, phone, "999999"); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := svc.VerifyCode(ctx, phone, code); err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if _, err := raw.Get(ctx, redisCodePrefix+phone).Result(); err == nil {
		t.Fatalf("expected code key deleted after verification")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, phone, created_at) VALUES (?, ?, ?)`,
		id, "+1555"+strconv.FormatInt(1000000+id, 10), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if raw := client.Raw(); raw != nil {
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}
