package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/memohai/concierge/internal/config"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisDeduper(rdb, ttl), mr
}

func TestClaimIsFirstWriterWins(t *testing.T) {
	t.Parallel()
	d, mr := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	first, err := d.Claim(ctx, "whatsapp", "wamid.1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !first {
		t.Fatal("first claim reported duplicate")
	}
	again, err := d.Claim(ctx, "whatsapp", "wamid.1")
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if again {
		t.Fatal("second claim was not suppressed")
	}
	other, _ := d.Claim(ctx, "relay", "wamid.1")
	if !other {
		t.Fatal("claims must be scoped per channel")
	}

	key := "concierge:inbound:whatsapp:wamid.1"
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL on %q, got %v", key, ttl)
	}
}

func TestClaimExpires(t *testing.T) {
	t.Parallel()
	d, mr := newTestDeduper(t, time.Second)
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "whatsapp", "wamid.2"); !ok {
		t.Fatal("first claim reported duplicate")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := d.Claim(ctx, "whatsapp", "wamid.2"); !ok {
		t.Fatal("claim did not expire")
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	t.Parallel()
	d, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	_, _ = d.Claim(ctx, "whatsapp", "wamid.3")
	if err := d.Release(ctx, "whatsapp", "wamid.3"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := d.Claim(ctx, "whatsapp", "wamid.3"); !ok {
		t.Fatal("released message still suppressed")
	}
}

func TestClaimFailsWhenRedisDown(t *testing.T) {
	t.Parallel()
	d, mr := newTestDeduper(t, time.Minute)
	mr.Close()
	if _, err := d.Claim(context.Background(), "whatsapp", "wamid.4"); err == nil {
		t.Fatal("expected error with redis down")
	}
}

func TestNewClientPings(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	_ = rdb.Close()
}
