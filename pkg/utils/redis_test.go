package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLockScriptsCompile(t *testing.T) {
	if lockReleaseScript == nil || lockExtendScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestLockArgsValidated(t *testing.T) {
	ctx := context.Background()
	if _, err := TryLock(ctx, nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := Unlock(ctx, nil, "k", "t"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := ExtendLock(ctx, nil, "", "t", time.Second); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestLockLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer rdb.Close()

	ok, err := TryLock(ctx, rdb, "lock:client-1", "owner-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, got %v %v", ok, err)
	}
	if ok, _ := TryLock(ctx, rdb, "lock:client-1", "owner-b", time.Second); ok {
		t.Fatalf("second owner must not take a held lock")
	}

	// A foreign token can neither extend nor release.
	if ok, _ := ExtendLock(ctx, rdb, "lock:client-1", "owner-b", time.Minute); ok {
		t.Fatalf("foreign extend must fail")
	}
	if err := Unlock(ctx, rdb, "lock:client-1", "owner-b"); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if !mr.Exists("lock:client-1") {
		t.Fatalf("foreign unlock released the lock")
	}

	if ok, err := ExtendLock(ctx, rdb, "lock:client-1", "owner-a", time.Minute); err != nil || !ok {
		t.Fatalf("owner extend failed: %v %v", ok, err)
	}
	if err := Unlock(ctx, rdb, "lock:client-1", "owner-a"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := TryLock(ctx, rdb, "lock:client-1", "owner-b", time.Second); !ok {
		t.Fatalf("lock must be free after release")
	}
}

func TestLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	if ok, _ := TryLock(ctx, rdb, "lock:client-2", "owner-a", time.Second); !ok {
		t.Fatalf("expected lock")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := TryLock(ctx, rdb, "lock:client-2", "owner-b", time.Second); !ok {
		t.Fatalf("expected expired lock to be free")
	}
}
