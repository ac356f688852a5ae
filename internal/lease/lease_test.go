package lease_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/lease"
)

func openLease(t *testing.T) *lease.Redis {
	t.Helper()
	addr := os.Getenv("WARDEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WARDEN_TEST_REDIS_ADDR not set, skipping integration test")
	}
	// unique prefix per test so runs never collide
	r, err := lease.Dial(context.Background(), lease.Config{
		Addr:   addr,
		Prefix: "warden-test:" + ulid.Make().String() + ":",
	})
	if err != nil {
		t.Fatalf("lease.Dial: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestClaim_Exclusive(t *testing.T) {
	r := openLease(t)
	ctx := context.Background()

	won, err := r.Claim(ctx, "threat-alerts", "a1", "owner-a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = r.Claim(ctx, "threat-alerts", "a1", "owner-b", time.Minute)
	if err != nil || won {
		t.Fatalf("contended claim: won=%v err=%v, want false", won, err)
	}
	won, err = r.Claim(ctx, "threat-alerts", "a1", "owner-a", time.Minute)
	if err != nil || !won {
		t.Fatalf("renewal by holder: won=%v err=%v", won, err)
	}
	won, _ = r.Claim(ctx, "threat-alerts", "a2", "owner-b", time.Minute)
	if !won {
		t.Error("claim on a different finding blocked")
	}
}

func TestRelease_OnlyByHolder(t *testing.T) {
	r := openLease(t)
	ctx := context.Background()

	if _, err := r.Claim(ctx, "threat-alerts", "a1", "owner-a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(ctx, "threat-alerts", "a1", "owner-b"); err != nil {
		t.Fatalf("Release by non-holder: %v", err)
	}
	if won, _ := r.Claim(ctx, "threat-alerts", "a1", "owner-b", time.Minute); won {
		t.Fatal("non-holder release dropped the lease")
	}
	if err := r.Release(ctx, "threat-alerts", "a1", "owner-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if won, _ := r.Claim(ctx, "threat-alerts", "a1", "owner-b", time.Minute); !won {
		t.Error("lease not free after release")
	}
}

func TestClaim_Expires(t *testing.T) {
	r := openLease(t)
	ctx := context.Background()

	if _, err := r.Claim(ctx, "threat-alerts", "a1", "owner-a", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if won, _ := r.Claim(ctx, "threat-alerts", "a1", "owner-b", time.Minute); !won {
		t.Error("expired lease still held")
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	r := openLease(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := r.Claim(ctx, "threat-alerts", "race", ulid.Make().String(), time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Errorf("winners = %d, want 1", n)
	}
}

func TestNew_PanicsOnNilClient(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	lease.New(nil, "")
}
