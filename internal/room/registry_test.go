package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

func newTestRegistry() *Registry {
	st := store.NewMemoryStore()
	tokens := hosttoken.NewManager("test-secret", time.Hour)
	return NewRegistry(st, time.Hour, tokens, nil)
}

func TestCreateRoomCodeUnique(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		info, err := r.Create(ctx)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[info.RoomID] {
			t.Fatalf("duplicate room code %s", info.RoomID)
		}
		seen[info.RoomID] = true
		if len(info.RoomID) != codeLength {
			t.Fatalf("room code %q has wrong length", info.RoomID)
		}
		for _, c := range info.RoomID {
			found := false
			for _, a := range codeAlphabet {
				if a == c {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("room code %q uses excluded character %q", info.RoomID, c)
			}
		}
	}
}

func TestJoinNicknameUniqueness(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	info, err := r.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := r.Join(ctx, info.RoomID, "alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := r.Join(ctx, info.RoomID, "alice"); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestJoinConcurrentNicknameUniqueness(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	info, err := r.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	successes := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Join(ctx, info.RoomID, "dup")
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range successes {
		if s {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly 1 successful join with duplicate nickname, got %d", ok)
	}

	final, err := r.Info(ctx, info.RoomID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(final.Players) != 1 {
		t.Fatalf("expected 1 player in roster, got %d", len(final.Players))
	}
}

func TestJoinNotFound(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.Join(ctx, "ZZZZ", "alice"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected notFound, got %v", err)
	}
}

func TestAssignRandomTeamsFairness(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	info, _ := r.Create(ctx)
	for i := 0; i < 9; i++ {
		if _, err := r.Join(ctx, info.RoomID, string(rune('a'+i))); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if err := r.AssignRandomTeams(ctx, info.RoomID, 2); err != nil {
		t.Fatalf("assign: %v", err)
	}

	final, _ := r.Info(ctx, info.RoomID)
	counts := map[string]int{}
	for _, p := range final.Players {
		if p.Team == "" {
			t.Fatalf("player %s has no team", p.DeviceID)
		}
		counts[p.Team]++
	}
	for _, c := range counts {
		if c != 4 && c != 5 {
			t.Fatalf("unbalanced team size %d", c)
		}
	}
}

func TestSelectTeamRejectsFullBucket(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	info, _ := r.Create(ctx)
	p1, _ := r.Join(ctx, info.RoomID, "p1")
	p2, _ := r.Join(ctx, info.RoomID, "p2")
	p3, _ := r.Join(ctx, info.RoomID, "p3")

	// n=3, k=2 -> ceiling 2 per bucket.
	if err := r.SelectTeam(ctx, info.RoomID, p1.DeviceID, "A", 2); err != nil {
		t.Fatalf("select 1: %v", err)
	}
	if err := r.SelectTeam(ctx, info.RoomID, p2.DeviceID, "A", 2); err != nil {
		t.Fatalf("select 2: %v", err)
	}
	if err := r.SelectTeam(ctx, info.RoomID, p3.DeviceID, "A", 2); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict on full bucket, got %v", err)
	}
}
