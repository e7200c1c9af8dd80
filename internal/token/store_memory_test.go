package token

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "helpdesk-service/internal/pkg/errors"
)

func TestMemoryStoreForgetsDeadFamilies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	family := func(id, subject string, created time.Time, ttl time.Duration) *Family {
		return &Family{ID: id, Subject: subject, Nonce: "n", CreatedAt: created, RotatedAt: created, ExpiresAt: created.Add(ttl)}
	}

	for _, f := range []*Family{
		family("f1", "42", t0, time.Hour),
		family("f2", "42", t0, 48*time.Hour),
		family("f3", "7", t0, time.Minute),
	} {
		if err := store.Create(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	if ok, err := store.Revoke(ctx, "f2", "logout"); err != nil || !ok {
		t.Fatalf("revoke: %v %v", ok, err)
	}
	ids, _ := store.FamiliesOf(ctx, "42")
	if len(ids) != 1 || ids[0] != "f1" {
		t.Fatalf("families of 42 after revoke = %v", ids)
	}
	if f, err := store.Get(ctx, "f2"); err != nil || !f.Revoked {
		t.Fatalf("revoked family must stay readable until expiry: %+v %v", f, err)
	}

	// f1 and f3 expired before f4 was created; f2 is revoked but not expired
	if err := store.Create(ctx, family("f4", "42", t0.Add(2*time.Hour), time.Hour)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"f1", "f3"} {
		if _, err := store.Get(ctx, id); !errors.Is(err, xerrors.ErrNotFound) {
			t.Errorf("%s: got %v, want ErrNotFound", id, err)
		}
	}
	if _, err := store.Get(ctx, "f2"); err != nil {
		t.Errorf("f2 pruned early: %v", err)
	}
	ids, _ = store.FamiliesOf(ctx, "42")
	if len(ids) != 1 || ids[0] != "f4" {
		t.Errorf("families of 42 = %v", ids)
	}
	if _, ok := store.subjects["7"]; ok || len(store.subjects) != 1 {
		t.Errorf("subject index = %v", store.subjects)
	}
}
