package redistest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSlot(t *testing.T) {
	// values from the Redis Cluster specification
	if got := Slot("123456789"); got != 0x31C3 {
		t.Errorf("Slot(123456789) = %#x, want 0x31c3", got)
	}
	if Slot("{user1000}.following") != Slot("{user1000}.followers") {
		t.Error("hash tag ignored")
	}
	if Slot("foo{}{bar}") != crc16("foo{}{bar}")%slotCount {
		t.Error("empty tag must hash the whole key")
	}
}

func TestGuardFlagsCrossSlotScripts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := &SlotGuard{}
	client.AddHook(g)
	ctx := context.Background()

	script := redis.NewScript(`return redis.call('SET', KEYS[1], '1')`)
	if err := script.Run(ctx, client, []string{"a:{room}:x", "a:{room}:y"}).Err(); err != nil {
		t.Fatal(err)
	}
	if v := g.Violations(); len(v) != 0 {
		t.Fatalf("tagged keys flagged: %v", v)
	}

	if err := script.Run(ctx, client, []string{"events:seq:user:1", "events:log:user:1"}).Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Get(ctx, "events:seq:user:1")
		pipe.Get(ctx, "events:log:user:1")
		return nil
	}); err != nil && err != redis.Nil {
		t.Fatal(err)
	}
	if v := g.Violations(); len(v) < 2 {
		t.Fatalf("violations = %v, want the script and the transaction", v)
	}
}
