// Package redistest holds helpers for tests that run Redis code against
// miniredis, which does not partition keys into cluster slots.
package redistest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

const slotCount = 16384

// Slot returns the cluster hash slot of key, honoring {hash tags}.
func Slot(key string) uint16 {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}
	return crc16(key) % slotCount
}

// crc16 is the CCITT/XMODEM variant Redis Cluster uses.
func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// SlotGuard is a go-redis hook recording every script call and MULTI/EXEC
// block whose keys span more than one slot. A cluster rejects those with
// CROSSSLOT.
type SlotGuard struct {
	mu         sync.Mutex
	violations []string
}

// Guard installs a SlotGuard on client and fails t at cleanup if any
// command crossed slots.
func Guard(t *testing.T, client redis.UniversalClient) *SlotGuard {
	t.Helper()
	g := &SlotGuard{}
	client.AddHook(g)
	t.Cleanup(func() {
		for _, v := range g.Violations() {
			t.Errorf("cross-slot redis call: %s", v)
		}
	})
	return g
}

func (g *SlotGuard) Violations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.violations...)
}

func (g *SlotGuard) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (g *SlotGuard) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "eval", "evalsha", "eval_ro", "evalsha_ro":
			g.check(cmd.Name(), scriptKeys(cmd.Args()))
		}
		return next(ctx, cmd)
	}
}

func (g *SlotGuard) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if len(cmds) > 0 && cmds[0].Name() == "multi" {
			var keys []string
			for _, cmd := range cmds {
				switch cmd.Name() {
				case "multi", "exec":
					continue
				}
				if args := cmd.Args(); len(args) > 1 {
					keys = append(keys, fmt.Sprint(args[1]))
				}
			}
			g.check("multi", keys)
		}
		return next(ctx, cmds)
	}
}

func (g *SlotGuard) check(name string, keys []string) {
	if len(keys) < 2 {
		return
	}
	first := Slot(keys[0])
	for _, k := range keys[1:] {
		if Slot(k) != first {
			g.mu.Lock()
			g.violations = append(g.violations, fmt.Sprintf("%s %v", name, keys))
			g.mu.Unlock()
			return
		}
	}
}

// scriptKeys reads KEYS out of EVAL/EVALSHA args: name, script, numkeys,
// keys...
func scriptKeys(args []interface{}) []string {
	if len(args) < 3 {
		return nil
	}
	n, err := strconv.Atoi(fmt.Sprint(args[2]))
	if err != nil || n <= 0 || len(args) < 3+n {
		return nil
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprint(args[3+i])
	}
	return keys
}
