package engine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestResourcePool_AcquireRelease(t *testing.T) {
	pool := NewResourcePool([]int{11434, 11435, 11436})

	if pool.Size() != 3 || pool.Available() != 3 {
		t.Fatalf("Expected 3 available tokens, got size=%d available=%d", pool.Size(), pool.Available())
	}

	first, ok := pool.Acquire()
	if !ok {
		t.Fatal("Expected to acquire a token")
	}
	if first.Port != 11434 {
		t.Errorf("Expected first port 11434, got %d", first.Port)
	}

	second, _ := pool.Acquire()
	third, _ := pool.Acquire()
	if _, ok := pool.Acquire(); ok {
		t.Error("Expected exhausted pool to refuse a fourth token")
	}
	if pool.InUse() != 3 {
		t.Errorf("Expected 3 in use, got %d", pool.InUse())
	}

	for _, tok := range []*PoolToken{first, second, third} {
		if err := pool.Release(tok); err != nil {
			t.Errorf("Unexpected release error: %v", err)
		}
	}
	if pool.Available() != 3 {
		t.Errorf("Expected all tokens back, got %d", pool.Available())
	}
}

func TestResourcePool_RejectsDoubleAndForeignRelease(t *testing.T) {
	pool := NewResourcePool([]int{1})
	other := NewResourcePool([]int{1})

	tok, _ := pool.Acquire()
	if err := pool.Release(tok); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err := pool.Release(tok)
	if !HasCode(err, ErrCodeTokenNotHeld) {
		t.Errorf("Expected TOKEN_NOT_HELD on double release, got %v", err)
	}

	foreign, _ := other.Acquire()
	if err := pool.Release(foreign); !HasCode(err, ErrCodeTokenNotHeld) {
		t.Errorf("Expected TOKEN_NOT_HELD for foreign token, got %v", err)
	}
	if err := pool.Release(nil); err == nil {
		t.Error("Expected error releasing nil token")
	}
	if pool.Available() != 1 {
		t.Errorf("Expected pool unchanged by rejected releases, got %d available", pool.Available())
	}
}

func TestResourcePool_EmptyPool(t *testing.T) {
	pool := NewResourcePool(nil)
	if _, ok := pool.Acquire(); ok {
		t.Error("Expected empty pool to refuse tokens")
	}
}

// TestResourcePool_Properties checks that no sequence of operations lets the
// outstanding token count exceed the pool size.
func TestResourcePool_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("outstanding tokens never exceed size", prop.ForAll(
		func(size int, ops []bool) bool {
			ports := make([]int, size)
			for i := range ports {
				ports[i] = 8000 + i
			}
			pool := NewResourcePool(ports)
			var held []*PoolToken

			for _, acquire := range ops {
				if acquire {
					tok, ok := pool.Acquire()
					if ok {
						held = append(held, tok)
					} else if len(held) != size {
						return false
					}
				} else if len(held) > 0 {
					if err := pool.Release(held[0]); err != nil {
						return false
					}
					held = held[1:]
				}

				if pool.InUse() > pool.Size() || pool.InUse() != len(held) {
					return false
				}
				if pool.InUse()+pool.Available() != pool.Size() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("held tokens are distinct", prop.ForAll(
		func(size int) bool {
			ports := make([]int, size)
			for i := range ports {
				ports[i] = 9000 + i
			}
			pool := NewResourcePool(ports)
			seen := make(map[int]bool)
			for {
				tok, ok := pool.Acquire()
				if !ok {
					break
				}
				if seen[tok.Port] {
					return false
				}
				seen[tok.Port] = true
			}
			return len(seen) == size
		},
		gen.IntRange(0, 16),
	))

	properties.TestingRun(t)
}
