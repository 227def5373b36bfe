package cache

import (
	"errors"
	"testing"
)

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := New[string, int](2, func(k string, _ int) { evicted = append(evicted, k) })

	create := func(v int) func() (int, error) {
		return func() (int, error) { return v, nil }
	}
	if _, err := c.GetOrCreate("a", create(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCreate("b", create(2)); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}
	if _, err := c.GetOrCreate("c", create(3)); err != nil {
		t.Fatal(err)
	}

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b still cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	st := c.Stats()
	if st.Evictions != 1 || st.Hits != 1 || st.Misses != 4 || st.Capacity != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestCache_GetOrCreateHit(t *testing.T) {
	c := New[int, string](0, nil)
	calls := 0
	create := func() (string, error) {
		calls++
		return "x", nil
	}
	for range 3 {
		v, err := c.GetOrCreate(7, create)
		if err != nil || v != "x" {
			t.Fatalf("GetOrCreate = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestCache_CreateError(t *testing.T) {
	c := New[int, int](4, nil)
	boom := errors.New("boom")
	if _, err := c.GetOrCreate(1, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("GetOrCreate = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed create was cached")
	}
}

func TestCache_Clear(t *testing.T) {
	released := map[int]bool{}
	c := New[int, int](0, func(k, _ int) { released[k] = true })
	for i := range 5 {
		if _, err := c.GetOrCreate(i, func() (int, error) { return i, nil }); err != nil {
			t.Fatal(err)
		}
	}
	c.Clear()
	if len(released) != 5 || c.Len() != 0 {
		t.Errorf("Clear released %d entries, %d left", len(released), c.Len())
	}
	if c.order.len != 0 || c.order.head != nil || c.order.tail != nil {
		t.Error("LRU list not empty after Clear")
	}
}

func TestLRUList_Order(t *testing.T) {
	var l lruList[int]
	n1 := l.PushFront(1)
	l.PushFront(2)
	l.PushFront(3)
	l.MoveToFront(n1)

	var got []int
	for {
		k, ok := l.RemoveOldest()
		if !ok {
			break
		}
		got = append(got, k)
	}
	want := []int{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if l.len != 0 {
		t.Errorf("len = %d after draining", l.len)
	}
}
