package token

import "testing"

func TestSlabInsertGetRemove(t *testing.T) {
	s := NewSlab[string](4)

	tok, ok := s.Insert("a")
	if !ok {
		t.Fatal("insert should succeed below capacity")
	}
	if got, ok := s.Get(tok); !ok || got != "a" {
		t.Fatalf("Get(%d) = %q, %v; want \"a\", true", tok, got, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", s.Len())
	}
}

func TestSlabCapacity(t *testing.T) {
	s := NewSlab[int](2)
	if _, ok := s.Insert(1); !ok {
		t.Fatal("first insert should succeed")
	}
	if _, ok := s.Insert(2); !ok {
		t.Fatal("second insert should succeed")
	}
	if _, ok := s.Insert(3); ok {
		t.Fatal("third insert should fail: slab is at capacity")
	}
}

func TestSlabTokenNotReusedUntilRemoved(t *testing.T) {
	s := NewSlab[int](2)
	tokA, _ := s.Insert(1)
	tokB, _ := s.Insert(2)
	if tokA == tokB {
		t.Fatalf("distinct live entries must not share a token")
	}

	// Slab is full; no token is handed out again until a Remove happens.
	if _, ok := s.Insert(3); ok {
		t.Fatal("insert into a full slab must fail")
	}

	if _, ok := s.Remove(tokA); !ok {
		t.Fatal("remove of a live token must succeed")
	}
	tokC, ok := s.Insert(3)
	if !ok {
		t.Fatal("insert after a remove must succeed")
	}
	if tokC != tokA {
		t.Fatalf("freed slot should be recycled: got token %d, want %d", tokC, tokA)
	}

	if _, ok := s.Remove(tokC); !ok {
		t.Fatal("remove of the recycled token must succeed")
	}
	if _, ok := s.Remove(tokC); ok {
		t.Fatal("removing an already-removed token must fail")
	}
}

func TestSlabGetPtrMutatesInPlace(t *testing.T) {
	type holder struct{ n int }
	s := NewSlab[*holder](1)
	tok, _ := s.Insert(&holder{n: 1})

	p := s.GetPtr(tok)
	if p == nil {
		t.Fatal("GetPtr on a live token must not return nil")
	}
	(*p).n = 2

	got, _ := s.Get(tok)
	if got.n != 2 {
		t.Fatalf("mutation through GetPtr did not persist: got %d, want 2", got.n)
	}
}

func TestSlabEachVisitsOnlyLiveEntries(t *testing.T) {
	s := NewSlab[string](3)
	tokA, _ := s.Insert("a")
	_, _ = s.Insert("b")
	s.Remove(tokA)

	seen := make(map[Token]string)
	s.Each(func(tok Token, v string) { seen[tok] = v })

	if len(seen) != 1 {
		t.Fatalf("Each visited %d entries; want 1 (removed entries must be skipped)", len(seen))
	}
}

func TestSlabContainsOutOfRange(t *testing.T) {
	s := NewSlab[int](1)
	if s.Contains(Token(5)) {
		t.Fatal("Contains on an out-of-range token must be false")
	}
	if s.Contains(Token(-1)) {
		t.Fatal("Contains on a negative token must be false")
	}
}
