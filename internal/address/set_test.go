package address

import (
	"reflect"
	"testing"
)

func addrs(hostPorts ...string) []ServerAddress {
	out := make([]ServerAddress, 0, len(hostPorts))
	for _, hp := range hostPorts {
		a, err := Parse(hp)
		if err != nil {
			panic(err)
		}
		out = append(out, a)
	}
	return out
}

func TestAddressSetDeduplicatesPreservingOrder(t *testing.T) {
	s := NewAddressSet(addrs("a:1", "b:1", "a:1", "c:1")...)
	got := s.ToArray()
	want := addrs("a:1", "b:1", "c:1")
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ToArray() = %v, want %v", got, want)
	}
}

func TestAddressSetUpdateReplacesWholeSet(t *testing.T) {
	s := NewAddressSet(addrs("a:1", "b:1")...)
	s.Update(addrs("c:1"))
	if s.Contains(addrs("a:1")[0]) {
		t.Fatal("old member should be gone after Update")
	}
	if !s.Contains(addrs("c:1")[0]) {
		t.Fatal("new member missing after Update")
	}
}

func TestAddressSetRemove(t *testing.T) {
	s := NewAddressSet(addrs("a:1", "b:1", "c:1")...)
	if !s.Remove(addrs("b:1")[0]) {
		t.Fatal("Remove should report true for present member")
	}
	if s.Remove(addrs("b:1")[0]) {
		t.Fatal("Remove should report false for already-absent member")
	}
	want := addrs("a:1", "c:1")
	if !reflect.DeepEqual(s.ToArray(), want) {
		t.Fatalf("ToArray() = %v, want %v", s.ToArray(), want)
	}
}

func TestEmptySetIsEmpty(t *testing.T) {
	s := NewAddressSet()
	if !s.IsEmpty() || s.Size() != 0 {
		t.Fatal("fresh empty set should report empty")
	}
}
