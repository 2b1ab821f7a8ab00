package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/Resinat/clusterdrv/internal/address"
)

func TestResolveExpandsToMultipleAddresses(t *testing.T) {
	d := NewDNSWithLookup(func(ctx context.Context, host string) ([]string, error) {
		if host != "router.example.com" {
			t.Fatalf("unexpected host %q", host)
		}
		return []string{"10.0.0.1", "10.0.0.2"}, nil
	})

	got, err := d.Resolve(context.Background(), address.New("router.example.com", "7687"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 || got[0].Port != "7687" {
		t.Fatalf("got %v", got)
	}
}

func TestResolvePropagatesLookupError(t *testing.T) {
	d := NewDNSWithLookup(func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	})
	_, err := d.Resolve(context.Background(), address.New("bad.invalid", "7687"))
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestResolveEmptyResultIsNotAnError(t *testing.T) {
	d := NewDNSWithLookup(func(ctx context.Context, host string) ([]string, error) {
		return nil, nil
	})
	got, err := d.Resolve(context.Background(), address.New("empty.example.com", "7687"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}
