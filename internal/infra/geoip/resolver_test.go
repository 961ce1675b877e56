package geoip

import (
	"errors"
	"testing"
)

type fixedResolver string

func (f fixedResolver) CountryCode(string) (string, error) { return string(f), nil }

func TestNewResolverWithoutPath(t *testing.T) {
	res, err := NewResolver("  ")
	if err != nil || res != nil {
		t.Fatalf("expected nil resolver without error, got %v %v", res, err)
	}
	if LookupFunc(res) != nil {
		t.Fatalf("expected nil lookup for nil resolver")
	}
}

func TestLookupFuncDelegates(t *testing.T) {
	lookup := LookupFunc(fixedResolver("KG"))
	got, err := lookup("203.0.113.4")
	if err != nil || got != "KG" {
		t.Fatalf("unexpected lookup result %q %v", got, err)
	}
}

func TestUninitialisedResolver(t *testing.T) {
	var r *Resolver
	if _, err := r.CountryCode("203.0.113.4"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close on nil resolver: %v", err)
	}
}
