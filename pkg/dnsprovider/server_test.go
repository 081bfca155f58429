package dnsprovider

import (
	"context"
	"testing"
)

func TestUpsertThenLookup(t *testing.T) {
	s := NewServer(Config{EdgeDomain: "apps.example.com"})

	if err := s.Upsert(context.Background(), "acme", "", "10.0.0.5:22"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	ip, ok := s.zone.lookup(fqdn("acme.apps.example.com"))
	if !ok {
		t.Fatal("expected a record for acme.apps.example.com")
	}
	if ip.String() != "10.0.0.5" {
		t.Errorf("got ip %v, want 10.0.0.5", ip)
	}

	previewIP, ok := s.zone.lookup(fqdn("preview-acme.apps.example.com"))
	if !ok {
		t.Fatal("expected a record for preview-acme.apps.example.com")
	}
	if previewIP.String() != "10.0.0.5" {
		t.Errorf("got preview ip %v, want 10.0.0.5", previewIP)
	}
}

func TestUpsertRejectsUnresolvableAddress(t *testing.T) {
	s := NewServer(Config{EdgeDomain: "apps.example.com"})
	err := s.Upsert(context.Background(), "acme", "", "not a host")
	if err == nil {
		t.Fatal("expected an error for an unresolvable worker address")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewServer(Config{EdgeDomain: "apps.example.com"})

	if err := s.Delete(context.Background(), "never-existed", ""); err != nil {
		t.Fatalf("Delete() on a missing record should not error, got %v", err)
	}

	if err := s.Upsert(context.Background(), "acme", "", "10.0.0.5:22"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Delete(context.Background(), "acme", ""); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(context.Background(), "acme", ""); err != nil {
		t.Fatalf("second Delete() should still not error, got %v", err)
	}

	if _, ok := s.zone.lookup(fqdn("acme.apps.example.com")); ok {
		t.Error("record should have been removed")
	}
}

func TestQualifyWithoutEdgeDomain(t *testing.T) {
	s := NewServer(Config{})
	if got := s.qualify("acme"); got != "acme." {
		t.Errorf("qualify() = %q, want %q", got, "acme.")
	}
}

func TestAddrToIPAcceptsBareIP(t *testing.T) {
	ip := addrToIP("10.0.0.9")
	if ip == nil || ip.String() != "10.0.0.9" {
		t.Errorf("addrToIP(bare IP) = %v, want 10.0.0.9", ip)
	}
}

func TestPreviewNameDefaultsWhenEmpty(t *testing.T) {
	if got := previewName("acme"); got != "preview-acme" {
		t.Errorf("previewName() = %q, want %q", got, "preview-acme")
	}
}
