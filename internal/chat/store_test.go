package chat

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"testing"

	"gtcpd/internal/endpoint"
)

func testStub(port uint16) endpoint.Stub {
	return endpoint.Encode(netip.MustParseAddr("10.0.0.1"), port, 0)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	alice, bob := testStub(1), testStub(2)

	if err := s.Register(ctx, "alice", alice); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	if err := s.Register(ctx, "alice", bob); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("Register duplicate = %v, want ErrUsernameTaken", err)
	}
	if err := s.Register(ctx, "bob", bob); err != nil {
		t.Fatalf("Register bob: %v", err)
	}

	name, err := s.Username(ctx, alice)
	if err != nil || name != "alice" {
		t.Fatalf("Username(alice) = %q, %v", name, err)
	}
	if name, err := s.Username(ctx, testStub(3)); err != nil || name != "" {
		t.Fatalf("Username(unknown) = %q, %v", name, err)
	}

	clients, err := s.Clients(ctx, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("Clients: %v", err)
	}
	if len(clients) != 2 || clients["alice"] != alice || clients["bob"] != bob {
		t.Fatalf("Clients = %v", clients)
	}
}

func TestStoreReRegisterReleasesOldName(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := testStub(1)

	if err := s.Register(ctx, "alice", c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(ctx, "alicia", c); err != nil {
		t.Fatalf("Register rename: %v", err)
	}
	if name, _ := s.Username(ctx, c); name != "alicia" {
		t.Fatalf("Username = %q, want alicia", name)
	}
	if err := s.Register(ctx, "alice", testStub(2)); err != nil {
		t.Fatalf("old name still held: %v", err)
	}
}

func TestStoreRemoveAndReset(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a, b := testStub(1), testStub(2)
	_ = s.Register(ctx, "alice", a)
	_ = s.Register(ctx, "bob", b)

	name, err := s.Remove(ctx, a)
	if err != nil || name != "alice" {
		t.Fatalf("Remove = %q, %v", name, err)
	}
	if name, err := s.Remove(ctx, a); err != nil || name != "" {
		t.Fatalf("second Remove = %q, %v", name, err)
	}
	if err := s.Register(ctx, "alice", testStub(3)); err != nil {
		t.Fatalf("name not released: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	clients, err := s.Clients(ctx, []string{"alice", "bob"})
	if err != nil || len(clients) != 0 {
		t.Fatalf("Clients after Reset = %v, %v", clients, err)
	}
}

func TestStoreSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer first.Close()
	second, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenStore second: %v", err)
	}
	defer second.Close()

	if err := first.Register(ctx, "alice", testStub(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := second.Register(ctx, "alice", testStub(2)); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("Register via second handle = %v, want ErrUsernameTaken", err)
	}
}

func TestOpenStoreRequiresPath(t *testing.T) {
	if _, err := OpenStore(context.Background(), " "); err == nil {
		t.Fatal("OpenStore accepted an empty path")
	}
}
