package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lazypower/forgettable/internal/engine"
	"github.com/lazypower/forgettable/internal/server"
	"github.com/lazypower/forgettable/internal/store"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	ts := httptest.NewServer(server.New(engine.New(s), "test"))
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if err := c.Increment(ctx, "colors", 3, "red"); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if err := c.Increment(ctx, "colors", 1, "blue"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	dist, err := c.Distribution(ctx, "colors")
	if err != nil {
		t.Fatalf("Distribution: %v", err)
	}
	want := []engine.Probability{{Bin: "red", Probability: 0.75}, {Bin: "blue", Probability: 0.25}}
	if diff := cmp.Diff(want, dist, cmpopts.EquateApprox(0, 0.01)); diff != "" {
		t.Errorf("Distribution mismatch (-want +got):\n%s", diff)
	}

	top, err := c.MostProbable(ctx, "colors", 1)
	if err != nil {
		t.Fatalf("MostProbable: %v", err)
	}
	if len(top) != 1 || top[0].Bin != "red" {
		t.Errorf("MostProbable = %+v", top)
	}

	p, err := c.Bin(ctx, "colors", "blue")
	if err != nil {
		t.Fatalf("Bin: %v", err)
	}
	if p.Bin != "blue" {
		t.Errorf("Bin = %+v", p)
	}

	if !c.Healthy(ctx) {
		t.Error("Healthy = false")
	}
}

func TestErrorsMapToSentinels(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.Distribution(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Distribution err = %v, want ErrNotFound", err)
	}
	if err := c.Increment(ctx, "k", 1, "a"); err != nil {
		t.Fatal(err)
	}
	_, err := c.Bin(ctx, "k", "zzz")
	if !errors.Is(err, engine.ErrBinNotFound) {
		t.Errorf("Bin err = %v, want ErrBinNotFound", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("Bin err = %v, want *StatusError 404", err)
	}
	if err := c.Increment(ctx, "", 1, "a"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Errorf("Increment err = %v, want ErrInvalidInput", err)
	}
}

func TestEnvURL(t *testing.T) {
	t.Setenv("FORGETTABLE_URL", "http://example.test:9000/")
	c := New("")
	if c.serverURL != "http://example.test:9000" {
		t.Errorf("serverURL = %q", c.serverURL)
	}

	t.Setenv("FORGETTABLE_URL", "")
	if c := New(""); c.serverURL != defaultServerURL {
		t.Errorf("serverURL = %q, want default", c.serverURL)
	}
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if c.Healthy(context.Background()) {
		t.Error("Healthy = true for closed port")
	}
	if _, err := c.Distribution(context.Background(), "k"); err == nil {
		t.Error("expected transport error")
	}
}
