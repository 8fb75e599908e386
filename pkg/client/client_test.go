package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"CatMap/internal/auth"
	"CatMap/internal/category"
	"CatMap/pkg/client"
)

const (
	testSecret = "client-test-secret-client-test-secret"
	adminEmail = "admin@example.com"
	adminPass  = "password123"
)

// newServiceTS runs a full in-process category service backed by the
// seeded memory store, counting descendant requests so tests can watch
// revalidation.
func newServiceTS(t *testing.T, descendantHits *atomic.Int64) *httptest.Server {
	t.Helper()

	store := category.NewMemStore()
	store.SeedDemo()

	users := auth.NewMemStore()
	if _, err := auth.Bootstrap(context.Background(), users, adminEmail, adminPass); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	maker := auth.NewTokenMaker(testSecret)
	authSrv := &auth.Server{Log: zap.NewNop(), Store: users, JWT: maker}

	s := &category.Server{
		Store: store,
		Cache: category.NewDescendantCache(store, store, nil),
		Admin: auth.RequireRole(maker, auth.RoleAdmin),
		Log:   zap.NewNop(),
	}

	var h http.Handler = category.NewHandler(s, category.HTTPDeps{
		Log:        zap.NewNop(),
		Service:    "category",
		AuthRoutes: authSrv.Routes(),
	})

	if descendantHits != nil {
		inner := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/descendants") {
				descendantHits.Add(1)
			}
			inner.ServeHTTP(w, r)
		})
	}

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_LoginAndMutate(t *testing.T) {
	ts := newServiceTS(t, nil)
	c := client.New(ts.URL)
	ctx := context.Background()

	if err := c.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	// Mutations without a token are refused.
	if _, err := c.Create(ctx, client.NewCategory{Name: "Shoes"}); !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("create without token: err=%v want ErrUnauthorized", err)
	}

	tok, err := c.Login(ctx, adminEmail, adminPass, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token")
	}

	created, err := c.Create(ctx, client.NewCategory{Name: "Shoes", IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ParentID != 1 || created.Path == "" {
		t.Fatalf("created=%+v", created)
	}

	name := "Footwear"
	updated, err := c.Update(ctx, created.ID, client.UpdateCategory{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name {
		t.Fatalf("name=%q want=%q", updated.Name, name)
	}

	removed, err := c.Delete(ctx, created.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 1 || removed[0] != created.ID {
		t.Fatalf("removed=%v", removed)
	}

	if _, err := c.Category(ctx, created.ID); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("get deleted: err=%v want ErrNotFound", err)
	}
}

func TestClient_DescendantsRevalidates(t *testing.T) {
	var hits atomic.Int64
	ts := newServiceTS(t, &hits)
	c := client.New(ts.URL)
	ctx := context.Background()

	first, err := c.Descendants(ctx, 1)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if first.Count == 0 {
		t.Fatal("expected seeded descendants")
	}

	// Second fetch revalidates with If-None-Match; the server answers
	// 304 and the client serves its cached body.
	second, err := c.Descendants(ctx, 1)
	if err != nil {
		t.Fatalf("descendants again: %v", err)
	}
	if second.Count != first.Count {
		t.Fatalf("count=%d want=%d", second.Count, first.Count)
	}
	if hits.Load() != 2 {
		t.Fatalf("descendant requests=%d want=2", hits.Load())
	}
}

func TestClient_UnknownCategory(t *testing.T) {
	ts := newServiceTS(t, nil)
	c := client.New(ts.URL)

	if _, err := c.Descendants(context.Background(), 9999); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestClient_Unavailable(t *testing.T) {
	c := client.New("http://127.0.0.1:1")

	if err := c.Ready(context.Background()); !errors.Is(err, client.ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
}
