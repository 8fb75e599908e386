package category_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap"

	"CatMap/internal/category"
)

type recordingBus struct {
	mu     sync.Mutex
	resets [][]int64
	alls   int
}

func (b *recordingBus) Reset(_ context.Context, ids ...int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, append([]int64(nil), ids...))
	return nil
}

func (b *recordingBus) ResetAll(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alls++
	return nil
}

func (b *recordingBus) lastReset() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.resets) == 0 {
		return nil
	}
	return b.resets[len(b.resets)-1]
}

func testAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newCategoryTS(t *testing.T, bus *recordingBus) *httptest.Server {
	t.Helper()

	store := category.NewMemStore()
	store.SeedDemo()

	s := &category.Server{
		Store: store,
		Cache: category.NewDescendantCache(store, store, nil),
		Admin: testAdmin,
		Log:   zap.NewNop(),
	}
	if bus != nil {
		s.Bus = bus
	}

	h := category.NewHandler(s, category.HTTPDeps{
		Log:     zap.NewNop(),
		Service: "category",
	})

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, c *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

var adminHdr = map[string]string{"Authorization": "Bearer test-admin"}

func TestCategoryAPI_PublicReads(t *testing.T) {
	ts := newCategoryTS(t, nil)
	c := &http.Client{}

	{
		resp, raw := doJSON(t, c, http.MethodGet, ts.URL+"/categories", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status=%d body=%s", resp.StatusCode, raw)
		}
		var cats []category.Category
		if err := json.Unmarshal(raw, &cats); err != nil {
			t.Fatalf("decode list: %v body=%s", err, raw)
		}
		if len(cats) != 6 || cats[0].ID != category.RootID {
			t.Fatalf("list=%+v", cats)
		}
	}

	{
		resp, raw := doJSON(t, c, http.MethodGet, ts.URL+"/categories/2", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status=%d body=%s", resp.StatusCode, raw)
		}
		var got category.Category
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v body=%s", err, raw)
		}
		if got.Name != "Electronics" || got.Path != "1/2" {
			t.Fatalf("got=%+v", got)
		}
	}

	{
		resp, raw := doJSON(t, c, http.MethodGet, ts.URL+"/categories/2/children", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("children status=%d body=%s", resp.StatusCode, raw)
		}
		var kids []category.Category
		if err := json.Unmarshal(raw, &kids); err != nil {
			t.Fatalf("decode children: %v body=%s", err, raw)
		}
		if len(kids) != 2 || kids[0].ID != 5 || kids[1].ID != 6 {
			t.Fatalf("children=%+v", kids)
		}
	}

	{
		resp, _ := doJSON(t, c, http.MethodGet, ts.URL+"/categories/99", nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("missing id status=%d", resp.StatusCode)
		}
	}

	{
		resp, _ := doJSON(t, c, http.MethodGet, ts.URL+"/categories/abc", nil, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("bad id status=%d", resp.StatusCode)
		}
	}
}

func getDescendants(t *testing.T, c *http.Client, url string, headers map[string]string) (*http.Response, descendantsBody) {
	t.Helper()

	resp, raw := doJSON(t, c, http.MethodGet, url, nil, headers)
	var body descendantsBody
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode descendants: %v body=%s", err, raw)
		}
	}
	return resp, body
}

type descendantsBody struct {
	ID            int64   `json:"id"`
	DescendantIDs []int64 `json:"descendant_ids"`
	Count         int     `json:"count"`
}

func TestCategoryAPI_Descendants_ETagRevalidation(t *testing.T) {
	ts := newCategoryTS(t, nil)
	c := &http.Client{}

	resp, body := getDescendants(t, c, ts.URL+"/categories/2/descendants", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	wantIDs(t, body.DescendantIDs, 2, 5, 6)
	if body.Count != 3 {
		t.Fatalf("count=%d", body.Count)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("no ETag header")
	}

	resp2, _ := getDescendants(t, c, ts.URL+"/categories/2/descendants", map[string]string{"If-None-Match": etag})
	if resp2.StatusCode != http.StatusNotModified {
		t.Fatalf("revalidation status=%d want=304", resp2.StatusCode)
	}

	resp3, _ := getDescendants(t, c, ts.URL+"/categories/2/descendants", map[string]string{"If-None-Match": `"stale"`})
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("stale etag status=%d want=200", resp3.StatusCode)
	}

	// A mutation changes the id set, so the old validator stops matching.
	respC, rawC := doJSON(t, c, http.MethodPost, ts.URL+"/categories", map[string]any{
		"parent_id": 2, "name": "Tablets", "position": 3, "is_active": true,
	}, adminHdr)
	if respC.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", respC.StatusCode, rawC)
	}

	resp4, body4 := getDescendants(t, c, ts.URL+"/categories/2/descendants", map[string]string{"If-None-Match": etag})
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("post-mutation status=%d want=200", resp4.StatusCode)
	}
	if len(body4.DescendantIDs) != 4 {
		t.Fatalf("descendants=%v want 4 ids", body4.DescendantIDs)
	}
}

func TestCategoryAPI_Descendants_KeyProbe(t *testing.T) {
	ts := newCategoryTS(t, nil)
	c := &http.Client{}

	resp, body := getDescendants(t, c, ts.URL+"/categories/2/descendants?key=0", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	wantIDs(t, body.DescendantIDs, 2, 5, 6)

	resp2, body2 := getDescendants(t, c, ts.URL+"/categories/2/descendants?key=7", nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp2.StatusCode)
	}
	if len(body2.DescendantIDs) != 0 || body2.Count != 0 {
		t.Fatalf("out-of-range key body=%+v", body2)
	}

	resp3, _ := doJSON(t, c, http.MethodGet, ts.URL+"/categories/2/descendants?key=zz", nil, nil)
	if resp3.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad key status=%d", resp3.StatusCode)
	}
}

func TestCategoryAPI_AdminGuard(t *testing.T) {
	ts := newCategoryTS(t, nil)
	c := &http.Client{}

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/categories"},
		{http.MethodPatch, "/categories/2"},
		{http.MethodDelete, "/categories/2"},
		{http.MethodPost, "/cache/reset"},
		{http.MethodPost, "/cache/reset/2"},
	} {
		resp, _ := doJSON(t, c, tc.method, ts.URL+tc.path, map[string]any{"name": "x"}, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s status=%d want=401", tc.method, tc.path, resp.StatusCode)
		}
	}

	// Reads stay public.
	resp, _ := doJSON(t, c, http.MethodGet, ts.URL+"/categories/2/descendants", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public read status=%d", resp.StatusCode)
	}
}

func TestCategoryAPI_NoAdminConfigured_FailsClosed(t *testing.T) {
	store := category.NewMemStore()
	s := &category.Server{
		Store: store,
		Cache: category.NewDescendantCache(store, store, nil),
		Log:   zap.NewNop(),
	}
	ts := httptest.NewServer(category.NewHandler(s, category.HTTPDeps{Log: zap.NewNop(), Service: "category"}))
	t.Cleanup(ts.Close)

	c := &http.Client{}
	resp, _ := doJSON(t, c, http.MethodPost, ts.URL+"/cache/reset", nil, adminHdr)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d want=401", resp.StatusCode)
	}
}

func TestCategoryAPI_MutationsInvalidate(t *testing.T) {
	bus := &recordingBus{}
	ts := newCategoryTS(t, bus)
	c := &http.Client{}

	// Prime the cache for the subtree and the root.
	if resp, _ := getDescendants(t, c, ts.URL+"/categories/2/descendants", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("prime status=%d", resp.StatusCode)
	}

	var created category.Category
	{
		resp, raw := doJSON(t, c, http.MethodPost, ts.URL+"/categories", map[string]any{
			"parent_id": 2, "name": "Tablets", "position": 3, "is_active": true,
		}, adminHdr)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status=%d body=%s", resp.StatusCode, raw)
		}
		if err := json.Unmarshal(raw, &created); err != nil {
			t.Fatalf("decode created: %v body=%s", err, raw)
		}
		if created.Path != "1/2/7" || created.Level != 3 {
			t.Fatalf("created=%+v", created)
		}
	}

	// The cached subtree picked up the new node without an explicit reset.
	if _, body := getDescendants(t, c, ts.URL+"/categories/2/descendants", nil); len(body.DescendantIDs) != 4 {
		t.Fatalf("descendants=%v want 4 ids", body.DescendantIDs)
	}
	wantIDs(t, bus.lastReset(), 1, 2, created.ID)

	{
		resp, raw := doJSON(t, c, http.MethodPatch, ts.URL+"/categories/"+itoa(created.ID), map[string]any{"name": "Pads"}, adminHdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("patch status=%d body=%s", resp.StatusCode, raw)
		}
		var got category.Category
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode patched: %v body=%s", err, raw)
		}
		if got.Name != "Pads" || got.Position != 3 {
			t.Fatalf("patched=%+v", got)
		}
	}

	{
		resp, raw := doJSON(t, c, http.MethodDelete, ts.URL+"/categories/"+itoa(created.ID), nil, adminHdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delete status=%d body=%s", resp.StatusCode, raw)
		}
		var dr struct {
			DeletedIDs []int64 `json:"deleted_ids"`
		}
		if err := json.Unmarshal(raw, &dr); err != nil {
			t.Fatalf("decode delete: %v body=%s", err, raw)
		}
		wantIDs(t, dr.DeletedIDs, created.ID)
	}

	if _, body := getDescendants(t, c, ts.URL+"/categories/2/descendants", nil); len(body.DescendantIDs) != 3 {
		t.Fatalf("descendants=%v want 3 ids", body.DescendantIDs)
	}

	resp, _ := doJSON(t, c, http.MethodGet, ts.URL+"/categories/"+itoa(created.ID), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted id status=%d", resp.StatusCode)
	}
}

func TestCategoryAPI_CacheResetEndpoints(t *testing.T) {
	bus := &recordingBus{}
	ts := newCategoryTS(t, bus)
	c := &http.Client{}

	{
		resp, raw := doJSON(t, c, http.MethodPost, ts.URL+"/cache/reset/2", nil, adminHdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("reset one status=%d body=%s", resp.StatusCode, raw)
		}
		wantIDs(t, bus.lastReset(), 2)
	}

	{
		resp, _ := doJSON(t, c, http.MethodPost, ts.URL+"/cache/reset", nil, adminHdr)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("reset all status=%d", resp.StatusCode)
		}
		bus.mu.Lock()
		alls := bus.alls
		bus.mu.Unlock()
		if alls != 1 {
			t.Fatalf("alls=%d want=1", alls)
		}
	}

	{
		resp, _ := doJSON(t, c, http.MethodPost, ts.URL+"/cache/reset/zz", nil, adminHdr)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("bad reset id status=%d", resp.StatusCode)
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
