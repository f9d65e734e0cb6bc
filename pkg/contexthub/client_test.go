package contexthub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub is a minimal in-memory context hub.
type fakeHub struct {
	t    *testing.T
	docs map[string]Doc // id -> doc
	next int
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	h := &fakeHub{t: t, docs: make(map[string]Doc)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		h.requireUser(r)
		q := r.URL.Query().Get("q")
		out := []Doc{}
		for _, d := range h.docs {
			if q == "" || d.Key == q {
				out = append(out, d)
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /docs/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.requireUser(r)
		d, ok := h.docs[r.PathValue("id")]
		if !ok {
			http.Error(w, "no such doc", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(d)
	})
	mux.HandleFunc("POST /docs", func(w http.ResponseWriter, r *http.Request) {
		h.requireUser(r)
		var d Doc
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&d))
		h.next++
		d.ID = fmt.Sprintf("doc-%d", h.next)
		h.docs[d.ID] = d
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(d)
	})
	mux.HandleFunc("PUT /docs/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.requireUser(r)
		id := r.PathValue("id")
		if _, ok := h.docs[id]; !ok {
			http.Error(w, "no such doc", http.StatusNotFound)
			return
		}
		var d Doc
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&d))
		d.ID = id
		h.docs[id] = d
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	h.t.Cleanup(srv.Close)
	return h, srv
}

func (h *fakeHub) requireUser(r *http.Request) {
	require.NotEmpty(h.t, r.Header.Get("X-User-Id"), "hub requests must carry X-User-Id")
}

func TestCreateAndGet(t *testing.T) {
	_, srv := newFakeHub(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	created, err := c.Create(ctx, "user-1", Doc{Key: "work_summary", Content: "initial"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := c.Get(ctx, "user-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "work_summary", got.Key)
	assert.Equal(t, "initial", got.Content)
}

func TestGetNotFound(t *testing.T) {
	_, srv := newFakeHub(t)
	c := NewClient(srv.URL)

	_, err := c.Get(context.Background(), "user-1", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestUpdate(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	created, err := c.Create(ctx, "user-1", Doc{Key: "notes", Content: "v1"})
	require.NoError(t, err)

	created.Content = "v2"
	require.NoError(t, c.Update(ctx, "user-1", *created))
	assert.Equal(t, "v2", hub.docs[created.ID].Content)

	assert.Error(t, c.Update(ctx, "user-1", Doc{ID: "ghost", Key: "x"}))
}

func TestFindByKey(t *testing.T) {
	_, srv := newFakeHub(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	_, err := c.Create(ctx, "user-1", Doc{Key: "work_summary", Content: "stuff"})
	require.NoError(t, err)

	doc, err := c.FindByKey(ctx, "user-1", "work_summary")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "stuff", doc.Content)

	missing, err := c.FindByKey(ctx, "user-1", "no_such_key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSearch(t *testing.T) {
	_, srv := newFakeHub(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, err := c.Create(ctx, "user-1", Doc{Key: key, Content: key})
		require.NoError(t, err)
	}

	docs, err := c.Search(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestServerErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hub on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Search(context.Background(), "user-1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub on fire")
}
