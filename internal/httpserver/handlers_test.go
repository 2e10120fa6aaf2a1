package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"productregistry/backend/internal/broadcast"
	"productregistry/backend/internal/config"
	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/infrastructure/memory"
	"productregistry/backend/internal/infrastructure/token"
	"productregistry/backend/internal/outbox"
	"productregistry/backend/internal/pkg/worker"
	"productregistry/backend/internal/projection"
	"productregistry/backend/internal/usecase/catalog"
	productusecase "productregistry/backend/internal/usecase/product"
)

type fixture struct {
	t      *testing.T
	srv    *Server
	store  *memory.Store
	bus    *broadcast.Broadcaster
	relay  *outbox.Relay
	writer string
	admin  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	views := memory.NewViewStore()
	bus := broadcast.New(16)
	t.Cleanup(bus.Close)

	proj := projection.New(views, projection.WithEventReader(store), projection.WithNotifier(bus))
	pool, err := worker.NewPool("http-test", 4)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(time.Second) })

	tokens := token.NewJWTManager("secret", time.Hour, "registry")
	writer, err := tokens.Generate("writer-1", token.RoleWriter)
	require.NoError(t, err)
	admin, err := tokens.Generate("admin-1", token.RoleAdmin)
	require.NoError(t, err)

	srv := NewServer(config.Config{HTTPPort: "0", AllowedOrigins: []string{"*"}}, Dependencies{
		Commands:    productusecase.NewService(store, store),
		Catalog:     catalog.NewService(views, bus, catalog.WithMaxPageSize(20)),
		Outbox:      store,
		Projections: proj,
		Tokens:      tokens,
	})

	return &fixture{
		t:      t,
		srv:    srv,
		store:  store,
		bus:    bus,
		relay:  outbox.NewRelay(store, store, proj, pool, outbox.Config{}),
		writer: writer,
		admin:  admin,
	}
}

func (f *fixture) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	f.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) drain() {
	f.t.Helper()
	for {
		n, err := f.relay.DrainOnce(context.Background())
		require.NoError(f.t, err)
		if n == 0 {
			return
		}
	}
}

func (f *fixture) register(name, sku string) commandResponse {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/products",
		`{"name":"`+name+`","description":"desc","sku":"`+sku+`"}`, f.writer)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	var res commandResponse
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCommandsFlowIntoQueries(t *testing.T) {
	f := newFixture(t)
	created := f.register("Widget", "ABC-00001")
	require.EqualValues(t, 1, created.Version)

	rec := f.do(http.MethodGet, "/products/"+created.ID.String(), "", "")
	require.Equal(t, http.StatusNotFound, rec.Code, "view appears only after projection")

	f.drain()
	rec = f.do(http.MethodGet, "/products/"+created.ID.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[productview.View](t, rec)
	require.Equal(t, "Widget", view.Name)
	require.Equal(t, product.StatusActive, view.Status)

	rec = f.do(http.MethodPut, "/products/"+created.ID.String()+"/name", `{"name":"Gadget"}`, f.writer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 2, decode[commandResponse](t, rec).Version)

	rec = f.do(http.MethodPut, "/products/"+created.ID.String()+"/description", `{"description":"new"}`, f.writer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/products/"+created.ID.String()+"/retire", "", f.writer)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 4, decode[commandResponse](t, rec).Version)

	f.drain()
	view = decode[productview.View](t, f.do(http.MethodGet, "/products/"+created.ID.String(), "", ""))
	require.Equal(t, "Gadget", view.Name)
	require.Equal(t, "new", view.Description)
	require.Equal(t, product.StatusRetired, view.Status)
	require.EqualValues(t, 4, view.AppliedVersion)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	created := f.register("Widget", "ABC-00001")
	f.do(http.MethodPost, "/products/"+created.ID.String()+"/retire", "", f.writer)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		bearer string
		status int
	}{
		{"missing token", http.MethodPost, "/products", `{"name":"x","sku":"ABC-00002"}`, "", http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/products", `{"name":"x","sku":"ABC-00002"}`, "nope", http.StatusUnauthorized},
		{"malformed body", http.MethodPost, "/products", `{"name":`, f.writer, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/products", `{"title":"x"}`, f.writer, http.StatusBadRequest},
		{"blank name", http.MethodPost, "/products", `{"name":" ","description":"d","sku":"ABC-00002"}`, f.writer, http.StatusBadRequest},
		{"duplicate sku", http.MethodPost, "/products", `{"name":"x","description":"d","sku":"ABC-00001"}`, f.writer, http.StatusConflict},
		{"not a uuid", http.MethodPut, "/products/abc/name", `{"name":"x"}`, f.writer, http.StatusBadRequest},
		{"unknown product", http.MethodPut, "/products/" + product.NewID().String() + "/name", `{"name":"x"}`, f.writer, http.StatusNotFound},
		{"retired product", http.MethodPut, "/products/" + created.ID.String() + "/name", `{"name":"x"}`, f.writer, http.StatusConflict},
		{"retire twice", http.MethodPost, "/products/" + created.ID.String() + "/retire", "", f.writer, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(tc.method, tc.path, tc.body, tc.bearer)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestSearchProducts(t *testing.T) {
	f := newFixture(t)
	f.register("One", "ABC-00001")
	f.register("Two", "ABC-00002")
	f.register("Three", "XYZ-00003")
	f.drain()

	res := decode[catalog.SearchResult](t, f.do(http.MethodGet, "/products", "", ""))
	require.EqualValues(t, 3, res.Total)
	require.Equal(t, 10, res.Size)
	require.Len(t, res.Items, 3)

	res = decode[catalog.SearchResult](t, f.do(http.MethodGet, "/products?sku=abc&page=1&size=1", "", ""))
	require.EqualValues(t, 2, res.Total)
	require.Len(t, res.Items, 1)
	require.Equal(t, "ABC-00002", res.Items[0].SKU)

	res = decode[catalog.SearchResult](t, f.do(http.MethodGet, "/products?page=1000000000000000000", "", ""))
	require.Empty(t, res.Items)
	require.EqualValues(t, 3, res.Total)

	rec := f.do(http.MethodGet, "/products/count?sku=abc", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode[map[string]int64](t, rec)["total"])

	for _, q := range []string{"page=-1", "size=0", "size=21", "page=x"} {
		rec := f.do(http.MethodGet, "/products?"+q, "", "")
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = f.do(http.MethodGet, "/products/not-a-uuid", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	created := f.register("Widget", "ABC-00001")

	health := decode[product.OutboxStats](t, f.do(http.MethodGet, "/health/outbox", "", ""))
	require.Equal(t, 1, health.Pending)

	rec := f.do(http.MethodPost, "/admin/projections/rebuild", "", f.writer)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/admin/projections/rebuild", "", f.admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decode[map[string]int](t, rec)["applied"])

	view := decode[productview.View](t, f.do(http.MethodGet, "/products/"+created.ID.String(), "", ""))
	require.Equal(t, "Widget", view.Name)

	f.drain()
	entries := f.store.Entries()
	require.Len(t, entries, 1)

	rec = f.do(http.MethodPost, "/admin/outbox/"+entries[0].ID+"/requeue", "", f.admin)
	require.Equal(t, http.StatusConflict, rec.Code, "published entries cannot be requeued")

	rec = f.do(http.MethodPost, "/admin/outbox/missing/requeue", "", f.admin)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/products", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamProduct(t *testing.T) {
	f := newFixture(t)
	created := f.register("Widget", "ABC-00001")
	f.drain()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/products/"+created.ID.String()+"/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, time.Second, 10*time.Millisecond)

	other := f.register("Other", "ABC-00002")
	rec := f.do(http.MethodPut, "/products/"+created.ID.String()+"/name", `{"name":"Gadget"}`, f.writer)
	require.Equal(t, http.StatusOK, rec.Code)
	f.drain()
	require.NotEqual(t, created.ID, other.ID)

	stop := time.AfterFunc(2*time.Second, cancel)
	change := readChange(t, bufio.NewReader(resp.Body))
	stop.Stop()
	require.Equal(t, created.ID, change.ProductID)
	require.EqualValues(t, 2, change.Version)
	require.Equal(t, product.TypeProductNameUpdated, change.EventType)
	require.Equal(t, "Gadget", change.View.Name)

	cancel()
	require.Eventually(t, func() bool { return f.bus.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamRejectsBadIDs(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/products/not-a-uuid/stream", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/products/stream?ids=nope", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, f.bus.Len())
}

func readChange(t *testing.T, r *bufio.Reader) productview.Change {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream ended before a change arrived")
		if data, found := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); found {
			var change productview.Change
			require.NoError(t, json.Unmarshal([]byte(data), &change))
			return change
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	require.Equal(t, "abc", extractBearerToken("Bearer abc"))
	require.Equal(t, "abc", extractBearerToken("bearer  abc "))
	require.Empty(t, extractBearerToken("Basic abc"))
	require.Empty(t, extractBearerToken(""))
}
