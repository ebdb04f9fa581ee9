package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shohag/cardhook/internal/config"
	"github.com/shohag/cardhook/internal/filter"
	"github.com/shohag/cardhook/internal/ingest"
	"github.com/shohag/cardhook/internal/ledger"
	"github.com/shohag/cardhook/internal/registry"
	"github.com/shohag/cardhook/internal/storage"
	"github.com/shohag/cardhook/internal/tokens"
	"github.com/shohag/cardhook/internal/trello"
)

// fakeTrello resolves tokens of the form "tok-<username>" and records
// posted comments.
type fakeTrello struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeTrello) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/1/members/me", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if !strings.HasPrefix(token, "tok-") {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"username": strings.TrimPrefix(token, "tok-")})
	})
	mux.HandleFunc("GET /1/cards/{card}", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Query().Get("token"), "tok-") {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"shortLink":"abc"}`))
	})
	mux.HandleFunc("POST /1/cards/{card}/actions/comments", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.comments = append(f.comments, r.URL.Query().Get("text"))
		f.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	return mux
}

func (f *fakeTrello) posted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeTrello) {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	fake := &fakeTrello{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	cfg := config.Config{
		Trello: config.TrelloConfig{
			APIKey:         "test-key",
			BaseURL:        upstream.URL,
			CommentTimeout: 5 * time.Second,
		},
		Filter: config.FilterConfig{
			Timeout:   time.Second,
			MaxOutput: 64 * 1024,
			Workers:   4,
		},
		Retention: config.RetentionConfig{
			RequestTTL:  30 * 24 * time.Hour,
			MaxRequests: 5,
		},
	}

	log := zerolog.Nop()
	client := trello.NewClient(cfg.Trello)
	toks := tokens.NewStore(client)
	engine := filter.NewEngine(cfg.Filter.Timeout, cfg.Filter.MaxOutput)
	reg := registry.New(store, log)
	led := ledger.New(cfg.Retention, store, log)
	svc := ingest.NewService(cfg, reg, engine, led, client, toks, log)

	server := NewServer(cfg.Server,
		NewCardHandler(reg, led, toks, client, log),
		NewWebhookHandler(svc, log),
		NewFilterHandler(engine),
		log)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv, fake
}

func putCard(t *testing.T, srv *httptest.Server, body map[string]string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/trello/card", bytes.NewReader(b))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func createEndpoint(t *testing.T, srv *httptest.Server, card, token, expr string) string {
	t.Helper()
	resp := putCard(t, srv, map[string]string{"card": card, "filter": expr, "token": token})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var address string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&address))
	require.Len(t, address, 22)
	return address
}

func TestCreateThenDeliverThenList(t *testing.T) {
	t.Parallel()

	srv, fake := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".user.name")

	resp, err := http.Post(srv.URL+"/w/"+address, "application/json",
		strings.NewReader(`{"user":{"name":"Ada"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"Ada"}, fake.posted())

	resp, err = http.Get(srv.URL + "/trello/card?token=tok-ada&card=c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []struct {
		ID           string            `json:"id"`
		Address      string            `json:"address"`
		Filter       string            `json:"filter"`
		LastRequests []json.RawMessage `json:"last_requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	require.Equal(t, address, list[0].Address)
	require.Equal(t, ".user.name", list[0].Filter)
	require.Len(t, list[0].LastRequests, 1)
	require.JSONEq(t, `{"user":{"name":"Ada"}}`, string(list[0].LastRequests[0]))
}

func TestListEmptyCardIsEmptyArray(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/trello/card?token=tok-ada&card=c9")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := putCard(t, srv, map[string]string{"card": "c1", "filter": ".", "token": "bogus"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/trello/card?token=bogus&card=c1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUpdateFilter(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".")

	resp := putCard(t, srv, map[string]string{
		"card": "c1", "address": address, "filter": ".event", "token": "tok-ada",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var returned string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&returned))
	require.Equal(t, address, returned, "address is immutable across updates")
}

func TestUpdateByNonOwnerIsForbidden(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".")

	resp := putCard(t, srv, map[string]string{
		"card": "c1", "address": address, "filter": ".x", "token": "tok-bob",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUpdateUnknownAddressIsNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp := putCard(t, srv, map[string]string{
		"card": "c1", "address": "nope", "filter": ".", "token": "tok-ada",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".")

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete,
			srv.URL+"/trello/card?token=tok-ada&card=c1&id="+address, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, del())
	require.Equal(t, http.StatusOK, del())

	// and the webhook address is gone
	resp, err := http.Post(srv.URL+"/w/"+address, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteByNonOwnerIsForbidden(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".")

	req, err := http.NewRequest(http.MethodDelete,
		srv.URL+"/trello/card?token=tok-bob&card=c1&id="+address, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookUnknownAddress(t *testing.T) {
	t.Parallel()

	srv, fake := newTestServer(t)

	resp, err := http.Post(srv.URL+"/w/unknown", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Empty(t, fake.posted())
}

func TestWebhookAcknowledgesRawText(t *testing.T) {
	t.Parallel()

	srv, fake := newTestServer(t)
	address := createEndpoint(t, srv, "c1", "tok-ada", ".")

	resp, err := http.Post(srv.URL+"/w/"+address, "text/plain", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"not json"}, fake.posted())
}

func TestFilterPreview(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/trello/filter", "application/json",
		strings.NewReader(`{"filter":".a","payload":{"a":"x"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "x", out.Result)
}

func TestFilterPreviewSyntaxError(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/trello/filter", "application/json",
		strings.NewReader(`{"filter":".foo[","payload":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "syntax")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
