package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/englishfox90/nina-gateway/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}

	s, err := New(db, "", cfg)
	require.NoError(t, err)
	return s
}

func TestWidgetLayout_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWidgetLayout(context.Background())
	require.NoError(t, err)

	layout := json.RawMessage(`{"panels":["target","guiding"]}`)
	require.NoError(t, s.PutWidgetLayout(context.Background(), layout))

	got, err := s.GetWidgetLayout(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(layout), string(got.Layout))
	assert.False(t, got.UpdatedAt.IsZero(), "expected UpdatedAt to be set")
}

func TestOnReload_NotifiesCoreUpdatesOnlyWhenCoreKeysChange(t *testing.T) {
	s := newTestStore(t)

	base := &config.Config{}
	base.Nina.Host = "localhost"
	base.Server.AllowedOrigins = []string{"http://localhost:3000"}
	s.current = base

	cosmetic := *base
	cosmetic.Server.AllowedOrigins = []string{"http://localhost:4000"}
	require.NoError(t, s.OnReload(&cosmetic))
	select {
	case <-s.CoreUpdates():
		t.Fatal("expected no core update for a non-core field change")
	default:
	}

	core := cosmetic
	core.Nina.Host = "10.0.0.5"
	require.NoError(t, s.OnReload(&core))
	select {
	case got := <-s.CoreUpdates():
		assert.Equal(t, "10.0.0.5", got.Nina.Host)
	default:
		t.Fatal("expected a core update after nina.host changed")
	}
}

func TestHandleWidgets_PutThenGetOverHTTP(t *testing.T) {
	s := newTestStore(t)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	body := `{"panels":["focus"]}`
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/config/widgets", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/config/widgets")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got WidgetLayout
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.JSONEq(t, body, string(got.Layout))
}
