package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkguard/proxypool/model"
)

func TestFileStorage_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "proxies.json")
	fs := NewFileStorage(path)

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded, "missing file means empty pool")

	now := time.Now().UTC().Truncate(time.Second)
	in := map[string]*model.ProxyEndpoint{
		"b": {ID: "b", URL: "http://b.example:3128", Status: model.StatusActive, CreatedAt: now,
			Metrics: model.Metrics{TotalRequests: 4, FailedRequests: 1, LastChecked: &now}},
		"a": {ID: "a", URL: "http://a.example:3128", Status: model.StatusPending, CreatedAt: now},
	}
	require.NoError(t, fs.Save(in))

	out, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, model.StatusActive, out["b"].Status)
	assert.InDelta(t, 75.0, out["b"].Metrics.SuccessRate, 1e-9, "rates are re-derived on load")
	assert.True(t, now.Equal(*out["b"].Metrics.LastChecked))
}

func TestFileStorage_SkipsMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.json")
	body := `[
	  {"id": "", "url": "http://x"},
	  {"id": "ok", "url": "http://ok.example", "status": "bogus"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	out, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.StatusPending, out["ok"].Status)
}

func TestFileStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStorage(path).Load()
	assert.Error(t, err)
}

func TestMemoryStorage_IsolatesCopies(t *testing.T) {
	ms := NewMemoryStorage()
	p := &model.ProxyEndpoint{ID: "a", URL: "http://a"}
	require.NoError(t, ms.Save(map[string]*model.ProxyEndpoint{"a": p}))
	p.URL = "mutated"

	out, err := ms.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://a", out["a"].URL)
	assert.Equal(t, 1, ms.Saves)
}
