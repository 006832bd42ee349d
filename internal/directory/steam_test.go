package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cs2-scanner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *SteamClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default().Directory
	cfg.BaseURL = server.URL
	cfg.APIKey = "test-key"

	client, err := NewSteamClient(cfg, nil)
	require.NoError(t, err)
	return client
}

func TestSteamClient_FetchPage(t *testing.T) {
	var gotQuery map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, serverListPath, r.URL.Path)
		gotQuery = map[string]string{
			"key":    r.URL.Query().Get("key"),
			"filter": r.URL.Query().Get("filter"),
			"limit":  r.URL.Query().Get("limit"),
			"offset": r.URL.Query().Get("offset"),
		}
		w.Header().Set("X-Ratelimit-Remaining", "42")
		w.Write([]byte(`{"response":{"servers":[
			{"steamid":"900","addr":"10.0.0.1:27015","name":"Alpha","map":"de_dust2","players":7,"max_players":10,"bots":1,"version":"1.40"},
			{"addr":"10.0.0.2:27015","name":"no id","map":"de_dust2"}
		]}}`))
	})

	records, err := client.FetchPage(context.Background(), "de_dust2", 100, 100)
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotQuery["key"])
	assert.Equal(t, `appid\730\region\44\map\de_dust2`, gotQuery["filter"])
	assert.Equal(t, "100", gotQuery["limit"])
	assert.Equal(t, "100", gotQuery["offset"])

	require.Len(t, records, 1)
	assert.Equal(t, "900", records[0].SteamID)
	assert.Equal(t, "10.0.0.1:27015", records[0].Addr)
	assert.Equal(t, 7, records[0].Players)
	assert.Equal(t, 10, records[0].MaxPlayers)
	assert.False(t, records[0].LastSeen.IsZero())

	assert.Equal(t, 42, client.GetRateLimitInfo().Remaining)
}

func TestSteamClient_EmptyResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{}}`))
	})

	records, err := client.FetchPage(context.Background(), "de_dust2", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSteamClient_Non200(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.FetchPage(context.Background(), "de_dust2", 0, 100)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
}

func TestSteamClient_MalformedPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":`))
	})

	_, err := client.FetchPage(context.Background(), "de_dust2", 0, 100)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestSteamClient_Credential(t *testing.T) {
	cfg := config.Default().Directory
	client, err := NewSteamClient(cfg, nil)
	require.NoError(t, err)

	assert.False(t, client.HasCredential())
	client.SetAPIKey("abc")
	assert.True(t, client.HasCredential())
}

func TestSteamClient_CollectorIntegration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.Write([]byte(`{"response":{"servers":[]}}`))
			return
		}
		w.Write([]byte(`{"response":{"servers":[{"steamid":"1","addr":"1.1.1.1:27015","map":"de_nuke"}]}}`))
	})

	cfg := testConfig()
	c := NewCollector(client, cfg, nil)
	records, results := c.Collect(context.Background(), []string{"de_nuke"}, 300)

	require.Len(t, records, 1)
	assert.Equal(t, "de_nuke", records[0].Category)
	assert.Equal(t, 1, results[0].Pages)
}
