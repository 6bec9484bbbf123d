package cfddns

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordPath = "/zones/zone1/dns_records/rec1"

func cloudflareServer(t *testing.T, handler http.HandlerFunc) *cloudflareZone {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cf, err := newCloudflareZone("test-token", cloudflare.BaseURL(srv.URL))
	require.NoError(t, err)
	return cf
}

func writeFailure(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"errors":[{"code":%d,"message":"%s"}],"messages":[],"result":null}`, status*10, http.StatusText(status))
}

func TestCloudflareGetRecord(t *testing.T) {
	cf := cloudflareServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, recordPath, r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{
			"id":"rec1","zone_id":"zone1","type":"A","name":"home.example.com",
			"content":"203.0.113.7","ttl":300,"proxied":true}}`)
	})

	rec, err := cf.GetRecord(context.Background(), "zone1", "rec1")
	require.NoError(t, err)
	assert.Equal(t, Record{
		ID:      "rec1",
		ZoneID:  "zone1",
		Name:    "home.example.com",
		Type:    "A",
		Content: "203.0.113.7",
		TTL:     300,
		Proxied: true,
	}, rec)
}

func TestCloudflareUpdateRecord(t *testing.T) {
	var body map[string]any
	calls := 0
	cf := cloudflareServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Contains(t, []string{http.MethodPatch, http.MethodPut}, r.Method)
		assert.Equal(t, recordPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{
			"id":"rec1","zone_id":"zone1","type":"A","name":"home.example.com","content":"198.51.100.4","ttl":1}}`)
	})

	err := cf.UpdateRecord(context.Background(), "zone1", "rec1", RecordUpdate{
		Name:    "home.example.com",
		Type:    "A",
		Content: "198.51.100.4",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "name and type are sent so no extra read is made")
	assert.Equal(t, "198.51.100.4", body["content"])
	assert.Equal(t, "home.example.com", body["name"])
	assert.Equal(t, "managed by cfddns", body["comment"])
	assert.NotContains(t, body, "proxied", "proxied is left alone unless configured")
}

func TestCloudflareErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		kind   APIErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindRejected},
		{http.StatusInternalServerError, KindNetwork},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			calls := 0
			cf := cloudflareServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				writeFailure(w, tt.status)
			})

			err := cf.UpdateRecord(context.Background(), "zone1", "rec1", RecordUpdate{Name: "home.example.com", Type: "A", Content: "192.0.2.1"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apiErrorKind(err))
			assert.Equal(t, 1, calls, "failed calls are not retried within a tick")

			_, err = cf.GetRecord(context.Background(), "zone1", "rec1")
			assert.Equal(t, tt.kind, apiErrorKind(err))
		})
	}
}

func TestCloudflareUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cf, err := newCloudflareZone("test-token", cloudflare.BaseURL(url))
	require.NoError(t, err)
	_, err = cf.GetRecord(context.Background(), "zone1", "rec1")
	require.Error(t, err)
	assert.Equal(t, KindNetwork, apiErrorKind(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNetwork, classify("op", 0, io.EOF).Kind)
	assert.Equal(t, KindRejected, classify("op", http.StatusConflict, io.EOF).Kind)
	assert.ErrorIs(t, classify("op", 0, io.EOF), io.EOF)
}
