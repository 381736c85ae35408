package utils

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	var gotUA, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotHeader = r.Header.Get("X-Token")
		w.Header().Set("Content-Disposition", `attachment; filename="report 2024.pdf"`)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Timeout: 5 * time.Second, Headers: map[string]string{"X-Token": "t"}})
	info, err := client.Probe(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)
	assert.True(t, info.AcceptRanges)
	assert.Equal(t, "report 2024.pdf", info.FileName)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "t", gotHeader)
}

func TestProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Timeout: 5 * time.Second})
	info, err := client.Probe(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrSizeProbe)
	assert.Zero(t, info.Size)
}
