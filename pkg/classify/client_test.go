package classify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scan-engine/internal/resilience"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	var gotReq Request
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/classify", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(Response{
			Category:   "shoe",
			Label:      "Air Zoom Pegasus",
			Confidence: 0.93,
			Attributes: map[string]Scored{"brand": {Value: "Nike", Score: 0.9}},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))

	resp, err := c.Classify(context.Background(), Request{
		ImagePNG:      []byte("png-bytes"),
		CategoryHint:  "shoe",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Air Zoom Pegasus", resp.Label)
	assert.InDelta(t, 0.93, resp.Confidence, 1e-9)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), gotReq.ImageB64)
	assert.Equal(t, ModeCloud, gotReq.Mode, "mode defaults to cloud")
	assert.Equal(t, "corr-1", gotReq.CorrelationID)
}

func TestClassify_ServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))

	_, err := c.Classify(context.Background(), Request{ImagePNG: []byte("png")})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
	assert.Contains(t, err.Error(), "503")
}

func TestClassify_ClientErrorIsNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))

	_, err := c.Classify(context.Background(), Request{ImagePNG: []byte("png")})
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
}

func TestClassify_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, Request{ImagePNG: []byte("png")})
	assert.Error(t, err)
}
