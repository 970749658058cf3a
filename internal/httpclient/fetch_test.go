package httpclient

import (
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	client := newTestClientWithConfig(t, cfg)
	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestFetch_Success(t *testing.T) {
	client := newMockedClient(t, nil)

	httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/a.png",
		func(req *http.Request) (*http.Response, error) {
			assert.Contains(t, req.Header.Get("Accept"), "image/png")
			assert.Equal(t, defaultUserAgent, req.Header.Get("User-Agent"))
			resp := httpmock.NewBytesResponse(http.StatusOK, []byte("\x89PNG"))
			resp.Header.Set("Content-Type", "Image/PNG; charset=binary")
			return resp, nil
		})

	resp, err := client.Fetch(t.Context(), "https://images.example.com/a.png", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.ContentType)
	assert.Equal(t, []byte("\x89PNG"), resp.Body)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestFetch_StatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		temporary bool
	}{
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			client := newMockedClient(t, nil)
			httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/x.png",
				httpmock.NewStringResponder(tt.code, "nope"))

			_, err := client.Fetch(t.Context(), "https://images.example.com/x.png", nil)
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.temporary, se.Temporary())
		})
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	client := newMockedClient(t, &Config{MaxBodyBytes: 8})

	httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/small.png",
		httpmock.NewStringResponder(http.StatusOK, "12345678"))
	httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/big.png",
		httpmock.NewStringResponder(http.StatusOK, strings.Repeat("x", 9)))

	resp, err := client.Fetch(t.Context(), "https://images.example.com/small.png", nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 8)

	_, err = client.Fetch(t.Context(), "https://images.example.com/big.png", nil)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestFetch_Headers(t *testing.T) {
	client := newMockedClient(t, &Config{UserAgent: "ua/1"})

	httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/h.png",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "image/webp", req.Header.Get("Accept"))
			assert.Equal(t, "Bearer t", req.Header.Get("Authorization"))
			assert.Equal(t, "ua/1", req.Header.Get("User-Agent"))
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	header := http.Header{}
	header.Set("Accept", "image/webp")
	header.Set("Authorization", "Bearer t")
	_, err := client.Fetch(t.Context(), "https://images.example.com/h.png", header)
	require.NoError(t, err)
}

func TestFetch_TransportError(t *testing.T) {
	client := newMockedClient(t, nil)
	httpmock.RegisterResponder(http.MethodGet, "https://images.example.com/down.png",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := client.Fetch(t.Context(), "https://images.example.com/down.png", nil)
	require.ErrorIs(t, err, assert.AnError)
}

func TestFetch_InvalidURL(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Fetch(t.Context(), "http://[::1", nil)
	require.Error(t, err)
}
