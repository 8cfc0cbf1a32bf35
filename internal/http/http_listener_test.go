package http

import (
	"context"
	"io"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndServe(t *testing.T) {
	handler := nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	srv, err := ListenAndServe("127.0.0.1:0", handler, time.Second)
	require.NoError(t, err)

	resp, err := nethttp.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = nethttp.Get("http://" + srv.Addr() + "/ping")
	assert.Error(t, err)
}

func TestListenAndServeBadAddress(t *testing.T) {
	_, err := ListenAndServe("256.0.0.1:-1", nethttp.NotFoundHandler(), time.Second)
	assert.Error(t, err)
}
