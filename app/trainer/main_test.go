package main

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeMetricsReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reported := make(chan error, 1)
	srv := serveMetrics(ln.Addr().String(), prometheus.NewRegistry(), func(err error) {
		reported <- err
	})
	defer srv.Close()

	select {
	case err := <-reported:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bind failure was not reported")
	}
}

func TestServeMetricsCloseIsNotReported(t *testing.T) {
	reported := make(chan error, 1)
	srv := serveMetrics("127.0.0.1:0", prometheus.NewRegistry(), func(err error) {
		reported <- err
	})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Close())

	select {
	case err := <-reported:
		t.Fatalf("unexpected report: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
