package eventchannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialSSEConnectPhaseBounded(t *testing.T) {
	t.Parallel()

	// 192.0.2.1 (TEST-NET-1) is reserved and either unroutable or
	// blackholed; a dial without its own deadline would hang for the
	// kernel's TCP retry window instead of the configured timeout.
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		conn, err := dialSSE("http://192.0.2.1:9/api/events", 0, 250*time.Millisecond)
		if conn != nil {
			conn.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("sse dial did not give up within the connect timeout")
	}
}
