package realtime

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNATSTransport_CrossInstance(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("ARC_NATS_URL"))
	if url == "" {
		t.Skip("ARC_NATS_URL not set")
	}

	dial := func() *NATSTransport {
		nc, err := nats.Connect(url)
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		tr, err := NewNATSTransport(nc, 0)
		require.NoError(t, err)
		return tr
	}

	prefix := WithChannelPrefix("arc.test." + NewInstanceID())
	a := startInstance(t, dial(), "A", prefix)
	b := startInstance(t, dial(), "B", prefix)

	c1 := a.connect(t, "u1")
	c2 := b.connect(t, "u2")

	require.NoError(t, b.prop.EmitToUser(context.Background(), "u1", "ping", map[string]int{"n": 1}))

	_, p := recvEvent(t, c1)
	require.Equal(t, "ping", p.Name)
	requireQuiet(t, c1)
	requireQuiet(t, c2)
}
