package listeners

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// newTestManager builds a manager with every listener disabled, exposing the
// frame channel for direct delivery assertions.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.ProtocolConfig{}
	return NewManager(cfg, NewCounters(), metrics.New(), nil, nil)
}

func chunk(id [8]byte, seq, total byte, body []byte) []byte {
	out := []byte{gelfChunkMagic0, gelfChunkMagic1}
	out = append(out, id[:]...)
	out = append(out, seq, total)
	return append(out, body...)
}

func recvFrame(t *testing.T, mgr *Manager) models.RawFrame {
	t.Helper()
	select {
	case f := <-mgr.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return models.RawFrame{}
	}
}

func TestGELFUDP_ChunkReassembly(t *testing.T) {
	mgr := newTestManager(t)
	l := NewGELFUDP("", mgr, nil)

	payload := []byte(`{"version":"1.1","host":"h","short_message":"hi","level":6,"_k":"v"}`)
	id := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	third := len(payload) / 3

	// Deliver out of order; reassembly keys on (id, seq).
	l.handleChunk(chunk(id, 2, 3, payload[2*third:]), "198.51.100.1:9999")
	l.handleChunk(chunk(id, 0, 3, payload[:third]), "198.51.100.1:9999")
	l.handleChunk(chunk(id, 1, 3, payload[third:2*third]), "198.51.100.1:9999")

	frame := recvFrame(t, mgr)
	assert.Equal(t, "gelf", frame.Proto)
	assert.Equal(t, payload, frame.Payload)
}

func TestGELFUDP_DuplicateChunkIgnored(t *testing.T) {
	mgr := newTestManager(t)
	l := NewGELFUDP("", mgr, nil)

	id := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	l.handleChunk(chunk(id, 0, 2, []byte(`{"short_mes`)), "peer:1")
	l.handleChunk(chunk(id, 0, 2, []byte(`{"short_mes`)), "peer:1")
	l.handleChunk(chunk(id, 1, 2, []byte(`sage":"x"}`)), "peer:1")

	frame := recvFrame(t, mgr)
	assert.Equal(t, `{"short_message":"x"}`, string(frame.Payload))
}

func TestGELFDecompress(t *testing.T) {
	plain := []byte(`{"short_message":"hello"}`)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write(plain)
	require.NoError(t, gw.Close())

	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	_, _ = zw.Write(plain)
	require.NoError(t, zw.Close())

	for name, wire := range map[string][]byte{
		"gzip":  gz.Bytes(),
		"zlib":  zl.Bytes(),
		"plain": plain,
	} {
		got, err := gelfDecompress(wire)
		require.NoError(t, err, name)
		assert.Equal(t, plain, got, name)
	}
}

func TestGELFUDP_BadChunkHeaderCounted(t *testing.T) {
	mgr := newTestManager(t)
	l := NewGELFUDP("", mgr, nil)

	id := [8]byte{}
	// seq >= total is invalid.
	l.handleChunk(chunk(id, 3, 2, []byte("x")), "peer:1")

	snap := mgr.counters.Snapshot()
	assert.Equal(t, int64(1), snap["gelf"].Errors["bad_chunk_header"])
}
