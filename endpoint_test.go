package rdma

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEndpointRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := QueuePairEndpoint{
			QPNum: rapid.Uint32().Draw(t, "qpn"),
			LID:   rapid.Uint16().Draw(t, "lid"),
		}
		copy(e.GID[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "gid"))

		var buf bytes.Buffer
		require.NoError(t, writeEndpoint(&buf, e))
		assert.Equal(t, endpointWireSize, buf.Len())

		got, err := readEndpoint(&buf)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	})
}

func TestReadEndpointShort(t *testing.T) {
	_, err := readEndpoint(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}
