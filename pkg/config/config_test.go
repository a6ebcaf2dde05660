package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
[session]
block_size      = 247
window_size     = 8
timeout_ms      = 200
max_retransmits = 4
expiry_ms       = 30000

[link]
address = AA:BB:CC:DD:EE:FF
psm     = 4097
mtu     = 251
`

func TestLoadParsesSessionAndLink(t *testing.T) {
	f, err := Load([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, uint32(247), f.Session.BlockSize)
	require.Equal(t, uint32(8), f.Session.WindowSize)
	require.Equal(t, uint32(200), f.Session.TimeoutMs)
	require.Equal(t, uint32(4), f.Session.MaxRetransmits)
	require.Equal(t, uint32(30000), f.Session.ExpiryMs)

	require.Equal(t, "AA:BB:CC:DD:EE:FF", f.Link.Address)
	require.Equal(t, uint16(4097), f.Link.PSM)
	require.Equal(t, 251, f.Link.MTU)
}

func TestLoadWithoutSectionsYieldsZeroValues(t *testing.T) {
	f, err := Load([]byte(""))
	require.NoError(t, err)
	require.Zero(t, f.Session)
	require.Zero(t, f.Link)
}
