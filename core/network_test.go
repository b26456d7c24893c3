package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	magic := [2]byte{'N', 'T'}
	f := &Frame{
		Magic:        magic,
		VersionMax:   protocolVersionMax,
		VersionUsing: protocolVersionUsing,
		VersionMin:   protocolVersionMin,
		Type:         MsgPublish,
		Extensions:   withBlockTypeHint(KindState),
		Body:         []byte("payload"),
	}

	encoded := EncodeFrame(f)
	decoded, err := DecodeFrame(encoded, magic)
	require.NoError(t, err)
	require.Equal(t, f.Type, decoded.Type)
	require.Equal(t, f.Body, decoded.Body)
	require.Equal(t, KindState, blockTypeHint(decoded.Extensions))
}

func TestDecodeFrameRejectsWrongMagic(t *testing.T) {
	f := &Frame{Magic: [2]byte{'N', 'T'}, Type: MsgKeepalive}
	encoded := EncodeFrame(f)
	_, err := DecodeFrame(encoded, [2]byte{'X', 'X'})
	require.Error(t, err)
}

func TestDecodeFrameRejectsShortDatagram(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3}, [2]byte{'N', 'T'})
	require.Error(t, err)
}

func TestPeerTableCapsPerIP(t *testing.T) {
	table := NewPeerTable(0)
	ip := net.ParseIP("10.0.0.1")
	for i := 0; i < maxPeersPerIP; i++ {
		var nodeID Account
		nodeID[0] = byte(i + 1)
		ok := table.Insert(PeerEndpoint{IP: ip, Port: 7000 + i}, nodeID, true)
		require.True(t, ok, "entry %d should fit under the per-IP cap", i)
	}
	var overflowID Account
	overflowID[0] = 0xFF
	ok := table.Insert(PeerEndpoint{IP: ip, Port: 8000}, overflowID, true)
	require.False(t, ok, "per-IP cap must reject the next insert")
}

func TestPeerTableTouchUpdatesExistingEntry(t *testing.T) {
	table := NewPeerTable(10)
	ep := PeerEndpoint{IP: net.ParseIP("10.0.0.2"), Port: 7075}
	var nodeID Account
	nodeID[0] = 1
	require.True(t, table.Insert(ep, nodeID, true))

	all := table.All()
	require.Len(t, all, 1)
	firstContact := all[0].LastContact

	table.Touch(ep)
	all = table.All()
	require.True(t, !all[0].LastContact.Before(firstContact))
}

func TestPeerTableCapacityLimit(t *testing.T) {
	table := NewPeerTable(1)
	var a, b Account
	a[0], b[0] = 1, 2
	require.True(t, table.Insert(PeerEndpoint{IP: net.ParseIP("10.0.0.3"), Port: 1}, a, true))
	require.False(t, table.Insert(PeerEndpoint{IP: net.ParseIP("10.0.0.4"), Port: 2}, b, true))
}
