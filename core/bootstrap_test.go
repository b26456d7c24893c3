package core

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBootstrapFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBootstrapFrame(&buf, BootstrapBulkPull, []byte("account-bytes")))

	typ, body, err := readBootstrapFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, BootstrapBulkPull, typ)
	require.Equal(t, []byte("account-bytes"), body)
}

func TestBootstrapNotABlockCarriesOptionalChecksum(t *testing.T) {
	var buf bytes.Buffer
	checksum := Blake2b256([]byte("checksum"))
	require.NoError(t, writeNotABlock(&buf, &checksum))

	typ, body, err := readBootstrapFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, bootstrapNotABlock, typ)
	require.Equal(t, checksum[:], body)
}

func TestFrontierEntryEncodeDecodeRoundTrip(t *testing.T) {
	entry := frontierEntry{
		Account: Blake2b256([]byte("account")),
		Head:    Blake2b256([]byte("head")),
	}
	decoded, err := decodeFrontierEntry(encodeFrontierEntry(entry))
	require.NoError(t, err)
	require.Equal(t, entry, decoded)
}

func TestDecodeFrontierEntryRejectsWrongLength(t *testing.T) {
	_, err := decodeFrontierEntry([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestBootstrapServerStreamsGenesisFrontier(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	defer store.Close()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	genesis, err := NewGenesis("testnet", pub, priv)
	require.NoError(t, err)
	_, err = genesis.Initialize(store)
	require.NoError(t, err)
	account, err := DecodeAccount(genesis.Account)
	require.NoError(t, err)

	ledger := NewLedger(store, DefaultNetworkParams(), nil)
	epochStore, err := OpenEpochStore(filepath.Join(t.TempDir(), "epochs.db"))
	require.NoError(t, err)
	defer epochStore.Close()

	server := NewBootstrapServer(ledger, epochStore, nil)

	client, remote := net.Pipe()
	go server.Serve(remote)

	require.NoError(t, writeBootstrapFrame(client, BootstrapFrontierReq, nil))

	typ, body, err := readBootstrapFrame(client)
	require.NoError(t, err)
	require.Equal(t, BootstrapFrontierReq, typ)
	entry, err := decodeFrontierEntry(body)
	require.NoError(t, err)
	require.Equal(t, account, entry.Account)

	typ, _, err = readBootstrapFrame(client)
	require.NoError(t, err)
	require.Equal(t, bootstrapNotABlock, typ)
	client.Close()
}

func newTestBootstrapAttempt(t *testing.T) (*BootstrapAttempt, net.Listener) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	genesis, err := NewGenesis("testnet", pub, priv)
	require.NoError(t, err)
	_, err = genesis.Initialize(store)
	require.NoError(t, err)

	params := DefaultNetworkParams()
	params.WorkThreshold = 0
	ledger := NewLedger(store, params, nil)
	elections := NewElectionManager(ledger, params, nil)
	processor := NewProcessor(ledger, elections, 8, nil, nil)
	go processor.Run()
	t.Cleanup(processor.Stop)

	epochStore, err := OpenEpochStore(filepath.Join(t.TempDir(), "epochs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { epochStore.Close() })

	server := NewBootstrapServer(ledger, epochStore, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go server.Serve(conn)
		}
	}()

	dialer := &Dialer{Timeout: time.Second}
	attempt := NewBootstrapAttempt(dialer, processor, ledger, 4, nil)
	t.Cleanup(attempt.Close)
	return attempt, ln
}

// TestBootstrapAttemptSyncOneReusesPooledConnection confirms syncOne acquires
// its frontier_req connection through the pool and releases it back (rather
// than dialing and closing per request), so a second sync against the same
// peer finds a warm connection waiting instead of redialing.
func TestBootstrapAttemptSyncOneReusesPooledConnection(t *testing.T) {
	attempt, ln := newTestBootstrapAttempt(t)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	attempt.syncOne(ctx, ln.Addr().String())
	require.Equal(t, 1, attempt.pool.Stats(), "frontier_req connection should be released back to the pool")

	attempt.syncOne(ctx, ln.Addr().String())
	require.Equal(t, 1, attempt.pool.Stats())
}

func TestBootstrapAttemptRankByRateSortsDescending(t *testing.T) {
	attempt, ln := newTestBootstrapAttempt(t)
	defer ln.Close()

	fast := &pullStats{started: time.Now().Add(-time.Second)}
	fast.blocks = 100
	slow := &pullStats{started: time.Now().Add(-time.Second)}
	slow.blocks = 1

	attempt.mu.Lock()
	attempt.conns["fast-peer"] = fast
	attempt.conns["slow-peer"] = slow
	attempt.mu.Unlock()

	ranked := attempt.rankByRate()
	require.Equal(t, []string{"fast-peer", "slow-peer"}, ranked)
}

func TestBootstrapAttemptDropSlowestMarksBelowSlowOnceNearTarget(t *testing.T) {
	attempt, ln := newTestBootstrapAttempt(t)
	defer ln.Close()
	attempt.targetConcurrency = 3

	slow := &pullStats{started: time.Now().Add(-time.Second)}
	slow.blocks = 1
	fast := &pullStats{started: time.Now().Add(-time.Second)}
	fast.blocks = 1000

	attempt.mu.Lock()
	attempt.conns["slow-peer"] = slow
	attempt.conns["fast-peer"] = fast
	attempt.mu.Unlock()

	attempt.dropSlowest()
	require.False(t, slow.belowSlow.IsZero(), "slowest connection should be flagged for force-stop")
	require.True(t, fast.belowSlow.IsZero(), "fastest connection should be left alone")
}
