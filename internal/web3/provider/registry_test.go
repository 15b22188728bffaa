package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFi-Sentry/internal/config"
)

// rpcServer answers eth_chainId with 0x539 (1337) and counts requests.
func rpcServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_chainId":
			resp["result"] = "0x539"
		case "eth_blockNumber":
			resp["result"] = "0x10"
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRegistryFromYAML(t *testing.T) {
	srv, hits := rpcServer(t)
	t.Setenv("SENTRY_TEST_RPC", srv.URL)
	path := writeChains(t, `chains:
  devnet:
    rpc_url_env: SENTRY_TEST_RPC
    chain_id: 1337
    description: local devnet
  mainnet:
    rpc_url: http://127.0.0.1:1
    chain_id: 1
`)

	reg, err := NewRegistry(config.ChainConfig{ChainConfig: path, DefaultChain: "devnet"})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"devnet", "mainnet"}, reg.Chains())
	assert.Zero(t, hits.Load(), "clients are dialed lazily")

	client, err := reg.DefaultClient(context.Background())
	require.NoError(t, err)
	snapshot, err := client.FetchChainSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1337", snapshot.ChainID)
	assert.Equal(t, uint64(16), snapshot.BlockNumber)
	assert.Equal(t, "local devnet", snapshot.Notes)

	again, err := reg.Client(context.Background(), "devnet")
	require.NoError(t, err)
	assert.Same(t, client, again)
}

func TestRegistryRejectsChainIDMismatch(t *testing.T) {
	srv, _ := rpcServer(t)
	reg, err := NewRegistry(config.ChainConfig{RPCURL: srv.URL, ChainID: 1})
	require.NoError(t, err)
	assert.Equal(t, "default", reg.DefaultChain())

	_, err = reg.DefaultClient(context.Background())
	assert.Error(t, err)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry(config.ChainConfig{})
	assert.Error(t, err, "no endpoints")

	_, err = NewRegistry(config.ChainConfig{ChainConfig: writeChains(t, "chains:\n  sol:\n    type: solana\n    rpc_url: http://x\n")})
	assert.Error(t, err, "unsupported type")

	_, err = NewRegistry(config.ChainConfig{
		ChainConfig:  writeChains(t, "chains:\n  a:\n    rpc_url: http://x\n"),
		DefaultChain: "b",
	})
	assert.Error(t, err, "unknown default")

	reg, err := NewRegistry(config.ChainConfig{RPCURL: "http://x"})
	require.NoError(t, err)
	_, err = reg.Client(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGuardFromConfig(t *testing.T) {
	g := GuardFromConfig(config.GuardConfig{RequestsPerSecond: 2.5, Burst: 3, ConsecutiveFailures: 4, OpenTimeoutSeconds: 9})
	assert.Equal(t, 2.5, g.RequestsPerSecond)
	assert.Equal(t, 3, g.Burst)
	assert.Equal(t, uint32(4), g.ConsecutiveFailures)
	assert.Equal(t, 9*time.Second, g.OpenTimeout)
}
