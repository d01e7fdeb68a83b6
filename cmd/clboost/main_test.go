package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/clboost/cmd/clboost/config"
	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/pool"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(storeDir string) string {
	return fmt.Sprintf(`
store-dir: %q
pools:
  - id: 1
    tick-spacing: 10
    fee: 3000
ve-tokens:
  - {id: 1, owner: %q, power: "100"}
  - {id: 2, owner: %q, power: "900"}
`, storeDir, alice, bob)
}

var fullScenario = fmt.Sprintf(`
pool: 1
start: %d
steps:
  - {op: initialize, tick: 0}
  - {op: cardinality, next: 4}
  - {op: mint, owner: %[2]q, lower: -100, upper: 100, amount: "1000", veToken: 1}
  - {op: mint, owner: %[3]q, lower: -50, upper: 200, amount: "3000", veToken: 2}
  - {op: mint, owner: %[3]q, lower: -50, upper: 50, amount: "10", veToken: 1, expectError: true}
  - {op: advance, seconds: 600}
  - {op: fees, amount0: "5000", amount1: "7000"}
  - {op: fee-protocol, protocol0: 4, protocol1: 5}
  - {op: cross, tick: -50, zeroForOne: true}
  - {op: vote, veToken: 1, power: "5000"}
  - {op: poke, owner: %[2]q, lower: -100, upper: 100}
  - {op: advance, seconds: %[4]d}
  - {op: seconds, owner: %[2]q, lower: -100, upper: 100, period: 10}
  - {op: observe, secondsAgos: [0, 60]}
  - {op: burn, owner: %[2]q, lower: -100, upper: 100, amount: "400"}
  - {op: collect, owner: %[2]q, lower: -100, upper: 100}
  - {op: collect-protocol}
  - {op: price, tick: -60}
  - {op: prune, period: 11}
`, 10*pool.Week, alice, bob, pool.Week)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "snapshots")
	cfgPath := writeFile(t, dir, "clboost.yaml", testConfig(storeDir))
	scenarioPath := writeFile(t, dir, "steps.yaml", fullScenario)

	out, err := execute(t, "replay", "--config", cfgPath, "--scenario", scenarioPath)
	require.NoError(t, err)

	var view clboost.Pool
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, uint64(1), view.ID)
	assert.Equal(t, uint64(11), view.Period)
	assert.Equal(t, int64(-60), view.Tick)
	assert.Len(t, view.Positions, 2)
	assert.FileExists(t, filepath.Join(storeDir, "pool-1.json"))

	resume := fmt.Sprintf(`
pool: 1
start: %d
steps:
  - {op: burn, owner: %q, lower: -50, upper: 200, amount: "3000"}
  - {op: collect, owner: %[2]q, lower: -50, upper: 200}
`, 11*pool.Week+pool.Week/2, bob)
	resumePath := writeFile(t, dir, "resume.yaml", resume)
	out, err = execute(t, "replay", "--config", cfgPath, "--scenario", resumePath, "--resume")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, int64(-60), view.Tick, "resumed from the stored price")

	t.Run("clock before the stored period", func(t *testing.T) {
		early := writeFile(t, dir, "early.yaml", fmt.Sprintf("pool: 1\nstart: %d\nsteps:\n  - {op: advance, seconds: 1}\n", 5*pool.Week))
		_, err := execute(t, "replay", "--config", cfgPath, "--scenario", early, "--resume")
		require.Error(t, err)
	})
}

func TestReplay_Failures(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "clboost.yaml", testConfig(""))

	testCases := []struct {
		name     string
		scenario string
	}{
		{"operation fails", "pool: 1\nsteps:\n  - {op: mint, owner: " + alice + ", lower: -100, upper: 100, amount: \"1\"}\n"},
		{"expected failure succeeds", "pool: 1\nsteps:\n  - {op: initialize, tick: 0, expectError: true}\n"},
		{"unknown op", "pool: 1\nsteps:\n  - {op: swap}\n"},
		{"unknown pool", "pool: 9\nsteps:\n  - {op: initialize}\n"},
		{"unknown field", "pool: 1\nsteps:\n  - {op: initialize, price: 1}\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tc.name, " ", "_")+".yaml", tc.scenario)
			_, err := execute(t, "replay", "--config", cfgPath, "--scenario", path)
			require.Error(t, err)
		})
	}

	_, err := execute(t, "replay", "--config", cfgPath)
	require.Error(t, err, "scenario flag is required")
}

func TestDecodeScenario(t *testing.T) {
	sc, err := DecodeScenario(strings.NewReader(fullScenario))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sc.Pool)
	assert.Equal(t, uint32(10*pool.Week), sc.Start)
	require.NotNil(t, sc.Steps[2].VeToken)
	assert.Equal(t, uint64(1), *sc.Steps[2].VeToken)
	assert.True(t, sc.Steps[4].ExpectError)

	_, err = DecodeScenario(strings.NewReader("pool: 1\n"))
	require.Error(t, err)
}

func TestVotingLedger(t *testing.T) {
	cfg := config.Config{
		Managers: []string{"0x000000000000000000000000000000000000beef"},
		VeTokens: []config.VeToken{{ID: 1, Owner: alice, Power: "100"}},
	}
	l, err := newVotingLedger(cfg, discard)
	require.NoError(t, err)

	assert.True(t, l.IsManager(common.HexToAddress("0xbeef")))
	assert.True(t, l.IsApprovedOrOwner(common.HexToAddress(alice), 1))
	assert.False(t, l.IsApprovedOrOwner(common.HexToAddress(bob), 1))
	assert.False(t, l.IsApprovedOrOwner(common.HexToAddress(alice), 2))

	power, err := l.VotingPower(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), power.Int64())
	power.SetInt64(0)
	power, _ = l.VotingPower(1)
	assert.Equal(t, int64(100), power.Int64(), "callers get a copy")

	l.SetPower(1, big.NewInt(7))
	power, _ = l.VotingPower(1)
	assert.Equal(t, int64(7), power.Int64())
	power, _ = l.VotingPower(5)
	assert.Zero(t, power.Sign())

	l.Attach(1, common.HexToAddress(alice))
	l.Attach(1, common.HexToAddress(alice))
	l.Detach(1, common.HexToAddress(alice))
	assert.Equal(t, 1, l.Attachments(1))

	testCases := []struct {
		name string
		cfg  config.Config
	}{
		{"bad manager", config.Config{Managers: []string{"nope"}}},
		{"reserved token", config.Config{VeTokens: []config.VeToken{{ID: 0, Owner: alice, Power: "1"}}}},
		{"bad owner", config.Config{VeTokens: []config.VeToken{{ID: 1, Owner: "x", Power: "1"}}}},
		{"bad power", config.Config{VeTokens: []config.VeToken{{ID: 1, Owner: alice, Power: "lots"}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newVotingLedger(tc.cfg, discard)
			require.Error(t, err)
		})
	}
}

func TestLateSink(t *testing.T) {
	var got []pool.EventType
	l := &lateSink{}
	l.Emit(pool.Event{Type: pool.EventPriceSet})
	l.set(sinkFunc(func(ev pool.Event) { got = append(got, ev.Type) }))
	l.Emit(pool.Event{Type: pool.EventTickCrossed})
	assert.Equal(t, []pool.EventType{pool.EventTickCrossed}, got)
}

type sinkFunc func(pool.Event)

func (f sinkFunc) Emit(ev pool.Event) { f(ev) }

func TestSaveAll_SkipsUninitializedPools(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{StoreDir: dir}
	st, err := openStores(t.Context(), cfg)
	require.NoError(t, err)
	defer st.Close()

	ledger, err := newVotingLedger(cfg, discard)
	require.NoError(t, err)
	p, err := newPool(config.PoolConfig{ID: 3, TickSpacing: 1}, newManualClock(pool.Week), ledger, discard, prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	require.NoError(t, saveAll(t.Context(), st, []*pool.Pool{p}))
	_, ok, err := st.Load(t.Context(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}
