// Package integration exercises the assembled tickvault node end to end:
// HTTP ingest through the engine into chunk storage, aggregate refresh,
// compression and retention sweeps, and restart recovery.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apihttp "github.com/tickvault/tickvault/internal/api/http"
	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/engine"
	"github.com/tickvault/tickvault/internal/scheduler"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/pkg/types"
)

// sessionStart is aligned to the 1h chunk grid so chunk boundaries in the
// tests fall on round hours.
var sessionStart = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

// testConfig is a compressed-timescale policy set: hourly chunks, 2h
// compression, 6h retention, one 5-minute OHLCV aggregate.
func testConfig(dataDir string) *config.Config {
	return &config.Config{
		DataDir: dataDir,
		HTTP:    config.HTTPConfig{Addr: ":0"},
		Storage: config.StorageConfig{Type: "local", CacheBytes: 1 << 20},
		Scheduler: config.SchedulerConfig{
			TickInterval: config.Duration(time.Second),
		},
		Tables: []config.TableConfig{
			{
				Name:                 "stock_quotes",
				ChunkWidth:           config.Duration(time.Hour),
				CompressionThreshold: config.Duration(2 * time.Hour),
				RetentionThreshold:   config.Duration(6 * time.Hour),
				Aggregates: []config.AggregateConfig{
					{
						Name:             "stock_ohlcv_5m",
						BucketWidth:      config.Duration(5 * time.Minute),
						StartOffset:      config.Duration(time.Hour),
						EndOffset:        config.Duration(10 * time.Minute),
						ScheduleInterval: config.Duration(time.Minute),
					},
				},
			},
		},
	}
}

// node is one assembled tickvault instance over a shared data directory.
// The scheduler is driven manually through the fake clock.
type node struct {
	cfg   *config.Config
	cat   *catalog.Catalog
	store *chunkstore.Store
	eng   *engine.Engine
	sched *scheduler.Scheduler
	clock *scheduler.FakeClock
	api   *httptest.Server
}

func startNode(t *testing.T, cfg *config.Config, clock *scheduler.FakeClock) *node {
	t.Helper()
	ctx := context.Background()

	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.EnsureDirectories())

	objects, err := storage.NewLocalStorage(cfg.Storage.Path)
	require.NoError(t, err)
	journal, err := catalog.NewSwapJournal(cfg.JournalDir())
	require.NoError(t, err)

	store := chunkstore.NewStore(cfg.SegmentDir(), objects)
	cat, err := catalog.NewCatalog(cfg.CatalogPath(), store, journal)
	require.NoError(t, err)

	eng, err := engine.New(ctx, cfg, cat, store)
	require.NoError(t, err)

	sched := scheduler.New(cfg.Scheduler.TickInterval.D(), clock)
	eng.RegisterJobs(sched, cfg.Scheduler.TickInterval.D())

	n := &node{
		cfg:   cfg,
		cat:   cat,
		store: store,
		eng:   eng,
		sched: sched,
		clock: clock,
		api:   httptest.NewServer(apihttp.NewMux(eng)),
	}
	t.Cleanup(func() { n.close(t) })
	return n
}

func (n *node) close(t *testing.T) {
	t.Helper()
	if n.api != nil {
		n.api.Close()
		n.api = nil
	}
	if n.cat != nil {
		require.NoError(t, n.cat.Close())
		n.cat = nil
	}
	if n.store != nil {
		require.NoError(t, n.store.Close())
		n.store = nil
	}
}

// tick advances the fake clock and runs every job that became due.
func (n *node) tick(d time.Duration) {
	n.clock.Advance(d)
	n.sched.RunPending(context.Background(), n.clock.Now())
}

func quote(at time.Time, symbol string, price, volume float64) types.Row {
	return types.Row{
		Time:   at.UnixNano(),
		Symbol: symbol,
		Fields: map[string]float64{"price": price, "volume": volume},
	}
}

func (n *node) postIngest(t *testing.T, table string, rows []types.Row) *http.Response {
	t.Helper()
	body, err := json.Marshal(apihttp.IngestRequest{Table: table, Rows: rows})
	require.NoError(t, err)
	resp, err := http.Post(n.api.URL+"/v1/ingest", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (n *node) mustIngest(t *testing.T, table string, rows ...types.Row) {
	t.Helper()
	resp := n.postIngest(t, table, rows)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apihttp.IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, len(rows), out.Accepted)
}

func (n *node) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(n.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}
