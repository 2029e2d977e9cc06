package settled

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func seedExportData(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	a, err := f.coord.CreateAuction("alice", testContentHash, big.NewInt(100), 60)
	require.NoError(t, err)
	_, err = f.coord.PlaceBid(ctx, a.ID, "bob", big.NewInt(150))
	require.NoError(t, err)
	_, err = f.coord.Staking().ConfigurePool("solana", 700, 3)
	require.NoError(t, err)
	f.claimWithBalance(t, "carol", 250)
}

func newTestExporter(t *testing.T, f *fixture, parquet bool) *Exporter {
	t.Helper()
	exporter, err := NewExporter(f.coord, ExportConfig{Directory: t.TempDir(), Parquet: parquet}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	exporter.now = func() time.Time { return time.Date(2026, 2, 1, 2, 0, 0, 0, time.UTC) }
	return exporter
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExporterWritesReportsAndManifest(t *testing.T) {
	f := newFixture(t)
	seedExportData(t, f)
	exporter := newTestExporter(t, f, false)

	manifest, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "20260201T020000Z", filepath.Base(manifest.Directory))
	require.Len(t, manifest.Files, 4)

	rows := map[string]int{}
	for _, file := range manifest.Files {
		rows[file.Name] = file.Rows
		data, err := os.ReadFile(filepath.Join(manifest.Directory, file.Name))
		require.NoError(t, err)
		require.EqualValues(t, len(data), file.Bytes)
		sum := blake3.Sum256(data)
		require.Equal(t, hex.EncodeToString(sum[:]), file.Blake3, file.Name)
	}
	require.Equal(t, map[string]int{"auctions.csv": 1, "claims.csv": 1, "pools.csv": 1, "intents.csv": 1}, rows)

	auctions := readCSV(t, filepath.Join(manifest.Directory, "auctions.csv"))
	require.Len(t, auctions, 2)
	require.Equal(t, "id", auctions[0][0])
	require.Equal(t, "alice", auctions[1][1])
	require.Equal(t, "150", auctions[1][5])

	claims := readCSV(t, filepath.Join(manifest.Directory, "claims.csv"))
	require.Equal(t, []string{"carol", "cap-1", "250", "250", "0"}, claims[1][:5])

	raw, err := os.ReadFile(filepath.Join(manifest.Directory, "manifest.json"))
	require.NoError(t, err)
	var stored Manifest
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, manifest.Files, stored.Files)
}

func TestExporterWritesParquet(t *testing.T) {
	f := newFixture(t)
	seedExportData(t, f)
	exporter := newTestExporter(t, f, true)

	manifest, err := exporter.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Files, 8)
	for _, file := range manifest.Files {
		if filepath.Ext(file.Name) != ".parquet" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(manifest.Directory, file.Name))
		require.NoError(t, err)
		require.Equal(t, "PAR1", string(data[:4]), file.Name)
		require.Equal(t, "PAR1", string(data[len(data)-4:]), file.Name)
	}
}

func TestExporterHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	exporter := newTestExporter(t, f, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exporter.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewExporterValidation(t *testing.T) {
	_, err := NewExporter(nil, ExportConfig{Directory: t.TempDir()}, nil)
	require.Error(t, err)
	f := newFixture(t)
	_, err = NewExporter(f.coord, ExportConfig{}, nil)
	require.Error(t, err)
}
