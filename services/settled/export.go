package settled

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/storage/ledger"
)

// ManifestFile describes one exported artefact.
type ManifestFile struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	Bytes  int64  `json:"bytes"`
	Blake3 string `json:"blake3"`
}

// Manifest lists the artefacts of one export run.
type Manifest struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Directory   string         `json:"directory"`
	Files       []ManifestFile `json:"files"`
}

// Exporter writes read-only settlement reports for compliance review.
type Exporter struct {
	coord   *Coordinator
	dir     string
	parquet bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewExporter constructs an exporter writing under cfg.Directory.
func NewExporter(coord *Coordinator, cfg ExportConfig, logger *slog.Logger) (*Exporter, error) {
	if coord == nil {
		return nil, errors.New("export: coordinator required")
	}
	if cfg.Directory == "" {
		return nil, errors.New("export: directory required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{coord: coord, dir: cfg.Directory, parquet: cfg.Parquet, logger: logger, now: time.Now}, nil
}

type exportRow interface {
	csvRecord() []string
}

type table struct {
	name   string
	header []string
	schema interface{}
	rows   []exportRow
}

type auctionRow struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Creator       string `parquet:"name=creator, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContentHash   string `parquet:"name=content_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReservePrice  string `parquet:"name=reserve_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	HighestBid    string `parquet:"name=highest_bid, type=BYTE_ARRAY, convertedtype=UTF8"`
	HighestBidder string `parquet:"name=highest_bidder, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidCount      int64  `parquet:"name=bid_count, type=INT64"`
	EndTime       int64  `parquet:"name=end_time, type=INT64"`
	SealedAt      int64  `parquet:"name=sealed_at, type=INT64"`
	Attributed    bool   `parquet:"name=attributed, type=BOOLEAN"`
}

func (r *auctionRow) csvRecord() []string {
	return []string{
		r.ID, r.Creator, r.ContentHash, r.Status, r.ReservePrice, r.HighestBid, r.HighestBidder,
		strconv.FormatInt(r.BidCount, 10), strconv.FormatInt(r.EndTime, 10), strconv.FormatInt(r.SealedAt, 10),
		strconv.FormatBool(r.Attributed),
	}
}

type claimRow struct {
	Claimant     string `parquet:"name=claimant, type=BYTE_ARRAY, convertedtype=UTF8"`
	CapsuleID    string `parquet:"name=capsule_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalEarned  string `parquet:"name=total_earned, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalClaimed string `parquet:"name=total_claimed, type=BYTE_ARRAY, convertedtype=UTF8"`
	Claimable    string `parquet:"name=claimable, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastClaimAt  int64  `parquet:"name=last_claim_at, type=INT64"`
}

func (r *claimRow) csvRecord() []string {
	return []string{r.Claimant, r.CapsuleID, r.TotalEarned, r.TotalClaimed, r.Claimable, strconv.FormatInt(r.LastClaimAt, 10)}
}

type poolRow struct {
	Chain              string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	AprBps             int32  `parquet:"name=apr_bps, type=INT32"`
	Validators         int32  `parquet:"name=validators, type=INT32"`
	TotalStaked        string `parquet:"name=total_staked, type=BYTE_ARRAY, convertedtype=UTF8"`
	RewardsDistributed string `parquet:"name=rewards_distributed, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastAccrual        int64  `parquet:"name=last_accrual, type=INT64"`
}

func (r *poolRow) csvRecord() []string {
	return []string{
		r.Chain, strconv.FormatInt(int64(r.AprBps), 10), strconv.FormatInt(int64(r.Validators), 10),
		r.TotalStaked, r.RewardsDistributed, strconv.FormatInt(r.LastAccrual, 10),
	}
}

type intentRow struct {
	CorrelationID string `parquet:"name=correlation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind          string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntityID      string `parquet:"name=entity_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	From          string `parquet:"name=from, type=BYTE_ARRAY, convertedtype=UTF8"`
	To            string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts      int32  `parquet:"name=attempts, type=INT32"`
	CreatedAt     int64  `parquet:"name=created_at, type=INT64"`
	ResolvedAt    int64  `parquet:"name=resolved_at, type=INT64"`
}

func (r *intentRow) csvRecord() []string {
	return []string{
		r.CorrelationID, r.Kind, r.EntityID, r.From, r.To, r.Amount, r.Status,
		strconv.FormatInt(int64(r.Attempts), 10), strconv.FormatInt(r.CreatedAt, 10), strconv.FormatInt(r.ResolvedAt, 10),
	}
}

func (e *Exporter) collect() ([]table, error) {
	auctions, err := e.coord.Auctions().List(auction.Filter{})
	if err != nil {
		return nil, fmt.Errorf("export: list auctions: %w", err)
	}
	auctionTable := table{
		name:   "auctions",
		header: []string{"id", "creator", "content_hash", "status", "reserve_price", "highest_bid", "highest_bidder", "bid_count", "end_time", "sealed_at", "attributed"},
		schema: new(auctionRow),
	}
	for _, a := range auctions {
		auctionTable.rows = append(auctionTable.rows, &auctionRow{
			ID:            a.ID,
			Creator:       a.Creator,
			ContentHash:   a.ContentHash,
			Status:        a.Status.String(),
			ReservePrice:  amountString(a.ReservePrice),
			HighestBid:    amountString(a.HighestBid),
			HighestBidder: a.HighestBidder,
			BidCount:      int64(a.BidCount),
			EndTime:       a.EndTime,
			SealedAt:      a.SealedAt,
			Attributed:    a.Attributed,
		})
	}

	claims, err := e.coord.Yield().Claims("")
	if err != nil {
		return nil, fmt.Errorf("export: list claims: %w", err)
	}
	claimTable := table{
		name:   "claims",
		header: []string{"claimant", "capsule_id", "total_earned", "total_claimed", "claimable", "last_claim_at"},
		schema: new(claimRow),
	}
	for _, c := range claims {
		claimTable.rows = append(claimTable.rows, &claimRow{
			Claimant:     c.Claimant,
			CapsuleID:    c.CapsuleID,
			TotalEarned:  amountString(c.TotalEarned),
			TotalClaimed: amountString(c.TotalClaimed),
			Claimable:    amountString(c.Claimable()),
			LastClaimAt:  c.LastClaimAt,
		})
	}

	view, err := e.coord.GetAggregateView()
	if err != nil {
		return nil, fmt.Errorf("export: aggregate view: %w", err)
	}
	poolTable := table{
		name:   "pools",
		header: []string{"chain", "apr_bps", "validators", "total_staked", "rewards_distributed", "last_accrual"},
		schema: new(poolRow),
	}
	for _, p := range view.Pools {
		poolTable.rows = append(poolTable.rows, &poolRow{
			Chain:              p.Chain,
			AprBps:             int32(p.AprBps),
			Validators:         int32(p.Validators),
			TotalStaked:        amountString(p.TotalStaked),
			RewardsDistributed: amountString(p.RewardsDistributed),
			LastAccrual:        p.LastAccrual,
		})
	}

	intents, err := e.coord.Intents(ledger.IntentFilter{})
	if err != nil {
		return nil, fmt.Errorf("export: list intents: %w", err)
	}
	intentTable := table{
		name:   "intents",
		header: []string{"correlation_id", "kind", "entity_id", "from", "to", "amount", "status", "attempts", "created_at", "resolved_at"},
		schema: new(intentRow),
	}
	for _, in := range intents {
		intentTable.rows = append(intentTable.rows, newIntentRow(in))
	}
	return []table{auctionTable, claimTable, poolTable, intentTable}, nil
}

func newIntentRow(in *intent.Intent) *intentRow {
	return &intentRow{
		CorrelationID: in.CorrelationID,
		Kind:          string(in.Kind),
		EntityID:      in.EntityID,
		From:          in.From,
		To:            in.To,
		Amount:        amountString(in.Amount),
		Status:        string(in.Status),
		Attempts:      int32(in.Attempts),
		CreatedAt:     in.CreatedAt,
		ResolvedAt:    in.ResolvedAt,
	}
}

// Run writes every report into a fresh run directory and returns the manifest.
func (e *Exporter) Run(ctx context.Context) (*Manifest, error) {
	tables, err := e.collect()
	if err != nil {
		return nil, err
	}
	generated := e.now().UTC()
	runDir := filepath.Join(e.dir, generated.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create run dir: %w", err)
	}
	manifest := &Manifest{GeneratedAt: generated, Directory: runDir}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		csvName := t.name + ".csv"
		if err := writeCSV(filepath.Join(runDir, csvName), t.header, t.rows); err != nil {
			return nil, err
		}
		entry, err := describe(runDir, csvName, len(t.rows))
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
		if !e.parquet {
			continue
		}
		parquetName := t.name + ".parquet"
		if err := writeParquet(filepath.Join(runDir, parquetName), t.schema, t.rows); err != nil {
			return nil, err
		}
		entry, err = describe(runDir, parquetName, len(t.rows))
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("export: write manifest: %w", err)
	}
	e.logger.Info("export written", slog.String("directory", runDir), slog.Int("files", len(manifest.Files)))
	return manifest, nil
}

func writeCSV(path string, header []string, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row.csvRecord()); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return file.Close()
}

func writeParquet(path string, schema interface{}, rows []exportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

func describe(dir, name string, rows int) (ManifestFile, error) {
	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return ManifestFile{}, fmt.Errorf("export: open %s: %w", name, err)
	}
	defer file.Close()
	hasher := blake3.New(32, nil)
	n, err := io.Copy(hasher, file)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("export: digest %s: %w", name, err)
	}
	return ManifestFile{Name: name, Rows: rows, Bytes: n, Blake3: hex.EncodeToString(hasher.Sum(nil))}, nil
}
