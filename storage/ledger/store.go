package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"guardiansettle/core/intent"
	"guardiansettle/native/auction"
	"guardiansettle/native/staking"
	"guardiansettle/native/yield"
)

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("ledger: database dsn must be configured")

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=")
}

// Open connects to Postgres for postgres DSNs and to SQLite otherwise. Plain
// filesystem paths are expanded with FileDSN. The schema is migrated before
// returning.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	if isPostgres(trimmed) {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		if !strings.HasPrefix(trimmed, "file:") && trimmed != ":memory:" {
			if trimmed, err = FileDSN(trimmed); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
		if err == nil {
			// SQLite allows a single writer; serialising connections keeps
			// transactions from failing with SQLITE_BUSY.
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger: nil database handle")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Store{records: records{db: db}}, nil
}

// Store is the durable ledger shared by every engine. Outside of an Update
// call each method runs in its own statement.
type Store struct {
	records
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) transaction(fn func(*records) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&records{db: tx})
	})
}

// AuctionUpdate runs fn inside a single database transaction.
func (s *Store) AuctionUpdate(fn func(auction.State) error) error {
	return s.transaction(func(r *records) error { return fn(r) })
}

// YieldUpdate runs fn inside a single database transaction.
func (s *Store) YieldUpdate(fn func(yield.State) error) error {
	return s.transaction(func(r *records) error { return fn(r) })
}

// StakingUpdate runs fn inside a single database transaction.
func (s *Store) StakingUpdate(fn func(staking.State) error) error {
	return s.transaction(func(r *records) error { return fn(r) })
}

var (
	_ auction.Store = (*Store)(nil)
	_ yield.Store   = (*Store)(nil)
	_ staking.Store = (*Store)(nil)
)

// records implements every engine State on top of a gorm handle, which is
// either the root pool or an open transaction.
type records struct {
	db *gorm.DB
}

func upsert(db *gorm.DB, value interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

func first(db *gorm.DB, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := db.Where(query, args...).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *records) AuctionGet(id string) (*auction.Auction, bool, error) {
	var rec AuctionRecord
	ok, err := first(r.db, &rec, "id = ?", id)
	if err != nil || !ok {
		return nil, false, err
	}
	a, err := auctionFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *records) AuctionPut(a *auction.Auction) error {
	rec, err := auctionToRecord(a)
	if err != nil {
		return err
	}
	return upsert(r.db, rec)
}

func (r *records) AuctionList(filter auction.Filter) ([]*auction.Auction, error) {
	q := r.db.Model(&AuctionRecord{})
	if filter.Status != nil {
		q = q.Where("status = ?", filter.Status.String())
	}
	if filter.Creator != "" {
		q = q.Where("creator = ?", filter.Creator)
	}
	if filter.UnattributedOK {
		q = q.Where("attributed = ?", false)
	}
	var recs []AuctionRecord
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*auction.Auction, 0, len(recs))
	for i := range recs {
		a, err := auctionFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *records) BidGet(auctionID string, seq uint64) (*auction.Bid, bool, error) {
	var rec BidRecord
	ok, err := first(r.db, &rec, "auction_id = ? AND seq = ?", auctionID, seq)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := bidFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *records) BidPut(b *auction.Bid) error {
	return upsert(r.db, bidToRecord(b))
}

func (r *records) BidList(auctionID string) ([]*auction.Bid, error) {
	var recs []BidRecord
	if err := r.db.Where("auction_id = ?", auctionID).Order("seq ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*auction.Bid, 0, len(recs))
	for i := range recs {
		b, err := bidFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *records) ClaimGet(claimant, capsuleID string) (*yield.Claim, bool, error) {
	var rec ClaimRecord
	ok, err := first(r.db, &rec, "claimant = ? AND capsule_id = ?", claimant, capsuleID)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := claimFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (r *records) ClaimPut(c *yield.Claim) error {
	return upsert(r.db, claimToRecord(c))
}

func (r *records) ClaimList(claimant string) ([]*yield.Claim, error) {
	q := r.db.Model(&ClaimRecord{})
	if claimant != "" {
		q = q.Where("claimant = ?", claimant)
	}
	var recs []ClaimRecord
	if err := q.Order("claimant ASC, capsule_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*yield.Claim, 0, len(recs))
	for i := range recs {
		c, err := claimFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *records) EarningPut(e *yield.Earning) error {
	return r.db.Create(earningToRecord(e)).Error
}

func (r *records) EarningList(claimant, capsuleID string) ([]*yield.Earning, error) {
	var recs []EarningRecord
	if err := r.db.Where("claimant = ? AND capsule_id = ?", claimant, capsuleID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*yield.Earning, 0, len(recs))
	for i := range recs {
		e, err := earningFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *records) EarningByRef(ref string) (*yield.Earning, bool, error) {
	var rec EarningRecord
	ok, err := first(r.db, &rec, "ref = ?", ref)
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := earningFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *records) PoolGet(chain string) (*staking.Pool, bool, error) {
	var rec PoolRecord
	ok, err := first(r.db, &rec, "chain = ?", chain)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := poolFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (r *records) PoolPut(p *staking.Pool) error {
	return upsert(r.db, poolToRecord(p))
}

func (r *records) PoolList() ([]*staking.Pool, error) {
	var recs []PoolRecord
	if err := r.db.Order("chain ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*staking.Pool, 0, len(recs))
	for i := range recs {
		p, err := poolFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *records) PositionGet(id string) (*staking.Position, bool, error) {
	var rec PositionRecord
	ok, err := first(r.db, &rec, "id = ?", id)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := positionFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (r *records) PositionPut(p *staking.Position) error {
	return upsert(r.db, positionToRecord(p))
}

// PositionList returns the positions of a chain, or of every chain when
// chain is empty.
func (r *records) PositionList(chain string) ([]*staking.Position, error) {
	q := r.db.Model(&PositionRecord{})
	if chain != "" {
		q = q.Where("chain = ?", chain)
	}
	var recs []PositionRecord
	if err := q.Order("deposited_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*staking.Position, 0, len(recs))
	for i := range recs {
		p, err := positionFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *records) IntentGet(correlationID string) (*intent.Intent, bool, error) {
	var rec IntentRecord
	ok, err := first(r.db, &rec, "correlation_id = ?", correlationID)
	if err != nil || !ok {
		return nil, false, err
	}
	in, err := intentFromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

func (r *records) IntentPut(in *intent.Intent) error {
	rec, err := intentToRecord(in)
	if err != nil {
		return err
	}
	return upsert(r.db, rec)
}

// IntentFilter narrows intent listings. Zero values match everything.
type IntentFilter struct {
	Statuses []intent.Status
	Kind     intent.Kind
	Limit    int
}

// IntentList returns intents oldest first.
func (s *Store) IntentList(filter IntentFilter) ([]*intent.Intent, error) {
	q := s.db.Model(&IntentRecord{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var recs []IntentRecord
	if err := q.Order("created_at ASC, correlation_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*intent.Intent, 0, len(recs))
	for i := range recs {
		in, err := intentFromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// IntentMarkSubmitted records a hand-off to the transfer capability. Only
// the submission columns change, so a concurrent engine resolution is never
// overwritten.
func (s *Store) IntentMarkSubmitted(correlationID string, submittedAt int64, attempts int) error {
	return s.db.Model(&IntentRecord{}).
		Where("correlation_id = ?", correlationID).
		Updates(map[string]interface{}{"submitted_at": submittedAt, "attempts": attempts, "last_error": ""}).Error
}

// IntentRecordAttempt records a failed submission attempt.
func (s *Store) IntentRecordAttempt(correlationID string, attempts int, lastError string) error {
	return s.db.Model(&IntentRecord{}).
		Where("correlation_id = ?", correlationID).
		Updates(map[string]interface{}{"attempts": attempts, "last_error": lastError}).Error
}

// IntentCounts tallies intents by status.
func (s *Store) IntentCounts() (map[intent.Status]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.Model(&IntentRecord{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[intent.Status]int64, len(rows))
	for _, row := range rows {
		out[intent.Status(row.Status)] = row.Count
	}
	return out, nil
}

// SubmittedVolume sums the amounts of intents of a kind submitted at or
// after since. It seeds the outbound cap after a restart.
func (s *Store) SubmittedVolume(kind intent.Kind, since int64) (*big.Int, error) {
	var amounts []string
	if err := s.db.Model(&IntentRecord{}).
		Where("kind = ? AND submitted_at >= ? AND submitted_at > 0", string(kind), since).
		Pluck("amount", &amounts).Error; err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, raw := range amounts {
		v, err := parseAmount("intent amount", raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}
