package ledger

import "gorm.io/gorm"

// Monetary columns hold base-10 integer strings so that no driver ever
// rounds an amount.

// AuctionRecord persists auction.Auction.
type AuctionRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Creator       string `gorm:"size:128;index"`
	ContentHash   string `gorm:"size:66"`
	ReservePrice  string `gorm:"type:text;not null"`
	HighestBid    string `gorm:"type:text;not null"`
	HighestBidder string `gorm:"size:128"`
	HighestBidSeq uint64
	BidCount      uint64
	CreatedAt     int64  `gorm:"autoCreateTime:false"`
	EndTime       int64  `gorm:"index"`
	Status        string `gorm:"size:16;index"`
	SealedAt      int64
	Shares        string `gorm:"type:text"`
	Attributed    bool   `gorm:"index"`
}

// BidRecord persists auction.Bid.
type BidRecord struct {
	AuctionID      string `gorm:"primaryKey;size:64"`
	Seq            uint64 `gorm:"primaryKey;autoIncrement:false"`
	Bidder         string `gorm:"size:128;index"`
	Amount         string `gorm:"type:text;not null"`
	PlacedAt       int64
	Refund         string `gorm:"size:16"`
	RefundIntent   string `gorm:"size:96"`
	RefundAttempts uint32
}

// ClaimRecord persists yield.Claim.
type ClaimRecord struct {
	Claimant     string `gorm:"primaryKey;size:128"`
	CapsuleID    string `gorm:"primaryKey;size:128"`
	TotalEarned  string `gorm:"type:text;not null"`
	TotalClaimed string `gorm:"type:text;not null"`
	LastClaimAt  int64
	ClaimCount   uint64
	UpdatedAt    int64 `gorm:"autoUpdateTime:false"`
}

// EarningRecord persists yield.Earning. Ref is nullable so that only
// referenced earnings take part in the unique index.
type EarningRecord struct {
	ID         uint    `gorm:"primaryKey"`
	Claimant   string  `gorm:"size:128;index:idx_earning_claim"`
	CapsuleID  string  `gorm:"size:128;index:idx_earning_claim"`
	Amount     string  `gorm:"type:text;not null"`
	Model      string  `gorm:"size:32"`
	Ref        *string `gorm:"size:191;uniqueIndex"`
	RecordedAt int64
}

// PoolRecord persists staking.Pool.
type PoolRecord struct {
	Chain              string `gorm:"primaryKey;size:64"`
	AprBps             uint32
	Validators         uint32
	TotalStaked        string `gorm:"type:text;not null"`
	RewardsAccrued     string `gorm:"type:text;not null"`
	RewardsDistributed string `gorm:"type:text;not null"`
	LastAccrual        int64
	UpdatedAt          int64 `gorm:"autoUpdateTime:false"`
}

// PositionRecord persists staking.Position.
type PositionRecord struct {
	ID               string `gorm:"primaryKey;size:64"`
	Chain            string `gorm:"size:64;index"`
	Staker           string `gorm:"size:128;index"`
	Principal        string `gorm:"type:text;not null"`
	AccruedReward    string `gorm:"type:text;not null"`
	RewardCarry      string `gorm:"type:text;not null"`
	LockPeriod       int64
	DepositedAt      int64
	LastAccrual      int64
	UnstakeAt        int64
	UnlockAt         int64
	WithdrawnAt      int64
	Status           string `gorm:"size:16;index"`
	WithdrawIntent   string `gorm:"size:96"`
	WithdrawAttempts uint32
	RewardForwarded  bool
}

// IntentRecord persists intent.Intent.
type IntentRecord struct {
	CorrelationID string `gorm:"primaryKey;size:96"`
	Kind          string `gorm:"size:32;index"`
	EntityID      string `gorm:"size:160;index"`
	FromAccount   string `gorm:"size:128"`
	ToAccount     string `gorm:"size:128"`
	Amount        string `gorm:"type:text;not null"`
	Status        string `gorm:"size:16;index"`
	Attempts      int
	LastError     string `gorm:"type:text"`
	Snapshot      string `gorm:"type:text"`
	CreatedAt     int64  `gorm:"autoCreateTime:false;index"`
	SubmittedAt   int64
	ResolvedAt    int64
}

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AuctionRecord{},
		&BidRecord{},
		&ClaimRecord{},
		&EarningRecord{},
		&PoolRecord{},
		&PositionRecord{},
		&IntentRecord{},
	)
}
