package payout

import (
	"fmt"
	"math/big"
	"strings"

	serrors "guardiansettle/core/errors"
)

// Model enumerates the revenue models known at compile time.
type Model uint8

const (
	ModelCapsuleMinting Model = iota + 1
	ModelContentUnlock
	ModelSubscription
	ModelYieldStaking
)

// Role is a stakeholder class receiving a share of gross revenue.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleDAO      Role = "dao"
	RolePlatform Role = "platform"
	RoleReferrer Role = "referrer"
)

const bpsDenominator = 10_000

type entry struct {
	role Role
	bps  int64
}

// Tables are expressed in basis points so that every percentage is exact.
var tables = map[Model][]entry{
	ModelCapsuleMinting: {{RoleCreator, 7_000}, {RoleDAO, 2_000}, {RolePlatform, 1_000}},
	ModelContentUnlock:  {{RoleCreator, 5_000}, {RoleReferrer, 2_500}, {RoleDAO, 2_500}},
	ModelSubscription:   {{RoleCreator, 6_000}, {RolePlatform, 3_000}, {RoleDAO, 1_000}},
	ModelYieldStaking:   {{RoleCreator, 9_000}, {RoleDAO, 1_000}},
}

var modelNames = map[Model]string{
	ModelCapsuleMinting: "capsule_minting",
	ModelContentUnlock:  "content_unlock",
	ModelSubscription:   "subscription",
	ModelYieldStaking:   "yield_staking",
}

func init() {
	for model, table := range tables {
		var total int64
		for _, e := range table {
			total += e.bps
		}
		if total != bpsDenominator {
			panic(fmt.Sprintf("payout: model %s sums to %d bps", modelNames[model], total))
		}
	}
}

// String returns the canonical model name.
func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("model(%d)", uint8(m))
}

// Valid reports whether the model has a role table.
func (m Model) Valid() bool {
	_, ok := tables[m]
	return ok
}

// ParseModel resolves a model name. Unknown names fail with UnknownModel;
// there is no fallback table.
func ParseModel(name string) (Model, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for model, known := range modelNames {
		if known == normalized {
			return model, nil
		}
	}
	return 0, serrors.New(serrors.KindUnknownModel, "model", name, "model name not recognised")
}

// Models lists every known model in declaration order.
func Models() []Model {
	return []Model{ModelCapsuleMinting, ModelContentUnlock, ModelSubscription, ModelYieldStaking}
}

// Share is one stakeholder's portion of a split.
type Share struct {
	Role   Role     `json:"role"`
	Amount *big.Int `json:"amount"`
}

// Roles returns the model's roles in table order.
func Roles(model Model) ([]Role, error) {
	table, ok := tables[model]
	if !ok {
		return nil, serrors.New(serrors.KindUnknownModel, "model", model.String(), "model has no role table")
	}
	roles := make([]Role, len(table))
	for i, e := range table {
		roles[i] = e.role
	}
	return roles, nil
}

// ComputeSplit divides gross across the model's roles in integer minor units.
// Each share is floored; whatever the division leaves over is assigned to the
// first role in table order, so the shares always sum to gross.
func ComputeSplit(model Model, gross *big.Int) ([]Share, error) {
	table, ok := tables[model]
	if !ok {
		return nil, serrors.New(serrors.KindUnknownModel, "model", model.String(), "model has no role table")
	}
	if gross == nil || gross.Sign() < 0 {
		return nil, serrors.New(serrors.KindNegativeAmount, "split", model.String(), "gross amount must be non-negative")
	}
	shares := make([]Share, len(table))
	allocated := big.NewInt(0)
	denom := big.NewInt(bpsDenominator)
	for i, e := range table {
		amount := new(big.Int).Mul(gross, big.NewInt(e.bps))
		amount.Quo(amount, denom)
		allocated.Add(allocated, amount)
		shares[i] = Share{Role: e.role, Amount: amount}
	}
	remainder := new(big.Int).Sub(gross, allocated)
	shares[0].Amount.Add(shares[0].Amount, remainder)
	return shares, nil
}

// ComputeSplitByName parses the model name before splitting.
func ComputeSplitByName(name string, gross *big.Int) ([]Share, error) {
	model, err := ParseModel(name)
	if err != nil {
		return nil, err
	}
	return ComputeSplit(model, gross)
}

// Sum adds the share amounts.
func Sum(shares []Share) *big.Int {
	total := big.NewInt(0)
	for _, s := range shares {
		if s.Amount != nil {
			total.Add(total, s.Amount)
		}
	}
	return total
}
