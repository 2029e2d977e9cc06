package settled

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
)

// ErrDailyCapExceeded indicates that submitting a transfer would exceed the configured window cap.
var ErrDailyCapExceeded = serrors.ErrDailyCapExceeded

// Policy caps the outbound volume of one intent kind per UTC day.
type Policy struct {
	Kind     intent.Kind
	DailyCap *big.Int
}

type policyFile struct {
	Kind     string `yaml:"kind"`
	DailyCap string `yaml:"daily_cap"`
}

// LoadPolicies reads policies from the provided YAML file on disk.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []policyFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	policies := make([]Policy, 0, len(entries))
	for _, entry := range entries {
		capAmount, err := parseDecimal(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("kind %s daily_cap: %w", entry.Kind, err)
		}
		policies = append(policies, Policy{Kind: intent.Kind(strings.TrimSpace(entry.Kind)), DailyCap: capAmount})
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Kind < policies[j].Kind })
	return policies, nil
}

func parseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// PolicyEnforcer tracks submitted volume against the configured caps.
// Kinds without a policy are unlimited.
type PolicyEnforcer struct {
	mu       sync.Mutex
	policies map[intent.Kind]Policy
	totals   map[intent.Kind]map[string]*big.Int
}

// NewPolicyEnforcer constructs an enforcer for the supplied policies.
func NewPolicyEnforcer(policies []Policy) (*PolicyEnforcer, error) {
	registry := make(map[intent.Kind]Policy, len(policies))
	totals := make(map[intent.Kind]map[string]*big.Int, len(policies))
	for _, policy := range policies {
		if !policy.Kind.Valid() {
			return nil, fmt.Errorf("unknown intent kind %q", policy.Kind)
		}
		if _, exists := registry[policy.Kind]; exists {
			return nil, fmt.Errorf("duplicate policy for kind %s", policy.Kind)
		}
		if policy.DailyCap == nil || policy.DailyCap.Sign() <= 0 {
			return nil, fmt.Errorf("kind %s: daily cap must be positive", policy.Kind)
		}
		registry[policy.Kind] = Policy{Kind: policy.Kind, DailyCap: new(big.Int).Set(policy.DailyCap)}
		totals[policy.Kind] = make(map[string]*big.Int)
	}
	return &PolicyEnforcer{policies: registry, totals: totals}, nil
}

// Kinds lists the capped intent kinds.
func (p *PolicyEnforcer) Kinds() []intent.Kind {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]intent.Kind, 0, len(p.policies))
	for kind := range p.policies {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate ensures a submission complies with the configured caps.
func (p *PolicyEnforcer) Validate(kind intent.Kind, amount *big.Int, now time.Time) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[kind]; !ok {
		return nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	if p.remainingLocked(kind, now).Cmp(amount) < 0 {
		return ErrDailyCapExceeded
	}
	return nil
}

// Record notes a submission against the configured caps.
func (p *PolicyEnforcer) Record(kind intent.Kind, amount *big.Int, now time.Time) {
	if p == nil || amount == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[kind]; !ok {
		return
	}
	dayKey := dayBucket(now)
	if _, ok := p.totals[kind][dayKey]; !ok {
		p.totals[kind][dayKey] = big.NewInt(0)
	}
	p.totals[kind][dayKey].Add(p.totals[kind][dayKey], amount)
	for key := range p.totals[kind] {
		if key < dayKey {
			delete(p.totals[kind], key)
		}
	}
}

// RemainingCap reports the remaining allowance for the kind in the current
// window, or nil when the kind is unlimited.
func (p *PolicyEnforcer) RemainingCap(kind intent.Kind, now time.Time) *big.Int {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[kind]; !ok {
		return nil
	}
	return p.remainingLocked(kind, now)
}

// Exceeds reports whether amount is larger than the whole daily cap of the
// kind, so no window could ever admit it.
func (p *PolicyEnforcer) Exceeds(kind intent.Kind, amount *big.Int) bool {
	limit := p.DailyCap(kind)
	return limit != nil && amount != nil && amount.Cmp(limit) > 0
}

// DailyCap returns the configured cap for the kind, or nil when unlimited.
func (p *PolicyEnforcer) DailyCap(kind intent.Kind) *big.Int {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[kind]
	if !ok {
		return nil
	}
	return new(big.Int).Set(policy.DailyCap)
}

func (p *PolicyEnforcer) remainingLocked(kind intent.Kind, now time.Time) *big.Int {
	policy := p.policies[kind]
	spent := p.totals[kind][dayBucket(now)]
	if spent == nil {
		spent = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(policy.DailyCap, spent)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining
}

// Snapshot returns the remaining cap per kind for observability endpoints.
func (p *PolicyEnforcer) Snapshot(now time.Time) map[intent.Kind]*big.Int {
	out := make(map[intent.Kind]*big.Int)
	if p == nil {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind := range p.policies {
		out[kind] = p.remainingLocked(kind, now)
	}
	return out
}

// DayStart returns the start of the UTC window containing now.
func DayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
