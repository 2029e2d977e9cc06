package settled

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"guardiansettle/native/staking"
)

// PoolDefinition configures one supported staking chain.
type PoolDefinition struct {
	Chain      string `toml:"chain"`
	AprBps     uint32 `toml:"apr_bps"`
	Validators uint32 `toml:"validators"`
}

type poolFile struct {
	Pools []PoolDefinition `toml:"pool"`
}

// LoadPools reads [[pool]] tables from a TOML file.
func LoadPools(path string) ([]PoolDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pools: path required")
	}
	var parsed poolFile
	meta, err := toml.DecodeFile(path, &parsed)
	if err != nil {
		return nil, fmt.Errorf("pools: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pools: unknown fields %v", undecoded)
	}
	if len(parsed.Pools) == 0 {
		return nil, errors.New("pools: at least one pool is required")
	}
	seen := make(map[string]struct{}, len(parsed.Pools))
	for i := range parsed.Pools {
		def := &parsed.Pools[i]
		def.Chain = staking.NormalizeChain(def.Chain)
		if def.Chain == "" {
			return nil, fmt.Errorf("pools: entry %d chain required", i)
		}
		if _, dup := seen[def.Chain]; dup {
			return nil, fmt.Errorf("pools: duplicate chain %s", def.Chain)
		}
		seen[def.Chain] = struct{}{}
	}
	return parsed.Pools, nil
}

// ApplyPools creates or updates every defined pool.
func ApplyPools(engine *staking.Engine, defs []PoolDefinition) error {
	for _, def := range defs {
		if _, err := engine.ConfigurePool(def.Chain, def.AprBps, def.Validators); err != nil {
			return fmt.Errorf("pools: configure %s: %w", def.Chain, err)
		}
	}
	return nil
}
