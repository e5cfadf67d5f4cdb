package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pesde-go/pesde/pkg/specifier"
)

// OverrideKey is a set of alias-path chains, each denoting an edge
// sequence from the root to the overridden edge. The manifest's
// [overrides] table keys are parsed into these from strings of the form
// "a>b>c" (comma-separated list of such chains sharing one specifier).
type OverrideKey struct {
	Chains [][]specifier.Alias
}

// ParseOverrideKey parses the comma-separated, ">"-separated grammar
// described in the manifest's [overrides] table.
func ParseOverrideKey(raw string) (OverrideKey, error) {
	var key OverrideKey
	for _, chainStr := range strings.Split(raw, ",") {
		chainStr = strings.TrimSpace(chainStr)
		if chainStr == "" {
			return OverrideKey{}, fmt.Errorf("override key %q contains an empty chain", raw)
		}
		var chain []specifier.Alias
		for _, part := range strings.Split(chainStr, ">") {
			alias, err := specifier.ParseAlias(strings.TrimSpace(part))
			if err != nil {
				return OverrideKey{}, fmt.Errorf("override key %q: %w", raw, err)
			}
			chain = append(chain, alias)
		}
		key.Chains = append(key.Chains, chain)
	}
	return key, nil
}

// Matches reports whether aliasPath (root-to-current, exclusive of the
// child alias) plus childAlias matches any chain in this key.
func (k OverrideKey) Matches(aliasPath []specifier.Alias, childAlias specifier.Alias) bool {
	full := make([]specifier.Alias, 0, len(aliasPath)+1)
	full = append(full, aliasPath...)
	full = append(full, childAlias)

	for _, chain := range k.Chains {
		if len(chain) != len(full) {
			continue
		}
		match := true
		for i := range chain {
			if !chain[i].Equal(full[i]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ParsedOverride pairs one key of m.Overrides, decoded into an
// OverrideKey, with its specifier.
type ParsedOverride struct {
	Key       OverrideKey
	Specifier specifier.DependencySpecifier
}

// ParseOverrides parses all override keys in the manifest, returning them
// as a slice in sorted raw-key order so that iteration is deterministic.
func (m *Manifest) ParseOverrides() ([]ParsedOverride, error) {
	rawKeys := make([]string, 0, len(m.Overrides))
	for raw := range m.Overrides {
		rawKeys = append(rawKeys, raw)
	}
	sort.Strings(rawKeys)

	out := make([]ParsedOverride, 0, len(rawKeys))
	for _, raw := range rawKeys {
		key, err := ParseOverrideKey(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ParsedOverride{Key: key, Specifier: m.Overrides[raw]})
	}
	return out, nil
}

// FindOverride returns the first parsed override whose key matches
// aliasPath+childAlias, if any.
func FindOverride(overrides []ParsedOverride, aliasPath []specifier.Alias, childAlias specifier.Alias) (specifier.DependencySpecifier, bool) {
	for _, po := range overrides {
		if po.Key.Matches(aliasPath, childAlias) {
			return po.Specifier, true
		}
	}
	return specifier.DependencySpecifier{}, false
}
