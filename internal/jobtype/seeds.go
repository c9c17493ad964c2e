package jobtype

import (
	"fmt"
	"sort"
	"strings"

	"github.com/repotrial/nedrexapi-v2d/internal/network"
)

const (
	SeedTypeGene    = "gene"
	SeedTypeProtein = "protein"

	NetworkDefault        = "DEFAULT"
	NetworkSharedDisorder = "SHARED_DISORDER"
)

// NormaliseSeeds upper-cases seeds, infers whether they are genes or
// proteins and strips the database prefix. The result is de-duplicated and
// sorted.
func NormaliseSeeds(seeds []string) ([]string, string) {
	out := make([]string, len(seeds))
	for i, s := range seeds {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	seedType := SeedTypeProtein
	switch {
	case all(out, func(s string) bool { return strings.HasPrefix(s, "ENTREZ.") }):
		seedType = SeedTypeGene
		for i, s := range out {
			out[i] = strings.TrimPrefix(s, "ENTREZ.")
		}
	case all(out, isNumeric):
		seedType = SeedTypeGene
	case all(out, func(s string) bool { return strings.HasPrefix(s, "UNIPROT.") }):
		for i, s := range out {
			out[i] = strings.TrimPrefix(s, "UNIPROT.")
		}
	}
	return sortedSet(out), seedType
}

// Prefix returns the identifier prefix used in the network exports for a
// seed type.
func Prefix(seedType string) string {
	if seedType == SeedTypeProtein {
		return "uniprot."
	}
	return "entrez."
}

var networks = map[[2]string]string{
	{SeedTypeGene, NetworkDefault}:        network.KeyGGIPPI,
	{SeedTypeProtein, NetworkDefault}:     network.KeyPPI,
	{SeedTypeGene, NetworkSharedDisorder}: network.KeyGGISharedDisorder,
}

// ResolveNetwork maps a seed type and network choice to the exported network
// the tools run on. A choice that is not a known network is a
// ValidationError; a known network the seed type cannot use is an
// IncompatibleParametersError.
func ResolveNetwork(seedType, choice string) (string, error) {
	if choice != NetworkDefault && choice != NetworkSharedDisorder {
		return "", invalid("network", fmt.Sprintf("network must be one of `%s|%s`, got %q", NetworkDefault, NetworkSharedDisorder, choice))
	}
	key, ok := networks[[2]string{seedType, choice}]
	if !ok {
		return "", &IncompatibleParametersError{SeedType: seedType, Network: choice}
	}
	return key, nil
}

func all(items []string, pred func(string) bool) bool {
	for _, s := range items {
		if !pred(s) {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedSet(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
