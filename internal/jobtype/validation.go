package jobtype

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// ValidationFamily is the route family shared by the validation job types.
const ValidationFamily = "validation"

const (
	minPermutations = 1_000
	maxPermutations = 10_000
)

// Static networks the validation scripts read, relative to the static dir.
const (
	ValidationGeneNetwork    = "GGI.gt"
	ValidationProteinNetwork = "PPI-NeDRexDB-concise.gt"
)

type validationRequest struct {
	ModuleMembers     []string `json:"module_members"`
	ModuleMemberType  *string  `json:"module_member_type"`
	TrueDrugs         []string `json:"true_drugs"`
	Permutations      *int     `json:"permutations"`
	OnlyApprovedDrugs *bool    `json:"only_approved_drugs"`
}

func (r *validationRequest) common(q models.Query) error {
	if len(r.TrueDrugs) == 0 {
		return missing("true_drugs", "true_drugs must be specified and cannot be empty")
	}
	if r.Permutations == nil {
		return missing("permutations", "permutations must be specified")
	}
	if p := *r.Permutations; p < minPermutations || p > maxPermutations {
		return invalid("permutations", "permutations must be in [1000, 10,000]")
	}
	q["true_drugs"] = prefixed(r.TrueDrugs, "drugbank.")
	q["permutations"] = *r.Permutations
	q["only_approved_drugs"] = boolOr(r.OnlyApprovedDrugs, true)
	return nil
}

func (r *validationRequest) module(q models.Query) error {
	if len(r.ModuleMembers) == 0 {
		return missing("module_members", "module_members must be specified and cannot be empty")
	}
	memberType := ""
	if r.ModuleMemberType != nil {
		memberType = strings.ToLower(*r.ModuleMemberType)
	}
	switch memberType {
	case SeedTypeGene:
		q["module_members"] = prefixed(r.ModuleMembers, "entrez.")
	case SeedTypeProtein:
		q["module_members"] = prefixed(r.ModuleMembers, "uniprot.")
	default:
		return invalid("module_member_type", "module_member_type must be one of `gene|protein`")
	}
	q["module_member_type"] = memberType
	return nil
}

var validationFields = []string{"true_drugs", "permutations", "only_approved_drugs", "validation_type"}

// JointValidation validates a disease module together with candidate drugs.
func JointValidation() *Definition {
	return &Definition{
		Name:   "validation-joint",
		Family: ValidationFamily,
		Title:  "joint validation",
		Fields: withFields(validationFields, "module_members", "module_member_type", "test_drugs"),
		Build: func(body []byte) (models.Query, error) {
			var req struct {
				validationRequest
				TestDrugs []string `json:"test_drugs"`
			}
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			if len(req.TestDrugs) == 0 {
				return nil, missing("test_drugs", "test_drugs must be specified and cannot be empty")
			}
			q := models.Query{"validation_type": "joint"}
			if err := req.common(q); err != nil {
				return nil, err
			}
			if err := req.module(q); err != nil {
				return nil, err
			}
			q["test_drugs"] = prefixed(req.TestDrugs, "drugbank.")
			return q, nil
		},
		Run: func(ctx context.Context, x *Execution) (map[string]any, error) {
			q := x.query()
			return runValidation(ctx, x, "joint validation", "joint_validation.py",
				q.Strings("module_members"),
				q.Strings("test_drugs"),
				q.Strings("true_drugs"),
			)
		},
	}
}

// ModuleValidation validates a disease module against known drugs.
func ModuleValidation() *Definition {
	return &Definition{
		Name:   "validation-module",
		Family: ValidationFamily,
		Title:  "module-based validation",
		Fields: withFields(validationFields, "module_members", "module_member_type"),
		Build: func(body []byte) (models.Query, error) {
			var req validationRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			q := models.Query{"validation_type": "module"}
			if err := req.common(q); err != nil {
				return nil, err
			}
			if err := req.module(q); err != nil {
				return nil, err
			}
			return q, nil
		},
		Run: func(ctx context.Context, x *Execution) (map[string]any, error) {
			q := x.query()
			return runValidation(ctx, x, "module-based validation", "module_validation.py",
				q.Strings("module_members"),
				q.Strings("true_drugs"),
			)
		},
	}
}

// DrugValidation validates a ranked list of candidate drugs.
func DrugValidation() *Definition {
	return &Definition{
		Name:   "validation-drug",
		Family: ValidationFamily,
		Title:  "drug-based validation",
		Fields: withFields(validationFields, "test_drugs"),
		Build: func(body []byte) (models.Query, error) {
			var req struct {
				TestDrugs         [][]any  `json:"test_drugs"`
				TrueDrugs         []string `json:"true_drugs"`
				Permutations      *int     `json:"permutations"`
				OnlyApprovedDrugs *bool    `json:"only_approved_drugs"`
			}
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			if len(req.TestDrugs) == 0 {
				return nil, missing("test_drugs", "test_drugs must be specified and cannot be empty")
			}
			q := models.Query{"validation_type": "drug"}
			common := validationRequest{
				TrueDrugs:         req.TrueDrugs,
				Permutations:      req.Permutations,
				OnlyApprovedDrugs: req.OnlyApprovedDrugs,
			}
			if err := common.common(q); err != nil {
				return nil, err
			}
			scored, err := scoredDrugs(req.TestDrugs)
			if err != nil {
				return nil, err
			}
			q["test_drugs"] = scored
			return q, nil
		},
		Run: runDrugValidation,
	}
}

type scoredDrug struct {
	drug  string
	score float64
}

// scoredDrugs checks [drug, score] pairs, orders them by score then drug and
// adds the drugbank prefix.
func scoredDrugs(raw [][]any) ([][]any, error) {
	drugs := make([]scoredDrug, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, invalid("test_drugs", "test_drugs must be a list of [drug, score] pairs")
		}
		name, ok := pair[0].(string)
		score, ok2 := pair[1].(float64)
		if !ok || !ok2 {
			return nil, invalid("test_drugs", "test_drugs must be a list of [drug, score] pairs")
		}
		if !strings.HasPrefix(name, "drugbank.") {
			name = "drugbank." + name
		}
		drugs = append(drugs, scoredDrug{drug: name, score: score})
	}
	sort.SliceStable(drugs, func(i, j int) bool {
		if drugs[i].score != drugs[j].score {
			return drugs[i].score < drugs[j].score
		}
		return drugs[i].drug < drugs[j].drug
	})
	out := make([][]any, len(drugs))
	for i, d := range drugs {
		out[i] = []any{d.drug, d.score}
	}
	return out, nil
}

func runDrugValidation(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	var test []string
	switch v := q["test_drugs"].(type) {
	case [][]any:
		for _, pair := range v {
			test = append(test, pairLine(pair))
		}
	case []any:
		for _, item := range v {
			if pair, ok := item.([]any); ok {
				test = append(test, pairLine(pair))
			}
		}
	}
	testPath := filepath.Join(x.WorkDir, "test_drugs.txt")
	truePath := filepath.Join(x.WorkDir, "true_drugs.txt")
	if err := writeLines(testPath, test); err != nil {
		return nil, err
	}
	if err := writeLines(truePath, q.Strings("true_drugs")); err != nil {
		return nil, err
	}
	outfile := filepath.Join(x.WorkDir, "result.txt")
	perms, _ := q.Int("permutations")
	if _, err := x.python(ctx, "drug-based validation", filepath.Join("nedrex_validation", "drugs_validation.py"),
		testPath, truePath, strconv.Itoa(perms), yesNo(q.Bool("only_approved_drugs")), outfile,
	); err != nil {
		return nil, err
	}
	return parsePValues(outfile, map[string]string{
		"The computed empirical p-value based on DCG":              "empirical DCG-based p-value",
		"The computed empirical p-value without considering ranks": "empirical p-value without considering ranks",
	}, func(line string) string {
		return line[strings.LastIndex(line, ":")+1:]
	})
}

func pairLine(pair []any) string {
	parts := make([]string, len(pair))
	for i, p := range pair {
		switch v := p.(type) {
		case float64:
			parts[i] = formatFloat(v)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\t")
}

// runValidation runs a module based validation script. inputs are written to
// files passed in order after the network.
func runValidation(ctx context.Context, x *Execution, tool, script string, inputs ...[]string) (map[string]any, error) {
	q := x.query()
	network := ValidationGeneNetwork
	if q.String("module_member_type") == SeedTypeProtein {
		network = ValidationProteinNetwork
	}
	args := []string{filepath.Join(x.Env.StaticDir, network)}
	for i, in := range inputs {
		path := filepath.Join(x.WorkDir, fmt.Sprintf("input_%d.txt", i))
		if err := writeLines(path, in); err != nil {
			return nil, err
		}
		args = append(args, path)
	}
	outfile := filepath.Join(x.WorkDir, "result.txt")
	perms, _ := q.Int("permutations")
	args = append(args, strconv.Itoa(perms), yesNo(q.Bool("only_approved_drugs")), outfile)

	if _, err := x.python(ctx, tool, filepath.Join("nedrex_validation", script), args...); err != nil {
		return nil, err
	}
	return parsePValues(outfile, map[string]string{
		"The computed empirical p-value (precision-based) for": "empirical (precision-based) p-value",
		"The computed empirical p-value for":                   "empirical p-value",
	}, func(line string) string {
		fields := strings.Fields(line)
		return fields[len(fields)-1]
	})
}

// parsePValues scans a validation report for the lines starting with the
// given prefixes and stores the value extracted from each under its key.
// Longer prefixes win when several match.
func parsePValues(path string, prefixes map[string]string, value func(line string) string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open validation report: %w", err)
	}
	defer f.Close()

	ordered := make([]string, 0, len(prefixes))
	for p := range prefixes {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	results := map[string]any{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, p := range ordered {
			if !strings.HasPrefix(line, p) {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(value(line)), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid p-value in %q: %w", line, err)
			}
			results[prefixes[p]] = v
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read validation report: %w", err)
	}
	for _, key := range prefixes {
		if _, ok := results[key]; !ok {
			return nil, fmt.Errorf("validation report has no %q", key)
		}
	}
	return results, nil
}

// prefixed adds prefix to items lacking it, then de-duplicates and sorts.
func prefixed(items []string, prefix string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		if !strings.HasPrefix(s, prefix) {
			s = prefix + s
		}
		out[i] = s
	}
	return sortedSet(out)
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
