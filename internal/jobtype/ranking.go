package jobtype

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// RankingNetwork is the drug/protein graph both ranking algorithms run on,
// relative to the static directory.
const RankingNetwork = "PPDr-for-ranking.graphml"

type rankingRequest struct {
	Seeds             []string `json:"seeds"`
	OnlyDirectDrugs   *bool    `json:"only_direct_drugs"`
	OnlyApprovedDrugs *bool    `json:"only_approved_drugs"`
	N                 *int     `json:"N"`
}

func (r *rankingRequest) query() (models.Query, error) {
	if len(r.Seeds) == 0 {
		return nil, missing("seeds", "No seeds submitted")
	}
	seeds := make([]string, len(r.Seeds))
	for i, s := range r.Seeds {
		seeds[i] = strings.ReplaceAll(s, "uniprot.", "")
	}
	q := models.Query{
		"seed_proteins":       sortedSet(seeds),
		"only_direct_drugs":   boolOr(r.OnlyDirectDrugs, true),
		"only_approved_drugs": boolOr(r.OnlyApprovedDrugs, true),
		"N":                   nil,
	}
	if r.N != nil {
		if *r.N < 0 {
			return nil, invalid("N", "N must not be negative")
		}
		q["N"] = *r.N
	}
	return q, nil
}

var rankingFields = []string{"seed_proteins", "only_direct_drugs", "only_approved_drugs", "N"}

// Closeness ranks drugs by closeness centrality to the seed proteins.
func Closeness() *Definition {
	return &Definition{
		Name:   "closeness",
		Title:  "closeness",
		Fields: withFields(rankingFields),
		Build: func(body []byte) (models.Query, error) {
			var req rankingRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			return req.query()
		},
		Run: func(ctx context.Context, x *Execution) (map[string]any, error) {
			return runRanking(ctx, x, "closeness", "run_closeness.py", func(network, seeds, out string) []string {
				return []string{"-n", network, "-s", seeds, "-o", out}
			})
		},
		Artifact:  func(uid uuid.UUID) string { return uid.String() + ".txt" },
		MediaType: "text/plain",
	}
}

type trustRankRequest struct {
	rankingRequest
	DampingFactor *float64 `json:"damping_factor"`
}

// TrustRank ranks drugs by TrustRank propagated from the seed proteins.
func TrustRank() *Definition {
	return &Definition{
		Name:   "trustrank",
		Title:  "TrustRank",
		Fields: withFields(rankingFields, "damping_factor"),
		Build: func(body []byte) (models.Query, error) {
			var req trustRankRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			q, err := req.query()
			if err != nil {
				return nil, err
			}
			df := floatOr(req.DampingFactor, 0.85)
			if df < 0 || df > 1 {
				return nil, invalid("damping_factor", fmt.Sprintf("Damping factor given (%v) is not between 0.0 and 1.0", df))
			}
			q["damping_factor"] = df
			return q, nil
		},
		Run: func(ctx context.Context, x *Execution) (map[string]any, error) {
			df, _ := x.query().Float("damping_factor")
			return runRanking(ctx, x, "TrustRank", "run_trustrank.py", func(network, seeds, out string) []string {
				return []string{
					"-e", x.Env.StaticDir,
					"-i", x.Env.StaticDir,
					"-n", filepath.Base(network),
					"-s", seeds,
					"-d", formatFloat(df),
					"-o", out,
				}
			})
		},
		Artifact:  func(uid uuid.UUID) string { return uid.String() + ".txt" },
		MediaType: "text/plain",
	}
}

func runRanking(ctx context.Context, x *Execution, tool, script string, args func(network, seeds, out string) []string) (map[string]any, error) {
	q := x.query()
	network := filepath.Join(x.Env.StaticDir, RankingNetwork)
	if _, err := os.Stat(network); err != nil {
		return nil, fmt.Errorf("ranking network: %w", err)
	}

	proteins := q.Strings("seed_proteins")
	seeds := make([]string, len(proteins))
	for i, p := range proteins {
		seeds[i] = "uniprot." + p
	}
	seedsPath := filepath.Join(x.WorkDir, "seeds.txt")
	if err := writeLines(seedsPath, seeds); err != nil {
		return nil, err
	}
	out, err := x.OutputDir()
	if err != nil {
		return nil, err
	}
	outfile := filepath.Join(out, x.Job.UID.String()+".txt")

	argv := args(network, seedsPath, outfile)
	if q.Bool("only_direct_drugs") {
		argv = append(argv, "--only_direct_drugs")
	}
	if q.Bool("only_approved_drugs") {
		argv = append(argv, "--only_approved_drugs")
	}
	if _, err := x.python(ctx, tool, script, argv...); err != nil {
		return nil, err
	}

	n, ok := q.Int("N")
	if !ok || n == 0 {
		return nil, nil
	}

	rows, err := readTSV(outfile)
	if err != nil {
		return nil, err
	}
	drugs, err := topDrugs(rows, n)
	if err != nil {
		return nil, err
	}

	graph, err := readGraphML(network)
	if err != nil {
		return nil, err
	}
	edges := [][]string{}
	for _, d := range drugs {
		name, _ := d["drug_name"].(string)
		for _, s := range seeds {
			if graph.hasEdge(name, s) {
				edges = append(edges, []string{name, s})
			}
		}
	}
	return map[string]any{"drugs": drugs, "edges": edges}, nil
}

// topDrugs keeps the first n rows with a non-zero score plus every following
// row tied with the last kept score. Rows are ordered by descending score.
func topDrugs(rows []map[string]any, n int) ([]map[string]any, error) {
	keep := []map[string]any{}
	i := 0
	for ; i < len(rows) && i < n; i++ {
		score, err := rowScore(rows[i])
		if err != nil {
			return nil, err
		}
		if score == 0 {
			return keep, nil
		}
		keep = append(keep, rows[i])
	}
	if len(keep) == 0 {
		return keep, nil
	}
	lowest := keep[len(keep)-1]["score"]
	for ; i < len(rows) && rows[i]["score"] == lowest; i++ {
		keep = append(keep, rows[i])
	}
	return keep, nil
}

func rowScore(row map[string]any) (float64, error) {
	s, _ := row["score"].(string)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid score %q in ranking output", s)
	}
	return f, nil
}

type graph struct {
	directed bool
	edges    map[[2]string]struct{}
}

func (g *graph) hasEdge(a, b string) bool {
	if _, ok := g.edges[[2]string{a, b}]; ok {
		return true
	}
	if g.directed {
		return false
	}
	_, ok := g.edges[[2]string{b, a}]
	return ok
}

// readGraphML streams the edges of a GraphML file.
func readGraphML(path string) (*graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graphml: %w", err)
	}
	defer f.Close()

	g := &graph{edges: map[[2]string]struct{}{}}
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return g, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse graphml: %w", err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch el.Name.Local {
		case "graph":
			g.directed = attr(el, "edgedefault") == "directed"
		case "edge":
			g.edges[[2]string{attr(el, "source"), attr(el, "target")}] = struct{}{}
		}
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
