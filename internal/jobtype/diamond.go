package jobtype

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

type diamondRequest struct {
	seedRequest
	N     *int    `json:"n"`
	Alpha *int    `json:"alpha"`
	Edges *string `json:"edges"`
}

// Diamond runs DIAMOnD module detection.
func Diamond() *Definition {
	return &Definition{
		Name:      "diamond",
		Title:     "DIAMOnD",
		Fields:    withFields(seedFields, "n", "alpha", "edges"),
		Build:     buildDiamond,
		Run:       runDiamond,
		Artifact:  func(uid uuid.UUID) string { return uid.String() + ".txt" },
		MediaType: "text/plain",
	}
}

func buildDiamond(body []byte) (models.Query, error) {
	var req diamondRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if len(req.Seeds) == 0 {
		return nil, missing("seeds", "No seeds submitted")
	}
	if req.N == nil || *req.N == 0 {
		return nil, missing("n", "Number of results to return is not specified")
	}
	if *req.N < 0 {
		return nil, invalid("n", "Number of results to return must be greater than zero")
	}
	edges := "all"
	if req.Edges != nil {
		edges = *req.Edges
	}
	if edges != "all" && edges != "limited" {
		return nil, invalid("edges", "If specified, edges must be `limited` or `all`")
	}

	q, err := req.query()
	if err != nil {
		return nil, err
	}
	q["n"] = *req.N
	q["alpha"] = 1
	if req.Alpha != nil {
		q["alpha"] = *req.Alpha
	}
	q["edges"] = edges
	return q, nil
}

func runDiamond(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	networkPath, seedsPath, err := x.prepareSeedInputs(ctx, network.FormatEdgeList, "network.tsv")
	if err != nil {
		return nil, err
	}
	n, _ := q.Int("n")
	alpha, _ := q.Int("alpha")
	resultsPath := filepath.Join(x.WorkDir, "results.txt")

	if _, err := x.python(ctx, "DIAMOnD", "run_diamond.py",
		"--network_file", networkPath,
		"--seed_file", seedsPath,
		"-n", strconv.Itoa(n),
		"--alpha", strconv.Itoa(alpha),
		"-o", resultsPath,
	); err != nil {
		return nil, err
	}

	rows, err := readTSV(resultsPath)
	if err != nil {
		return nil, err
	}
	found := map[string]struct{}{}
	for _, row := range rows {
		if rank, ok := row["#rank"]; ok {
			row["rank"] = rank
			delete(row, "#rank")
		}
		if node, ok := row["DIAMOnD_node"].(string); ok {
			found[node] = struct{}{}
		}
	}

	seeds := stringSet(q.Strings("seeds"))
	possible := edgeSet{}
	if q.String("edges") == "limited" {
		for d := range found {
			for s := range seeds {
				possible.add(newEdge(d, s))
			}
		}
	} else {
		module := make([]string, 0, len(found)+len(seeds))
		for d := range found {
			module = append(module, d)
		}
		for s := range seeds {
			if _, dup := found[s]; !dup {
				module = append(module, s)
			}
		}
		for i := range module {
			for j := i + 1; j < len(module); j++ {
				possible.add(newEdge(module[i], module[j]))
			}
		}
	}

	pairs, err := readPairs(networkPath)
	if err != nil {
		return nil, fmt.Errorf("read network: %w", err)
	}
	edges := edgeSet{}
	inNetwork := map[string]struct{}{}
	for _, p := range pairs {
		e := newEdge(p[0], p[1])
		if possible.has(e) {
			edges.add(e)
		}
		for _, node := range p {
			if _, ok := seeds[node]; ok {
				inNetwork[node] = struct{}{}
			}
		}
	}

	out, err := x.OutputDir()
	if err != nil {
		return nil, err
	}
	if err := moveFile(resultsPath, filepath.Join(out, x.Job.UID.String()+".txt")); err != nil {
		return nil, fmt.Errorf("store DIAMOnD results: %w", err)
	}

	return map[string]any{
		"diamond_nodes":    rows,
		"edges":            edges.list(),
		"seeds_in_network": sortedKeys(inNetwork),
	}, nil
}
