package jobtype

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

type kpmRequest struct {
	seedRequest
	K *int `json:"k"`
}

// KPM runs KeyPathwayMiner.
func KPM() *Definition {
	return &Definition{
		Name:   "kpm",
		Title:  "KPM",
		Fields: withFields(seedFields, "k"),
		Build:  buildKPM,
		Run:    runKPM,
	}
}

func buildKPM(body []byte) (models.Query, error) {
	var req kpmRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if len(req.Seeds) == 0 {
		return nil, missing("seeds", "No seeds submitted")
	}
	if req.K == nil || *req.K == 0 {
		return nil, missing("k", "No value for K given")
	}
	if *req.K < 0 {
		return nil, invalid("k", "K must be greater than zero")
	}
	q, err := req.query()
	if err != nil {
		return nil, err
	}
	q["k"] = *req.K
	return q, nil
}

func runKPM(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	networkPath, _, err := x.prepareSeedInputs(ctx, network.FormatSIF, "network.sif")
	if err != nil {
		return nil, err
	}
	seeds := q.Strings("seeds")
	matrix := make([]string, len(seeds))
	for i, s := range seeds {
		matrix[i] = s + "\t1"
	}
	matrixPath := filepath.Join(x.WorkDir, "seeds.mat")
	if err := writeLines(matrixPath, matrix); err != nil {
		return nil, err
	}
	k, _ := q.Int("k")

	res, err := x.python(ctx, "KPM", "run_kpm.py",
		"--network_file", networkPath,
		"--seed_file", matrixPath,
		"--outpath", x.WorkDir,
		"-k", strconv.Itoa(k),
	)
	if err != nil {
		return nil, err
	}

	resultsDir := strings.TrimSpace(string(res.Stdout))
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return nil, fmt.Errorf("KPM results directory %q: %w", resultsDir, err)
	}
	var pathwayFiles []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pathways.txt") {
			pathwayFiles = append(pathwayFiles, filepath.Join(resultsDir, e.Name()))
		}
	}
	if len(pathwayFiles) != 1 {
		return nil, fmt.Errorf("expected one KPM pathways file, found %d", len(pathwayFiles))
	}
	return parsePathways(pathwayFiles[0])
}

// parsePathways reads KPM's pathways file: a line holding only a number
// opens a pathway, "node<TAB>true|false" lines list its nodes with their
// exception flag and three column lines are edges.
func parsePathways(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pathways: %w", err)
	}
	defer f.Close()

	type pathway struct {
		exceptions    []string
		nonExceptions []string
		edges         [][]string
	}
	pathways := map[string]*pathway{}
	var current *pathway

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(strings.TrimSpace(sc.Text()), "\t")
		switch {
		case len(fields) == 1 && isNumeric(fields[0]):
			current = &pathway{exceptions: []string{}, nonExceptions: []string{}, edges: [][]string{}}
			pathways[fields[0]] = current
		case current == nil:
			continue
		case len(fields) == 2 && fields[0] != "NODES":
			if fields[1] == "true" {
				current.exceptions = append(current.exceptions, fields[0])
			} else {
				current.nonExceptions = append(current.nonExceptions, fields[0])
			}
		case len(fields) == 3:
			e := newEdge(fields[0], fields[2])
			current.edges = append(current.edges, []string{e[0], e[1]})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pathways: %w", err)
	}

	results := make(map[string]any, len(pathways))
	for id, p := range pathways {
		results[id] = map[string]any{
			"nodes": map[string]any{
				"exceptions":     p.exceptions,
				"non-exceptions": p.nonExceptions,
			},
			"edges": p.edges,
		}
	}
	return results, nil
}
