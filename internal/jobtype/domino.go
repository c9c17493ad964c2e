package jobtype

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// Domino runs DOMINO active module identification.
func Domino() *Definition {
	return &Definition{
		Name:   "domino",
		Title:  "DOMINO",
		Fields: withFields(seedFields),
		Build: func(body []byte) (models.Query, error) {
			var req seedRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			return req.query()
		},
		Run: runDomino,
	}
}

func runDomino(ctx context.Context, x *Execution) (map[string]any, error) {
	networkPath, seedsPath, err := x.prepareSeedInputs(ctx, network.FormatSIF, "network.sif")
	if err != nil {
		return nil, err
	}
	resultsDir := filepath.Join(x.WorkDir, "results")
	if _, err := x.python(ctx, "DOMINO", "run_domino.py",
		"--network_file", networkPath,
		"--seed_file", seedsPath,
		"--outdir", resultsDir,
	); err != nil {
		return nil, err
	}

	modules, err := parseModules(filepath.Join(resultsDir, "seeds", "modules.out"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"modules": modules}, nil
}

// parseModules reads one "[a, b, c]" module per line.
func parseModules(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open DOMINO modules: %w", err)
	}
	defer f.Close()

	modules := [][]string{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		line = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
		var module []string
		for _, node := range strings.Split(line, ",") {
			module = append(module, strings.TrimSpace(node))
		}
		modules = append(modules, module)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read DOMINO modules: %w", err)
	}
	return modules, nil
}
