package jobtype

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

type mustRequest struct {
	seedRequest
	HubPenalty *float64 `json:"hubpenalty"`
	Multiple   *bool    `json:"multiple"`
	Trees      *int     `json:"trees"`
	MaxIt      *int     `json:"maxit"`
}

// Must runs the MuST multi Steiner tree backend.
func Must() *Definition {
	return &Definition{
		Name:   "must",
		Title:  "MuST",
		Fields: withFields(seedFields, "hub_penalty", "multiple", "trees", "maxit"),
		Build:  buildMust,
		Run:    runMust,
	}
}

func buildMust(body []byte) (models.Query, error) {
	var req mustRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	switch {
	case len(req.Seeds) == 0:
		return nil, missing("seeds", "No seeds submitted")
	case req.HubPenalty == nil:
		return nil, missing("hubpenalty", "Hub penalty not specified")
	case req.Multiple == nil:
		return nil, missing("multiple", "Multiple is not specified")
	case req.Trees == nil:
		return nil, missing("trees", "Trees is not specified")
	case req.MaxIt == nil:
		return nil, missing("maxit", "Max iterations is not specified")
	}
	if hp := *req.HubPenalty; hp < 0 || hp > 1 {
		return nil, invalid("hubpenalty", fmt.Sprintf("Hub penalty given (%v) is not between 0.0 and 1.0", hp))
	}
	if *req.Trees <= 0 {
		return nil, invalid("trees", "Trees must be greater than zero")
	}
	if *req.MaxIt <= 0 {
		return nil, invalid("maxit", "Max iterations must be greater than zero")
	}

	q, err := req.query()
	if err != nil {
		return nil, err
	}
	q["hub_penalty"] = *req.HubPenalty
	q["multiple"] = *req.Multiple
	q["trees"] = *req.Trees
	q["maxit"] = *req.MaxIt
	return q, nil
}

func runMust(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	networkPath, seedsPath, err := x.prepareSeedInputs(ctx, network.FormatEdgeList, "network.tsv")
	if err != nil {
		return nil, err
	}
	out, err := x.OutputDir()
	if err != nil {
		return nil, err
	}
	hp, _ := q.Float("hub_penalty")
	trees, _ := q.Int("trees")
	maxit, _ := q.Int("maxit")
	edgesPath := filepath.Join(out, x.Job.UID.String()+"_edges.txt")
	nodesPath := filepath.Join(out, x.Job.UID.String()+"_nodes.txt")

	args := []string{
		"-jar", filepath.Join(x.Env.ScriptsDir, "MultiSteinerBackend", "out", "artifacts", "MultiSteinerBackend_jar", "MultiSteinerBackend.jar"),
		"-hp", strconv.FormatFloat(hp, 'f', -1, 64),
	}
	if q.Bool("multiple") {
		args = append(args, "-m")
	}
	args = append(args,
		"-mi", strconv.Itoa(maxit),
		"-nw", networkPath,
		"-s", seedsPath,
		"-t", strconv.Itoa(trees),
		"-oe", edgesPath,
		"-on", nodesPath,
	)
	if _, err := x.Env.Runner.Run(ctx, runner.Command{
		Tool: "MuST",
		Path: x.Env.Java,
		Args: args,
		Dir:  x.WorkDir,
	}); err != nil {
		return nil, err
	}

	pairs, err := readPairs(networkPath)
	if err != nil {
		return nil, fmt.Errorf("read network: %w", err)
	}
	seeds := stringSet(q.Strings("seeds"))
	inNetwork := map[string]struct{}{}
	for _, p := range pairs {
		for _, node := range p {
			if _, ok := seeds[node]; ok {
				inNetwork[node] = struct{}{}
			}
		}
	}

	edges, err := readTSV(edgesPath)
	if err != nil {
		return nil, err
	}
	nodes, err := readTSV(nodesPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"seeds_in_network": sortedKeys(inNetwork),
		"edges":            edges,
		"nodes":            nodes,
	}, nil
}
