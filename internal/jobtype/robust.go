package jobtype

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

type robustRequest struct {
	seedRequest
	InitialFraction *float64 `json:"initial_fraction"`
	ReductionFactor *float64 `json:"reduction_factor"`
	NumTrees        *int     `json:"num_trees"`
	Threshold       *float64 `json:"threshold"`
}

// Robust runs ROBUST. Its only output is the graphml artifact.
func Robust() *Definition {
	return &Definition{
		Name:      "robust",
		Title:     "ROBUST",
		Fields:    withFields(seedFields, "initial_fraction", "reduction_factor", "num_trees", "threshold"),
		Build:     buildRobust,
		Run:       runRobust,
		Artifact:  func(uid uuid.UUID) string { return uid.String() + ".graphml" },
		MediaType: "text/plain",
	}
}

func buildRobust(body []byte) (models.Query, error) {
	var req robustRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	q, err := req.query()
	if err != nil {
		return nil, err
	}
	q["initial_fraction"] = floatOr(req.InitialFraction, 0.25)
	q["reduction_factor"] = floatOr(req.ReductionFactor, 0.9)
	q["num_trees"] = 30
	if req.NumTrees != nil {
		q["num_trees"] = *req.NumTrees
	}
	q["threshold"] = floatOr(req.Threshold, 0.1)
	return q, nil
}

func runRobust(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	networkPath, seedsPath, err := x.prepareSeedInputs(ctx, network.FormatEdgeList, "network.txt")
	if err != nil {
		return nil, err
	}
	out, err := x.OutputDir()
	if err != nil {
		return nil, err
	}
	initial, _ := q.Float("initial_fraction")
	reduction, _ := q.Float("reduction_factor")
	trees, _ := q.Int("num_trees")
	threshold, _ := q.Float("threshold")

	_, err = x.python(ctx, "ROBUST", "run_robust.py",
		"--network_file", networkPath,
		"--seed_file", seedsPath,
		"--outfile", filepath.Join(out, x.Job.UID.String()+".graphml"),
		"--initial_fraction", formatFloat(initial),
		"--reduction_factor", formatFloat(reduction),
		"--num_trees", strconv.Itoa(trees),
		"--threshold", formatFloat(threshold),
	)
	return nil, err
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
