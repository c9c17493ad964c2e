// Package jobtype defines the algorithm job types: how a request becomes a
// canonical query, which query fields survive resubmission, how the worker
// runs the tool and where the downloadable artifact lives.
package jobtype

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// NetworkSource writes materialised networks into a work directory.
type NetworkSource interface {
	CopyTo(ctx context.Context, key, prefix string, format network.Format, dst string) error
}

// Runner executes an external tool.
type Runner interface {
	Run(ctx context.Context, cmd runner.Command) (*runner.Result, error)
}

// Env is what a running job can reach.
type Env struct {
	ScriptsDir  string
	DataDir     string
	StaticDir   string
	Java        string
	Python      string
	BiconPython string
	Networks    NetworkSource
	Runner      Runner
}

// Execution is one run of a job.
type Execution struct {
	Env     *Env
	Job     *models.Job
	WorkDir string // scratch directory removed after the run
}

func (x *Execution) query() models.Query { return x.Job.Query }

// OutputDir returns the directory holding the job type's artifacts,
// creating it if needed.
func (x *Execution) OutputDir() (string, error) {
	dir := filepath.Join(x.Env.DataDir, x.Job.Type)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// python runs one of the bundled scripts with the configured interpreter.
func (x *Execution) python(ctx context.Context, tool, script string, args ...string) (*runner.Result, error) {
	return x.Env.Runner.Run(ctx, runner.Command{
		Tool: tool,
		Path: x.Env.Python,
		Args: append([]string{filepath.Join(x.Env.ScriptsDir, script)}, args...),
		Dir:  x.WorkDir,
	})
}

// Definition describes one job type.
type Definition struct {
	Name string
	// Family groups job types sharing status and download routes, e.g. the
	// three validation kinds. Defaults to Name.
	Family string
	// Title is the name used in user facing messages.
	Title string
	// Fields lists the canonical query keys Build produces. Resubmission
	// keeps exactly these.
	Fields []string
	// Build turns a request body into the canonical query.
	Build func(body []byte) (models.Query, error)
	// Run executes the job and returns its results. A nil map completes the
	// job without results.
	Run func(ctx context.Context, x *Execution) (map[string]any, error)
	// Artifact names the downloadable file of a completed job, relative to
	// DataDir/<Name>. Nil when the type has none.
	Artifact func(uid uuid.UUID) string
	// MediaType of the artifact.
	MediaType string
}

// RouteFamily is the path segment of the status and download routes.
func (d *Definition) RouteFamily() string {
	if d.Family == "" {
		return d.Name
	}
	return d.Family
}

// ArtifactPath returns where the artifact of job uid is stored.
func (d *Definition) ArtifactPath(dataDir string, uid uuid.UUID) (string, bool) {
	if d.Artifact == nil {
		return "", false
	}
	return filepath.Join(dataDir, d.Name, d.Artifact(uid)), true
}

// Registry maps job type names to definitions.
type Registry struct {
	defs  map[string]*Definition
	names []string
}

// NewRegistry builds a registry. Names must be unique and every definition
// needs Build and Run.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" || d.Build == nil || d.Run == nil {
			return nil, fmt.Errorf("job type %q: name, Build and Run are required", d.Name)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("job type %q registered twice", d.Name)
		}
		if d.Title == "" {
			d.Title = d.Name
		}
		r.defs[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns a registry holding every built-in job type.
func Default() *Registry {
	r, err := NewRegistry(
		Diamond(),
		Must(),
		Robust(),
		KPM(),
		Domino(),
		Closeness(),
		TrustRank(),
		JointValidation(),
		ModuleValidation(),
		DrugValidation(),
		Bicon(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered job types in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// InFamily reports whether job type name is served by the routes of family.
func (r *Registry) InFamily(family, name string) bool {
	d, ok := r.defs[name]
	return ok && d.RouteFamily() == family
}

// HasFamily reports whether any job type belongs to family.
func (r *Registry) HasFamily(family string) bool {
	for _, d := range r.defs {
		if d.RouteFamily() == family {
			return true
		}
	}
	return false
}

// decode reads a JSON request body into v. Unknown fields are rejected and an
// empty body decodes as an empty object.
func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("", "invalid request body: "+strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

// seedRequest carries the parameters shared by the seed based algorithms.
type seedRequest struct {
	Seeds   []string `json:"seeds"`
	Network *string  `json:"network"`
}

var seedFields = []string{"seeds", "seed_type", "network"}

func (r *seedRequest) query() (models.Query, error) {
	if len(r.Seeds) == 0 {
		return nil, missing("seeds", "No seeds submitted")
	}
	seeds, seedType := NormaliseSeeds(r.Seeds)
	choice := NetworkDefault
	if r.Network != nil && *r.Network != "" {
		choice = *r.Network
	}
	if _, err := ResolveNetwork(seedType, choice); err != nil {
		return nil, err
	}
	return models.Query{
		"seeds":     seeds,
		"seed_type": seedType,
		"network":   choice,
	}, nil
}

// prepareSeedInputs materialises the job's network and seed list into the
// work directory and returns both paths.
func (x *Execution) prepareSeedInputs(ctx context.Context, format network.Format, networkName string) (string, string, error) {
	q := x.query()
	seedType := q.String("seed_type")
	key, err := ResolveNetwork(seedType, q.String("network"))
	if err != nil {
		return "", "", err
	}
	networkPath := filepath.Join(x.WorkDir, networkName)
	if err := x.Env.Networks.CopyTo(ctx, key, Prefix(seedType), format, networkPath); err != nil {
		return "", "", fmt.Errorf("materialise network: %w", err)
	}
	seedsPath := filepath.Join(x.WorkDir, "seeds.txt")
	if err := writeLines(seedsPath, q.Strings("seeds")); err != nil {
		return "", "", err
	}
	return networkPath, seedsPath, nil
}

func withFields(base []string, extra ...string) []string {
	return append(append([]string(nil), base...), extra...)
}
