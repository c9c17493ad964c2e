package jobtype

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/repotrial/nedrexapi-v2d/internal/network"
	"github.com/repotrial/nedrexapi-v2d/internal/runner"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

const biconName = "bicon"

type biconRequest struct {
	SHA256  string  `json:"sha256"`
	LgMin   *int    `json:"lg_min"`
	LgMax   *int    `json:"lg_max"`
	Network *string `json:"network"`
}

// Bicon runs BiCoN biclustering on an uploaded expression file. The request
// body carries the SHA-256 of the file; the file itself is staged by a
// BiconUpload.
func Bicon() *Definition {
	return &Definition{
		Name:      biconName,
		Title:     "BiCoN",
		Fields:    []string{"sha256", "lg_min", "lg_max", "network"},
		Build:     buildBicon,
		Run:       runBicon,
		Artifact:  func(uid uuid.UUID) string { return uid.String() + ".zip" },
		MediaType: "application/zip",
	}
}

func buildBicon(body []byte) (models.Query, error) {
	var req biconRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if req.SHA256 == "" {
		return nil, missing("expression_file", "No expression file submitted")
	}
	if b, err := hex.DecodeString(req.SHA256); err != nil || len(b) != 32 {
		return nil, invalid("sha256", "sha256 must be a hex encoded SHA-256 digest")
	}
	choice := NetworkDefault
	if req.Network != nil && *req.Network != "" {
		choice = *req.Network
	}
	if _, err := ResolveNetwork(SeedTypeGene, choice); err != nil {
		return nil, err
	}
	lgMin, lgMax := 10, 15
	if req.LgMin != nil {
		lgMin = *req.LgMin
	}
	if req.LgMax != nil {
		lgMax = *req.LgMax
	}
	if lgMin <= 0 || lgMax < lgMin {
		return nil, invalid("lg_min", fmt.Sprintf("lg_min (%d) and lg_max (%d) must satisfy 0 < lg_min <= lg_max", lgMin, lgMax))
	}
	return models.Query{
		"sha256":  strings.ToLower(req.SHA256),
		"lg_min":  lgMin,
		"lg_max":  lgMax,
		"network": choice,
	}, nil
}

// BiconDir returns the directory holding BiCoN inputs and archives.
func BiconDir(dataDir string) string { return filepath.Join(dataDir, biconName) }

// BiconUpload moves an uploaded expression file into the job directory once
// the submission has a uid.
type BiconUpload struct {
	DataDir  string
	TempPath string // file the upload was streamed to
	Filename string // name the client sent
}

// Stage moves the upload to DataDir/bicon/<uid>/<uid><ext> and returns the
// job metadata recording both file names.
func (u *BiconUpload) Stage(uid uuid.UUID) (map[string]any, error) {
	dir := filepath.Join(BiconDir(u.DataDir), uid.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create BiCoN job dir: %w", err)
	}
	name := uid.String() + filepath.Ext(u.Filename)
	if err := moveFile(u.TempPath, filepath.Join(dir, name)); err != nil {
		return nil, fmt.Errorf("stage expression file: %w", err)
	}
	return map[string]any{
		"submitted_filename": u.Filename,
		"filename":           name,
	}, nil
}

// Discard removes what Stage created.
func (u *BiconUpload) Discard(uid uuid.UUID) error {
	return os.RemoveAll(filepath.Join(BiconDir(u.DataDir), uid.String()))
}

func runBicon(ctx context.Context, x *Execution) (map[string]any, error) {
	q := x.query()
	uid := x.Job.UID.String()
	base := BiconDir(x.Env.DataDir)
	workdir := filepath.Join(base, uid)
	archive := workdir + ".zip"

	// a resubmitted job was archived by its previous run
	if _, err := os.Stat(archive); err == nil {
		if err := unzip(archive, base); err != nil {
			return nil, fmt.Errorf("unpack previous BiCoN run: %w", err)
		}
		if err := os.Remove(archive); err != nil {
			return nil, err
		}
	}

	key, err := ResolveNetwork(SeedTypeGene, q.String("network"))
	if err != nil {
		return nil, err
	}
	networkPath := filepath.Join(workdir, "network.tsv")
	if err := x.Env.Networks.CopyTo(ctx, key, Prefix(SeedTypeGene), network.FormatEdgeList, networkPath); err != nil {
		return nil, fmt.Errorf("materialise network: %w", err)
	}

	filename, _ := x.Job.Metadata["filename"].(string)
	if filename == "" {
		return nil, errors.New("BiCoN job has no expression file")
	}
	lgMin, _ := q.Int("lg_min")
	lgMax, _ := q.Int("lg_max")
	if _, err := x.Env.Runner.Run(ctx, runner.Command{
		Tool: "BiCoN",
		Path: x.Env.BiconPython,
		Args: []string{
			filepath.Join(x.Env.ScriptsDir, "run_bicon.py"),
			"--expression", filename,
			"--network", "network.tsv",
			"--lg_min", fmt.Sprint(lgMin),
			"--lg_max", fmt.Sprint(lgMax),
			"--outdir", ".",
		},
		Dir: workdir,
	}); err != nil {
		return nil, err
	}

	results, err := biconResults(workdir)
	if err != nil {
		return nil, err
	}

	if err := zipDir(base, uid, archive); err != nil {
		return nil, fmt.Errorf("archive BiCoN results: %w", err)
	}
	if err := os.RemoveAll(workdir); err != nil {
		return nil, err
	}
	return results, nil
}

func biconResults(workdir string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(workdir, "results.json"))
	if err != nil {
		return nil, fmt.Errorf("read BiCoN results: %w", err)
	}
	var results map[string]any
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode BiCoN results: %w", err)
	}

	nodes := map[string]struct{}{}
	for _, group := range []string{"genes1", "genes2"} {
		items, _ := results[group].([]any)
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				if g, ok := m["gene"].(string); ok {
					nodes[g] = struct{}{}
				}
			}
		}
	}

	pairs, err := readPairs(filepath.Join(workdir, "network.tsv"))
	if err != nil {
		return nil, fmt.Errorf("read network: %w", err)
	}
	edges := edgeSet{}
	for _, p := range pairs {
		if p[0] == p[1] {
			continue
		}
		_, okA := nodes[p[0]]
		_, okB := nodes[p[1]]
		if okA && okB {
			edges.add(newEdge(p[0], p[1]))
		}
	}
	results["edges"] = edges.list()

	csv, err := os.ReadFile(filepath.Join(workdir, "results.csv"))
	if err != nil {
		return nil, fmt.Errorf("read BiCoN patient groups: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	if len(lines) < 2 {
		return nil, errors.New("BiCoN patient groups missing from results.csv")
	}
	fields := strings.Split(strings.TrimSpace(lines[1]), ",")
	if len(fields) < 2 {
		return nil, errors.New("BiCoN patient groups malformed in results.csv")
	}
	results["patients1"] = strings.Split(fields[len(fields)-2], "|")
	results["patients2"] = strings.Split(fields[len(fields)-1], "|")
	return results, nil
}

// BiconClustermap returns the clustermap image stored in a finished job's
// archive.
func BiconClustermap(dataDir string, uid uuid.UUID) ([]byte, error) {
	r, err := zip.OpenReader(filepath.Join(BiconDir(dataDir), uid.String()+".zip"))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	f, err := r.Open(uid.String() + "/clustermap.png")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// zipDir archives base/name into dst with entries rooted at name/.
func zipDir(base, name, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	defer func() {
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if cerr := zw.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		if cerr := out.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		err = result.ErrorOrNil()
		if err != nil {
			os.Remove(dst)
		}
	}()

	root := filepath.Join(base, name)
	var paths []string
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return err
	}
	sort.Strings(paths)
	for _, path := range paths {
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// unzip extracts src into dir, refusing entries that escape it.
func unzip(src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", f.Name, dir)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extract(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extract(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
