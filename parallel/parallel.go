// Package parallel loads corpora of parallel functions: the same function written in a
// source and in a target programming language.
package parallel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Phase is the name of a dataset split as seen by the training loop.
type Phase string

const (
	Train Phase = "train"
	Val   Phase = "val"
	Test  Phase = "test"
)

// Phases lists the phases in the order the data module builds them.
var Phases = []Phase{Train, Val, Test}

// SplitName is the corpus file prefix for the phase. Validation files are named "valid".
func (p Phase) SplitName() string {
	if p == Val {
		return "valid"
	}
	return string(p)
}

// FunctionPair is one supervised example.
type FunctionPair struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Functions holds the parallel functions of one language pair, grouped by split.
type Functions struct {
	Pair   langpair.Pair
	splits map[Phase][]FunctionPair
}

// NewFunctions builds an in memory corpus, mostly useful for tests and for callers that
// already hold their data.
func NewFunctions(pair langpair.Pair, splits map[Phase][]FunctionPair) *Functions {
	f := &Functions{Pair: pair, splits: map[Phase][]FunctionPair{}}
	for phase, pairs := range splits {
		f.splits[phase] = dedupe(pairs)
	}
	return f
}

// Split returns the functions of a phase. Unknown or missing phases return nil.
func (f *Functions) Split(phase Phase) []FunctionPair {
	return f.splits[phase]
}

// Len is the number of functions in a phase.
func (f *Functions) Len(phase Phase) int {
	return len(f.splits[phase])
}

// Load reads the parallel functions of pair below datasetDir/<pair>/. For every split it accepts either
// a <split>.jsonl file with {"id","source","target"} lines, or two line aligned files
// <split>.<source language>.tok and <split>.<target language>.tok with an optional <split>.ids file.
// A missing split is left empty.
func Load(ctx context.Context, datasetDir string, pair langpair.Pair) (*Functions, error) {
	dir := fileutil.PathJoinSafe(datasetDir, pair.String())
	functions := &Functions{Pair: pair, splits: map[Phase][]FunctionPair{}}
	for _, phase := range Phases {
		pairs, err := loadSplit(ctx, dir, phase, pair)
		if err != nil {
			return nil, fmt.Errorf("loading %s split of %s: %w", phase.SplitName(), pair, err)
		}
		functions.splits[phase] = dedupe(pairs)
		log.Debug().Str("pair", pair.String()).Str("split", phase.SplitName()).Int("functions", len(functions.splits[phase])).Msg("loaded parallel functions")
	}
	return functions, nil
}

func loadSplit(ctx context.Context, dir string, phase Phase, pair langpair.Pair) ([]FunctionPair, error) {
	split := phase.SplitName()
	jsonlPath := fileutil.PathJoinSafe(dir, split+".jsonl")
	exists, err := fileutil.FileExists(ctx, jsonlPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return readJSONL(ctx, jsonlPath)
	}

	sourcePath := fileutil.PathJoinSafe(dir, fmt.Sprintf("%s.%s.tok", split, pair.Source))
	targetPath := fileutil.PathJoinSafe(dir, fmt.Sprintf("%s.%s.tok", split, pair.Target))
	sourceExists, err := fileutil.FileExists(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	targetExists, err := fileutil.FileExists(ctx, targetPath)
	if err != nil {
		return nil, err
	}
	switch {
	case !sourceExists && !targetExists:
		return nil, nil
	case !sourceExists || !targetExists:
		return nil, fmt.Errorf("only one side of the %s split exists in %s", split, dir)
	}
	return readTokenized(ctx, dir, split, sourcePath, targetPath)
}

func readJSONL(ctx context.Context, path string) (pairs []FunctionPair, err error) {
	file, err := fileutil.OpenFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	reader := bufio.NewReader(file)
	for lineN := 1; ; lineN++ {
		lineBytes, readErr := fileutil.ReadLine(reader)
		if readErr != nil && readErr != io.EOF {
			return nil, readErr
		}
		if len(lineBytes) > 0 {
			var line FunctionPair
			if e := json.Unmarshal(lineBytes, &line); e != nil {
				return nil, fmt.Errorf("failed to parse JSON line %d of %s: %w", lineN, path, e)
			}
			if line.Source == "" || line.Target == "" {
				return nil, fmt.Errorf("missing required fields in JSON line %d of %s", lineN, path)
			}
			if line.ID == "" {
				line.ID = fmt.Sprintf("%d", lineN-1)
			}
			pairs = append(pairs, line)
		}
		if readErr == io.EOF {
			return pairs, nil
		}
	}
}

func readTokenized(ctx context.Context, dir, split, sourcePath, targetPath string) ([]FunctionPair, error) {
	sources, err := fileutil.ReadLines(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	targets, err := fileutil.ReadLines(ctx, targetPath)
	if err != nil {
		return nil, err
	}
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("%s has %d functions but %s has %d", sourcePath, len(sources), targetPath, len(targets))
	}

	var ids []string
	idsPath := fileutil.PathJoinSafe(dir, split+".ids")
	if exists, existsErr := fileutil.FileExists(ctx, idsPath); existsErr != nil {
		return nil, existsErr
	} else if exists {
		if ids, err = fileutil.ReadLines(ctx, idsPath); err != nil {
			return nil, err
		}
		if len(ids) != len(sources) {
			return nil, fmt.Errorf("%s has %d ids for %d functions", idsPath, len(ids), len(sources))
		}
	}

	pairs := make([]FunctionPair, len(sources))
	for i := range sources {
		id := fmt.Sprintf("%d", i)
		if ids != nil {
			id = ids[i]
		}
		pairs[i] = FunctionPair{ID: id, Source: sources[i], Target: targets[i]}
	}
	return pairs, nil
}

// dedupe keeps the first function seen for every id, preserving order.
func dedupe(pairs []FunctionPair) []FunctionPair {
	if len(pairs) == 0 {
		return pairs
	}
	seen := make(map[string]struct{}, len(pairs))
	out := make([]FunctionPair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
