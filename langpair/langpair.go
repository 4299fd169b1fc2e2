// Package langpair parses language pair identifiers such as "java_cpp" and derives
// the translator checkpoint names that belong to them.
package langpair

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/knights-analytics/knnmt/util/fileutil"
)

const separator = "_"

// ErrInvalidPair is returned when a language pair is not two non-empty names joined by "_".
var ErrInvalidPair = errors.New("invalid language pair")

// Pair is a source and a target programming language.
type Pair struct {
	Source string
	Target string
}

// Parse splits a pair identifier into its source and target languages.
func Parse(pair string) (Pair, error) {
	parts := strings.Split(pair, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: %q, expected <source>%s<target>", ErrInvalidPair, pair, separator)
	}
	return Pair{Source: parts[0], Target: parts[1]}, nil
}

func (p Pair) String() string {
	return p.Source + separator + p.Target
}

// Reverse swaps source and target.
func (p Pair) Reverse() Pair {
	return Pair{Source: p.Target, Target: p.Source}
}

// CheckpointName is the file name of the online self-training checkpoint for the pair,
// e.g. Online_ST_Java_CPP.pth for java_cpp.
func CheckpointName(p Pair) string {
	name := fmt.Sprintf("Online_ST_%s_%s.pth", title(p.Source), title(p.Target))
	// checkpoints spell C++ in capitals
	return strings.ReplaceAll(name, "Cpp", "CPP")
}

// CheckpointPath joins CheckpointName onto modelDir. The capitalization fix-up never touches modelDir.
func CheckpointPath(modelDir string, p Pair) string {
	return fileutil.PathJoinSafe(modelDir, CheckpointName(p))
}

func title(s string) string {
	return cases.Title(language.Und).String(s)
}
