package langpair

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		pair     string
		expected Pair
		wantErr  bool
	}{
		{name: "java to cpp", pair: "java_cpp", expected: Pair{Source: "java", Target: "cpp"}},
		{name: "cpp to python", pair: "cpp_python", expected: Pair{Source: "cpp", Target: "python"}},
		{name: "single language", pair: "java", wantErr: true},
		{name: "empty target", pair: "java_", wantErr: true},
		{name: "empty source", pair: "_cpp", wantErr: true},
		{name: "three languages", pair: "java_cpp_python", wantErr: true},
		{name: "empty", pair: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := Parse(tt.pair)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPair)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pair)
			assert.Equal(t, tt.pair, pair.String())
		})
	}
}

func TestCheckpointName(t *testing.T) {
	tests := []struct {
		pair     Pair
		expected string
	}{
		{Pair{Source: "java", Target: "cpp"}, "Online_ST_Java_CPP.pth"},
		{Pair{Source: "cpp", Target: "java"}, "Online_ST_CPP_Java.pth"},
		{Pair{Source: "python", Target: "java"}, "Online_ST_Python_Java.pth"},
		{Pair{Source: "JAVA", Target: "python"}, "Online_ST_Java_Python.pth"},
	}
	for _, tt := range tests {
		t.Run(tt.pair.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, CheckpointName(tt.pair))
		})
	}
}

func TestCheckpointPath(t *testing.T) {
	pair := Pair{Source: "java", Target: "cpp"}
	assert.Equal(t, filepath.Join("models", "Cpp", "Online_ST_Java_CPP.pth"), CheckpointPath(filepath.Join("models", "Cpp"), pair))
	assert.Equal(t, "s3://bucket/models/Online_ST_Java_CPP.pth", CheckpointPath("s3://bucket/models/", pair))
}

func TestReverse(t *testing.T) {
	assert.Equal(t, Pair{Source: "cpp", Target: "java"}, Pair{Source: "java", Target: "cpp"}.Reverse())
}
