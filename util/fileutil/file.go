package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// ReadFileBytes reads a whole local or s3:// file into memory.
func ReadFileBytes(ctx context.Context, filename string) (out []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	if _, readErr := io.Copy(buf, file); readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), nil
}

// WriteFileBytes replaces filename with data, creating parent folders when needed.
func WriteFileBytes(ctx context.Context, filename string, data []byte) error {
	return fileSystem.Upload(ctx, filename, 0o644, bytes.NewReader(data))
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

func OpenFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(ctx, filename)
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This function is needed to avoid the 65K char line limit
// of bufio.Scanner, source functions can be long.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// ReadLines reads every line of a file. Empty trailing lines are dropped.
func ReadLines(ctx context.Context, filename string) (lines []string, err error) {
	file, err := OpenFile(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	reader := bufio.NewReader(file)
	for {
		line, readErr := ReadLine(reader)
		if readErr == io.EOF {
			if len(line) > 0 {
				lines = append(lines, string(line))
			}
			return lines, nil
		}
		if readErr != nil {
			return nil, readErr
		}
		lines = append(lines, string(line))
	}
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		return filepath.Join(elem...)
	}
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func CreateDir(ctx context.Context, dir string) error {
	exists, err := FileExists(ctx, dir)
	if err != nil || exists {
		return err
	}
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// IsDir reports whether path exists and is a folder.
func IsDir(ctx context.Context, path string) (bool, error) {
	exists, err := FileExists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	object, err := fileSystem.Object(ctx, path)
	if err != nil {
		return false, err
	}
	return object.IsDir(), nil
}

func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}
