package calibration

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/security"
)

// Supported calibration file extensions, tried in this order when a script
// name has no extension.
const (
	ExtScript     = ".js"
	ExtExpression = ".expr"
	ExtPolynomial = ".poly"
)

var extensions = []string{ExtScript, ExtExpression, ExtPolynomial}

// Loader resolves calibration names against a directory.
type Loader struct {
	FS  fsutil.FileSystem
	Dir string
	// Timeout bounds each script call. Zero uses DefaultScriptTimeout.
	Timeout time.Duration
}

func NewLoader(fs fsutil.FileSystem, dir string) *Loader {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Loader{FS: fs, Dir: dir}
}

// Load parses the calibration called name. A missing file is reported as
// ErrScriptNotFound.
func (l *Loader) Load(name string) (Calibration, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: detector type has no calibration script", ErrScriptNotFound)
	}
	if err := security.ValidateRelativeName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScriptName, err)
	}

	path, ok := l.resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrScriptNotFound, name, l.Dir)
	}

	data, err := l.FS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ExtScript:
		return NewScript(filepath.Base(path), string(data), l.Timeout)
	case ExtExpression:
		return NewExpression(string(data))
	default:
		p, err := ParsePolynomial(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return p, nil
	}
}

func (l *Loader) resolve(name string) (string, bool) {
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if ext == e {
			path := filepath.Join(l.Dir, name)
			return path, l.FS.Exists(path)
		}
	}
	for _, e := range extensions {
		path := filepath.Join(l.Dir, name+e)
		if l.FS.Exists(path) {
			return path, true
		}
	}
	return "", false
}
