package descriptor

import (
	"strconv"
	"strings"
)

// Placeholders substituted in paths, arguments and the working directory of
// a template before a job runs.
const (
	PlaceholderHomeDir    = "$DRMAA2_HOME_DIR$"
	PlaceholderWorkingDir = "$DRMAA2_WORKING_DIR$"
	PlaceholderIndex      = "$DRMAA2_INDEX$"
)

// IndexEnv is the environment variable exported to each task of a job array.
const IndexEnv = "DRMAA2_INDEX"

// Placeholders are the values substituted by ExpandPlaceholders. An unset
// Index leaves PlaceholderIndex untouched.
type Placeholders struct {
	HomeDir    string
	WorkingDir string
	Index      Optional[int64]
}

// ExpandPlaceholders substitutes the placeholders in s.
func ExpandPlaceholders(s string, p Placeholders) string {
	if !strings.Contains(s, "$DRMAA2_") {
		return s
	}

	pairs := []string{
		PlaceholderHomeDir, p.HomeDir,
		PlaceholderWorkingDir, p.WorkingDir,
	}

	if idx, ok := p.Index.Get(); ok {
		pairs = append(pairs, PlaceholderIndex, strconv.FormatInt(idx, 10))
	}

	return strings.NewReplacer(pairs...).Replace(s)
}

// StripHost removes the optional "host:" prefix of a template path. Paths
// without a prefix, and a leading ':' alone, are accepted.
func StripHost(path string) string {
	i := strings.IndexByte(path, ':')
	if i < 0 || strings.ContainsRune(path[:i], '/') {
		return path
	}

	return path[i+1:]
}
