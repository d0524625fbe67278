package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GoTestLoadDotEnv opts `go test` runs into loading a developer .env file.
const GoTestLoadDotEnv = "GOTEST_LOAD_DOTENV"

type dotenvResult struct {
	path    string
	applied int
	err     error
}

var ensureDotEnv = sync.OnceValue(func() dotenvResult {
	wd, err := os.Getwd()
	if err != nil {
		return dotenvResult{err: errors.Wrap(err, "get working dir")}
	}
	res := loadNearest(wd)
	switch {
	case res.err != nil:
		log.Warn().Err(res.err).Str("dotenv", res.path).Msg("flashagent: load .env failed")
	case res.path != "":
		log.Debug().Str("dotenv", res.path).Int("applied", res.applied).Msg("flashagent: loaded .env")
	}
	return res
})

// Ensure loads the nearest .env file, searching from the working directory
// up to the filesystem root, once per process. Keys already present in the
// process environment are left untouched. Under `go test` nothing is loaded
// unless GOTEST_LOAD_DOTENV=1.
func Ensure() error {
	if underGoTest() && os.Getenv(GoTestLoadDotEnv) != "1" {
		return nil
	}
	return ensureDotEnv().err
}

func loadNearest(dir string) dotenvResult {
	path, err := findDotEnvFrom(dir)
	if err != nil || path == "" {
		return dotenvResult{err: err}
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return dotenvResult{path: path, err: errors.Wrapf(err, "parse %s", path)}
	}
	res := dotenvResult{path: path}
	for key, val := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			res.err = errors.Wrapf(err, "set %s", key)
			return res
		}
		res.applied++
	}
	return res
}

func findDotEnvFrom(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") || strings.HasSuffix(os.Args[0], ".test.exe") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
