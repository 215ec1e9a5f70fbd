package config

// This file contains access to the environment variables the framework reads
// and to per-directory environment files.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Env holds the framework's environment variables.
type Env struct {
	Home        string
	Tmp         string
	PersonalLog string
	BuildNumber string
	JobName     string
	JenkinsURL  string
}

// ReadEnv reads the framework's variables from the process environment.
func ReadEnv() Env {
	return EnvFrom(os.Getenv)
}

// EnvFrom reads the framework's variables through getenv.
func EnvFrom(getenv func(string) string) Env {
	e := Env{
		Home:        getenv("TEXTTEST_HOME"),
		Tmp:         getenv("TEXTTEST_TMP"),
		PersonalLog: getenv("TEXTTEST_PERSONAL_LOG"),
		BuildNumber: getenv("BUILD_NUMBER"),
		JobName:     getenv("JOB_NAME"),
		JenkinsURL:  getenv("JENKINS_URL"),
	}
	if e.Home == "" {
		e.Home = "."
	}
	if e.Tmp == "" {
		if home := getenv("HOME"); home != "" {
			e.Tmp = filepath.Join(home, ".texttest", "tmp")
		} else {
			e.Tmp = filepath.Join(os.TempDir(), "texttest")
		}
	}
	return e
}

// InCI reports whether the run is driven by Jenkins.
func (e Env) InCI() bool {
	return e.JenkinsURL != "" && e.JobName != ""
}

// ReadEnvironmentFile parses a dotenv-style environment.<app> file. A missing
// file yields an empty map. References to variables defined outside the file
// are resolved through lookup before parsing; references to variables defined
// earlier in the file are resolved by the parser.
func ReadEnvironmentFile(path string, lookup func(string) (string, bool)) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file %s: %w", path, err)
	}
	text := string(data)
	if lookup != nil {
		text = Expand(text, lookup)
	}
	vars, err := godotenv.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment file %s: %w", path, err)
	}
	return vars, nil
}

// Expand substitutes $VAR and ${VAR} references using lookup, leaving unknown
// references untouched.
func Expand(value string, lookup func(string) (string, bool)) string {
	return os.Expand(value, func(name string) string {
		if v, ok := lookup(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

// MergeEnv overlays vars onto base (a list of KEY=VALUE pairs) and returns a new list.
func MergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	seen := map[string]bool{}
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if v, ok := vars[name]; ok {
			out = append(out, name+"="+v)
			seen[name] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
