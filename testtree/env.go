package testtree

// This file contains per-test definition files: the environment, resolved
// lazily against the parent suite, and the SUT options and input.

import (
	"fmt"
	"os"
	"strings"

	"github.com/perfgo/texttest/config"
)

// Environment returns the variables set for t: its parent's environment
// overlaid by its own environment.<app> file. Values may refer to variables
// defined earlier in the chain or in the process environment.
func (t *Test) Environment() (map[string]string, error) {
	t.envOnce.Do(func() {
		t.env, t.envErr = t.resolveEnvironment()
	})
	return t.env, t.envErr
}

func (t *Test) resolveEnvironment() (map[string]string, error) {
	env := map[string]string{}
	if p := t.Parent(); p != nil {
		parent, err := p.Environment()
		if err != nil {
			return nil, err
		}
		for k, v := range parent {
			env[k] = v
		}
	}
	path, ok := t.FileName("environment")
	if !ok {
		return env, nil
	}
	lookup := func(name string) (string, bool) {
		if v, ok := env[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}
	vars, err := config.ReadEnvironmentFile(path, lookup)
	if err != nil {
		return nil, err
	}
	for k, v := range vars {
		env[k] = v
	}
	return env, nil
}

// Options returns the SUT arguments from options.<app>.
func (t *Test) Options() ([]string, error) {
	path, ok := t.FileName("options")
	if !ok {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	args, err := SplitArgs(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return args, nil
}

// InputFile returns the path of input.<app>, used as the SUT's stdin.
func (t *Test) InputFile() (string, bool) {
	return t.FileName("input")
}

// SplitArgs splits s into words the way a POSIX shell would for simple
// command lines: whitespace separates words, single quotes are literal,
// double quotes allow backslash escapes.
func SplitArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inWord := false
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case quote == '"':
			switch {
			case c == '"':
				quote = 0
			case c == '\\' && i+1 < len(s) && strings.IndexByte(`"\$`, s[i+1]) >= 0:
				i++
				cur.WriteByte(s[i])
			default:
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
			inWord = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
