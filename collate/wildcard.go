package collate

// This file contains wildcard transfer from a source pattern onto a target
// stem, and the clean-up run after collation.

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/perfgo/texttest/config"
	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

// TargetStem fills the wildcards of target with the text the wildcards of
// pattern matched in path, file name first. Wildcards left over become
// WILDCARD and dots become underscores.
func TargetStem(target, pattern, path string) string {
	for _, m := range WildcardMatches(pattern, path) {
		target = strings.Replace(target, "*", m, 1)
	}
	target = strings.ReplaceAll(target, "*", "WILDCARD")
	return strings.ReplaceAll(target, ".", "_")
}

// WildcardMatches returns what each wildcard of pattern matched in path,
// aligning them component by component from the last.
func WildcardMatches(pattern, path string) []string {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	n := len(patternParts)
	if len(pathParts) < n {
		n = len(pathParts)
	}
	var out []string
	for i := n - 1; i >= 0; i-- {
		out = append(out, componentMatches(patternParts[i], pathParts[i])...)
	}
	return out
}

func componentMatches(pattern, result string) []string {
	m := difflib.NewMatcher(splitChars(pattern), splitChars(result))
	start := 0
	var matches []string
	for _, block := range m.GetMatchingBlocks() {
		if block.Size == 0 || inSquareBrackets(pattern, block.A) {
			continue
		}
		if block.A != 0 || block.B != 0 {
			matches = append(matches, result[start:block.B])
		}
		start = block.B + block.Size
	}
	if start < len(result) {
		matches = append(matches, result[start:])
	}
	return matches
}

func splitChars(s string) []string {
	out := make([]string, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = s[i : i+1]
	}
	return out
}

func inSquareBrackets(pattern string, pos int) bool {
	closing := strings.Index(pattern[pos:], "]")
	if closing < 0 {
		return false
	}
	opening := strings.Index(pattern[pos:], "[")
	return opening < 0 || closing < opening
}

// removeUnwanted deletes the stems listed in discard_file and generated
// files containing a discard_file_text pattern.
func (e *Engine) removeUnwanted(t *testtree.Test) error {
	app := t.App().Name
	cfg := t.App().Config
	for _, stem := range cfg.List("discard_file") {
		path := filepath.Join(t.Sandbox(), stem+"."+app)
		if err := os.Remove(path); err == nil {
			e.logger.Debug().Str("test", t.RelPath()).Str("stem", stem).Msg("Discarded generated file")
		}
	}

	texts := cfg.StemLists("discard_file_text")
	for _, stemPattern := range texts.Keys() {
		patterns := texts.Get(stemPattern)
		if len(patterns) == 0 {
			continue
		}
		if stemPattern == config.DefaultStem {
			stemPattern = "*"
		}
		regexps := make([]*regexp.Regexp, len(patterns))
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("%w: discard_file_text %q: %v", model.ErrConfiguration, p, err)
			}
			regexps[i] = re
		}
		matches, err := doublestar.Glob(os.DirFS(t.Sandbox()), stemPattern+"."+app)
		if err != nil {
			return fmt.Errorf("%w: discard_file_text stem %q: %v", model.ErrConfiguration, stemPattern, err)
		}
		for _, m := range matches {
			path := filepath.Join(t.Sandbox(), filepath.FromSlash(m))
			found, err := containsAny(path, regexps)
			if err != nil || !found {
				continue
			}
			if err := os.Remove(path); err == nil {
				e.logger.Debug().Str("test", t.RelPath()).Str("path", m).Msg("Discarded generated file by content")
			}
		}
	}
	return nil
}

func containsAny(path string, regexps []*regexp.Regexp) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		for _, re := range regexps {
			if re.MatchString(sc.Text()) {
				return true, nil
			}
		}
	}
	return false, sc.Err()
}

// compress gzips files larger than compress_file_size that nothing
// compares: anything in the sandbox not named after a stem of the
// application, outside framework_tmp.
func (e *Engine) compress(t *testtree.Test) error {
	limit := int64(t.App().Config.Int("compress_file_size"))
	if limit <= 0 {
		return nil
	}
	app := t.App().Name
	dir := t.Sandbox()
	var large []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "framework_tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".gz") || alreadyCollated(d.Name(), app) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > limit {
			large = append(large, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range large {
		if err := gzipFile(path); err != nil {
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
		e.logger.Debug().Str("test", t.RelPath()).Str("path", path).Msg("Compressed large file")
	}
	return nil
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(path)
}
