package compare

// This file contains the free-text previews attached to each comparison:
// the file content for new and missing results and a difference report for
// changed ones.

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/perfgo/texttest/model"
	"github.com/perfgo/texttest/testtree"
)

const binaryMessage = "Binary file, not showing any preview. " +
	"Edit the configuration entry 'binary_file' and re-run if you suspect that this file contains only text.\n"

const diffTimeout = time.Minute

// previewer cuts and wraps text for display.
type previewer struct {
	maxWidth  int
	maxLength int
}

func (p previewer) lines(lines []string) string {
	if p.maxLength > 0 && len(lines) >= p.maxLength {
		lines = append(lines[:p.maxLength:p.maxLength], fmt.Sprintf("<truncated after showing first %s>\n", pluralise(p.maxLength, "line")))
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(p.wrap(l))
	}
	return b.String()
}

func (p previewer) wrap(line string) string {
	if p.maxWidth <= 0 {
		return line
	}
	var b strings.Builder
	for len(line) > p.maxWidth {
		b.WriteString(line[:p.maxWidth])
		b.WriteString("\n")
		line = line[p.maxWidth:]
	}
	b.WriteString(line)
	return b.String()
}

func (p previewer) file(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Could not read %s: %v\n", path, err)
	}
	return p.lines(splitKeepNewlines(string(data)))
}

func pluralise(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func splitKeepNewlines(s string) []string {
	var out []string
	r := bufio.NewReader(strings.NewReader(s))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			out = append(out, line)
		}
		if err != nil {
			return out
		}
	}
}

// title is the header line of a comparison's free text.
func title(c model.FileComparison) string {
	text := "Differences in"
	switch c.Kind() {
	case model.ComparisonMissing:
		text = "Missing result in"
	case model.ComparisonNew:
		text = "New result in"
	}
	return strings.Repeat("-", 10) + " " + text + " " + c.Stem + " " + strings.Repeat("-", 10)
}

// buildPreview returns the body shown below a comparison's title.
func buildPreview(t *testtree.Test, c model.FileComparison) string {
	cfg := t.App().Config
	p := previewer{
		maxWidth:  cfg.Int("max_width_text_difference"),
		maxLength: cfg.Int("lines_of_text_difference"),
	}
	if c.Binary {
		return p.wrap(binaryMessage)
	}
	switch c.Kind() {
	case model.ComparisonNew:
		return p.file(c.FilteredGenerated)
	case model.ComparisonMissing:
		return p.file(c.FilteredApproved)
	case model.ComparisonDefunct:
		return ""
	}
	tool := cfg.String("text_diff_program")
	if tool == "" {
		return p.lines(splitKeepNewlines(builtinDiff(c)))
	}
	report, err := runDiffTool(tool, c.FilteredApproved, c.FilteredGenerated)
	if err != nil {
		return fmt.Sprintf("No difference report could be created: could not find textual difference tool '%s'\n(%v)", tool, err)
	}
	return p.lines(splitKeepNewlines(report))
}

// runDiffTool runs tool on the two files and returns its combined output.
// Exit status 1 is the usual "files differ" result and is not an error.
func runDiffTool(tool, approved, generated string) (string, error) {
	args, err := testtree.SplitArgs(tool)
	if err != nil || len(args) == 0 {
		return "", fmt.Errorf("invalid text_diff_program %q", tool)
	}
	ctx, cancel := context.WithTimeout(context.Background(), diffTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, args[0], append(args[1:], approved, generated)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return out.String(), nil
}

// builtinDiff produces a unified diff when no external tool is configured.
func builtinDiff(c model.FileComparison) string {
	a, _ := os.ReadFile(c.FilteredApproved)
	b, _ := os.ReadFile(c.FilteredGenerated)
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: c.Stem + " (approved)",
		ToFile:   c.Stem + " (generated)",
		Context:  3,
	})
	if err != nil {
		return err.Error() + "\n"
	}
	return diff
}
