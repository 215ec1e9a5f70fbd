package filter

// This file contains the floating point tolerance filter. It aligns the
// generated lines against the approved ones and, where a replaced line
// differs only by numbers within tolerance, emits the approved line instead.

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const numberChars = "1234567890.eEdD-+"

// FloatFilter rewrites generated lines that match approved ones numerically.
type FloatFilter struct {
	approvedPath string
	// absolute and relative tolerances, 0 meaning unset
	tolerance float64
	relative  float64
}

// NewFloatFilter compares against the approved file at approvedPath.
func NewFloatFilter(approvedPath string, tolerance, relative float64) *FloatFilter {
	return &FloatFilter{approvedPath: approvedPath, tolerance: tolerance, relative: relative}
}

// Postfix implements Filter.
func (f *FloatFilter) Postfix() string {
	return PostfixFloatingPt
}

// FilterFile implements Filter.
func (f *FloatFilter) FilterFile(in io.Reader, out io.Writer) error {
	approved, err := os.Open(f.approvedPath)
	if err != nil {
		return err
	}
	defer approved.Close()
	from, err := readLines(approved)
	if err != nil {
		return err
	}
	to, err := readLines(in)
	if err != nil {
		return err
	}
	return FloatDiff(from, to, out, f.tolerance, f.relative)
}

// FloatDiff writes to with every replaced line that equals its approved
// counterpart within tolerance swapped for the approved line.
func FloatDiff(from, to []string, out io.Writer, tolerance, relative float64) error {
	var b strings.Builder
	for _, op := range difflib.NewMatcher(from, to).GetOpCodes() {
		if op.Tag == 'r' && op.I2-op.I1 == op.J2-op.J1 {
			for k := 0; k < op.I2-op.I1; k++ {
				fromLine, toLine := from[op.I1+k], to[op.J1+k]
				if linesEqualWithin(fromLine, toLine, tolerance, relative) {
					b.WriteString(fromLine)
				} else {
					b.WriteString(toLine)
				}
			}
			continue
		}
		for _, line := range to[op.J1:op.J2] {
			b.WriteString(line)
		}
	}
	_, err := io.WriteString(out, b.String())
	return err
}

// linesEqualWithin walks both lines in step. At the first differing byte it
// extracts the number surrounding that position on each side, compares them
// and continues on the remainders.
func linesEqualWithin(l1, l2 string, tolerance, relative float64) bool {
	pos := 0
	for pos < len(l1) && pos < len(l2) {
		if l1[pos] == l2[pos] {
			pos++
			continue
		}
		var equal bool
		equal, l1, l2 = numbersEqualAt(l1, l2, pos, tolerance, relative)
		if !equal {
			return false
		}
		pos = 0
	}
	if len(l1) == len(l2) {
		return true
	}
	equal, _, _ := numbersEqualAt(l1, l2, pos, tolerance, relative)
	return equal
}

func numbersEqualAt(l1, l2 string, pos int, tolerance, relative float64) (bool, string, string) {
	n1, rest1 := numberAt(l1, pos)
	n2, rest2 := numberAt(l2, pos)
	return withinTolerance(n1, n2, tolerance, relative), rest1, rest2
}

// numberAt returns the number-like token spanning pos and the text after
// it. At most one exponent marker and one decimal point are accepted.
func numberAt(l string, pos int) (string, string) {
	eSeen, dotSeen := false, false
	accept := func(c byte) bool {
		if !strings.ContainsRune(numberChars, rune(c)) {
			return false
		}
		switch c {
		case 'e', 'E', 'd', 'D':
			if eSeen {
				return false
			}
			eSeen = true
		case '.':
			if dotSeen {
				return false
			}
			dotSeen = true
		}
		return true
	}
	start := pos
	if start > len(l) {
		start = len(l)
	}
	for start > 0 && accept(l[start-1]) {
		start--
	}
	end := pos
	if end > len(l) {
		end = len(l)
	}
	for end < len(l) && accept(l[end]) {
		end++
	}
	return l[start:end], l[end:]
}

func withinTolerance(w1, w2 string, tolerance, relative float64) bool {
	f1, err := parseFortranFloat(w1)
	if err != nil {
		return false
	}
	f2, err := parseFortranFloat(w2)
	if err != nil {
		return false
	}
	deviation := math.Abs(f1 - f2)
	if tolerance != 0 && deviation <= tolerance {
		return true
	}
	if relative != 0 {
		reference := math.Abs(f1)
		if reference == 0 {
			return deviation == 0
		}
		return deviation/reference <= relative
	}
	return false
}

// parseFortranFloat accepts d and D as exponent markers.
func parseFortranFloat(s string) (float64, error) {
	s = strings.Replace(s, "d", "e", 1)
	s = strings.Replace(s, "D", "e", 1)
	return strconv.ParseFloat(s, 64)
}
