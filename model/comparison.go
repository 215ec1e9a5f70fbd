package model

import "time"

// ComparisonKind classifies the relationship between an approved and a generated file.
type ComparisonKind string

const (
	ComparisonNew     ComparisonKind = "new"
	ComparisonMissing ComparisonKind = "missing"
	ComparisonBoth    ComparisonKind = "both"
	ComparisonDefunct ComparisonKind = "defunct"
)

// FileComparison records one approved/generated pair after filtering.
// Paths are stored relative to nothing; they are absolute on the machine that
// produced them so the record never refers back to a live test object.
type FileComparison struct {
	// Canonical comparison stem (e.g. "stdout")
	Stem string `json:"stem"`
	// Approved file, empty for a new result
	ApprovedFile string `json:"approved_file,omitempty"`
	// Generated file in the sandbox, empty for a missing result
	GeneratedFile string `json:"generated_file,omitempty"`
	// Fully filtered approved file
	FilteredApproved string `json:"filtered_approved,omitempty"`
	// Fully filtered generated file
	FilteredGenerated string `json:"filtered_generated,omitempty"`
	// 1 is the most severe
	Severity int `json:"severity"`
	// Higher values are shown first
	DisplayPriority int `json:"display_priority"`
	// Compared byte for byte without filtering
	Binary bool `json:"binary,omitempty"`
	// Cached result of comparing the filtered forms
	Different bool `json:"different"`
	// Set once the generated file has been saved as approved
	Saved bool `json:"saved,omitempty"`
	// Time the difference cache was last computed
	ComputedAt time.Time `json:"computed_at"`
	// Preview shown in the test's free text
	Preview string `json:"preview,omitempty"`
}

// Kind reports which of new, missing, both-present or defunct holds.
func (c FileComparison) Kind() ComparisonKind {
	switch {
	case c.ApprovedFile == "" && c.GeneratedFile == "":
		return ComparisonDefunct
	case c.ApprovedFile == "":
		return ComparisonNew
	case c.GeneratedFile == "":
		return ComparisonMissing
	}
	return ComparisonBoth
}

// HasDifferences reports whether the pair counts as a difference.
func (c FileComparison) HasDifferences() bool {
	if c.Saved {
		return false
	}
	switch c.Kind() {
	case ComparisonNew, ComparisonMissing:
		return true
	case ComparisonBoth:
		return c.Different
	}
	return false
}

// Summary is the short description used in brief texts.
func (c FileComparison) Summary() string {
	switch c.Kind() {
	case ComparisonNew:
		return c.Stem + " new"
	case ComparisonMissing:
		return c.Stem + " missing"
	}
	return c.Stem + " different"
}
