// Package project inspects a target directory before an audit run: what
// languages live there, which build manifests anchor the tooling, and what
// git state a binding document would be pinned to.
//
// Git inspection is soft: a missing repository or an unreadable worktree
// degrades to absent metadata and a hint, never an error. Only an
// unreadable target path fails the analysis.
package project

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

// buildMarkers are the manifests that tell phase tooling how to drive a
// codebase, in the order they are reported.
var buildMarkers = []string{
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"pom.xml",
}

// languageByExt maps source file extensions to the language census bucket.
var languageByExt = map[string]string{
	".go":    "Go",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".js":    "JavaScript",
	".jsx":   "JavaScript",
	".py":    "Python",
	".rs":    "Rust",
	".java":  "Java",
	".kt":    "Kotlin",
	".swift": "Swift",
	".rb":    "Ruby",
	".c":     "C",
	".h":     "C",
	".cpp":   "C++",
	".cc":    "C++",
	".hpp":   "C++",
	".cs":    "C#",
	".php":   "PHP",
	".scala": "Scala",
	".sh":    "Shell",
}

// skippedDirs are dependency and artifact trees excluded from the census.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// GitInfo is the repository state an audit would be anchored to.
type GitInfo struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Dirty  bool   `json:"dirty"`
}

// Report is the readiness analysis of one target directory.
type Report struct {
	Path         string         `json:"path"`
	FileCount    int            `json:"file_count"`
	Languages    map[string]int `json:"languages,omitempty"`
	BuildMarkers []string       `json:"build_markers,omitempty"`
	Git          *GitInfo       `json:"git,omitempty"`

	// Ready means the directory has recognizable source and at least one
	// build manifest, so phase tooling can operate without hand-holding.
	Ready bool     `json:"ready"`
	Hints []string `json:"hints,omitempty"`
}

// SourceFiles returns the number of files counted into the language census.
func (r Report) SourceFiles() int {
	total := 0
	for _, count := range r.Languages {
		total += count
	}
	return total
}

// Analyze inspects path and reports whether it is ready to be audited.
func Analyze(path string) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, fmt.Errorf("target path does not exist: %s", path)
		}
		return Report{}, fmt.Errorf("target path unreadable: %w", err)
	}
	if !info.IsDir() {
		return Report{}, fmt.Errorf("target path is not a directory: %s", path)
	}

	report := Report{
		Path:      path,
		Languages: make(map[string]int),
	}

	if err := report.census(path); err != nil {
		return Report{}, fmt.Errorf("target path unreadable: %w", err)
	}
	report.detectMarkers(path)
	report.inspectGit(path)
	report.judge()

	return report, nil
}

// census walks the tree counting files and bucketing source by language.
func (r *Report) census(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Unreadable subtrees are skipped, not fatal.
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			name := entry.Name()
			if path != root && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}

		r.FileCount++
		if lang, ok := languageByExt[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			r.Languages[lang]++
		}
		return nil
	})
}

func (r *Report) detectMarkers(root string) {
	for _, marker := range buildMarkers {
		if _, err := os.Stat(filepath.Join(root, marker)); err == nil {
			r.BuildMarkers = append(r.BuildMarkers, marker)
		}
	}
}

// inspectGit collects branch, short commit, and worktree cleanliness.
// Anything it cannot read it leaves absent.
func (r *Report) inspectGit(root string) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return
	}

	gitInfo := &GitInfo{}
	r.Git = gitInfo

	head, err := repo.Head()
	if err != nil {
		return
	}
	if head.Name().IsBranch() {
		gitInfo.Branch = head.Name().Short()
	}
	if hash := head.Hash().String(); len(hash) >= 8 {
		gitInfo.Commit = hash[:8]
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return
	}
	status, err := worktree.Status()
	if err != nil {
		return
	}
	gitInfo.Dirty = !status.IsClean()
}

// judge derives the readiness verdict and the hints explaining it.
func (r *Report) judge() {
	if r.SourceFiles() == 0 {
		r.Hints = append(r.Hints, "no source files recognized, nothing to audit")
	}
	if len(r.BuildMarkers) == 0 {
		r.Hints = append(r.Hints, "no build manifest found, phase tooling will need manual configuration")
	}
	if r.Git == nil {
		r.Hints = append(r.Hints, "not a git repository, rollback plans will lack a revision anchor")
	} else if r.Git.Dirty {
		r.Hints = append(r.Hints, "working tree has uncommitted changes, the binding document will not match a clean revision")
	}

	r.Ready = r.SourceFiles() > 0 && len(r.BuildMarkers) > 0
}

// TopLanguages returns the census languages ordered by file count, then
// name. Used for rendering.
func (r Report) TopLanguages() []string {
	names := make([]string, 0, len(r.Languages))
	for name := range r.Languages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if r.Languages[names[i]] == r.Languages[names[j]] {
			return names[i] < names[j]
		}
		return r.Languages[names[i]] > r.Languages[names[j]]
	})
	return names
}
