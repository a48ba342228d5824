package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	repoRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*/[a-z0-9._-]+$`)
	branchRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	commitRegex = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// NormalizeRepo lowercases an owner/name repository identifier.
func NormalizeRepo(repo string) string {
	return strings.ToLower(repo)
}

// ValidateRepo checks an owner/name repository identifier (lowercase).
func ValidateRepo(repo string) error {
	if !repoRegex.MatchString(repo) {
		return fmt.Errorf("%w: repo %q is not a valid owner/name", ErrInvalidInput, repo)
	}
	return nil
}

// ValidateBranch checks a git branch name against a character whitelist.
func ValidateBranch(branch string) error {
	if branch == "" || !branchRegex.MatchString(branch) {
		return fmt.Errorf("%w: branch %q contains invalid characters", ErrInvalidInput, branch)
	}
	return nil
}

// ValidateCommit checks a full 40-hex git commit sha.
func ValidateCommit(sha string) error {
	if !commitRegex.MatchString(sha) {
		return fmt.Errorf("%w: git_commit %q is not a 40-hex sha", ErrInvalidInput, sha)
	}
	return nil
}

// ValidatePR checks an optional pull request number (0 means none).
func ValidatePR(pr int) error {
	if pr < 0 {
		return fmt.Errorf("%w: pr must be a positive integer", ErrInvalidInput)
	}
	return nil
}
