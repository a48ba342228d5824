package domain

import (
	"fmt"
	"regexp"
)

// BuildRecipe is what the matcher hands back for a supported repo/branch:
// the image to run plus rendering extras.
type BuildRecipe struct {
	Image         string
	KubefilesPath string
	Env           map[string]string
	SecretEnv     map[string]string
	TemplateVars  map[string]string
}

// RepoRule matches repositories and branches by regex. Rules are ordered;
// the first matching rule wins.
type RepoRule struct {
	repo   *regexp.Regexp
	branch *regexp.Regexp
	recipe BuildRecipe
}

// NewRepoRule compiles a rule. The expressions are anchored: a rule for
// "acme/svc" does not match "acme/svc-extras". Repo matching ignores case.
func NewRepoRule(repoExpr, branchExpr string, recipe BuildRecipe) (RepoRule, error) {
	repoRe, err := regexp.Compile(`(?i)\A(?:` + repoExpr + `)\z`)
	if err != nil {
		return RepoRule{}, fmt.Errorf("%w: repo regex %q: %v", ErrInvalidInput, repoExpr, err)
	}
	branchRe, err := regexp.Compile(`\A(?:` + branchExpr + `)\z`)
	if err != nil {
		return RepoRule{}, fmt.Errorf("%w: branch regex %q: %v", ErrInvalidInput, branchExpr, err)
	}
	if recipe.Image == "" {
		return RepoRule{}, fmt.Errorf("%w: rule for %q has no image", ErrInvalidInput, repoExpr)
	}
	return RepoRule{repo: repoRe, branch: branchRe, recipe: recipe}, nil
}

// Matcher maps (repo, branch) to a build recipe via an ordered rule list.
// It is pure: matching has no side effects and no state beyond the rules.
type Matcher struct {
	rules []RepoRule
}

func NewMatcher(rules []RepoRule) *Matcher {
	return &Matcher{rules: rules}
}

// Match returns the recipe of the first rule accepting (repo, branch),
// or false when no rule matches.
func (m *Matcher) Match(repo, branch string) (BuildRecipe, bool) {
	for _, rule := range m.rules {
		if rule.repo.MatchString(repo) && rule.branch.MatchString(branch) {
			return rule.recipe, true
		}
	}
	return BuildRecipe{}, false
}

// Supported reports whether any rule accepts (repo, branch). Used on the
// webhook path to discard irrelevant events cheaply.
func (m *Matcher) Supported(repo, branch string) bool {
	_, ok := m.Match(repo, branch)
	return ok
}
