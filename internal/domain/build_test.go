package domain

import "testing"

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		deleted  bool
		init     InitStatus
		desired  int32
		observed int32
		want     BuildStatus
	}{
		{"deleted is cleaning whatever else", true, InitStatusSucceeded, 1, 1, StatusCleaning},
		{"deleted while initializing", true, InitStatusStarted, 0, 0, StatusCleaning},
		{"todo", false, InitStatusTodo, 0, 0, StatusTodo},
		{"initializing", false, InitStatusStarted, 0, 0, StatusInitializing},
		{"failed", false, InitStatusFailed, 0, 0, StatusFailed},
		{"stopped", false, InitStatusSucceeded, 0, 0, StatusStopped},
		{"starting", false, InitStatusSucceeded, 1, 0, StatusStarting},
		{"started", false, InitStatusSucceeded, 1, 1, StatusStarted},
		{"missing annotation treated as todo", false, "", 0, 0, StatusTodo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.deleted, tt.init, tt.desired, tt.observed); got != tt.want {
				t.Errorf("DeriveStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommitInfoValidate(t *testing.T) {
	valid := CommitInfo{
		Repo:         "acme/svc",
		TargetBranch: "main",
		GitCommit:    "aaaaaaaaaabbbbbbbbbbccccccccccdddddddddd",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() of valid commit info: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*CommitInfo)
	}{
		{"empty repo", func(c *CommitInfo) { c.Repo = "" }},
		{"repo without owner", func(c *CommitInfo) { c.Repo = "svc" }},
		{"empty branch", func(c *CommitInfo) { c.TargetBranch = "" }},
		{"branch with spaces", func(c *CommitInfo) { c.TargetBranch = "a branch" }},
		{"short sha", func(c *CommitInfo) { c.GitCommit = "abc123" }},
		{"non hex sha", func(c *CommitInfo) { c.GitCommit = "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz" }},
		{"negative pr", func(c *CommitInfo) { c.PR = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ci := valid
			tt.mutate(&ci)
			if err := ci.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
