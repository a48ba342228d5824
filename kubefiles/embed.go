// Package kubefiles carries the default resource templates used to
// materialize builds. A rule-level kubefiles_path overrides them.
package kubefiles

import "embed"

//go:embed *.yaml.tmpl
var FS embed.FS
