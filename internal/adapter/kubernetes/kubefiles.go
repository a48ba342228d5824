package kubernetes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/sbidoul/runboat/internal/domain"
	"github.com/sbidoul/runboat/internal/port"
)

const fieldManager = "runboat"

// templateData is the rendering context. Timestamp is stamped at render
// time and feeds the init-status-timestamp annotation of fresh builds.
type templateData struct {
	port.DeploymentVars
	Timestamp string
}

var templateFuncs = template.FuncMap{
	"b64enc": func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) },
	"quote":  func(s string) string { b, _ := json.Marshal(s); return string(b) },
}

// RenderBundle renders the kubefile for the selected mode into the list
// of resources to apply. Every resource is forced to carry the
// runboat/build label and the build namespace, whatever the template
// says.
func RenderBundle(kubefiles fs.FS, vars port.DeploymentVars) ([]*unstructured.Unstructured, error) {
	name := string(vars.Mode) + ".yaml.tmpl"
	raw, err := fs.ReadFile(kubefiles, name)
	if err != nil {
		return nil, fmt.Errorf("read kubefile %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse kubefile %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{
		DeploymentVars: vars,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("render kubefile %s: %w", name, err)
	}

	var objs []*unstructured.Unstructured
	for _, doc := range strings.Split(buf.String(), "\n---") {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		jsonBytes, err := sigsyaml.YAMLToJSON([]byte(doc))
		if err != nil {
			return nil, fmt.Errorf("decode kubefile %s: %w", name, err)
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(jsonBytes); err != nil {
			return nil, fmt.Errorf("decode kubefile %s: %w", name, err)
		}
		if obj.GetKind() == "" || obj.GetName() == "" {
			return nil, fmt.Errorf("kubefile %s: resource without kind or name", name)
		}
		labels := obj.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}
		labels[domain.LabelBuild] = vars.BuildName
		obj.SetLabels(labels)
		obj.SetNamespace(vars.Namespace)
		objs = append(objs, obj)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("kubefile %s rendered no resources", name)
	}
	return objs, nil
}

// ApplyBundle renders and server-side applies a bundle. A dry-run pass
// over the whole bundle runs first, so nothing is persisted when any
// resource is invalid and a failed deployment leaks no resources.
func (g *Gateway) ApplyBundle(ctx context.Context, kubefilesPath string, vars port.DeploymentVars) error {
	kubefiles := g.defaultKubefiles
	if kubefilesPath != "" {
		kubefiles = os.DirFS(kubefilesPath)
	}
	vars.Namespace = g.namespace

	objs, err := RenderBundle(kubefiles, vars)
	if err != nil {
		return err
	}
	for _, dryRun := range []bool{true, false} {
		for _, obj := range objs {
			if err := g.apply(ctx, obj, dryRun); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gateway) apply(ctx context.Context, obj *unstructured.Unstructured, dryRun bool) error {
	gvr := resourceFor(obj.GroupVersionKind())
	data, err := obj.MarshalJSON()
	if err != nil {
		return err
	}
	force := true
	opts := metav1.PatchOptions{FieldManager: fieldManager, Force: &force}
	if dryRun {
		opts.DryRun = []string{metav1.DryRunAll}
	}
	op := fmt.Sprintf("apply %s %s", obj.GetKind(), obj.GetName())
	return withRetry(ctx, op, func(ctx context.Context) error {
		_, err := g.dyn.Resource(gvr).Namespace(g.namespace).
			Patch(ctx, obj.GetName(), types.ApplyPatchType, data, opts)
		return err
	})
}

// resourceFor maps the kinds the kubefiles may render to their resource
// names. Kinds outside this table use naive pluralization, which is
// right for everything the default templates emit.
func resourceFor(gvk schema.GroupVersionKind) schema.GroupVersionResource {
	special := map[string]string{
		"Ingress":               "ingresses",
		"NetworkPolicy":         "networkpolicies",
		"PersistentVolumeClaim": "persistentvolumeclaims",
	}
	if r, ok := special[gvk.Kind]; ok {
		return gvk.GroupVersion().WithResource(r)
	}
	return gvk.GroupVersion().WithResource(strings.ToLower(gvk.Kind) + "s")
}
