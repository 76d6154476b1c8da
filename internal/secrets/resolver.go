package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tastythames/aedwt-runner/internal/workflow"
)

var ErrMissingSecret = errors.New("missing secret")

// Resolver turns a workflow's secret declarations into values.
type Resolver struct {
	Box *Box

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Resolve returns the value of every secret referenced by wf. Each value
// must be non-empty.
func (r *Resolver) Resolve(wf *workflow.Workflow) (map[string]string, error) {
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	out := make(map[string]string)
	for _, name := range wf.SecretRefs() {
		src, ok := wf.Secrets[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not declared", ErrMissingSecret, name)
		}

		var (
			val string
			err error
		)
		switch {
		case src.Env != "":
			val, _ = lookup(src.Env)
			if val == "" {
				err = fmt.Errorf("empty env var: %s", src.Env)
			}
		case src.File != "":
			var b []byte
			b, err = os.ReadFile(src.File)
			val = strings.TrimSpace(string(b))
		case src.Sealed != "":
			val, err = r.Box.Open(src.Sealed)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingSecret, name, err)
		}
		if val == "" {
			return nil, fmt.Errorf("%w: %s resolved to an empty value", ErrMissingSecret, name)
		}
		out[name] = val
	}
	return out, nil
}

// SourceEnvNames lists the runner-process env vars that secrets are read
// from. Steps must not inherit them.
func SourceEnvNames(wf *workflow.Workflow) []string {
	seen := map[string]struct{}{}
	for _, src := range wf.Secrets {
		if src.Env != "" {
			seen[src.Env] = struct{}{}
		}
	}
	for _, name := range wf.SecretEnvNames() {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Masker hides secret values in captured output.
type Masker struct {
	replacer *strings.Replacer
	maxLen   int
}

func NewMasker(values map[string]string) *Masker {
	vals := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			vals = append(vals, v)
		}
	}
	// longest first so a value containing another is masked whole
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })

	pairs := make([]string, 0, 2*len(vals))
	for _, v := range vals {
		pairs = append(pairs, v, "***")
	}
	m := &Masker{replacer: strings.NewReplacer(pairs...)}
	if len(vals) > 0 {
		m.maxLen = len(vals[0])
	}
	return m
}

// MaxLen is the length of the longest masked value.
func (m *Masker) MaxLen() int {
	if m == nil {
		return 0
	}
	return m.maxLen
}

func (m *Masker) Mask(s string) string {
	if m == nil || m.replacer == nil {
		return s
	}
	return m.replacer.Replace(s)
}
