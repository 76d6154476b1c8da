package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tastythames/aedwt-runner/internal/schedule"
	"gopkg.in/yaml.v3"
)

const (
	RunsOnLocal = "local"
	RunsOnSSH   = "ssh"

	LanguagePython = "python"
	LanguageNone   = "none"

	DefaultTimeout = 10 * time.Minute
)

var ErrUndeclaredSecret = errors.New("undeclared secret")

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var secretRef = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

type Workflow struct {
	Name         string                  `yaml:"name"`
	On           Triggers                `yaml:"on"`
	RunsOn       string                  `yaml:"runs-on"`
	SSH          SSHConfig               `yaml:"ssh"`
	Checkout     Checkout                `yaml:"checkout"`
	Runtime      Runtime                 `yaml:"runtime"`
	Dependencies []string                `yaml:"dependencies"`
	Script       string                  `yaml:"script"`
	Command      []string                `yaml:"command"`
	Env          map[string]string       `yaml:"env"`
	Secrets      map[string]SecretSource `yaml:"secrets"`
	Timeout      string                  `yaml:"timeout"`
}

type CronTrigger struct {
	Cron string `yaml:"cron"`
}

type SSHConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	PasswordEnv  string `yaml:"password_env"`  // e.g. RUNNER_SSH_PASS
	PasswordFile string `yaml:"password_file"` // alternative to password_env
}

type Checkout struct {
	Repository string `yaml:"repository"` // empty: use Path as-is
	Ref        string `yaml:"ref"`
	Path       string `yaml:"path"`
}

type Runtime struct {
	Language string `yaml:"language"`
	Version  string `yaml:"version"` // semver constraint, e.g. "3.x" or ">= 3.10"
}

// SecretSource names exactly one place a secret value comes from.
type SecretSource struct {
	Env    string `yaml:"env"`
	File   string `yaml:"file"`
	Sealed string `yaml:"sealed"`
}

func Load(path string) (*Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(b, &wf); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	wf.normalize()

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (wf *Workflow) normalize() {
	wf.Name = strings.TrimSpace(wf.Name)
	if wf.RunsOn == "" {
		wf.RunsOn = RunsOnLocal
	}
	if wf.Runtime.Language == "" {
		wf.Runtime.Language = LanguagePython
	}
	if wf.Checkout.Ref == "" {
		wf.Checkout.Ref = "main"
	}
	if wf.Checkout.Path == "" {
		wf.Checkout.Path = "workspace"
	}
	if wf.Timeout == "" {
		wf.Timeout = DefaultTimeout.String()
	}
	if wf.Env == nil {
		wf.Env = map[string]string{}
	}
	if wf.Secrets == nil {
		wf.Secrets = map[string]SecretSource{}
	}
	if wf.RunsOn == RunsOnSSH {
		if wf.SSH.Port == 0 {
			wf.SSH.Port = 22
		}
		if wf.SSH.User == "" {
			wf.SSH.User = "root"
		}
	}
}

func (wf *Workflow) Validate() error {
	if wf.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if len(wf.On.Schedule) == 0 && !wf.On.Dispatch {
		return fmt.Errorf("workflow %s: no trigger (need on.schedule or on.workflow_dispatch)", wf.Name)
	}
	if _, err := wf.Schedules(); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}

	switch wf.RunsOn {
	case RunsOnLocal:
	case RunsOnSSH:
		if wf.SSH.Host == "" {
			return fmt.Errorf("workflow %s: runs-on ssh needs ssh.host", wf.Name)
		}
		if wf.SSH.PasswordEnv == "" && wf.SSH.PasswordFile == "" {
			return fmt.Errorf("workflow %s: runs-on ssh needs ssh.password_env or ssh.password_file", wf.Name)
		}
	default:
		return fmt.Errorf("workflow %s: unsupported runs-on %q", wf.Name, wf.RunsOn)
	}

	if err := wf.Checkout.validatePath(); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.Name, err)
	}

	hasScript := strings.TrimSpace(wf.Script) != ""
	hasCommand := len(wf.Command) > 0
	if hasScript == hasCommand {
		return fmt.Errorf("workflow %s: exactly one of script or command is required", wf.Name)
	}

	switch wf.Runtime.Language {
	case LanguagePython:
	case LanguageNone:
		if hasScript {
			return fmt.Errorf("workflow %s: runtime none runs a command, not a script", wf.Name)
		}
		if len(wf.Dependencies) > 0 {
			return fmt.Errorf("workflow %s: runtime none cannot install dependencies", wf.Name)
		}
	default:
		return fmt.Errorf("workflow %s: unsupported runtime language %q", wf.Name, wf.Runtime.Language)
	}

	for _, dep := range wf.Dependencies {
		if strings.TrimSpace(dep) == "" || strings.HasPrefix(dep, "-") {
			return fmt.Errorf("workflow %s: invalid dependency %q", wf.Name, dep)
		}
	}

	if _, err := time.ParseDuration(wf.Timeout); err != nil {
		return fmt.Errorf("workflow %s: timeout: %w", wf.Name, err)
	}

	for k := range wf.Env {
		if !envKey.MatchString(k) {
			return fmt.Errorf("workflow %s: invalid env name %q", wf.Name, k)
		}
	}

	for name, src := range wf.Secrets {
		n := 0
		for _, v := range []string{src.Env, src.File, src.Sealed} {
			if v != "" {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("workflow %s: secret %s must have exactly one of env, file or sealed", wf.Name, name)
		}
		if src.Env != "" && !envKey.MatchString(src.Env) {
			return fmt.Errorf("workflow %s: secret %s: invalid env name %q", wf.Name, name, src.Env)
		}
	}
	for _, ref := range wf.SecretRefs() {
		if _, ok := wf.Secrets[ref]; !ok {
			return fmt.Errorf("workflow %s: %w: %s", wf.Name, ErrUndeclaredSecret, ref)
		}
	}
	return nil
}

// validatePath keeps the checkout inside the work directory. A clone
// replaces the directory, so it may not be the work directory itself.
func (c Checkout) validatePath() error {
	if filepath.IsAbs(c.Path) {
		return fmt.Errorf("checkout.path %q must be relative to the work directory", c.Path)
	}
	p := filepath.Clean(c.Path)
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("checkout.path %q escapes the work directory", c.Path)
	}
	if p == "." && c.Repository != "" {
		return fmt.Errorf("checkout.path %q would replace the work directory", c.Path)
	}
	return nil
}

// Schedules parses every on.schedule entry.
func (wf *Workflow) Schedules() ([]cron.Schedule, error) {
	out := make([]cron.Schedule, 0, len(wf.On.Schedule))
	for _, c := range wf.On.Schedule {
		s, err := schedule.Parse(c.Cron)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SecretRefs lists the secret names referenced from env, sorted.
func (wf *Workflow) SecretRefs() []string {
	seen := map[string]struct{}{}
	for _, v := range wf.Env {
		for _, m := range secretRef.FindAllStringSubmatch(v, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SecretEnvNames lists env keys whose value references a secret, sorted.
func (wf *Workflow) SecretEnvNames() []string {
	out := []string{}
	for k, v := range wf.Env {
		if secretRef.MatchString(v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ExpandEnv substitutes resolved secret values into env and returns it as
// KEY=VALUE pairs sorted by key.
func (wf *Workflow) ExpandEnv(secrets map[string]string) ([]string, error) {
	keys := make([]string, 0, len(wf.Env))
	for k := range wf.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		var missing string
		v := secretRef.ReplaceAllStringFunc(wf.Env[k], func(m string) string {
			name := secretRef.FindStringSubmatch(m)[1]
			val, ok := secrets[name]
			if !ok {
				missing = name
			}
			return val
		})
		if missing != "" {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredSecret, missing)
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

func (wf *Workflow) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(wf.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}
