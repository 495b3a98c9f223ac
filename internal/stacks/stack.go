package stacks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"stackcast/internal/process"
	"stackcast/internal/pubsub"

	"go.yaml.in/yaml/v3"
)

var (
	ErrNotFound      = errors.New("stacks: stack not found")
	ErrInvalidName   = errors.New("stacks: name may only contain [a-z0-9_-]")
	ErrUnknownAction = errors.New("stacks: unknown action")
)

var nameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidName reports whether name is usable as a stack directory.
func ValidName(name string) bool { return nameRe.MatchString(name) }

var composeFileNames = []string{
	"compose.yaml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"compose.yml",
}

func findComposeFile(dir string) (string, bool) {
	for _, n := range composeFileNames {
		if st, err := os.Stat(filepath.Join(dir, n)); err == nil && !st.IsDir() {
			return n, true
		}
	}
	return "", false
}

// Stack is one compose project, either managed (a directory under the
// stacks root) or discovered through the daemon.
type Stack struct {
	d    *Directory
	name string

	mu          sync.Mutex
	status      Status
	composeFile string
	configFiles string
}

// Summary is the per-stack entry of the broadcast list.
type Summary struct {
	Name            string `json:"name"`
	Status          Status `json:"status"`
	StatusText      string `json:"statusText"`
	Managed         bool   `json:"isManaged"`
	ComposeFileName string `json:"composeFileName,omitempty"`
}

func (s *Stack) Name() string { return s.name }
func (s *Stack) Path() string { return filepath.Join(s.d.root, s.name) }

func (s *Stack) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stack) managed() bool {
	st, err := os.Stat(s.Path())
	return err == nil && st.IsDir()
}

func (s *Stack) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Name:            s.name,
		Status:          s.status,
		StatusText:      s.status.String(),
		Managed:         s.managed(),
		ComposeFileName: s.composeFile,
	}
}

func (s *Stack) setStatus(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.status != st
	s.status = st
	return changed
}

// Refresh re-reads this stack's status from the daemon and reports whether
// it changed. A project the daemon does not know falls back to
// StatusCreatedFile if its compose file exists.
func (s *Stack) Refresh(ctx context.Context) (bool, error) {
	projects, err := s.d.compose.ComposeLs(ctx)
	if err != nil {
		return false, err
	}
	st := StatusUnknown
	found := false
	for _, p := range projects {
		if p.Name == s.name {
			st = StatusFromCompose(p.Status)
			s.mu.Lock()
			s.configFiles = p.ConfigFiles
			s.mu.Unlock()
			found = true
			break
		}
	}
	if !found {
		if _, ok := findComposeFile(s.Path()); ok {
			st = StatusCreatedFile
		}
	}
	return s.setStatus(st), nil
}

// ComposeServices returns the service names declared in the compose file,
// sorted.
func (s *Stack) ComposeServices() ([]string, error) {
	s.mu.Lock()
	file := s.composeFile
	s.mu.Unlock()
	if file == "" {
		return nil, fmt.Errorf("%w: %s has no compose file", ErrNotFound, s.name)
	}
	b, err := os.ReadFile(filepath.Join(s.Path(), file))
	if err != nil {
		return nil, err
	}
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("stacks: parse %s: %w", file, err)
	}
	out := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ---- processes ----

func (s *Stack) composeProcessName() string  { return ActionProcessName(s.name) }
func (s *Stack) combinedProcessName() string { return CombinedLogsName(s.name) }

func (s *Stack) execProcessName(service string, index int) string {
	return "container-exec-" + s.name + "-" + service + "-" + strconv.Itoa(index)
}

// ActionProcessName is the process name of a stack's compose operation.
func ActionProcessName(stack string) string { return "compose-" + stack }

// CombinedLogsName is the process name of a stack's log follower.
func CombinedLogsName(stack string) string { return "combined-" + stack }

// JoinLogs attaches sub to the stack's combined log follower, creating and
// starting it for the first observer. It returns the replay buffer.
func (s *Stack) JoinLogs(sub pubsub.Subscriber) (string, error) {
	p := s.d.procs.GetOrCreate(process.Spec{
		Name:      s.combinedProcessName(),
		File:      s.d.binary,
		Args:      []string{"compose", "logs", "-f", "--tail", "100"},
		Dir:       s.Path(),
		Rows:      s.d.cfg.CombinedRows,
		Cols:      s.d.cfg.CombinedCols,
		KeepAlive: true,
	})
	buf, err := p.Attach(sub)
	if err != nil {
		return "", err
	}
	p.Start()
	s.d.log.Debug("joined combined logs", s.d.fields(s.name, p.SubscriberCount())...)
	return buf, nil
}

// LeaveLogs detaches sub. The follower closes itself on its next
// keep-alive check once nobody is left.
func (s *Stack) LeaveLogs(sub pubsub.Subscriber) {
	if p, ok := s.d.procs.Get(s.combinedProcessName()); ok {
		p.Unsubscribe(sub)
	}
}

// JoinExec attaches sub to an interactive shell inside service, starting
// it if needed, and returns the process name and replay buffer.
func (s *Stack) JoinExec(service, shell string, index int, sub pubsub.Subscriber) (string, string, error) {
	if !ValidName(service) {
		return "", "", ErrInvalidName
	}
	if shell == "" {
		shell = "sh"
	}
	name := s.execProcessName(service, index)
	p := s.d.procs.GetOrCreate(process.Spec{
		Name:        name,
		File:        s.d.binary,
		Args:        []string{"compose", "exec", service, shell},
		Dir:         s.Path(),
		Interactive: true,
	})
	buf, err := p.Attach(sub)
	if err != nil {
		return "", "", err
	}
	p.Start()
	return name, buf, nil
}
