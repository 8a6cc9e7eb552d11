package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"mcpgate/internal/policy"
	"mcpgate/internal/upstream"
	"mcpgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	upstreamsFile = "upstreams.yaml"
	rolesFile     = "roles.yaml"
)

// AdminStatus is the operator-controlled lifecycle state of an
// upstream definition.
type AdminStatus string

const (
	AdminEnabled      AdminStatus = "enabled"
	AdminDisabled     AdminStatus = "disabled"
	AdminAutoDisabled AdminStatus = "auto_disabled"
)

// Duration wraps time.Duration so YAML can carry either a Go duration
// string ("30s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds the connection retry loop for one upstream.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// Upstream is one upstream MCP server definition from the store.
type Upstream struct {
	Name               string              `yaml:"name"`
	URL                string              `yaml:"url"`
	Protocol           string              `yaml:"protocol"`
	Timeout            Duration            `yaml:"timeout"`
	Retry              RetryConfig         `yaml:"retry"`
	Auth               upstream.AuthConfig `yaml:"auth"`
	AdminStatus        AdminStatus         `yaml:"admin_status"`
	UpdatedAt          time.Time           `yaml:"updated_at"`
	AutoDisabledAt     *time.Time          `yaml:"auto_disabled_at,omitempty"`
	AutoDisabledReason string              `yaml:"auto_disabled_reason,omitempty"`
}

// Active reports whether the upstream should be connected. The empty
// status is treated as enabled so hand-written files stay terse.
func (u Upstream) Active() bool {
	return u.AdminStatus == AdminEnabled || u.AdminStatus == ""
}

// ConnSignature captures the connection-relevant fields. The
// coordinator compares signatures to decide whether a changed
// definition requires a session rebuild.
func (u Upstream) ConnSignature() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%s",
		u.URL, u.Protocol, u.Timeout.Std(), u.Retry.RetryDelay.Std(),
		u.Retry.MaxRetries, u.Auth.Kind, u.Auth.Secret, u.AdminStatus)
}

// Role is one role policy row from the store. ToolRestrictions keeps
// the raw decoded shape; Restrictions() converts it to the canonical
// form lazily so a malformed row never fails the whole load.
type Role struct {
	Name             string                 `yaml:"name"`
	MCPAccess        []string               `yaml:"mcp_access"`
	ToolRestrictions map[string]interface{} `yaml:"tool_restrictions"`
	ServiceGrants    []string               `yaml:"service_grants"`
}

// Restrictions converts the raw restriction rows to the canonical
// per-upstream form.
func (r Role) Restrictions() map[string]policy.Restriction {
	out := make(map[string]policy.Restriction, len(r.ToolRestrictions))
	for name, raw := range r.ToolRestrictions {
		out[name] = policy.ParseRestriction(raw)
	}
	return out
}

// Store is the upstream and role definition source the coordinator and
// gateway program against.
type Store interface {
	// Upstreams returns every definition, including disabled ones.
	Upstreams(ctx context.Context) ([]Upstream, error)

	// ActiveUpstreams returns only the definitions that should hold a
	// live session.
	ActiveUpstreams(ctx context.Context) ([]Upstream, error)

	// Role returns the policy for one role name. The boolean is false
	// when the role is unknown.
	Role(ctx context.Context, name string) (Role, bool, error)

	// SetAdminStatus updates the lifecycle state of one upstream,
	// recording the reason when auto-disabling.
	SetAdminStatus(ctx context.Context, name string, status AdminStatus, reason string) error

	// Changes delivers a signal whenever the backing definitions may
	// have changed. Signals are advisory; the periodic scan converges
	// without them.
	Changes() <-chan struct{}

	// Close releases the watcher.
	Close() error
}

// FileStore reads definitions from upstreams.yaml and roles.yaml in a
// directory and watches the directory for edits.
type FileStore struct {
	dir     string
	changes chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu  sync.Mutex
	now func() time.Time
}

type upstreamsDoc struct {
	Upstreams []Upstream `yaml:"upstreams"`
}

type rolesDoc struct {
	Roles map[string]Role `yaml:"roles"`
}

// NewFileStore opens the store directory and starts the watcher.
func NewFileStore(dir string) (*FileStore, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create store watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch store directory %s: %w", dir, err)
	}

	s := &FileStore{
		dir:     dir,
		changes: make(chan struct{}, 1),
		watcher: watcher,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.watch()
	return s, nil
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != upstreamsFile && name != rolesFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logging.Debug("Store", "Detected change to %s", name)
			select {
			case s.changes <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Store", "Watcher error: %v", err)
		}
	}
}

// Upstreams returns every definition, including disabled ones.
func (s *FileStore) Upstreams(ctx context.Context) ([]Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadUpstreams()
	if err != nil {
		return nil, err
	}
	return doc.Upstreams, nil
}

// ActiveUpstreams returns only the definitions that should hold a live
// session.
func (s *FileStore) ActiveUpstreams(ctx context.Context) ([]Upstream, error) {
	all, err := s.Upstreams(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]Upstream, 0, len(all))
	for _, u := range all {
		if u.Active() {
			active = append(active, u)
		}
	}
	return active, nil
}

// Role returns the policy for one role name.
func (s *FileStore) Role(ctx context.Context, name string) (Role, bool, error) {
	path := filepath.Join(s.dir, rolesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Role{}, false, nil
		}
		return Role{}, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc rolesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Role{}, false, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	role, ok := doc.Roles[name]
	if !ok {
		return Role{}, false, nil
	}
	role.Name = name
	return role, true, nil
}

// SetAdminStatus updates one upstream's lifecycle state and writes the
// file back atomically.
func (s *FileStore) SetAdminStatus(ctx context.Context, name string, status AdminStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadUpstreams()
	if err != nil {
		return err
	}

	found := false
	for i := range doc.Upstreams {
		if doc.Upstreams[i].Name != name {
			continue
		}
		found = true
		doc.Upstreams[i].AdminStatus = status
		doc.Upstreams[i].UpdatedAt = s.now().UTC()
		if status == AdminAutoDisabled {
			at := s.now().UTC()
			doc.Upstreams[i].AutoDisabledAt = &at
			doc.Upstreams[i].AutoDisabledReason = reason
		} else {
			doc.Upstreams[i].AutoDisabledAt = nil
			doc.Upstreams[i].AutoDisabledReason = ""
		}
	}
	if !found {
		return fmt.Errorf("unknown upstream %q", name)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal upstreams: %w", err)
	}

	path := filepath.Join(s.dir, upstreamsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	logging.Info("Store", "Upstream %s admin_status set to %s", name, status)
	return nil
}

func (s *FileStore) loadUpstreams() (*upstreamsDoc, error) {
	path := filepath.Join(s.dir, upstreamsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc upstreamsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &doc, nil
}

// Changes delivers a signal whenever a store file was edited.
func (s *FileStore) Changes() <-chan struct{} { return s.changes }

// Close stops the watcher.
func (s *FileStore) Close() error {
	close(s.done)
	return s.watcher.Close()
}

// SetNow overrides the clock for tests.
func (s *FileStore) SetNow(now func() time.Time) { s.now = now }
