package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"vinr.eu/rollout/internal/errs"
)

var (
	ErrReadFailed  = errors.New("topology: read failed")
	ErrParseFailed = errors.New("topology: parse failed")
)

type Variant string

const (
	VariantDev  Variant = "dev"
	VariantProd Variant = "prod"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(s)); v {
	case VariantDev, VariantProd:
		return v, nil
	}
	return "", errs.WrapMsg(ErrInvalid, fmt.Sprintf("unknown environment %q, expected dev or prod", s))
}

// Document is a descriptor together with the exact bytes it was parsed from.
// The bytes are what gets transferred.
type Document struct {
	Path       string
	Raw        []byte
	Descriptor *Descriptor
}

type Descriptor struct {
	Name     string              `yaml:"name,omitempty"`
	Services map[string]*Service `yaml:"services"`
	Volumes  map[string]any      `yaml:"volumes,omitempty"`
	Networks map[string]any      `yaml:"networks,omitempty"`
}

type Service struct {
	Image       string      `yaml:"image,omitempty"`
	Build       *Build      `yaml:"build,omitempty"`
	PullPolicy  string      `yaml:"pull_policy,omitempty"`
	Ports       []Port      `yaml:"ports,omitempty"`
	Environment Environment `yaml:"environment,omitempty"`
	EnvFile     any         `yaml:"env_file,omitempty"`
	Volumes     []any       `yaml:"volumes,omitempty"`
	Networks    any         `yaml:"networks,omitempty"`
	Command     Command     `yaml:"command,omitempty"`
	DependsOn   any         `yaml:"depends_on,omitempty"`
	Restart     string      `yaml:"restart,omitempty"`
}

// Build accepts both the short (context path) and the long form.
type Build struct {
	Context    string            `yaml:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
}

func (b *Build) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if short, ok := raw.(string); ok {
		b.Context = short
		return nil
	}
	type plain Build
	var long plain
	if err := unmarshal(&long); err != nil {
		return err
	}
	*b = Build(long)
	return nil
}

// Command accepts both the shell form and the exec (list) form.
type Command []string

func (c *Command) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*c = nil
	case string:
		*c = strings.Fields(v)
	case []any:
		out := make(Command, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		*c = out
	default:
		return fmt.Errorf("command must be a string or a list, got %T", raw)
	}
	return nil
}

// Reloads reports whether the start command watches the source tree.
func (c Command) Reloads() bool {
	for _, arg := range c {
		if arg == "--reload" || strings.HasPrefix(arg, "--reload=") {
			return true
		}
	}
	return false
}

// Environment accepts both the list (KEY=VALUE) and the map form.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	env := Environment{}
	switch v := raw.(type) {
	case nil:
	case []any:
		for _, item := range v {
			k, val, _ := strings.Cut(fmt.Sprint(item), "=")
			env[k] = val
		}
	case map[string]any:
		for k, val := range v {
			if val == nil {
				env[k] = ""
				continue
			}
			env[k] = fmt.Sprint(val)
		}
	default:
		return fmt.Errorf("environment must be a list or a map, got %T", raw)
	}
	*e = env
	return nil
}

// Keys returns the variable names in sorted order.
func (e Environment) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Port is one published port. HostPort is empty when the host side is left
// to the engine.
type Port struct {
	HostIP        string
	HostPort      string
	ContainerPort string
	Protocol      string
}

func (p *Port) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := ParsePort(v)
		if err != nil {
			return err
		}
		*p = parsed
	case map[string]any:
		p.ContainerPort = scalar(v["target"])
		p.HostPort = scalar(v["published"])
		p.HostIP = scalar(v["host_ip"])
		p.Protocol = scalar(v["protocol"])
		if p.Protocol == "" {
			p.Protocol = "tcp"
		}
	case int, int64, uint64, float64:
		*p = Port{ContainerPort: fmt.Sprint(v), Protocol: "tcp"}
	default:
		return fmt.Errorf("unsupported port %v", raw)
	}
	return nil
}

func scalar(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// ParsePort reads the short syntax [[ip:]host:]container[/proto].
func ParsePort(s string) (Port, error) {
	p := Port{Protocol: "tcp"}
	spec, proto, ok := strings.Cut(s, "/")
	if ok {
		p.Protocol = proto
	}
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		p.ContainerPort = parts[0]
	case 2:
		p.HostPort, p.ContainerPort = parts[0], parts[1]
	case 3:
		p.HostIP, p.HostPort, p.ContainerPort = parts[0], parts[1], parts[2]
	default:
		return Port{}, fmt.Errorf("invalid port %q", s)
	}
	if p.ContainerPort == "" {
		return Port{}, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func (p Port) String() string {
	s := p.ContainerPort
	if p.HostPort != "" {
		s = p.HostPort + ":" + s
	}
	if p.HostIP != "" {
		s = p.HostIP + ":" + s
	}
	return s + "/" + p.Protocol
}

func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapMsgErr(ErrReadFailed, path, err)
	}
	d, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Document{Path: path, Raw: raw, Descriptor: d}, nil
}

func Parse(raw []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(ErrParseFailed, err)
	}
	if len(d.Services) == 0 {
		return nil, errs.WrapMsg(ErrParseFailed, "no services defined")
	}
	for name, svc := range d.Services {
		if svc == nil {
			return nil, errs.WrapMsg(ErrParseFailed, fmt.Sprintf("service %q is empty", name))
		}
	}
	return &d, nil
}

// ServiceNames returns the service names in sorted order.
func (d *Descriptor) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
