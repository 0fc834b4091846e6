package defs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"vinr.eu/rollout/internal/defs/v1"
	"vinr.eu/rollout/internal/errs"
)

var (
	ErrLoadFailed            = errors.New("defs: load failed")
	ErrReadFailed            = errors.New("defs: read failed")
	ErrDecodeFailed          = errors.New("defs: decode failed")
	ErrDuplicate             = errors.New("defs: duplicate definition")
	ErrInvalid               = errors.New("defs: invalid definition")
	ErrNotFound              = errors.New("defs: not found")
	ErrResolveVariableFailed = errors.New("defs: resolve variable failed")
)

const (
	AwsSecretPrefix = "aws/secrets/"
	EnvPrefix       = "env/"
)

type SecretFetcher func(ctx context.Context, secretID string) (string, error)

type Store struct {
	Targets     map[string]*Target
	Pipelines   map[string]*Pipeline
	fetchSecret SecretFetcher
	lookupEnv   func(string) (string, bool)
}

func NewStore() *Store {
	return &Store{
		Targets:   make(map[string]*Target),
		Pipelines: make(map[string]*Pipeline),
		lookupEnv: os.LookupEnv,
	}
}

func (s *Store) WithSecretFetcher(f SecretFetcher) *Store {
	s.fetchSecret = f
	return s
}

// Load reads every .json, .yaml and .yml file under rootPath. Files whose kind
// is unknown are rejected so that a typo in a kind never goes unnoticed.
func (s *Store) Load(rootPath string) error {
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(d.Name()) {
			return nil
		}
		return s.loadFile(path)
	})
	if err != nil {
		return errs.WrapMsgErr(ErrLoadFailed, rootPath, err)
	}
	return s.validate()
}

func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.WrapMsgErr(ErrReadFailed, path, err)
	}
	obj, err := decode(data)
	if err != nil {
		return errs.WrapMsgErr(ErrDecodeFailed, path, err)
	}
	switch o := obj.(type) {
	case *v1.Target:
		if _, ok := s.Targets[o.Name]; ok {
			return errs.WrapMsg(ErrDuplicate, "target "+o.Name+" in "+path)
		}
		s.Targets[o.Name] = mapTargetV1(o)
	case *v1.Pipeline:
		if _, ok := s.Pipelines[o.Name]; ok {
			return errs.WrapMsg(ErrDuplicate, "pipeline "+o.Name+" in "+path)
		}
		p, err := mapPipelineV1(o)
		if err != nil {
			return errs.WrapMsgErr(ErrDecodeFailed, path, err)
		}
		s.Pipelines[o.Name] = p
	}
	return nil
}

func (s *Store) validate() error {
	var problems []string
	for name, t := range s.Targets {
		if t.Host == "" || t.User == "" || t.DescriptorPath == "" {
			problems = append(problems, fmt.Sprintf("target %s: host, user and descriptorPath are required", name))
		}
		if t.DescriptorPath != "" && !strings.HasPrefix(t.DescriptorPath, "/") {
			problems = append(problems, fmt.Sprintf("target %s: descriptorPath must be absolute", name))
		}
		if t.HostKey == "" && t.KnownHostsFile == "" {
			problems = append(problems, fmt.Sprintf("target %s: hostKey or knownHostsFile is required", name))
		}
	}
	for name, p := range s.Pipelines {
		if _, ok := s.Targets[p.Target]; !ok {
			problems = append(problems, fmt.Sprintf("pipeline %s: unknown target %q", name, p.Target))
		}
		if p.Image.Repository == "" {
			problems = append(problems, fmt.Sprintf("pipeline %s: image.repository is required", name))
		}
		if p.Topology.File == "" {
			problems = append(problems, fmt.Sprintf("pipeline %s: topology.file is required", name))
		}
		if p.Topology.Environment != "dev" && p.Topology.Environment != "prod" {
			problems = append(problems, fmt.Sprintf("pipeline %s: topology.environment must be dev or prod", name))
		}
		if p.Strategy != StrategyRecreate && p.Strategy != StrategyGated {
			problems = append(problems, fmt.Sprintf("pipeline %s: unknown strategy %q", name, p.Strategy))
		}
		if p.Strategy == StrategyGated && p.Health == nil {
			problems = append(problems, fmt.Sprintf("pipeline %s: gated strategy needs a health check", name))
		}
		if p.Retry.Attempts < 1 {
			problems = append(problems, fmt.Sprintf("pipeline %s: retry.attempts must be at least 1", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errs.WrapMsg(ErrInvalid, strings.Join(problems, "; "))
}

// Lookup returns a pipeline together with the target it deploys to.
func (s *Store) Lookup(name string) (*Pipeline, *Target, error) {
	p, ok := s.Pipelines[name]
	if !ok {
		return nil, nil, errs.WrapMsg(ErrNotFound, "pipeline "+name)
	}
	return p, s.Targets[p.Target], nil
}

// ForPush finds the pipelines that build from the given repository branch.
func (s *Store) ForPush(repoURL, branch string) []*Pipeline {
	var out []*Pipeline
	for _, p := range s.Pipelines {
		if p.Source == nil || p.Source.Branch != branch {
			continue
		}
		if sameRepository(p.Source.GitURL, repoURL) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve expands the target's variables and then the pipeline's, the latter
// winning on name clashes.
func (s *Store) Resolve(ctx context.Context, p *Pipeline, t *Target) (map[string]string, error) {
	out := make(map[string]string)
	for _, set := range [][]Variable{t.Variables, p.Variables} {
		for _, v := range set {
			expanded, err := s.resolveVariable(ctx, v)
			if err != nil {
				return nil, err
			}
			for _, ev := range expanded {
				out[ev.Name] = *ev.Value
			}
		}
	}
	return out, nil
}

func (s *Store) resolveVariable(ctx context.Context, v Variable) ([]Variable, error) {
	if v.Value != nil {
		return []Variable{v}, nil
	}
	if v.Ref == nil {
		return nil, errs.WrapMsg(ErrResolveVariableFailed, v.Name+": neither value nor ref")
	}
	ref := *v.Ref
	switch {
	case strings.HasPrefix(ref, EnvPrefix):
		val, ok := s.lookupEnv(strings.TrimPrefix(ref, EnvPrefix))
		if !ok {
			return nil, errs.WrapMsg(ErrResolveVariableFailed, v.Name+": "+ref+" is not set")
		}
		return []Variable{{Name: v.Name, Value: &val}}, nil
	case strings.HasPrefix(ref, AwsSecretPrefix):
		return s.resolveAwsSecret(ctx, v.Name, strings.TrimPrefix(ref, AwsSecretPrefix))
	default:
		return nil, errs.WrapMsg(ErrResolveVariableFailed, v.Name+": unsupported ref "+ref)
	}
}

func (s *Store) resolveAwsSecret(ctx context.Context, name, secretID string) ([]Variable, error) {
	if s.fetchSecret == nil {
		return nil, errs.WrapMsg(ErrResolveVariableFailed, name+": no secrets manager configured")
	}
	secretValue, err := s.fetchSecret(ctx, secretID)
	if err != nil {
		return nil, errs.WrapMsgErr(ErrResolveVariableFailed, name, err)
	}
	var entries map[string]any
	if err := json.Unmarshal([]byte(secretValue), &entries); err == nil {
		if len(entries) == 0 {
			return nil, errs.WrapMsg(ErrResolveVariableFailed, name+": secret "+secretID+" holds no entries")
		}
		expanded := make([]Variable, 0, len(entries))
		prefix := strings.ToUpper(name)
		for key, value := range entries {
			val := fmt.Sprintf("%v", value)
			expanded = append(expanded, Variable{
				Name:  prefix + "_" + strings.ToUpper(key),
				Value: &val,
			})
		}
		return expanded, nil
	}
	return []Variable{{Name: name, Value: &secretValue}}, nil
}

func decode(data []byte) (any, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, errs.Wrap(ErrDecodeFailed, err)
	}
	var meta v1.TypeMeta
	if err := json.Unmarshal(jsonData, &meta); err != nil {
		return nil, errs.Wrap(ErrDecodeFailed, err)
	}
	switch meta.DefVersion {
	case "v1", "":
		return decodeV1(meta.Kind, jsonData)
	default:
		return nil, errs.WrapMsg(ErrDecodeFailed, "unsupported version "+meta.DefVersion)
	}
}

func decodeV1(kind string, data []byte) (any, error) {
	switch kind {
	case "Target":
		var t v1.Target
		if err := strictUnmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case "Pipeline":
		var p v1.Pipeline
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, errs.WrapMsg(ErrDecodeFailed, "unknown kind "+kind)
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(ErrDecodeFailed, err)
	}
	return nil
}

func isDefinitionFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func sameRepository(a, b string) bool {
	return normalizeRepoURL(a) == normalizeRepoURL(b)
}

func normalizeRepoURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	for _, p := range []string{"https://", "http://", "ssh://", "git@"} {
		u = strings.TrimPrefix(u, p)
	}
	return strings.Replace(u, ":", "/", 1)
}
