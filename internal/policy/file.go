package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk layout of a static policy file:
//
//	policies:
//	  - id: audit-readers
//	    statements:
//	      - {effect: Allow, actions: ["audit:*"], resources: ["res:audit"]}
//	roles:
//	  - id: auditors
//	    policies: [audit-readers]
//	principals:
//	  - id: "42"
//	    status: active
//	    roles: [auditors]
type fileSpec struct {
	Policies []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Statements any    `yaml:"statements"`
	} `yaml:"policies"`
	Roles []struct {
		ID       string   `yaml:"id"`
		Policies []string `yaml:"policies"`
	} `yaml:"roles"`
	Principals []struct {
		ID       string   `yaml:"id"`
		Status   string   `yaml:"status"`
		Roles    []string `yaml:"roles"`
		Policies []string `yaml:"policies"`
	} `yaml:"principals"`
}

type filePrincipal struct {
	principal Principal
	policies  []string
}

// FileSource serves principals and policies from a static YAML document. It
// backs service accounts and local development where no database is wired.
type FileSource struct {
	policies   map[string]Document
	roles      map[string][]string
	principals map[string]filePrincipal
}

// LoadFile parses a policy file from disk.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFile(f)
}

// ParseFile parses a policy file. Statement lists are kept as raw JSON so
// that they go through the same validation as database-backed policies.
func ParseFile(r io.Reader) (*FileSource, error) {
	var spec fileSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && err != io.EOF {
		return nil, fmt.Errorf("policy file: %w", err)
	}

	src := &FileSource{
		policies:   make(map[string]Document, len(spec.Policies)),
		roles:      make(map[string][]string, len(spec.Roles)),
		principals: make(map[string]filePrincipal, len(spec.Principals)),
	}
	for _, p := range spec.Policies {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("policy file: policy id is required")
		}
		raw, err := json.Marshal(p.Statements)
		if err != nil {
			return nil, fmt.Errorf("policy file: policy %s: %w", id, err)
		}
		src.policies[id] = Document{ID: id, Name: p.Name, Statements: raw}
	}
	for _, r := range spec.Roles {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("policy file: role id is required")
		}
		src.roles[id] = r.Policies
	}
	for _, p := range spec.Principals {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("policy file: principal id is required")
		}
		status := strings.ToLower(strings.TrimSpace(p.Status))
		if status == "" {
			status = StatusActive
		}
		src.principals[id] = filePrincipal{
			principal: Principal{ID: id, Status: status, Roles: p.Roles},
			policies:  p.Policies,
		}
	}
	return src, nil
}

// Principal implements Source.
func (s *FileSource) Principal(_ context.Context, id string) (Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p.principal, nil
}

// PoliciesFor implements Source. Role policies come first, then direct
// attachments; a policy reachable twice is returned once.
func (s *FileSource) PoliciesFor(_ context.Context, id string) ([]Document, error) {
	p, ok := s.principals[id]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	seen := make(map[string]struct{})
	var out []Document
	add := func(policyID string) {
		if _, dup := seen[policyID]; dup {
			return
		}
		doc, ok := s.policies[policyID]
		if !ok {
			return
		}
		seen[policyID] = struct{}{}
		out = append(out, doc)
	}
	for _, role := range p.principal.Roles {
		for _, policyID := range s.roles[role] {
			add(policyID)
		}
	}
	for _, policyID := range p.policies {
		add(policyID)
	}
	return out, nil
}

var _ Source = (*FileSource)(nil)
