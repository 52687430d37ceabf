package resolver

//go:generate mockgen -package mocks -destination mocks/lookup.go . ProjectLookup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ProjectRef is the canonical identity of a project on a forge.
type ProjectRef struct {
	Namespace   string
	RepoName    string
	ProjectURL  string
	InstanceURL string
}

// ProjectLookup resolves a project URL to the canonical project identity.
type ProjectLookup interface {
	LookupProject(ctx context.Context, projectURL string) (*ProjectRef, error)
}

// ParseProjectURL splits a project URL into its instance URL, namespace and
// repository name. Namespaces can consist of multiple path elements (gitlab
// subgroups), the last path element is the repository name.
func ParseProjectURL(projectURL string) (*ProjectRef, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing project url failed: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("project url %q has no scheme or host", projectURL)
	}

	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	elems := strings.Split(path, "/")
	if len(elems) < 2 || elems[0] == "" {
		return nil, fmt.Errorf("project url %q does not contain a namespace and repository name", projectURL)
	}

	instanceURL := u.Scheme + "://" + u.Host

	return &ProjectRef{
		Namespace:   strings.Join(elems[:len(elems)-1], "/"),
		RepoName:    elems[len(elems)-1],
		ProjectURL:  instanceURL + "/" + path,
		InstanceURL: instanceURL,
	}, nil
}

// URLLookup resolves projects by parsing their URL, it does not contact the
// forge.
type URLLookup struct{}

func (URLLookup) LookupProject(_ context.Context, projectURL string) (*ProjectRef, error) {
	return ParseProjectURL(projectURL)
}

// HostLookup dispatches lookups to a ProjectLookup per forge host.
type HostLookup struct {
	byHost   map[string]ProjectLookup
	fallback ProjectLookup
}

// NewHostLookup returns a HostLookup that uses fallback for hosts without a
// registered ProjectLookup.
func NewHostLookup(fallback ProjectLookup) *HostLookup {
	return &HostLookup{
		byHost:   map[string]ProjectLookup{},
		fallback: fallback,
	}
}

// Register sets the lookup for the host.
func (h *HostLookup) Register(host string, lookup ProjectLookup) {
	h.byHost[strings.ToLower(host)] = lookup
}

func (h *HostLookup) LookupProject(ctx context.Context, projectURL string) (*ProjectRef, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return nil, fmt.Errorf("parsing project url failed: %w", err)
	}

	if lookup, exist := h.byHost[strings.ToLower(u.Host)]; exist {
		return lookup.LookupProject(ctx, projectURL)
	}

	return h.fallback.LookupProject(ctx, projectURL)
}
