package githubclt

import (
	"context"
	"fmt"
	"strings"

	"github.com/shurcooL/githubv4"

	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/resolver"
)

type queryRepository struct {
	Repository struct {
		Name          githubv4.String
		NameWithOwner githubv4.String
		URL           githubv4.URI
		Owner         struct {
			Login githubv4.String
		}
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// LookupProject returns the canonical identity of the github repository
// referenced by projectURL. Renamed or transferred repositories resolve to
// their current owner and name.
func (clt *Client) LookupProject(ctx context.Context, projectURL string) (*resolver.ProjectRef, error) {
	ref, err := resolver.ParseProjectURL(projectURL)
	if err != nil {
		return nil, err
	}

	var q queryRepository
	vars := map[string]interface{}{
		"owner": githubv4.String(ref.Namespace),
		"name":  githubv4.String(ref.RepoName),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	owner := string(q.Repository.Owner.Login)
	name := string(q.Repository.Name)
	if owner == "" || name == "" {
		return nil, fmt.Errorf("github returned an empty owner or name for repository %s/%s", ref.Namespace, ref.RepoName)
	}

	canonicalURL := ref.InstanceURL + "/" + owner + "/" + name
	if q.Repository.URL.URL != nil {
		canonicalURL = strings.TrimSuffix(q.Repository.URL.String(), "/")
	}

	if !strings.EqualFold(owner, ref.Namespace) || !strings.EqualFold(name, ref.RepoName) {
		clt.logger.Info(
			"repository was renamed or transferred",
			logfields.Event("github_repository_moved"),
			logfields.ProjectURL(projectURL),
			logfields.RepositoryOwner(owner),
			logfields.Repository(name),
		)
	}

	return &resolver.ProjectRef{
		Namespace:   owner,
		RepoName:    name,
		ProjectURL:  canonicalURL,
		InstanceURL: ref.InstanceURL,
	}, nil
}

var _ resolver.ProjectLookup = &Client{}
