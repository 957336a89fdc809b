package state

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultHost is the public GitHub host label.
const DefaultHost = "github.com"

const (
	publicRESTBase   = "https://api.github.com"
	publicGraphQLURL = "https://api.github.com/graphql"
)

// DeriveEndpoint computes the REST and GraphQL roots for one side of a
// sync. An empty URL, or a URL whose host is the public host, selects the
// public API roots. Anything else is treated as the REST base of an
// enterprise instance, with GraphQL served at <scheme>://<host>/api/graphql.
func DeriveEndpoint(rawURL, org, enterprise string) (Endpoint, error) {
	ep := Endpoint{Org: org, Enterprise: enterprise}

	if strings.TrimSpace(rawURL) == "" {
		ep.HostLabel = DefaultHost
		ep.RESTBase = publicRESTBase
		ep.GraphQLURL = publicGraphQLURL
		return ep, nil
	}

	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint URL %q must be absolute", rawURL)
	}

	host := strings.ToLower(u.Host)
	if host == DefaultHost || host == "api.github.com" || host == "www.github.com" {
		ep.HostLabel = DefaultHost
		ep.RESTBase = publicRESTBase
		ep.GraphQLURL = publicGraphQLURL
		return ep, nil
	}

	ep.HostLabel = host
	ep.RESTBase = u.String()
	ep.GraphQLURL = fmt.Sprintf("%s://%s/api/graphql", u.Scheme, u.Host)
	return ep, nil
}

// IsPublicHost reports whether the endpoint points at public GitHub.
func (e Endpoint) IsPublicHost() bool {
	return e.HostLabel == DefaultHost
}
