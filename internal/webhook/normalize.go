package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Supported providers
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderGitea     = "gitea"
	ProviderBitbucket = "bitbucket"
)

// Providers lists the supported provider names
var Providers = []string{ProviderGitHub, ProviderGitLab, ProviderGitea, ProviderBitbucket}

// Delivery and event headers
const (
	HeaderGitHubEvent      = "X-GitHub-Event"
	HeaderGitHubDelivery   = "X-GitHub-Delivery"
	HeaderGitLabEvent      = "X-Gitlab-Event"
	HeaderGitLabEventUUID  = "X-Gitlab-Event-UUID"
	HeaderGiteaEvent       = "X-Gitea-Event"
	HeaderGiteaDelivery    = "X-Gitea-Delivery"
	HeaderBitbucketEvent   = "X-Event-Key"
	HeaderBitbucketRequest = "X-Request-UUID"
)

const branchRefPrefix = "refs/heads/"

// ErrUnknownProvider is returned for provider names outside Providers
var ErrUnknownProvider = fmt.Errorf("%w: unknown provider", types.ErrWebhookPayloadInvalid)

// Normalize converts a provider push payload into a ChangeEvent. Non-push
// events, tag pushes and branch deletions return types.ErrEventIgnored.
// Malformed payloads return types.ErrWebhookPayloadInvalid.
func Normalize(provider string, headers http.Header, body []byte) (*types.ChangeEvent, error) {
	var (
		ev  *types.ChangeEvent
		err error
	)
	switch strings.ToLower(provider) {
	case ProviderGitHub:
		ev, err = normalizeGitHubStyle(ProviderGitHub, headers.Get(HeaderGitHubEvent), headers.Get(HeaderGitHubDelivery), body)
	case ProviderGitea:
		ev, err = normalizeGitHubStyle(ProviderGitea, headers.Get(HeaderGiteaEvent), headers.Get(HeaderGiteaDelivery), body)
	case ProviderGitLab:
		ev, err = normalizeGitLab(headers, body)
	case ProviderBitbucket:
		ev, err = normalizeBitbucket(headers, body)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, provider)
	}
	if err != nil {
		return nil, err
	}

	if ev.Deleted() {
		return nil, fmt.Errorf("%w: branch %s deleted", types.ErrEventIgnored, ev.Branch)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("%s:%s:%s", ev.Provider, ev.Repository, ev.After)
	}
	ev.ReceivedAt = time.Now().UTC()
	return ev, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrWebhookPayloadInvalid, err)
	}
	return nil
}

// branchOf strips refs/heads/. Other refs (tags, notes) are not pushes of
// interest.
func branchOf(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: missing ref", types.ErrWebhookPayloadInvalid)
	}
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return "", fmt.Errorf("%w: ref %s is not a branch", types.ErrEventIgnored, ref)
	}
	return strings.TrimPrefix(ref, branchRefPrefix), nil
}

type commitFiles struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// collectFiles unions the file lists of all commits in push order
func collectFiles(ev *types.ChangeEvent, commits []commitFiles) {
	seen := map[string]map[string]bool{"a": {}, "m": {}, "r": {}}
	add := func(kind string, dst *[]string, paths []string) {
		for _, p := range paths {
			if !seen[kind][p] {
				seen[kind][p] = true
				*dst = append(*dst, p)
			}
		}
	}
	for _, c := range commits {
		add("a", &ev.Added, c.Added)
		add("m", &ev.Modified, c.Modified)
		add("r", &ev.Removed, c.Removed)
	}
}

// GitHub and Gitea share the push payload shape
type githubPush struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository *struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Commits []commitFiles `json:"commits"`
}

func normalizeGitHubStyle(provider, event, delivery string, body []byte) (*types.ChangeEvent, error) {
	if event != "push" {
		return nil, fmt.Errorf("%w: %s event %q", types.ErrEventIgnored, provider, event)
	}
	var p githubPush
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Repository == nil {
		return nil, fmt.Errorf("%w: missing repository", types.ErrWebhookPayloadInvalid)
	}
	branch, err := branchOf(p.Ref)
	if err != nil {
		return nil, err
	}
	ev := &types.ChangeEvent{
		Provider:   provider,
		Repository: p.Repository.FullName,
		CloneURL:   p.Repository.CloneURL,
		Branch:     branch,
		Before:     p.Before,
		After:      p.After,
		EventID:    delivery,
	}
	if ev.CloneURL == "" && p.Repository.HTMLURL != "" {
		ev.CloneURL = strings.TrimSuffix(p.Repository.HTMLURL, "/") + ".git"
	}
	collectFiles(ev, p.Commits)
	return ev, nil
}

type gitlabPush struct {
	ObjectKind  string `json:"object_kind"`
	Ref         string `json:"ref"`
	Before      string `json:"before"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`
	Project     *struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
		WebURL            string `json:"web_url"`
	} `json:"project"`
	Commits []commitFiles `json:"commits"`
}

func normalizeGitLab(headers http.Header, body []byte) (*types.ChangeEvent, error) {
	if event := headers.Get(HeaderGitLabEvent); event != "Push Hook" {
		return nil, fmt.Errorf("%w: gitlab event %q", types.ErrEventIgnored, event)
	}
	var p gitlabPush
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.ObjectKind != "" && p.ObjectKind != "push" {
		return nil, fmt.Errorf("%w: gitlab object kind %q", types.ErrEventIgnored, p.ObjectKind)
	}
	if p.Project == nil {
		return nil, fmt.Errorf("%w: missing project", types.ErrWebhookPayloadInvalid)
	}
	branch, err := branchOf(p.Ref)
	if err != nil {
		return nil, err
	}
	after := p.After
	if after == "" {
		after = p.CheckoutSHA
	}
	ev := &types.ChangeEvent{
		Provider:   ProviderGitLab,
		Repository: p.Project.PathWithNamespace,
		CloneURL:   p.Project.GitHTTPURL,
		Branch:     branch,
		Before:     p.Before,
		After:      after,
		EventID:    headers.Get(HeaderGitLabEventUUID),
	}
	if ev.CloneURL == "" && p.Project.WebURL != "" {
		ev.CloneURL = strings.TrimSuffix(p.Project.WebURL, "/") + ".git"
	}
	collectFiles(ev, p.Commits)
	return ev, nil
}

type bitbucketRef struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Target struct {
		Hash string `json:"hash"`
	} `json:"target"`
}

type bitbucketPush struct {
	Repository *struct {
		FullName string `json:"full_name"`
		Links    struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"repository"`
	Push struct {
		Changes []struct {
			New    *bitbucketRef `json:"new"`
			Old    *bitbucketRef `json:"old"`
			Closed bool          `json:"closed"`
		} `json:"changes"`
	} `json:"push"`
}

// Bitbucket pushes carry no file lists; the branch change names the
// commits only.
func normalizeBitbucket(headers http.Header, body []byte) (*types.ChangeEvent, error) {
	if event := headers.Get(HeaderBitbucketEvent); event != "repo:push" {
		return nil, fmt.Errorf("%w: bitbucket event %q", types.ErrEventIgnored, event)
	}
	var p bitbucketPush
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Repository == nil {
		return nil, fmt.Errorf("%w: missing repository", types.ErrWebhookPayloadInvalid)
	}
	if len(p.Push.Changes) == 0 {
		return nil, fmt.Errorf("%w: no changes in push", types.ErrWebhookPayloadInvalid)
	}

	ev := &types.ChangeEvent{
		Provider:   ProviderBitbucket,
		Repository: p.Repository.FullName,
		EventID:    headers.Get(HeaderBitbucketRequest),
	}
	if href := p.Repository.Links.HTML.Href; href != "" {
		ev.CloneURL = strings.TrimSuffix(href, "/") + ".git"
	}

	for _, c := range p.Push.Changes {
		if c.New == nil {
			if c.Closed && c.Old != nil && c.Old.Type == "branch" {
				return nil, fmt.Errorf("%w: branch %s deleted", types.ErrEventIgnored, c.Old.Name)
			}
			continue
		}
		if c.New.Type != "branch" {
			continue
		}
		ev.Branch = c.New.Name
		ev.After = c.New.Target.Hash
		if c.Old != nil {
			ev.Before = c.Old.Target.Hash
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: push has no branch change", types.ErrEventIgnored)
}
