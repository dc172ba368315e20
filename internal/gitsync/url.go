package gitsync

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrInvalidURL is returned for remotes that do not name host/owner/repo
var ErrInvalidURL = errors.New("invalid git url")

// RepoInfo identifies a remote repository
type RepoInfo struct {
	Host     string `json:"host"`
	Owner    string `json:"owner"` // may contain slashes for nested groups
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// ParseURL accepts https, ssh:// and scp-like (git@host:owner/repo.git)
// remotes. Credentials, ports of ssh remotes and a trailing .git are dropped.
func ParseURL(raw string) (*RepoInfo, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	var host, path string
	switch {
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidURL, raw, err)
		}
		host = u.Hostname()
		if u.Scheme == "http" || u.Scheme == "https" {
			host = u.Host
		}
		path = u.Path
	case strings.Contains(s, ":"):
		// scp-like: [user@]host:owner/repo
		at := strings.LastIndexByte(s[:strings.IndexByte(s, ':')], '@')
		rest := s[at+1:]
		i := strings.IndexByte(rest, ':')
		host, path = rest[:i], rest[i+1:]
	default:
		// host/owner/repo without a scheme
		i := strings.IndexByte(s, '/')
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
		}
		host, path = s[:i], s[i+1:]
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	i := strings.LastIndexByte(path, '/')
	if host == "" || i <= 0 || i == len(path)-1 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	info := &RepoInfo{
		Host:  strings.ToLower(host),
		Owner: path[:i],
		Name:  path[i+1:],
	}
	info.Platform = platformOf(info.Host)
	return info, nil
}

func platformOf(host string) string {
	switch {
	case strings.Contains(host, "github"):
		return "github"
	case strings.Contains(host, "gitlab"):
		return "gitlab"
	case strings.Contains(host, "bitbucket"):
		return "bitbucket"
	default:
		return "gitea"
	}
}

// NormalizeURL returns the canonical https clone URL of raw
func NormalizeURL(raw string) (string, error) {
	info, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	return info.CloneURL(), nil
}

// CloneURL is the https remote of the repository
func (r *RepoInfo) CloneURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", r.Host, r.Owner, r.Name)
}

// FullName is owner/name
func (r *RepoInfo) FullName() string {
	return r.Owner + "/" + r.Name
}

// AuthURL embeds an access token into the clone URL. The result must never
// be logged.
func (r *RepoInfo) AuthURL(token string) string {
	if token == "" {
		return r.CloneURL()
	}
	u := url.URL{
		Scheme: "https",
		User:   url.User(token),
		Host:   r.Host,
		Path:   "/" + r.Owner + "/" + r.Name + ".git",
	}
	return u.String()
}

// WorkPath is where the repository is checked out for a tenant:
// <workdir>/<tenant>/<host>/<owner>/<repo>
func (r *RepoInfo) WorkPath(workdir, tenantID string) string {
	parts := []string{workdir, tenantID, sanitizeSegment(r.Host)}
	for _, seg := range strings.Split(r.Owner, "/") {
		parts = append(parts, sanitizeSegment(seg))
	}
	parts = append(parts, sanitizeSegment(r.Name))
	return filepath.Join(parts...)
}

// sanitizeSegment keeps a URL segment from escaping the workspace
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, ":", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
