package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/retry"
)

// Client handles Git operations against the publish repository.
type Client struct {
	workspaceDir string
	repo         config.RepositoryConfig
	committer    config.CommitterConfig
	policy       retry.Policy
}

// NewClient creates a Git client that clones into workspaceDir.
func NewClient(workspaceDir string, repo config.RepositoryConfig, committer config.CommitterConfig, policy retry.Policy) *Client {
	return &Client{
		workspaceDir: workspaceDir,
		repo:         repo,
		committer:    committer,
		policy:       policy,
	}
}

// Clone clones the publish repository at its current head into the
// workspace and returns the working copy path.
func (c *Client) Clone(ctx context.Context) (string, error) {
	repoPath := filepath.Join(c.workspaceDir, "repo")

	slog.Debug("Cloning repository", logfields.URL(c.repo.URL), logfields.Branch(c.repo.Branch), logfields.Path(repoPath))

	// Remove any leftover directory from a previous attempt.
	if err := os.RemoveAll(repoPath); err != nil {
		return "", fmt.Errorf("failed to remove existing directory: %w", err)
	}

	cloneOptions := &git.CloneOptions{
		URL: c.repo.URL,
	}
	if c.repo.Branch != "" {
		cloneOptions.ReferenceName = plumbing.ReferenceName("refs/heads/" + c.repo.Branch)
		cloneOptions.SingleBranch = true
	}

	auth, err := c.authentication()
	if err != nil {
		return "", fmt.Errorf("failed to setup authentication: %w", err)
	}
	cloneOptions.Auth = auth

	repository, err := git.PlainCloneContext(ctx, repoPath, false, cloneOptions)
	if err != nil {
		return "", fmt.Errorf("failed to clone repository %s: %w", c.repo.URL, err)
	}

	if ref, headErr := repository.Head(); headErr == nil {
		slog.Info("Repository cloned successfully",
			logfields.URL(c.repo.URL),
			logfields.Commit(ref.Hash().String()[:8]),
			logfields.Path(repoPath))
	} else {
		slog.Info("Repository cloned successfully", logfields.URL(c.repo.URL), logfields.Path(repoPath))
	}

	return repoPath, nil
}

// authentication creates the transport auth method from config.
func (c *Client) authentication() (transport.AuthMethod, error) {
	auth := c.repo.Auth
	if auth == nil {
		return nil, nil
	}

	switch auth.Type {
	case "none", "":
		return nil, nil // public repository

	case "ssh":
		keyPath := auth.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		publicKeys, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key from %s: %w", keyPath, err)
		}
		return publicKeys, nil

	case "token":
		if auth.Token == "" {
			return nil, fmt.Errorf("token authentication requires a token")
		}
		return &http.BasicAuth{
			Username: "token", // GitHub/GitLab use "token" as username
			Password: auth.Token,
		}, nil

	case "basic":
		if auth.Username == "" || auth.Password == "" {
			return nil, fmt.Errorf("basic authentication requires username and password")
		}
		return &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type: %s", auth.Type)
	}
}
