// Package github implements collab.SourceControl on top of the git and gh
// command line tools.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/baja5b/claude-workflow-system/pkg/collab"
)

const system = "github"

// CommandExecutor executes shell commands. Used for testing.
type CommandExecutor interface {
	// Execute runs a command in workDir and returns its standard output.
	Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error)
}

type execCommandExecutor struct{}

func (execCommandExecutor) Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- fixed binaries, arguments are not shell-expanded
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s %s: %s: %w", name, strings.Join(args[:min(len(args), 2)], " "), strings.TrimSpace(stderr.String()), err)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args[:min(len(args), 2)], " "), err)
	}
	return stdout.Bytes(), nil
}

type Client struct {
	workDir string
	exec    CommandExecutor
}

var _ collab.SourceControl = (*Client)(nil)

type Option func(*Client)

// WithCommandExecutor replaces the os/exec based executor.
func WithCommandExecutor(e CommandExecutor) Option {
	return func(c *Client) { c.exec = e }
}

func New(workDir string, opts ...Option) *Client {
	c := &Client{workDir: workDir, exec: execCommandExecutor{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := c.exec.Execute(ctx, c.workDir, name, args...)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, collab.Unavailable(system, err)
		}
		return nil, err
	}
	return out, nil
}

// CreateBranch creates and pushes a branch from the current HEAD.
func (c *Client) CreateBranch(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "git", "checkout", "-b", name); err != nil {
		return errors.Wrapf(err, "create branch %s", name)
	}
	if _, err := c.run(ctx, "git", "push", "-u", "origin", name); err != nil {
		return errors.Wrapf(err, "push branch %s", name)
	}
	return nil
}

var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// CreatePR opens a draft pull request from the current branch and returns
// its number.
func (c *Client) CreatePR(ctx context.Context, base, title, body string) (int, error) {
	out, err := c.run(ctx, "gh", "pr", "create", "--draft", "--base", base, "--title", title, "--body", body)
	if err != nil {
		return 0, errors.Wrap(err, "create pull request")
	}
	m := prURLPattern.FindStringSubmatch(string(out))
	if m == nil {
		return 0, fmt.Errorf("unexpected gh pr create output: %q", strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(m[1])
}

type prView struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	State   string `json:"state"`
	IsDraft bool   `json:"isDraft"`
}

func (c *Client) PRStatus(ctx context.Context, number int) (collab.PullRequest, error) {
	if number <= 0 {
		return collab.PullRequest{}, fmt.Errorf("invalid pull request number %d", number)
	}
	out, err := c.run(ctx, "gh", "pr", "view", strconv.Itoa(number), "--json", "number,title,url,state,isDraft")
	if err != nil {
		return collab.PullRequest{}, errors.Wrapf(err, "view pull request #%d", number)
	}
	var v prView
	if err := json.Unmarshal(out, &v); err != nil {
		return collab.PullRequest{}, errors.Wrap(err, "parse gh pr view output")
	}
	return collab.PullRequest{
		Number: v.Number,
		Title:  v.Title,
		URL:    v.URL,
		State:  collab.PRState(strings.ToUpper(v.State)),
		Draft:  v.IsDraft,
	}, nil
}

// MergePR squash-merges the pull request and deletes its branch.
func (c *Client) MergePR(ctx context.Context, number int) error {
	if _, err := c.run(ctx, "gh", "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch"); err != nil {
		return errors.Wrapf(err, "merge pull request #%d", number)
	}
	return nil
}
