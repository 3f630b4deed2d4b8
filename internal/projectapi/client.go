// Package projectapi is the HTTP client of the project persistence service.
package projectapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/protocol"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Method string
	Path   string
	Status int
	// Message is the service's error text, or the raw body.
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Client talks to the persistence service on behalf of one participant.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     *logger.Logger
}

// New creates a client. token is sent as a bearer credential when set.
func New(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Global().WithPrefix("projectapi")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: consts.Timeout30Seconds,
		},
		log: log,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// GetProject fetches a project with its members populated.
func (c *Client) GetProject(ctx context.Context, projectID string) (protocol.Project, error) {
	var resp struct {
		Project protocol.Project `json:"project"`
	}
	err := c.do(ctx, http.MethodGet, "/projects/get-project/"+url.PathEscape(projectID), nil, &resp)
	return resp.Project, err
}

// UpdateFileTree replaces the stored file tree of a project. It implements
// filetree.Persister.
func (c *Client) UpdateFileTree(ctx context.Context, projectID string, tree filetree.Tree) error {
	if tree == nil {
		tree = filetree.Tree{}
	}
	body := struct {
		ProjectID string        `json:"projectId"`
		FileTree  filetree.Tree `json:"fileTree"`
	}{projectID, tree}
	return c.do(ctx, http.MethodPut, "/projects/update-file-tree", body, nil)
}

// AllUsers lists every registered user except the caller.
func (c *Client) AllUsers(ctx context.Context) ([]protocol.Participant, error) {
	var resp struct {
		Users []protocol.Participant `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/users/all", nil, &resp)
	return resp.Users, err
}

// AddUsers adds members and returns the updated project.
func (c *Client) AddUsers(ctx context.Context, projectID string, userIDs []string) (protocol.Project, error) {
	return c.changeUsers(ctx, "/projects/add-user", projectID, userIDs)
}

// RemoveUsers removes members and returns the updated project.
func (c *Client) RemoveUsers(ctx context.Context, projectID string, userIDs []string) (protocol.Project, error) {
	return c.changeUsers(ctx, "/projects/remove-user", projectID, userIDs)
}

func (c *Client) changeUsers(ctx context.Context, path, projectID string, userIDs []string) (protocol.Project, error) {
	body := struct {
		ProjectID string   `json:"projectId"`
		Users     []string `json:"users"`
	}{projectID, userIDs}
	var resp struct {
		Project protocol.Project `json:"project"`
	}
	err := c.do(ctx, http.MethodPut, path, body, &resp)
	return resp.Project, err
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, name string) (protocol.Project, error) {
	var resp struct {
		Project protocol.Project `json:"project"`
	}
	err := c.do(ctx, http.MethodPost, "/projects/create", map[string]string{"name": name}, &resp)
	return resp.Project, err
}

// ListProjects lists the projects the caller is a member of.
func (c *Client) ListProjects(ctx context.Context) ([]protocol.Project, error) {
	var resp struct {
		Projects []protocol.Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "/projects/all", nil, &resp)
	return resp.Projects, err
}

// DeleteProject deletes a project. Only its owner may do so.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/delete/"+url.PathEscape(projectID), nil, nil)
}

// Profile returns the participant the token belongs to.
func (c *Client) Profile(ctx context.Context) (protocol.Participant, error) {
	var resp struct {
		User protocol.Participant `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "/users/profile", nil, &resp)
	return resp.User, err
}

// Register creates or looks up a participant by email and returns it with a
// fresh token.
func (c *Client) Register(ctx context.Context, email string) (protocol.Participant, string, error) {
	var resp struct {
		User  protocol.Participant `json:"user"`
		Token string               `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/users/register", map[string]string{"email": email}, &resp)
	return resp.User, resp.Token, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize1MB*16))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}
	c.log.Debug("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} and falls back
// to the trimmed body.
func errorMessage(data []byte) string {
	var v struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &v) == nil {
		if v.Error != "" {
			return v.Error
		}
		if v.Message != "" {
			return v.Message
		}
	}
	return strings.TrimSpace(string(data))
}
