// Package backend talks to the EldersVR content API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eldersvr/onboard/internal/catalog"
	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/pkg/types"
)

// UserAgent is sent with every request.
const UserAgent = "EldersVR-CLI/1.0.0"

// maxResponseSize bounds JSON response reads. Legitimate payloads are far
// smaller; the limit only guards against a runaway server.
const maxResponseSize int64 = 64 << 20

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrLoginRejected    = errors.New("login rejected")
)

// Endpoints are paths relative to the API base URL.
type Endpoints struct {
	Auth  string
	Tags  string
	Films string
}

var DefaultEndpoints = Endpoints{
	Auth:  "/integration/auth/login",
	Tags:  "/integration/tags",
	Films: "/integration/films",
}

type Config struct {
	BaseURL   string
	Endpoints Endpoints
	// Token skips Login when already known.
	Token   string
	Client  *http.Client
	Clock   clock.Clock
	Logger  *slog.Logger
	Timeout time.Duration
}

// Client is safe for concurrent use once logged in.
type Client struct {
	baseURL   string
	endpoints Endpoints
	token     string
	http      *http.Client
	clock     clock.Clock
	logger    *slog.Logger
}

func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: cfg.Endpoints,
		token:     cfg.Token,
		http:      cfg.Client,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if c.endpoints == (Endpoints{}) {
		c.endpoints = DefaultEndpoints
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// envelope is the {success, data} wrapper every endpoint returns.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type loginData struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"accessToken"`
	User        struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
}

// Authenticated reports whether a token is held.
func (c *Client) Authenticated() bool { return c.token != "" }

// Token returns the bearer token obtained by Login.
func (c *Client) Token() string { return c.token }

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}

	var data loginData
	if err := c.call(ctx, http.MethodPost, c.endpoints.Auth, bytes.NewReader(body), false, &data); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !data.Success || data.AccessToken == "" {
		return fmt.Errorf("login as %s: %w", email, ErrLoginRejected)
	}

	c.token = data.AccessToken
	c.logger.Info("authenticated", "email", email)
	return nil
}

func (c *Client) FetchTags(ctx context.Context) ([]catalog.Tag, error) {
	var tags []catalog.Tag
	if err := c.call(ctx, http.MethodGet, c.endpoints.Tags, nil, true, &tags); err != nil {
		return nil, fmt.Errorf("fetching tags: %w", err)
	}
	if tags == nil {
		tags = []catalog.Tag{}
	}
	return tags, nil
}

func (c *Client) FetchFilms(ctx context.Context) (*catalog.Films, error) {
	var films catalog.Films
	if err := c.call(ctx, http.MethodGet, c.endpoints.Films, nil, true, &films); err != nil {
		return nil, fmt.Errorf("fetching films: %w", err)
	}
	return &films, nil
}

// FetchManifest fetches films and tags and builds the app manifest from
// them.
func (c *Client) FetchManifest(ctx context.Context) (*catalog.Manifest, error) {
	tags, err := c.FetchTags(ctx)
	if err != nil {
		return nil, err
	}
	films, err := c.FetchFilms(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("fetched content", "films", len(films.Films), "tags", len(tags))
	return catalog.BuildManifest(films, tags, c.clock.Now())
}

func (c *Client) call(ctx context.Context, method, endpoint string, body io.Reader, auth bool, out any) error {
	if auth && c.token == "" {
		return ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("backend request", "method", method, "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", types.ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", ErrNotAuthenticated, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d: %s", types.ErrNetwork, resp.StatusCode, snippet(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success || len(env.Data) == 0 || string(env.Data) == "null" {
		if env.Message != "" {
			return fmt.Errorf("request unsuccessful: %s", env.Message)
		}
		return errors.New("request unsuccessful")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
