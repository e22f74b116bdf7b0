// Package docstore is the HTTP client for the external document store
// spec.md § 6 names but leaves unimplemented: player social documents and
// network environment descriptors. It is adapted from the teacher's REST
// client in client/client.go — same bucketed-request shape, pointed at a
// generic JSON document API instead of Discord's.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnauthorized mirrors the teacher client's "Invalid token passed".
var ErrUnauthorized = errors.New("docstore: unauthorized")

// SocialDocument is the `social` subdocument of players/<uuid>.
type SocialDocument struct {
	Friends []string `json:"friends"`
	Ignores []string `json:"ignores"`
}

// PlayerDocument is the players/<uuid> document.
type PlayerDocument struct {
	ID     string         `json:"id"`
	Social SocialDocument `json:"social"`
}

// EnvironmentDescriptorView is the network_environments/<envId> document.
type EnvironmentDescriptorView struct {
	ID           string            `json:"id"`
	Tag          string            `json:"tag"`
	Modules      []string          `json:"modules"`
	Description  string            `json:"description"`
	MinPlayers   int               `json:"minPlayers"`
	MaxPlayers   int               `json:"maxPlayers"`
	PlayerFactor float64           `json:"playerFactor"`
	Settings     map[string]string `json:"settings"`
}

// Client is a REST client for the document store, mirroring the teacher's
// client.Client: a bearer token, a plain *http.Client, and a Buckets map
// reserved for future rate-limit bucketing.
type Client struct {
	Token string

	HTTP    *http.Client
	Buckets *sync.Map

	URLHost   string
	URLScheme string
	UserAgent string
}

// NewClient builds a Client pointed at host (e.g. "documents.internal").
func NewClient(token, host string) *Client {
	return &Client{
		Token:     token,
		HTTP:      http.DefaultClient,
		Buckets:   &sync.Map{},
		URLHost:   host,
		URLScheme: "https",
		UserAgent: "fulcrum-registry",
	}
}

// fetchJSON issues method against path and decodes the JSON body into out,
// the same two-step request/decode shape as the teacher's FetchJSON.
func (c *Client) fetchJSON(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.URLScheme+"://"+c.URLHost+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Authorization", "Bearer "+c.Token)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("docstore: unexpected status %d for %s", res.StatusCode, path)
	}

	return json.NewDecoder(res.Body).Decode(out)
}

// GetPlayer fetches players/<uuid>.
func (c *Client) GetPlayer(ctx context.Context, playerID string) (*PlayerDocument, error) {
	var doc PlayerDocument
	if err := c.fetchJSON(ctx, http.MethodGet, "/players/"+playerID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListEnvironments fetches the network_environments collection.
func (c *Client) ListEnvironments(ctx context.Context) ([]EnvironmentDescriptorView, error) {
	var docs []EnvironmentDescriptorView
	if err := c.fetchJSON(ctx, http.MethodGet, "/network_environments", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// GetEnvironment fetches network_environments/<envId>.
func (c *Client) GetEnvironment(ctx context.Context, envID string) (*EnvironmentDescriptorView, error) {
	var doc EnvironmentDescriptorView
	if err := c.fetchJSON(ctx, http.MethodGet, "/network_environments/"+envID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// RefreshEnvironment re-fetches envId, discarding any cached copy a
// caller may be holding; docstore itself caches nothing, so this is
// presently identical to GetEnvironment, kept distinct for the CLI's
// `environment refresh` verb and any future client-side cache.
func (c *Client) RefreshEnvironment(ctx context.Context, envID string) (*EnvironmentDescriptorView, error) {
	return c.GetEnvironment(ctx, envID)
}
