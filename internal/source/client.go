package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cyderes/ingest-pipeline/internal/config"
	"github.com/cyderes/ingest-pipeline/internal/fetcher"
	"github.com/cyderes/ingest-pipeline/internal/models"
)

// StatusError is returned for any non-200 upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d", e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

// CredentialGetter hands out cached credentials.
type CredentialGetter interface {
	Get(ctx context.Context, name string) (string, bool)
}

// Client reads profiles and content items from the upstream API.
type Client struct {
	baseURL         *url.URL
	userAgent       string
	httpClient      *http.Client
	creds           CredentialGetter
	credentialNames []string
}

// NewClient validates the upstream address. A client that cannot be built
// is reported as fetcher.ErrSourceUnavailable.
func NewClient(cfg config.SourceConfig, httpClient *http.Client, creds CredentialGetter, credentialNames []string) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source base url %q: %w", cfg.BaseURL, fetcher.ErrSourceUnavailable)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:         base,
		userAgent:       cfg.UserAgent,
		httpClient:      httpClient,
		creds:           creds,
		credentialNames: credentialNames,
	}, nil
}

type userInfoResponse struct {
	UserInfo struct {
		User struct {
			ID        string `json:"id"`
			UniqueID  string `json:"uniqueId"`
			Nickname  string `json:"nickname"`
			Signature string `json:"signature"`
		} `json:"user"`
		Stats struct {
			FollowerCount  int64 `json:"followerCount"`
			FollowingCount int64 `json:"followingCount"`
			HeartCount     int64 `json:"heartCount"`
			VideoCount     int64 `json:"videoCount"`
		} `json:"stats"`
	} `json:"userInfo"`
}

type itemListResponse struct {
	ItemList []struct {
		ID         string      `json:"id"`
		Desc       string      `json:"desc"`
		CreateTime json.Number `json:"createTime"`
		Stats      struct {
			DiggCount    int64 `json:"diggCount"`
			CommentCount int64 `json:"commentCount"`
			PlayCount    int64 `json:"playCount"`
			ShareCount   int64 `json:"shareCount"`
		} `json:"stats"`
	} `json:"itemList"`
}

// GetEntityInfo fetches the profile of username.
func (c *Client) GetEntityInfo(ctx context.Context, username string) (models.Profile, error) {
	var resp userInfoResponse
	if err := c.getJSON(ctx, "/api/user/"+url.PathEscape(username), nil, &resp); err != nil {
		return models.Profile{}, err
	}

	u := resp.UserInfo.User
	if u.ID == "" {
		return models.Profile{}, fmt.Errorf("no data returned for user %s", username)
	}
	if u.UniqueID == "" {
		u.UniqueID = username
	}
	s := resp.UserInfo.Stats
	return models.Profile{
		ID:             u.ID,
		Username:       u.UniqueID,
		Nickname:       u.Nickname,
		Signature:      u.Signature,
		FollowerCount:  s.FollowerCount,
		FollowingCount: s.FollowingCount,
		HeartCount:     s.HeartCount,
		VideoCount:     s.VideoCount,
	}, nil
}

// ListEntityItems fetches up to count recent items of username.
func (c *Client) ListEntityItems(ctx context.Context, username string, count int) ([]models.Item, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))

	var resp itemListResponse
	if err := c.getJSON(ctx, "/api/user/"+url.PathEscape(username)+"/items", q, &resp); err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(resp.ItemList))
	for _, it := range resp.ItemList {
		if it.ID == "" {
			continue
		}
		created, _ := it.CreateTime.Int64()
		items = append(items, models.Item{
			ID:         it.ID,
			Desc:       it.Desc,
			CreateTime: created,
			Statistics: models.ItemStats{
				LikeCount:    it.Stats.DiggCount,
				CommentCount: it.Stats.CommentCount,
				ViewCount:    it.Stats.PlayCount,
				ShareCount:   it.Stats.ShareCount,
			},
		})
		if len(items) >= count {
			break
		}
	}
	return items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.authorize(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// authorize attaches whatever credentials are available as cookies. Missing
// credentials leave the request unauthenticated.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if c.creds == nil {
		return
	}
	for _, name := range c.credentialNames {
		if v, ok := c.creds.Get(ctx, name); ok {
			req.AddCookie(&http.Cookie{Name: name, Value: v})
		}
	}
}

// ExtractUsername returns the handle of a profile URL such as
// https://host/@handle?lang=en.
func ExtractUsername(profileURL string) (string, bool) {
	_, after, found := strings.Cut(profileURL, "@")
	if !found {
		return "", false
	}
	name, _, _ := strings.Cut(after, "?")
	name, _, _ = strings.Cut(name, "/")
	if name == "" {
		return "", false
	}
	return name, true
}
