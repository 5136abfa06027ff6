// Package reddit provides a client for Reddit's public JSON listing API.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Reddit operations used for discussion collection.
type Client interface {
	// FetchPosts returns recent posts from a subreddit, newest first.
	FetchPosts(ctx context.Context, subreddit string, opts ...FetchOption) ([]Post, error)
	// FetchComments returns top-level comments for a post.
	FetchComments(ctx context.Context, subreddit, postID string, opts ...FetchOption) ([]Comment, error)
}

// Post is a normalized Reddit submission.
type Post struct {
	ID          string
	Subreddit   string
	Title       string
	Body        string
	Author      string
	URL         string
	Score       int
	NumComments int
	CreatedAt   time.Time
}

// Comment is a normalized Reddit comment.
type Comment struct {
	ID        string
	PostID    string
	Author    string
	Body      string
	Score     int
	CreatedAt time.Time
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOpts)

type fetchOpts struct {
	limit int
	sort  string
	t     string
}

// WithLimit caps the number of items returned (Reddit maximum is 100).
func WithLimit(n int) FetchOption {
	return func(o *fetchOpts) {
		o.limit = n
	}
}

// WithSort sets the listing sort ("new", "hot", "top").
func WithSort(sort string) FetchOption {
	return func(o *fetchOpts) {
		o.sort = sort
	}
}

// WithTimeWindow sets the "t" parameter for top listings ("day", "week", "month").
func WithTimeWindow(window string) FetchOption {
	return func(o *fetchOpts) {
		o.t = window
	}
}

// Option configures the Reddit client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the request rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a new Reddit client. Reddit's unauthenticated API allows
// roughly one request per second, so the default limiter stays under that.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://www.reddit.com",
		userAgent: "opportunity-intel/1.0",
		limiter:   rate.NewLimiter(rate.Limit(0.9), 1),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// getJSON fetches a URL with rate limiting and exponential backoff retries on
// transient failures (429, 500, 502, 503), decoding the body into out.
func (c *httpClient) getJSON(ctx context.Context, reqURL string, out any) error {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "reddit: create request")
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return eris.Wrap(lastErr, "reddit: request failed")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("reddit: status %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return eris.Errorf("reddit: unexpected status %d for %s", resp.StatusCode, reqURL)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		_ = resp.Body.Close()
		if err != nil {
			return eris.Wrap(err, "reddit: decode response")
		}
		return nil
	}

	return eris.Wrap(lastErr, "reddit: retries exhausted")
}

// listing mirrors Reddit's Thing envelope for listings.
type listing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type rawPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	Author      string  `json:"author"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Stickied    bool    `json:"stickied"`
}

type rawComment struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	Score      int     `json:"score"`
	CreatedUTC float64 `json:"created_utc"`
}

func (c *httpClient) FetchPosts(ctx context.Context, subreddit string, opts ...FetchOption) ([]Post, error) {
	fo := &fetchOpts{limit: 100, sort: "new"}
	for _, opt := range opts {
		opt(fo)
	}

	q := url.Values{"limit": {fmt.Sprint(fo.limit)}, "raw_json": {"1"}}
	if fo.t != "" {
		q.Set("t", fo.t)
	}
	reqURL := fmt.Sprintf("%s/r/%s/%s.json?%s", c.baseURL, url.PathEscape(subreddit), fo.sort, q.Encode())

	var l listing
	if err := c.getJSON(ctx, reqURL, &l); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("reddit: fetch posts r/%s", subreddit))
	}

	posts := make([]Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var rp rawPost
		if err := json.Unmarshal(child.Data, &rp); err != nil {
			return nil, eris.Wrap(err, "reddit: unmarshal post")
		}
		if rp.Stickied {
			continue
		}
		posts = append(posts, Post{
			ID:          rp.ID,
			Subreddit:   rp.Subreddit,
			Title:       rp.Title,
			Body:        rp.SelfText,
			Author:      rp.Author,
			URL:         "https://www.reddit.com" + rp.Permalink,
			Score:       rp.Score,
			NumComments: rp.NumComments,
			CreatedAt:   time.Unix(int64(rp.CreatedUTC), 0).UTC(),
		})
	}
	return posts, nil
}

func (c *httpClient) FetchComments(ctx context.Context, subreddit, postID string, opts ...FetchOption) ([]Comment, error) {
	fo := &fetchOpts{limit: 100, sort: "top"}
	for _, opt := range opts {
		opt(fo)
	}

	q := url.Values{
		"limit":    {fmt.Sprint(fo.limit)},
		"sort":     {fo.sort},
		"depth":    {"1"},
		"raw_json": {"1"},
	}
	reqURL := fmt.Sprintf("%s/r/%s/comments/%s.json?%s",
		c.baseURL, url.PathEscape(subreddit), url.PathEscape(postID), q.Encode())

	// The comments endpoint returns a two-element array: [post listing, comment listing].
	var pair []listing
	if err := c.getJSON(ctx, reqURL, &pair); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("reddit: fetch comments %s", postID))
	}
	if len(pair) < 2 {
		return nil, nil
	}

	comments := make([]Comment, 0, len(pair[1].Data.Children))
	for _, child := range pair[1].Data.Children {
		// "more" children are pagination stubs, not comments.
		if child.Kind != "t1" {
			continue
		}
		var rc rawComment
		if err := json.Unmarshal(child.Data, &rc); err != nil {
			return nil, eris.Wrap(err, "reddit: unmarshal comment")
		}
		if rc.Body == "" || rc.Body == "[deleted]" || rc.Body == "[removed]" {
			continue
		}
		comments = append(comments, Comment{
			ID:        rc.ID,
			PostID:    postID,
			Author:    rc.Author,
			Body:      rc.Body,
			Score:     rc.Score,
			CreatedAt: time.Unix(int64(rc.CreatedUTC), 0).UTC(),
		})
	}
	return comments, nil
}
