package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postsFixture = `{
	"data": {
		"children": [
			{"kind": "t3", "data": {
				"id": "abc123",
				"subreddit": "smallbusiness",
				"title": "Struggling with invoice tracking",
				"selftext": "I spend hours every week chasing invoices.",
				"author": "shopowner",
				"permalink": "/r/smallbusiness/comments/abc123/struggling/",
				"score": 142,
				"num_comments": 37,
				"created_utc": 1756500000
			}},
			{"kind": "t3", "data": {
				"id": "pin001",
				"subreddit": "smallbusiness",
				"title": "Monthly rules thread",
				"stickied": true,
				"created_utc": 1756400000
			}}
		]
	}
}`

const commentsFixture = `[
	{"data": {"children": [{"kind": "t3", "data": {"id": "abc123"}}]}},
	{"data": {"children": [
		{"kind": "t1", "data": {
			"id": "c1",
			"author": "freelancer",
			"body": "Same here, I ended up building a spreadsheet.",
			"score": 55,
			"created_utc": 1756501000
		}},
		{"kind": "t1", "data": {"id": "c2", "body": "[deleted]", "created_utc": 1756502000}},
		{"kind": "more", "data": {"count": 12}}
	]}}
]`

func TestFetchPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/smallbusiness/new.json", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(postsFixture))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	posts, err := c.FetchPosts(context.Background(), "smallbusiness")
	require.NoError(t, err)

	// Stickied posts are dropped.
	require.Len(t, posts, 1)
	assert.Equal(t, "abc123", posts[0].ID)
	assert.Equal(t, "Struggling with invoice tracking", posts[0].Title)
	assert.Equal(t, 142, posts[0].Score)
	assert.Equal(t, 37, posts[0].NumComments)
	assert.Equal(t, "https://www.reddit.com/r/smallbusiness/comments/abc123/struggling/", posts[0].URL)
	assert.Equal(t, int64(1756500000), posts[0].CreatedAt.Unix())
}

func TestFetchComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/smallbusiness/comments/abc123.json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("depth"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(commentsFixture))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	comments, err := c.FetchComments(context.Background(), "smallbusiness", "abc123")
	require.NoError(t, err)

	// Deleted comments and "more" stubs are dropped.
	require.Len(t, comments, 1)
	assert.Equal(t, "c1", comments[0].ID)
	assert.Equal(t, "abc123", comments[0].PostID)
	assert.Equal(t, "freelancer", comments[0].Author)
	assert.Equal(t, 55, comments[0].Score)
}

func TestFetchPosts_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(postsFixture))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	posts, err := c.FetchPosts(context.Background(), "smallbusiness")
	require.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPosts_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	_, err := c.FetchPosts(context.Background(), "doesnotexist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchComments_ShortPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"data": {"children": []}}]`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	comments, err := c.FetchComments(context.Background(), "smallbusiness", "abc123")
	require.NoError(t, err)
	assert.Empty(t, comments)
}
