package source

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://source.test"

func newMockClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	c, err := NewClient(Config{BaseURL: baseURL + "/", APIKey: "key"}, &http.Client{Transport: mt})
	require.NoError(t, err)
	return c, mt
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
}

func TestAnalyze(t *testing.T) {
	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/analysis",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer key", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"posts":12,"media":4,"categories":{"news":8,"blog":4},"has_field_groups":true}`), nil
		})

	a, err := c.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, a.Posts)
	assert.Equal(t, 4, a.Media)
	assert.Equal(t, map[string]int{"news": 8, "blog": 4}, a.Categories)
	assert.True(t, a.HasFieldGroups)
}

func TestPostRefs_FiltersByCategory(t *testing.T) {
	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/posts",
		func(req *http.Request) (*http.Response, error) {
			if req.URL.Query().Get("categories") == "news,blog" {
				return httpmock.NewStringResponse(http.StatusOK, `[{"id":1,"category":"news"},{"id":2,"category":"blog"}]`), nil
			}
			return httpmock.NewStringResponse(http.StatusOK,
				`[{"id":1,"category":"news"},{"id":2,"category":"blog"},{"id":3,"category":"page"}]`), nil
		})

	refs, err := c.PostRefs(context.Background(), []string{"news", "blog"})
	require.NoError(t, err)
	assert.Equal(t, []PostRef{{ID: 1, Category: "news"}, {ID: 2, Category: "blog"}}, refs)

	all, err := c.PostRefs(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPostAndMedia(t *testing.T) {
	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/posts/42",
		httpmock.NewStringResponder(http.StatusOK, `{"id":42,"title":"Hello","status":"publish","content":{"blocks":[]}}`))
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/media/7",
		httpmock.NewStringResponder(http.StatusOK, `{"id":7,"filename":"cat.jpg","mime_type":"image/jpeg","object_key":"uploads/cat.jpg"}`))

	post, err := c.Post(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Hello", post.Title)
	assert.JSONEq(t, `{"blocks":[]}`, string(post.Content))

	media, err := c.Media(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "uploads/cat.jpg", media.ObjectKey)
}

func TestGet_Errors(t *testing.T) {
	c, mt := newMockClient(t)
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/media",
		httpmock.NewStringResponder(http.StatusInternalServerError, "database offline\n"))
	mt.RegisterResponder(http.MethodGet, baseURL+"/export/categories",
		httpmock.NewStringResponder(http.StatusOK, `not json`))

	_, err := c.MediaIDs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500: database offline")

	_, err = c.Categories(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
