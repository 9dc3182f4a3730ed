package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/curator/internal/model"
)

func newServer(t *testing.T, reply string, seen *generateRequest) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		json.NewEncoder(w).Encode(generateResponse{Response: reply})
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func TestClassifyRequestShape(t *testing.T) {
	var seen generateRequest
	c := newServer(t, "  TRUE \n", &seen)
	settings := model.DefaultOllamaSettings()

	ok, err := c.Classify(context.Background(), "GPT-5 released", "<p>big model</p>", settings)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "mistral", seen.Model)
	assert.False(t, seen.Stream)
	assert.Equal(t, 0.1, seen.Options.Temperature)
	assert.Equal(t, 2048, seen.Options.NumPredict)
	assert.Contains(t, seen.Prompt, settings.Prompt)
	assert.Contains(t, seen.Prompt, "Title: GPT-5 released")
	assert.Contains(t, seen.Prompt, "big model")
}

func TestClassifyAnythingButTrueIsNegative(t *testing.T) {
	for _, reply := range []string{"false", "True.", "yes", "", "true true"} {
		c := newServer(t, reply, nil)
		ok, err := c.Classify(context.Background(), "t", "c", model.DefaultOllamaSettings())
		require.NoError(t, err)
		assert.False(t, ok, reply)
	}
}

func TestClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()))
	ok, err := c.Classify(context.Background(), "t", "c", model.DefaultOllamaSettings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, ok)
}

func TestGeneratePostTrimsAndUsesParams(t *testing.T) {
	var seen generateRequest
	c := newServer(t, "\n  Great post #ai \n", &seen)

	post, err := c.GeneratePost(context.Background(), "Title", "Body", model.DefaultOllamaSettings(), model.PostParams{
		Tone:            model.ToneStorytelling,
		Audience:        "engineers",
		IncludeHashtags: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Great post #ai", post)
	assert.Contains(t, seen.Prompt, "- Tone: storytelling")
	assert.Contains(t, seen.Prompt, "- Include 3-5 relevant hashtags")
	assert.Contains(t, seen.Prompt, "- No call-to-action needed")
	assert.Contains(t, seen.Prompt, "compelling hook")
	assert.NotContains(t, seen.Prompt, "technical details")
}

func TestChat(t *testing.T) {
	var seen generateRequest
	c := newServer(t, " Shorten the intro. ", &seen)

	reply, err := c.Chat(context.Background(), "make it punchier", "My draft post", model.DefaultOllamaSettings())
	require.NoError(t, err)
	assert.Equal(t, "Shorten the intro.", reply)
	assert.Contains(t, seen.Prompt, "My draft post")
	assert.Contains(t, seen.Prompt, "make it punchier")
}
