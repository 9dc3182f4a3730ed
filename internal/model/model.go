// Package model defines shared data structures.
package model

import "time"

// Document store collection names.
const (
	CollectionsCollection   = "collections"
	FeedsCollection         = "feeds"
	FavoritesCollection     = "favorites"
	AIArticlesCollection    = "ai-articles"
	UserArticlesCollection  = "user-articles"
	LinkedInPostsCollection = "linkedin-posts"
	ChatCollection          = "chat-conversations"
	SettingsCollection      = "settings"
)

// SettingsOllamaID is the fixed document id of the inference settings.
const SettingsOllamaID = "ollama"

// UserFeedID is the sentinel feed id carried by user-authored articles.
const UserFeedID = "user"

// Collection is a user-defined, colored grouping of feeds.
type Collection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	CollectionID string    `json:"collectionId"`
	LastFetched  time.Time `json:"lastFetched"`
}

// Article is a single piece of content, ingested from a feed or authored by the user.
// Link is the business key: two articles with the same link are the same article.
type Article struct {
	ID            string    `json:"id"`
	FeedID        string    `json:"feedId"`
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	Content       string    `json:"content"`
	PubDate       time.Time `json:"pubDate"`
	IsRead        bool      `json:"isRead"`
	IsFavorite    bool      `json:"isFavorite"`
	IsAIArticle   bool      `json:"isAIArticle"`
	IsUserCreated bool      `json:"isUserCreated,omitempty"`
}

// Snapshot is the denormalized article copy stored in the favorites and
// ai-articles collections.
type Snapshot struct {
	Link      string    `json:"link"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	PubDate   time.Time `json:"pubDate"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotOf builds the stored snapshot of an article.
func SnapshotOf(a Article, now time.Time) Snapshot {
	return Snapshot{
		Link:      a.Link,
		Title:     a.Title,
		Content:   a.Content,
		PubDate:   a.PubDate,
		Timestamp: now,
	}
}

// UserArticle is the stored form of a user-authored article.
type UserArticle struct {
	Title     string    `json:"title"`
	Link      string    `json:"link"`
	Content   string    `json:"content"`
	PubDate   time.Time `json:"pubDate"`
	Timestamp time.Time `json:"timestamp"`
}

// OllamaSettings configures the inference calls. Exactly one instance exists.
type OllamaSettings struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Prompt      string  `json:"prompt"`
}

// DefaultAIPrompt is the classification prompt used until the user changes it.
const DefaultAIPrompt = `You are an AI content analyzer. Analyze the following article and respond with 'true' if it's about artificial intelligence, machine learning, or related technologies, and 'false' otherwise. Only respond with true or false.`

// DefaultOllamaSettings returns the settings written on first run.
func DefaultOllamaSettings() OllamaSettings {
	return OllamaSettings{
		Model:       "mistral",
		Temperature: 0.1,
		MaxTokens:   2048,
		Prompt:      DefaultAIPrompt,
	}
}

// Post tones.
const (
	ToneProfessional = "professional"
	ToneCasual       = "casual"
	ToneTechnical    = "technical"
	ToneStorytelling = "storytelling"
)

// PostParams steers LinkedIn post generation.
type PostParams struct {
	Tone                string `json:"tone"`
	Audience            string `json:"audience"`
	Industry            string `json:"industry"`
	KeyMessage          string `json:"keyMessage"`
	IncludeHashtags     bool   `json:"includeHashtags"`
	IncludeCallToAction bool   `json:"includeCallToAction"`
}

// LinkedInPost is one generated post for an article. Many may exist per article.
type LinkedInPost struct {
	ID        string     `json:"id"`
	ArticleID string     `json:"articleId"`
	Content   string     `json:"content"`
	Params    PostParams `json:"params"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single message in a post refinement conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatConversation holds the append-only message list for a post.
type ChatConversation struct {
	ID             string        `json:"id"`
	LinkedInPostID string        `json:"linkedInPostId"`
	Messages       []ChatMessage `json:"messages"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
