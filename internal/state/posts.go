package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
)

// LinkedInPosts returns the posts generated for an article, newest first. Store
// errors are logged and yield an empty history.
func (s *State) LinkedInPosts(ctx context.Context, articleID string) []model.LinkedInPost {
	docs, err := s.store.Query(ctx, model.LinkedInPostsCollection,
		database.Where("articleId", articleID).OrderedBy("createdAt", true))
	if err != nil {
		// Some backends cannot order on arbitrary fields; sort locally instead.
		s.logger.Warn("ordered post query failed, retrying unordered", "article", articleID, "error", err)
		docs, err = s.store.Query(ctx, model.LinkedInPostsCollection, database.Where("articleId", articleID))
		if err != nil {
			s.logger.Error("fetch linkedin posts failed", "article", articleID, "error", err)
			return []model.LinkedInPost{}
		}
	}
	posts := make([]model.LinkedInPost, 0, len(docs))
	for _, d := range docs {
		var p model.LinkedInPost
		if err := d.Decode(&p); err != nil {
			s.logger.Warn("skipping linkedin post", "id", d.ID, "error", err)
			continue
		}
		p.ID = d.ID
		posts = append(posts, p)
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})

	s.mu.Lock()
	s.posts[articleID] = posts
	s.mu.Unlock()
	return append([]model.LinkedInPost(nil), posts...)
}

// LatestLinkedInPost returns the most recent known post for an article.
func (s *State) LatestLinkedInPost(articleID string) (model.LinkedInPost, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	posts := s.posts[articleID]
	if len(posts) == 0 {
		return model.LinkedInPost{}, false
	}
	return posts[0], true
}

// SaveLinkedInPost stores a generated post and returns its id.
func (s *State) SaveLinkedInPost(ctx context.Context, articleID, content string, params model.PostParams) (string, error) {
	now := s.now()
	p := model.LinkedInPost{
		ArticleID: articleID,
		Content:   content,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := s.store.Add(ctx, model.LinkedInPostsCollection, p)
	if err != nil {
		return "", fmt.Errorf("save linkedin post: %w", err)
	}
	p.ID = id
	s.mu.Lock()
	s.posts[articleID] = append([]model.LinkedInPost{p}, s.posts[articleID]...)
	s.mu.Unlock()
	return id, nil
}

// SaveChatMessage appends a message to the conversation of a post, creating the
// conversation on first use. Appends to the same post are serialized.
func (s *State) SaveChatMessage(ctx context.Context, postID, role, content string) (model.ChatMessage, error) {
	unlock := s.chatLocks.Lock(postID)
	defer unlock()

	now := s.now()
	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}

	var conv model.ChatConversation
	err := s.store.Get(ctx, model.ChatCollection, postID, &conv)
	switch {
	case errors.Is(err, database.ErrNotFound):
		conv = model.ChatConversation{
			ID:             postID,
			LinkedInPostID: postID,
			Messages:       []model.ChatMessage{msg},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.Set(ctx, model.ChatCollection, postID, conv); err != nil {
			return model.ChatMessage{}, fmt.Errorf("create conversation %s: %w", postID, err)
		}
	case err != nil:
		return model.ChatMessage{}, fmt.Errorf("load conversation %s: %w", postID, err)
	default:
		if err := s.store.Update(ctx, model.ChatCollection, postID, map[string]any{
			"messages":  append(conv.Messages, msg),
			"updatedAt": now,
		}); err != nil {
			return model.ChatMessage{}, fmt.Errorf("append to conversation %s: %w", postID, err)
		}
	}
	return msg, nil
}

// ChatConversation returns the conversation of a post, or nil if none exists.
func (s *State) ChatConversation(ctx context.Context, postID string) (*model.ChatConversation, error) {
	var conv model.ChatConversation
	err := s.store.Get(ctx, model.ChatCollection, postID, &conv)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", postID, err)
	}
	return &conv, nil
}
