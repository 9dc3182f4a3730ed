package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/opml"
	"github.com/bryan-buckman/curator/internal/state"
)

// --- Collections and feeds ---

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Collections())
}

func (s *Server) handleAddCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	c, err := s.state.AddCollection(r.Context(), req.Name, req.Color)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCollection(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	var req state.CollectionUpdate
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.state.UpdateCollection(r.Context(), id, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, _ := s.state.Collection(id)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteCollection(r.Context(), pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Feeds())
}

// handleAddFeed probes the URL, stores the feed and ingests its first batch.
func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL          string `json:"url"`
		Title        string `json:"title"`
		CollectionID string `json:"collectionId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.URL == "" {
		s.writeError(w, r, fmt.Errorf("%w: url is required", errBadRequest))
		return
	}
	if _, ok := s.state.Collection(req.CollectionID); !ok {
		s.writeError(w, r, fmt.Errorf("add feed: %w", state.ErrUnknownCollection))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	title, err := s.fetcher.Probe(ctx, req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Title != "" {
		title = req.Title
	}
	if title == "" {
		title = req.URL
	}

	feed, err := s.state.AddFeed(ctx, model.Feed{
		Title:        title,
		URL:          req.URL,
		CollectionID: req.CollectionID,
		LastFetched:  s.now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if articles, err := s.fetcher.FetchFeed(ctx, feed); err != nil {
		s.logger.Warn("initial fetch failed", "feed", feed.ID, "error", err)
	} else {
		s.state.MergeArticles(articles)
	}
	writeJSON(w, http.StatusCreated, feed)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteFeed(r.Context(), pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Articles ---

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := state.Selection{CollectionID: q.Get("collection"), FeedID: q.Get("feed")}
	if v := q.Get("view"); v != "" {
		sel.CollectionID = v
	}
	writeJSON(w, http.StatusOK, s.state.Articles(sel))
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var req state.ArticleDraft
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Title == "" {
		s.writeError(w, r, fmt.Errorf("%w: title is required", errBadRequest))
		return
	}
	a, err := s.state.CreateArticle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteArticle(r.Context(), pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) article(w http.ResponseWriter, r *http.Request) (model.Article, bool) {
	id := pathID(r)
	a, ok := s.state.Article(id)
	if !ok {
		s.writeError(w, r, fmt.Errorf("article %s: %w", id, state.ErrUnknownArticle))
	}
	return a, ok
}

func (s *Server) handleToggleRead(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}
	s.state.ToggleRead(a.ID)
	a, _ = s.state.Article(a.ID)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}
	if err := s.state.ToggleFavorite(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, _ = s.state.Article(a.ID)
	writeJSON(w, http.StatusOK, a)
}

// handleAnalyze classifies one article and tags it when positive. Already
// tagged articles are returned without calling the classifier.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}
	if s.state.IsAIArticle(a.Link) {
		writeJSON(w, http.StatusOK, a)
		return
	}
	positive, err := s.classifier.Classify(r.Context(), a.Title, a.Content, s.state.Settings())
	if err != nil {
		// A failed classification is a negative one.
		s.logger.Warn("analyze failed", "article", a.ID, "error", err)
	}
	if positive {
		if err := s.state.MarkAsAI(r.Context(), a); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	a, _ = s.state.Article(a.ID)
	writeJSON(w, http.StatusOK, a)
}

// --- Posts and chat ---

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.LinkedInPosts(r.Context(), pathID(r)))
}

func (s *Server) handleGeneratePost(w http.ResponseWriter, r *http.Request) {
	a, ok := s.article(w, r)
	if !ok {
		return
	}
	params := model.PostParams{Tone: model.ToneProfessional}
	if err := decode(r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := s.generator.GeneratePost(r.Context(), a.Title, a.Content, s.state.Settings(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.state.SaveLinkedInPost(r.Context(), a.ID, content, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	post, _ := s.state.LatestLinkedInPost(a.ID)
	post.ID = id
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	postID := pathID(r)
	conv, err := s.state.ChatConversation(r.Context(), postID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conv == nil {
		conv = &model.ChatConversation{ID: postID, LinkedInPostID: postID, Messages: []model.ChatMessage{}}
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleChat records the user message, asks for a reply about the given post
// text and records the reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	postID := pathID(r)
	var req struct {
		Message string `json:"message"`
		Post    string `json:"post"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Message == "" {
		s.writeError(w, r, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}

	userMsg, err := s.state.SaveChatMessage(r.Context(), postID, model.RoleUser, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.generator.Chat(r.Context(), req.Message, req.Post, s.state.Settings())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assistantMsg, err := s.state.SaveChatMessage(r.Context(), postID, model.RoleAssistant, reply)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, []model.ChatMessage{userMsg, assistantMsg})
}

// --- Settings, refresh, classification ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Settings())
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.state.Settings()
	if err := decode(r, &settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	if settings.Model == "" || settings.MaxTokens <= 0 || settings.Temperature < 0 {
		s.writeError(w, r, fmt.Errorf("%w: model, positive maxTokens and non-negative temperature are required", errBadRequest))
		return
	}
	if err := s.state.UpdateSettings(r.Context(), settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	report, err := s.fetcher.Refresh(ctx, s.state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleClassifyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.job.Status())
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if err := s.job.Start(r.Context(), s.state.Unclassified(), s.state.Settings()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.job.Status())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Dashboard())
}

// --- OPML ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: no file provided", errBadRequest))
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		s.writeError(w, r, errors.Join(errBadRequest, err))
		return
	}
	res, err := opml.Import(r.Context(), s.state, entries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	data, err := opml.Export("Curator Feeds", s.state.Collections(), s.state.Feeds(), s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=curator-feeds.opml")
	http.ServeContent(w, r, "curator-feeds.opml", s.now(), bytes.NewReader(data))
}
