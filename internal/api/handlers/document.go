package handlers

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type DocumentRequest struct {
	Title   string          `json:"title"`
	Kind    db.DocumentKind `json:"kind,omitempty"`
	Content string          `json:"content"`
}

type DocumentsResponse struct {
	Documents []db.Document `json:"documents"`
}

type SuggestionsRequest struct {
	DocumentID  string          `json:"documentId"`
	Suggestions []db.Suggestion `json:"suggestions"`
}

type SuggestionsResponse struct {
	Suggestions []db.Suggestion `json:"suggestions"`
}

// GetDocumentHandler returns every version of the document, oldest first
func (ch *ChatHandlers) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := ch.conversationService.GetDocumentVersions(r.Context(), r.URL.Query().Get("id"), viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, DocumentsResponse{Documents: docs})
}

// SaveDocumentHandler appends a version; without an id a new document is started
func (ch *ChatHandlers) SaveDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	doc, err := ch.conversationService.SaveDocument(r.Context(), viewerID(r), db.Document{
		ID:      r.URL.Query().Get("id"),
		Title:   req.Title,
		Kind:    req.Kind,
		Content: req.Content,
	})
	if err != nil {
		sendError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).WithFields(logrus.Fields{
		"document_id": doc.ID,
		"kind":        doc.Kind,
	}).Info("Document version saved")
	sendJSON(w, http.StatusOK, doc)
}

// DeleteDocumentHandler removes versions newer than the timestamp parameter
func (ch *ChatHandlers) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	after, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("timestamp"))
	if err != nil {
		sendError(w, r, apperr.BadRequest("timestamp must be an RFC3339 timestamp"))
		return
	}

	removed, err := ch.conversationService.DeleteDocumentVersionsAfter(r.Context(), r.URL.Query().Get("id"), viewerID(r), after)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, TruncateResponse{Deleted: removed})
}

func (ch *ChatHandlers) GetSuggestionsHandler(w http.ResponseWriter, r *http.Request) {
	suggestions, err := ch.conversationService.GetSuggestions(r.Context(), r.URL.Query().Get("documentId"), viewerID(r))
	if err != nil {
		sendError(w, r, err)
		return
	}
	if suggestions == nil {
		suggestions = []db.Suggestion{}
	}
	sendJSON(w, http.StatusOK, SuggestionsResponse{Suggestions: suggestions})
}

func (ch *ChatHandlers) SaveSuggestionsHandler(w http.ResponseWriter, r *http.Request) {
	var req SuggestionsRequest
	if err := decodeBody(r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	saved, err := ch.conversationService.SaveSuggestions(r.Context(), req.DocumentID, viewerID(r), req.Suggestions)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, SuggestionsResponse{Suggestions: saved})
}
