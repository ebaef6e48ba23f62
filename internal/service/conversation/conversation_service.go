package conversation

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/tokens"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConversationService applies ownership and visibility rules on top of the store
type ConversationService struct {
	db         db.Database
	accountant *tokens.Accountant
}

// NewConversationService creates a new ConversationService
func NewConversationService(database db.Database, accountant *tokens.Accountant) *ConversationService {
	return &ConversationService{
		db:         database,
		accountant: accountant,
	}
}

// storeErr keeps classified errors and marks anything else as a fatal persistence failure.
func storeErr(op string, err error) error {
	if apperr.CodeOf(err) != apperr.CodeInternal {
		return err
	}
	return apperr.Persistence(op, err, false)
}

// ListChats returns the user's chats, newest first
func (s *ConversationService) ListChats(ctx context.Context, userID string) ([]db.Chat, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	chats, err := s.db.GetChatsByUserID(ctx, userID)
	if err != nil {
		return nil, storeErr("list chats", err)
	}
	return chats, nil
}

// GetChat returns a chat the viewer may read: any public chat or their own private one
func (s *ConversationService) GetChat(ctx context.Context, chatID, viewerID string) (*db.Chat, error) {
	if chatID == "" {
		return nil, apperr.BadRequest("chat id is required")
	}
	chat, err := s.db.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if chat.Visibility != db.VisibilityPublic && chat.UserID != viewerID {
		return nil, apperr.Forbidden("chat is private")
	}
	return chat, nil
}

func (s *ConversationService) GetMessages(ctx context.Context, chatID, viewerID string) ([]db.Message, error) {
	if _, err := s.GetChat(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	messages, err := s.db.GetMessagesByChatID(ctx, chatID)
	if err != nil {
		return nil, storeErr("load messages", err)
	}
	return messages, nil
}

// ownedChat loads a chat for a mutation; only the owner passes.
func (s *ConversationService) ownedChat(ctx context.Context, chatID, userID string) (*db.Chat, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if chatID == "" {
		return nil, apperr.BadRequest("chat id is required")
	}
	chat, err := s.db.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if chat.UserID != userID {
		return nil, apperr.Forbidden("chat belongs to another user")
	}
	return chat, nil
}

// DeleteChat removes the chat with its messages and votes
func (s *ConversationService) DeleteChat(ctx context.Context, chatID, userID string) error {
	if _, err := s.ownedChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.db.DeleteChatByID(ctx, chatID); err != nil {
		return storeErr("delete chat", err)
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": userID,
	}).Info("Deleted chat")
	return nil
}

func (s *ConversationService) SetVisibility(ctx context.Context, chatID, userID string, visibility db.Visibility) error {
	if !visibility.Valid() {
		return apperr.BadRequest("visibility must be private or public")
	}
	if _, err := s.ownedChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.db.UpdateChatVisibility(ctx, chatID, visibility); err != nil {
		return storeErr("update visibility", err)
	}
	return nil
}

// TruncateAfter drops messages created after the given time, for edit-and-regenerate
func (s *ConversationService) TruncateAfter(ctx context.Context, chatID, userID string, after time.Time) (int64, error) {
	if after.IsZero() {
		return 0, apperr.BadRequest("a cutoff timestamp is required")
	}
	if _, err := s.ownedChat(ctx, chatID, userID); err != nil {
		return 0, err
	}
	removed, err := s.db.DeleteMessagesAfter(ctx, chatID, after)
	if err != nil {
		return 0, storeErr("truncate messages", err)
	}
	return removed, nil
}

func (s *ConversationService) Vote(ctx context.Context, chatID, messageID, userID string, isUpvoted bool) error {
	if messageID == "" {
		return apperr.BadRequest("message id is required")
	}
	if _, err := s.ownedChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.db.UpsertVote(ctx, chatID, messageID, isUpvoted); err != nil {
		return storeErr("save vote", err)
	}
	return nil
}

func (s *ConversationService) GetVotes(ctx context.Context, chatID, viewerID string) ([]db.Vote, error) {
	if _, err := s.GetChat(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	votes, err := s.db.GetVotesByChatID(ctx, chatID)
	if err != nil {
		return nil, storeErr("load votes", err)
	}
	return votes, nil
}

// UserUsage returns a user's aggregate; callers may only read their own.
func (s *ConversationService) UserUsage(ctx context.Context, targetUserID, callerID string) (db.UsageTotals, error) {
	if callerID == "" {
		return db.UsageTotals{}, apperr.Unauthorized("authentication required")
	}
	if targetUserID != callerID {
		return db.UsageTotals{}, apperr.Forbidden("token usage of another user")
	}
	totals, err := s.accountant.GetUserUsage(ctx, targetUserID)
	if err != nil {
		return db.UsageTotals{}, storeErr("sum token usage", err)
	}
	return totals, nil
}

// ChatUsage returns a chat's aggregate to its owner. A chat with no usage yields zeros.
func (s *ConversationService) ChatUsage(ctx context.Context, chatID, callerID string) (db.UsageTotals, error) {
	if _, err := s.ownedChat(ctx, chatID, callerID); err != nil {
		return db.UsageTotals{}, err
	}
	totals, err := s.accountant.GetChatUsage(ctx, chatID)
	if err != nil {
		return db.UsageTotals{}, storeErr("sum token usage", err)
	}
	return totals, nil
}

// Documents

// SaveDocument appends a version. A new id starts a document owned by userID;
// an existing one must already belong to userID.
func (s *ConversationService) SaveDocument(ctx context.Context, userID string, doc db.Document) (*db.Document, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if strings.TrimSpace(doc.Title) == "" {
		return nil, apperr.BadRequest("document title is required")
	}
	if doc.Kind == "" {
		doc.Kind = db.DocumentText
	}
	if !doc.Kind.Valid() {
		return nil, apperr.BadRequest("unknown document kind %q", doc.Kind)
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	} else if _, err := s.ownedDocument(ctx, doc.ID, userID); err != nil && apperr.CodeOf(err) != apperr.CodeNotFound {
		return nil, err
	}

	doc.UserID = userID
	saved, err := s.db.SaveDocument(ctx, doc)
	if err != nil {
		return nil, storeErr("save document", err)
	}
	return saved, nil
}

func (s *ConversationService) ownedDocument(ctx context.Context, id, userID string) (*db.Document, error) {
	if id == "" {
		return nil, apperr.BadRequest("document id is required")
	}
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, storeErr("load document", err)
	}
	if doc.UserID != userID {
		return nil, apperr.Forbidden("document belongs to another user")
	}
	return doc, nil
}

// GetDocument returns the latest version
func (s *ConversationService) GetDocument(ctx context.Context, id, userID string) (*db.Document, error) {
	return s.ownedDocument(ctx, id, userID)
}

// GetDocumentVersions returns all versions, oldest first
func (s *ConversationService) GetDocumentVersions(ctx context.Context, id, userID string) ([]db.Document, error) {
	if _, err := s.ownedDocument(ctx, id, userID); err != nil {
		return nil, err
	}
	docs, err := s.db.GetDocumentsByID(ctx, id)
	if err != nil {
		return nil, storeErr("load document versions", err)
	}
	return docs, nil
}

func (s *ConversationService) DeleteDocumentVersionsAfter(ctx context.Context, id, userID string, after time.Time) (int64, error) {
	if after.IsZero() {
		return 0, apperr.BadRequest("a cutoff timestamp is required")
	}
	if _, err := s.ownedDocument(ctx, id, userID); err != nil {
		return 0, err
	}
	removed, err := s.db.DeleteDocumentsAfter(ctx, id, after)
	if err != nil {
		return 0, storeErr("delete document versions", err)
	}
	return removed, nil
}

// SaveSuggestions attaches suggestions to a document version; a zero
// DocumentCreatedAt targets the latest version.
func (s *ConversationService) SaveSuggestions(ctx context.Context, documentID, userID string, suggestions []db.Suggestion) ([]db.Suggestion, error) {
	if len(suggestions) == 0 {
		return nil, apperr.BadRequest("suggestions cannot be empty")
	}
	doc, err := s.ownedDocument(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}

	out := make([]db.Suggestion, 0, len(suggestions))
	for _, sg := range suggestions {
		if sg.OriginalText == "" || sg.SuggestedText == "" {
			return nil, apperr.BadRequest("suggestions need original and suggested text")
		}
		if sg.ID == "" {
			sg.ID = uuid.NewString()
		}
		sg.DocumentID = doc.ID
		sg.UserID = userID
		if sg.DocumentCreatedAt.IsZero() {
			sg.DocumentCreatedAt = doc.CreatedAt
		}
		out = append(out, sg)
	}

	if err := s.db.SaveSuggestions(ctx, out); err != nil {
		return nil, storeErr("save suggestions", err)
	}
	return out, nil
}

func (s *ConversationService) GetSuggestions(ctx context.Context, documentID, userID string) ([]db.Suggestion, error) {
	if _, err := s.ownedDocument(ctx, documentID, userID); err != nil {
		return nil, err
	}
	suggestions, err := s.db.GetSuggestionsByDocumentID(ctx, documentID)
	if err != nil {
		return nil, storeErr("load suggestions", err)
	}
	return suggestions, nil
}
