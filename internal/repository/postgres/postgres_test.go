package postgres

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/repository/db"
	"chat-ledger/internal/service/llm"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*PostgresDB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &PostgresDB{conn: conn}, mock
}

func TestCreateUser(t *testing.T) {
	p, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users (id, email, password_hash)")).
		WithArgs(sqlmock.AnyArg(), "a@example.com", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	user, err := p.CreateUser(context.Background(), "a@example.com", "hash")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, now, user.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	_, err := p.CreateUser(context.Background(), "a@example.com", "hash")
	assert.True(t, errors.Is(err, apperr.ErrDuplicateEmail), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = $1")).
		WithArgs("missing@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "created_at"}))

	_, err := p.GetUserByEmail(context.Background(), "missing@example.com")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestGetChatByID(t *testing.T) {
	p, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "visibility", "created_at"}).
			AddRow("c1", "u1", "hello", "public", now))

	chat, err := p.GetChatByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, db.VisibilityPublic, chat.Visibility)
	assert.Equal(t, "u1", chat.UserID)
}

func TestGetChatByID_NotFound(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM chats WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "visibility", "created_at"}))

	_, err := p.GetChatByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestDeleteChatByID_CascadesInOrder(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes WHERE chat_id = $1")).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE chat_id = $1")).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chats WHERE id = $1")).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.DeleteChatByID(context.Background(), "c1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChatByID_MissingChatRollsBack(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chats")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.DeleteChatByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChatByID_FailureRollsBack(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := p.DeleteChatByID(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessages(t *testing.T) {
	p, mock := newMockDB(t)
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages (id, chat_id, role, content)")).
		WithArgs("m1", "c1", "user", "hello").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "seq"}).AddRow(t1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages (id, chat_id, role, content)")).
		WithArgs("m2", "c1", "assistant", "hi").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "seq"}).AddRow(t1, 2))
	mock.ExpectCommit()

	stored, err := p.AppendMessages(context.Background(), []db.Message{
		{ID: "m1", ChatID: "c1", Role: llm.RoleUser, Content: "hello"},
		{ID: "m2", ChatID: "c1", Role: llm.RoleAssistant, Content: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].Seq)
	assert.Equal(t, int64(2), stored[1].Seq)
	assert.Equal(t, t1, stored[1].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessages_ForeignKeyViolation(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnError(&pq.Error{Code: "23503", Constraint: "messages_chat_id_fkey"})
	mock.ExpectRollback()

	_, err := p.AppendMessages(context.Background(), []db.Message{{ChatID: "missing", Role: llm.RoleUser, Content: "x"}})
	assert.True(t, errors.Is(err, apperr.ErrForeignKeyViolation), "got %v", err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "foreign key violation should be a NotFound")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessagesByChatID_Ordered(t *testing.T) {
	p, mock := newMockDB(t)
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, seq ASC")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "chat_id", "role", "content", "created_at", "seq"}).
			AddRow("m1", "c1", "user", "hello", t1, 1).
			AddRow("m2", "c1", "assistant", "hi", t1, 2))

	msgs, err := p.GetMessagesByChatID(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
}

func TestDeleteMessagesAfter(t *testing.T) {
	p, mock := newMockDB(t)
	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes")).WithArgs("c1", after).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE chat_id = $1 AND created_at > $2")).
		WithArgs("c1", after).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := p.DeleteMessagesAfter(context.Background(), "c1", after)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessagesAfter_MissingChat(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := p.DeleteMessagesAfter(context.Background(), "missing", time.Now())
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVote_MessageNotInChat(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (chat_id, message_id) DO UPDATE")).
		WithArgs("c1", "m9", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpsertVote(context.Background(), "c1", "m9", true)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestRecordTokenUsage(t *testing.T) {
	p, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO token_usage")).
		WithArgs(sqlmock.AnyArg(), "u1", "c1", nil, "gpt-4", int64(10), int64(5), int64(15)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	entry, err := p.RecordTokenUsage(context.Background(), db.TokenUsage{
		UserID: "u1", ChatID: "c1", Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTokenUsage_RejectsWrongTotal(t *testing.T) {
	p, mock := newMockDB(t)

	_, err := p.RecordTokenUsage(context.Background(), db.TokenUsage{
		UserID: "u1", Model: "gpt-4", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 99,
	})
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSumTokenUsage_NoRowsIsZero(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE chat_id = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"prompt", "completion", "total"}).AddRow(0, 0, 0))

	totals, err := p.SumTokenUsage(context.Background(), db.UsageFilter{ChatID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, db.UsageTotals{}, totals)
}

func TestSumTokenUsage_ByUser(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"prompt", "completion", "total"}).AddRow(20, 5, 25))

	totals, err := p.SumTokenUsage(context.Background(), db.UsageFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, db.UsageTotals{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}, totals)
}

func TestSaveDocument_UnknownUser(t *testing.T) {
	p, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnError(&pq.Error{Code: "23503"})

	_, err := p.SaveDocument(context.Background(), db.Document{ID: "d1", UserID: "ghost", Title: "t", Kind: db.DocumentText})
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestGetDocumentByID_LatestVersion(t *testing.T) {
	p, mock := newMockDB(t)
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "kind", "content", "created_at"}).
			AddRow("d1", "u1", "Doc", "code", "v1", t1).
			AddRow("d1", "u1", "Doc", "code", "v2", t1.Add(time.Minute)))

	doc, err := p.GetDocumentByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Content)
	assert.Equal(t, db.DocumentCode, doc.Kind)
}
