package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"teamchat/internal/models"
)

const messageColumns = `id, channel_id, sender_id, body, kind, COALESCE(reply_to, '') AS reply_to, attachments, edited, edited_at, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	models.Message
	AttachmentsJSON types.JSONText `db:"attachments"`
}

func (row messageRow) toModel() (models.Message, error) {
	msg := row.Message
	msg.Reactions = []models.Reaction{}
	if len(row.AttachmentsJSON) > 0 && string(row.AttachmentsJSON) != "null" {
		if err := json.Unmarshal(row.AttachmentsJSON, &msg.Attachments); err != nil {
			return models.Message{}, err
		}
	}
	return msg, nil
}

// InsertMessage stores a message in its channel log.
func (r *MessageRepo) InsertMessage(ctx context.Context, msg models.Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO messages (id, channel_id, sender_id, body, kind, reply_to, attachments, created_at)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Content, msg.Kind, msg.ReplyTo, types.JSONText(attachments), msg.Timestamp)
	return err
}

// GetMessage retrieves a single message with its reactions.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := r.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// UpdateMessageBody overwrites the body and marks the message edited.
func (r *MessageRepo) UpdateMessageBody(ctx context.Context, messageID string, body string, editedAt time.Time) (models.Message, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET body=$2, edited=TRUE, edited_at=$3 WHERE id=$1`, messageID, body, editedAt)
	if err != nil {
		return models.Message{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if count == 0 {
		return models.Message{}, ErrMessageNotFound
	}
	return r.GetMessage(ctx, messageID)
}

// DeleteMessage hard-deletes a message; reactions cascade.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ToggleReaction removes the (emoji, user) record if present and inserts it otherwise.
// It reports true when the reaction was added.
func (r *MessageRepo) ToggleReaction(ctx context.Context, messageID string, emoji string, userID string) (added bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var locked string
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM messages WHERE id=$1 FOR UPDATE`, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrMessageNotFound
		}
		return false, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND emoji=$2 AND user_id=$3`, messageID, emoji, userID)
	if err != nil {
		return false, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		if _, err = tx.ExecContext(ctx, `INSERT INTO message_reactions (message_id, emoji, user_id) VALUES ($1, $2, $3)`, messageID, emoji, userID); err != nil {
			return false, err
		}
		added = true
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return added, nil
}

// ListSince returns up to limit messages strictly after cursor, ordered by id.
func (r *MessageRepo) ListSince(ctx context.Context, channelID string, cursor string, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE channel_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3`, channelID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return r.withReactions(ctx, rows)
}

// ListLatest returns the newest limit messages of a channel in ascending id order.
func (r *MessageRepo) ListLatest(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM (SELECT `+messageColumns+` FROM messages WHERE channel_id=$1 ORDER BY id DESC LIMIT $2) tail ORDER BY id ASC`, channelID, limit)
	if err != nil {
		return nil, err
	}
	return r.withReactions(ctx, rows)
}

// MaxMessageID returns the highest stored id, or "" when there are no messages.
func (r *MessageRepo) MaxMessageID(ctx context.Context) (string, error) {
	var id sql.NullString
	if err := r.db.GetContext(ctx, &id, `SELECT MAX(id) FROM messages`); err != nil {
		return "", err
	}
	return id.String, nil
}

// LatestMessage returns the newest message of a channel.
func (r *MessageRepo) LatestMessage(ctx context.Context, channelID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE channel_id=$1 ORDER BY id DESC LIMIT 1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := r.withReactions(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// CountAfter counts messages after cursor that were not sent by excludeSender.
func (r *MessageRepo) CountAfter(ctx context.Context, channelID string, cursor string, excludeSender string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE channel_id=$1 AND id > $2 AND sender_id <> $3`, channelID, cursor, excludeSender)
	return count, err
}

// Search runs a case-insensitive substring match over the given channels, newest first.
func (r *MessageRepo) Search(ctx context.Context, channelIDs []string, query string, limit int) ([]models.Message, error) {
	if len(channelIDs) == 0 {
		return []models.Message{}, nil
	}
	pattern := "%" + escapeLike(query) + "%"
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE channel_id = ANY($1) AND body ILIKE $2 ORDER BY id DESC LIMIT $3`,
		pq.Array(channelIDs), pattern, limit)
	if err != nil {
		return nil, err
	}
	return r.withReactions(ctx, rows)
}

func (r *MessageRepo) withReactions(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	index := make(map[string]int, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		index[msg.ID] = len(msgs)
		ids = append(ids, msg.ID)
		msgs = append(msgs, msg)
	}
	if len(ids) == 0 {
		return msgs, nil
	}

	var reactions []struct {
		MessageID string `db:"message_id"`
		models.Reaction
	}
	err := r.db.SelectContext(ctx, &reactions, `SELECT message_id, emoji, user_id FROM message_reactions WHERE message_id = ANY($1) ORDER BY created_at ASC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, rc := range reactions {
		i := index[rc.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, rc.Reaction)
	}
	return msgs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
