package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"teamchat/internal/models"
)

// ChannelRepo is a sqlx implementation of ChannelRepository.
type ChannelRepo struct {
	db *sqlx.DB
}

// NewChannelRepo constructs a ChannelRepo.
func NewChannelRepo(db *sqlx.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// CreateChannel creates a channel and its ordered member list atomically.
func (r *ChannelRepo) CreateChannel(ctx context.Context, ch models.Channel) (models.Channel, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Channel{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowxContext(ctx, `INSERT INTO channels (id, kind, name, description) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		ch.ID, ch.Kind, ch.Name, ch.Description).Scan(&ch.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.Channel{}, ErrChannelExists
		}
		return models.Channel{}, err
	}

	for i, userID := range ch.Members {
		if _, err = tx.ExecContext(ctx, `INSERT INTO channel_members (channel_id, user_id, position) VALUES ($1, $2, $3)`, ch.ID, userID, i); err != nil {
			return models.Channel{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

// GetChannel fetches a channel with its members.
func (r *ChannelRepo) GetChannel(ctx context.Context, channelID string) (models.Channel, error) {
	var ch models.Channel
	err := r.db.GetContext(ctx, &ch, `SELECT id, kind, name, description, created_at, COALESCE(last_message_id, '') AS last_message_id FROM channels WHERE id=$1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, err
	}
	if err := r.db.SelectContext(ctx, &ch.Members, `SELECT user_id FROM channel_members WHERE channel_id=$1 ORDER BY position ASC`, channelID); err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

// ListChannelsForUser returns public channels and every channel the user belongs to.
func (r *ChannelRepo) ListChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT c.id FROM channels c
        WHERE c.kind = 'public'
        OR EXISTS (SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.user_id = $1)
        ORDER BY c.created_at ASC`, userID)
	if err != nil {
		return nil, err
	}

	result := make([]models.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := r.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, ch)
	}
	return result, nil
}

// AddMember appends a user to the channel's member list; existing members are left as is.
func (r *ChannelRepo) AddMember(ctx context.Context, channelID string, userID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO channel_members (channel_id, user_id, position)
        SELECT $1, $2, COALESCE(MAX(position), -1) + 1 FROM channel_members WHERE channel_id=$1
        ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrChannelNotFound
		}
	}
	return err
}

// SetLastMessage updates the denormalized last message pointer. An empty id clears it.
func (r *ChannelRepo) SetLastMessage(ctx context.Context, channelID string, messageID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE channels SET last_message_id = NULLIF($2, '') WHERE id=$1`, channelID, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// GetReadState returns the stored read pointer, or a zero pointer when none exists.
func (r *ChannelRepo) GetReadState(ctx context.Context, channelID string, userID string) (models.ReadState, error) {
	var rs models.ReadState
	err := r.db.GetContext(ctx, &rs, `SELECT channel_id, user_id, last_read_id, updated_at FROM read_states WHERE channel_id=$1 AND user_id=$2`, channelID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadState{ChannelID: channelID, UserID: userID}, nil
	}
	return rs, err
}

// SetReadState upserts a read pointer; it never moves backwards.
func (r *ChannelRepo) SetReadState(ctx context.Context, rs models.ReadState) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO read_states (channel_id, user_id, last_read_id, updated_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (channel_id, user_id) DO UPDATE SET last_read_id = GREATEST(read_states.last_read_id, EXCLUDED.last_read_id), updated_at = EXCLUDED.updated_at`,
		rs.ChannelID, rs.UserID, rs.LastReadID, rs.UpdatedAt)
	return err
}
