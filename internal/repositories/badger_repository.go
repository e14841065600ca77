package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"teamchat/internal/models"
)

// Badger key layout:
//
//	ch:{channel}           channel document (members included)
//	msg:{channel}:{id}     message document; ids are zero-padded so keys sort by id
//	mid:{id}               owning channel of a message
//	rs:{channel}:{user}    read pointer
const (
	channelPrefix   = "ch:"
	messagePrefix   = "msg:"
	messageIDPrefix = "mid:"
	readStatePrefix = "rs:"

	conflictRetries = 5
)

func channelKey(channelID string) []byte { return []byte(channelPrefix + channelID) }

func messageKey(channelID, messageID string) []byte {
	return []byte(messagePrefix + channelID + ":" + messageID)
}

func messageChannelPrefix(channelID string) []byte {
	return []byte(messagePrefix + channelID + ":")
}

func messageIDKey(messageID string) []byte { return []byte(messageIDPrefix + messageID) }

func readStateKey(channelID, userID string) []byte {
	return []byte(readStatePrefix + channelID + ":" + userID)
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts
// until ctx ends.
func update(ctx context.Context, db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func view(ctx context.Context, db *badger.DB, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.View(fn)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// BadgerChannelRepo stores channels in an embedded Badger database.
type BadgerChannelRepo struct {
	db *badger.DB
}

// NewBadgerChannelRepo constructs a BadgerChannelRepo.
func NewBadgerChannelRepo(db *badger.DB) *BadgerChannelRepo {
	return &BadgerChannelRepo{db: db}
}

func (r *BadgerChannelRepo) CreateChannel(ctx context.Context, ch models.Channel) (models.Channel, error) {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		if _, err := txn.Get(channelKey(ch.ID)); err == nil {
			return ErrChannelExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, channelKey(ch.ID), ch)
	})
	if err != nil {
		return models.Channel{}, err
	}
	return ch, nil
}

func (r *BadgerChannelRepo) GetChannel(ctx context.Context, channelID string) (models.Channel, error) {
	var ch models.Channel
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		return getJSON(txn, channelKey(channelID), &ch)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Channel{}, ErrChannelNotFound
	}
	return ch, err
}

func (r *BadgerChannelRepo) ListChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	var result []models.Channel
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		prefix := []byte(channelPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ch models.Channel
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ch)
			}); err != nil {
				return err
			}
			if ch.CanAccess(userID) {
				result = append(result, ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortChannels(result)
	return result, nil
}

func (r *BadgerChannelRepo) AddMember(ctx context.Context, channelID string, userID string) error {
	return r.mutate(ctx, channelID, func(ch *models.Channel) {
		if !ch.HasMember(userID) {
			ch.Members = append(ch.Members, userID)
		}
	})
}

func (r *BadgerChannelRepo) SetLastMessage(ctx context.Context, channelID string, messageID string) error {
	return r.mutate(ctx, channelID, func(ch *models.Channel) {
		ch.LastMessageID = messageID
	})
}

func (r *BadgerChannelRepo) mutate(ctx context.Context, channelID string, fn func(ch *models.Channel)) error {
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		var ch models.Channel
		if err := getJSON(txn, channelKey(channelID), &ch); err != nil {
			return err
		}
		fn(&ch)
		return setJSON(txn, channelKey(channelID), ch)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrChannelNotFound
	}
	return err
}

func (r *BadgerChannelRepo) GetReadState(ctx context.Context, channelID string, userID string) (models.ReadState, error) {
	rs := models.ReadState{ChannelID: channelID, UserID: userID}
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		return getJSON(txn, readStateKey(channelID, userID), &rs)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rs, nil
	}
	return rs, err
}

func (r *BadgerChannelRepo) SetReadState(ctx context.Context, rs models.ReadState) error {
	return update(ctx, r.db, func(txn *badger.Txn) error {
		var current models.ReadState
		err := getJSON(txn, readStateKey(rs.ChannelID, rs.UserID), &current)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if current.LastReadID > rs.LastReadID {
			rs.LastReadID = current.LastReadID
		}
		return setJSON(txn, readStateKey(rs.ChannelID, rs.UserID), rs)
	})
}

// BadgerMessageRepo stores the per-channel message log in Badger.
type BadgerMessageRepo struct {
	db *badger.DB
}

// NewBadgerMessageRepo constructs a BadgerMessageRepo.
func NewBadgerMessageRepo(db *badger.DB) *BadgerMessageRepo {
	return &BadgerMessageRepo{db: db}
}

func (r *BadgerMessageRepo) InsertMessage(ctx context.Context, msg models.Message) error {
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}
	return update(ctx, r.db, func(txn *badger.Txn) error {
		if err := txn.Set(messageIDKey(msg.ID), []byte(msg.ChannelID)); err != nil {
			return err
		}
		return setJSON(txn, messageKey(msg.ChannelID, msg.ID), msg)
	})
}

func lookupChannel(txn *badger.Txn, messageID string) (string, error) {
	item, err := txn.Get(messageIDKey(messageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func getMessage(txn *badger.Txn, messageID string) (models.Message, error) {
	channelID, err := lookupChannel(txn, messageID)
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := getJSON(txn, messageKey(channelID, messageID), &msg); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, err
	}
	return msg, nil
}

func (r *BadgerMessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, messageID)
		return err
	})
	return msg, err
}

func (r *BadgerMessageRepo) UpdateMessageBody(ctx context.Context, messageID string, body string, editedAt time.Time) (models.Message, error) {
	var msg models.Message
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, messageID)
		if err != nil {
			return err
		}
		at := editedAt
		msg.Content = body
		msg.Edited = true
		msg.EditedAt = &at
		return setJSON(txn, messageKey(msg.ChannelID, msg.ID), msg)
	})
	return msg, err
}

func (r *BadgerMessageRepo) DeleteMessage(ctx context.Context, messageID string) error {
	return update(ctx, r.db, func(txn *badger.Txn) error {
		channelID, err := lookupChannel(txn, messageID)
		if err != nil {
			return err
		}
		if err := txn.Delete(messageKey(channelID, messageID)); err != nil {
			return err
		}
		return txn.Delete(messageIDKey(messageID))
	})
}

func (r *BadgerMessageRepo) ToggleReaction(ctx context.Context, messageID string, emoji string, userID string) (bool, error) {
	var added bool
	err := update(ctx, r.db, func(txn *badger.Txn) error {
		msg, err := getMessage(txn, messageID)
		if err != nil {
			return err
		}
		added = !msg.HasReaction(emoji, userID)
		msg.SetReaction(emoji, userID, added)
		return setJSON(txn, messageKey(msg.ChannelID, msg.ID), msg)
	})
	return added, err
}

// ListSince seeks to the cursor inside the channel prefix and walks forward.
func (r *BadgerMessageRepo) ListSince(ctx context.Context, channelID string, cursor string, limit int) ([]models.Message, error) {
	result := []models.Message{}
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		prefix := messageChannelPrefix(channelID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		seek := prefix
		if cursor != "" {
			seek = messageKey(channelID, cursor)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(result) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(prefix):])
			if id <= cursor {
				continue
			}
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			result = append(result, msg)
		}
		return nil
	})
	return result, err
}

// ListLatest walks the channel prefix backwards and returns the newest limit
// messages in ascending id order.
func (r *BadgerMessageRepo) ListLatest(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	result := []models.Message{}
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		prefix := messageChannelPrefix(channelID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), '~')); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(result) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			result = append(result, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// MaxMessageID returns the highest id across all channels, or "" when empty.
func (r *BadgerMessageRepo) MaxMessageID(ctx context.Context) (string, error) {
	var id string
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		prefix := []byte(messageIDPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), '~'))
		if it.ValidForPrefix(prefix) {
			id = string(it.Item().Key()[len(prefix):])
		}
		return nil
	})
	return id, err
}

func (r *BadgerMessageRepo) LatestMessage(ctx context.Context, channelID string) (models.Message, error) {
	var msg models.Message
	found := false
	err := view(ctx, r.db, func(txn *badger.Txn) error {
		prefix := messageChannelPrefix(channelID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// '~' sorts after every digit, so the reverse seek lands on the newest id.
		it.Seek(append(append([]byte{}, prefix...), '~'))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return models.Message{}, err
	}
	if !found {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (r *BadgerMessageRepo) CountAfter(ctx context.Context, channelID string, cursor string, excludeSender string) (int, error) {
	msgs, err := r.ListSince(ctx, channelID, cursor, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range msgs {
		if m.SenderID != excludeSender {
			count++
		}
	}
	return count, nil
}

func (r *BadgerMessageRepo) Search(ctx context.Context, channelIDs []string, query string, limit int) ([]models.Message, error) {
	needle := strings.ToLower(query)
	var result []models.Message
	for _, channelID := range channelIDs {
		msgs, err := r.ListSince(ctx, channelID, "", 0)
		if err != nil {
			return nil, fmt.Errorf("search channel %s: %w", channelID, err)
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				result = append(result, m)
			}
		}
	}
	models.SortMessages(result)
	// newest first, like the SQL implementation
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	if result == nil {
		result = []models.Message{}
	}
	return result, nil
}
