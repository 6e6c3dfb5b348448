package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
)

var NowFunc = time.Now // mockable

const (
	conversationColumns = `id, kind, name, creator_id, created_at`
	messageColumns      = `id, conversation_id, sender_id, sender_name, sender_role, sender_avatar_url, content, deleted, created_at, deleted_at`
)

type (
	conversationRow struct {
		ID        string      `db:"id"`
		Kind      string      `db:"kind"`
		Name      null.String `db:"name"`
		CreatorID string      `db:"creator_id"`
		CreatedAt time.Time   `db:"created_at"`
	}

	participantRow struct {
		ConversationID string    `db:"conversation_id"`
		UserID         string    `db:"user_id"`
		JoinedAt       time.Time `db:"joined_at"`
	}

	memberRow struct {
		ConversationID string      `db:"conversation_id"`
		ID             string      `db:"id"`
		Name           string      `db:"name"`
		Role           string      `db:"role"`
		AvatarURL      null.String `db:"avatar_url"`
	}

	messageRow struct {
		ID              string      `db:"id"`
		ConversationID  string      `db:"conversation_id"`
		SenderID        string      `db:"sender_id"`
		SenderName      string      `db:"sender_name"`
		SenderRole      string      `db:"sender_role"`
		SenderAvatarURL null.String `db:"sender_avatar_url"`
		Content         string      `db:"content"`
		Deleted         bool        `db:"deleted"`
		CreatedAt       time.Time   `db:"created_at"`
		DeletedAt       null.Time   `db:"deleted_at"`
	}
)

func (row conversationRow) conversation(participantIDs []string) messaging.Conversation {
	conv := messaging.Conversation{
		ID:             row.ID,
		Kind:           messaging.Kind(row.Kind),
		CreatorID:      row.CreatorID,
		ParticipantIDs: participantIDs,
		CreatedAt:      row.CreatedAt.UTC(),
	}
	if row.Name.Valid {
		name := row.Name.String
		conv.Name = &name
	}
	return conv
}

func (row messageRow) message() (messaging.Message, error) {
	role, err := user.ParseRole(row.SenderRole)
	if err != nil {
		return messaging.Message{}, errors.Wrapf(err, "message %s", row.ID)
	}
	return messaging.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Sender: user.Profile{
			ID:        row.SenderID,
			Name:      row.SenderName,
			Role:      role,
			AvatarURL: row.SenderAvatarURL.String,
		},
		Content:   row.Content,
		CreatedAt: row.CreatedAt.UTC(),
		Deleted:   row.Deleted,
	}, nil
}

func (row memberRow) profile() (user.Profile, error) {
	role, err := user.ParseRole(row.Role)
	if err != nil {
		return user.Profile{}, errors.Wrapf(err, "user %s", row.ID)
	}
	return user.Profile{ID: row.ID, Name: row.Name, Role: role, AvatarURL: row.AvatarURL.String}, nil
}

type messagingRepository struct {
	db *sqlx.DB
}

var _ messaging.Repository = (*messagingRepository)(nil) // interface compliance check

func NewMessagingRepository(db *sqlx.DB) messaging.Repository {
	return &messagingRepository{db: db}
}

func (repo *messagingRepository) QueryParticipants(ctx context.Context, userIDs []string) ([]messaging.Participant, error) {
	ids := uuids(userIDs)
	if len(ids) == 0 {
		return []messaging.Participant{}, nil
	}
	q, args, err := in(repo.db, `SELECT conversation_id, user_id, joined_at FROM conversation_participants WHERE user_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []participantRow
	if err = repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, wrapErr(err, "querying participants")
	}
	members := make([]messaging.Participant, 0, len(rows))
	for _, row := range rows {
		members = append(members, messaging.Participant{
			ConversationID: row.ConversationID,
			UserID:         row.UserID,
			JoinedAt:       row.JoinedAt.UTC(),
		})
	}
	return members, nil
}

func (repo *messagingRepository) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	if !isUUID(id) {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	var row conversationRow
	err := repo.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return messaging.Conversation{}, messaging.ErrConversationNotFound
		}
		return messaging.Conversation{}, wrapErr(err, "getting conversation")
	}

	var ids []string
	q := `SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at, user_id`
	if err = repo.db.SelectContext(ctx, &ids, q, id); err != nil {
		return messaging.Conversation{}, wrapErr(err, "getting participants")
	}
	return row.conversation(ids), nil
}

func (repo *messagingRepository) CreateConversation(ctx context.Context, conv messaging.Conversation) (messaging.Conversation, error) {
	for _, id := range conv.ParticipantIDs {
		if !isUUID(id) {
			return messaging.Conversation{}, user.ErrNotFound
		}
	}
	conv.ID = uuid.New().String()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = NowFunc()
	}
	conv.CreatedAt = conv.CreatedAt.UTC().Truncate(time.Microsecond)
	key := conv.DirectKey()

	err := withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, name, creator_id, direct_key, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			conv.ID, string(conv.Kind), null.StringFromPtr(conv.Name), conv.CreatorID, null.NewString(key, key != ""), conv.CreatedAt,
		)
		if err != nil {
			return wrapErr(err, "inserting conversation")
		}
		for _, id := range conv.ParticipantIDs {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
				conv.ID, id, conv.CreatedAt,
			)
			if err != nil {
				return wrapErr(err, "inserting participant")
			}
		}
		return nil
	})
	if err != nil {
		switch pqCode(err) {
		case uniqueViolation:
			return messaging.Conversation{}, messaging.ErrDirectExists
		case foreignKeyViolation:
			return messaging.Conversation{}, user.ErrNotFound
		}
		return messaging.Conversation{}, err
	}
	conv.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return conv, nil
}

func (repo *messagingRepository) QueryConversations(ctx context.Context, userID string) ([]messaging.ConversationSummary, error) {
	list := make([]messaging.ConversationSummary, 0)
	if !isUUID(userID) {
		return list, nil
	}

	var convs []conversationRow
	q := `SELECT ` + conversationColumns + ` FROM conversations c
		WHERE EXISTS (SELECT 1 FROM conversation_participants cp WHERE cp.conversation_id = c.id AND cp.user_id = $1)`
	if err := repo.db.SelectContext(ctx, &convs, q, userID); err != nil {
		return nil, wrapErr(err, "querying conversations")
	}
	if len(convs) == 0 {
		return list, nil
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}

	// participants
	q, args, err := in(repo.db, `SELECT cp.conversation_id, u.id, u.name, u.role, u.avatar_url
		FROM conversation_participants cp JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id IN (?) ORDER BY cp.joined_at, u.id`, ids)
	if err != nil {
		return nil, err
	}
	var members []memberRow
	if err = repo.db.SelectContext(ctx, &members, q, args...); err != nil {
		return nil, wrapErr(err, "querying participants")
	}
	profiles := make(map[string][]user.Profile, len(convs))
	for _, m := range members {
		p, err := m.profile()
		if err != nil {
			return nil, err
		}
		profiles[m.ConversationID] = append(profiles[m.ConversationID], p)
	}

	// last messages
	q, args, err = in(repo.db, `SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		FROM messages WHERE conversation_id IN (?) ORDER BY conversation_id, seq DESC`, ids)
	if err != nil {
		return nil, err
	}
	var lastRows []messageRow
	if err = repo.db.SelectContext(ctx, &lastRows, q, args...); err != nil {
		return nil, wrapErr(err, "querying last messages")
	}
	last := make(map[string]messaging.Message, len(lastRows))
	for _, row := range lastRows {
		msg, err := row.message()
		if err != nil {
			return nil, err
		}
		last[row.ConversationID] = msg
	}

	for _, c := range convs {
		participantIDs := make([]string, 0, len(profiles[c.ID]))
		for _, p := range profiles[c.ID] {
			participantIDs = append(participantIDs, p.ID)
		}
		summary := messaging.ConversationSummary{
			Conversation: c.conversation(participantIDs),
			Participants: profiles[c.ID],
		}
		if msg, ok := last[c.ID]; ok {
			summary.LastMessage = &msg
		}
		list = append(list, summary)
	}
	return list, nil
}

// CreateMessage copies the sender's current profile into the message row.
func (repo *messagingRepository) CreateMessage(ctx context.Context, nm messaging.NewMessage) (messaging.Message, error) {
	if !isUUID(nm.ConversationID) {
		return messaging.Message{}, messaging.ErrConversationNotFound
	}
	if !isUUID(nm.SenderID) {
		return messaging.Message{}, user.ErrNotFound
	}

	var row messageRow
	q := `INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_role, sender_avatar_url, content, created_at)
		SELECT $1, $2, u.id, u.name, u.role, u.avatar_url, $4, $5 FROM users u WHERE u.id = $3
		RETURNING ` + messageColumns
	err := repo.db.GetContext(ctx, &row, q,
		uuid.New().String(), nm.ConversationID, nm.SenderID, nm.Content, NowFunc().UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		switch {
		case err == sql.ErrNoRows:
			return messaging.Message{}, user.ErrNotFound
		case pqCode(err) == foreignKeyViolation:
			return messaging.Message{}, messaging.ErrConversationNotFound
		}
		return messaging.Message{}, wrapErr(err, "inserting message")
	}
	return row.message()
}

func (repo *messagingRepository) GetMessage(ctx context.Context, id string) (messaging.Message, error) {
	if !isUUID(id) {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	var row messageRow
	if err := repo.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return messaging.Message{}, messaging.ErrMessageNotFound
		}
		return messaging.Message{}, wrapErr(err, "getting message")
	}
	return row.message()
}

func (repo *messagingRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (messaging.Message, error) {
	if !isUUID(id) {
		return messaging.Message{}, messaging.ErrMessageNotFound
	}
	var row messageRow
	q := `UPDATE messages SET deleted = TRUE, deleted_at = $2 WHERE id = $1 AND NOT deleted RETURNING ` + messageColumns
	if err := repo.db.GetContext(ctx, &row, q, id, at.UTC()); err != nil {
		if err != sql.ErrNoRows {
			return messaging.Message{}, wrapErr(err, "deleting message")
		}
		// missing, or deleted meanwhile
		if _, err = repo.GetMessage(ctx, id); err != nil {
			return messaging.Message{}, err
		}
		return messaging.Message{}, messaging.ErrAlreadyDeleted
	}
	return row.message()
}

func (repo *messagingRepository) QueryMessages(ctx context.Context, conversationID string) ([]messaging.Message, error) {
	if !isUUID(conversationID) {
		return nil, messaging.ErrConversationNotFound
	}
	var found bool
	if err := repo.db.GetContext(ctx, &found, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID); err != nil {
		return nil, wrapErr(err, "checking conversation")
	}
	if !found {
		return nil, messaging.ErrConversationNotFound
	}

	var rows []messageRow
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY seq`
	if err := repo.db.SelectContext(ctx, &rows, q, conversationID); err != nil {
		return nil, wrapErr(err, "querying messages")
	}
	msgs := make([]messaging.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
