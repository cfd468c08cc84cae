package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	apperr "github.com/opd-ai/peerchat/errors"
)

// PostgresStore is the bun-backed Store implementation. Conditional
// operations rely on row locking (FOR UPDATE SKIP LOCKED for the
// one-time prekey claim) and ON CONFLICT clauses rather than
// read-then-write sequences.
type PostgresStore struct {
	db *bun.DB
}

// Relationship sets live in side tables so that set-insert and
// set-remove are single statements.

type contactRow struct {
	bun.BaseModel `bun:"table:user_contacts"`

	UserID      uuid.UUID `bun:",pk,type:uuid"`
	PeerID      uuid.UUID `bun:",pk,type:uuid"`
	Tier        string    `bun:",notnull"`
	RequestedAt time.Time `bun:",nullzero"`
}

type blockRow struct {
	bun.BaseModel `bun:"table:user_blocks"`

	UserID    uuid.UUID `bun:",pk,type:uuid"`
	PeerID    uuid.UUID `bun:",pk,type:uuid"`
	BlockedAt time.Time `bun:",notnull"`
}

type muteRow struct {
	bun.BaseModel `bun:"table:user_mutes"`

	UserID uuid.UUID `bun:",pk,type:uuid"`
	PeerID uuid.UUID `bun:",pk,type:uuid"`
}

type oneTimePrekeyRow struct {
	bun.BaseModel `bun:"table:one_time_prekeys"`

	ID         int64     `bun:",pk,autoincrement"`
	UserID     uuid.UUID `bun:",notnull,type:uuid"`
	KeyID      string    `bun:",notnull"`
	PublicKey  []byte    `bun:",notnull"`
	Used       bool      `bun:",default:false"`
	UploadedAt time.Time `bun:",nullzero"`
}

type participantRow struct {
	bun.BaseModel `bun:"table:temp_participants"`

	SessionID uuid.UUID `bun:",pk,type:uuid"`
	UserID    uuid.UUID `bun:",pk,type:uuid"`
	Alias     string    `bun:",notnull"`
	JoinedAt  time.Time `bun:",notnull"`
}

// NewPostgresStore opens a Postgres connection for the given DSN.
func NewPostgresStore(dsn string) *PostgresStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &PostgresStore{db: bun.NewDB(sqldb, pgdialect.New())}
}

// NewPostgresStoreFromDB wraps an existing bun handle (tests).
func NewPostgresStoreFromDB(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Init creates the schema if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	models := []interface{}{
		(*User)(nil),
		(*contactRow)(nil),
		(*blockRow)(nil),
		(*muteRow)(nil),
		(*Message)(nil),
		(*PrekeyBundle)(nil),
		(*oneTimePrekeyRow)(nil),
		(*TempSession)(nil),
		(*participantRow)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.Init.CreateTable")
		}
	}
	// Uniqueness of one-time prekey ids per pool; rows are kept after
	// consumption so ids are never reused.
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS one_time_prekeys_user_key ON one_time_prekeys (user_id, key_id)`); err != nil {
		return errors.Wrap(err, "storage.Init.PrekeyIndex")
	}
	// Join codes unique among active sessions only.
	if _, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS temp_sessions_active_code ON temp_sessions (code) WHERE active`); err != nil {
		return errors.Wrap(err, "storage.Init.SessionCodeIndex")
	}
	// Ranged history reads and the self-destruct sweep.
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS messages_room_created ON messages (room_id, created_at) WHERE room_id IS NOT NULL`); err != nil {
		return errors.Wrap(err, "storage.Init.RoomIndex")
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS messages_self_destruct ON messages (((self_destruct->>'expiresAt'))) WHERE (self_destruct->>'enabled')::boolean`); err != nil {
		return errors.Wrap(err, "storage.Init.SelfDestructIndex")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.NewInsert().Model(user).Returning("*").Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.CreateUser.Insert")
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	user := new(User)
	err := s.db.NewSelect().Model(user).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "storage.GetUser.Scan")
	}
	if err := s.loadRelationships(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByHandle(ctx context.Context, handle string) (*User, error) {
	user := new(User)
	err := s.db.NewSelect().Model(user).Where("handle = ?", handle).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "storage.GetUserByHandle.Scan")
	}
	if err := s.loadRelationships(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresStore) loadRelationships(ctx context.Context, user *User) error {
	var contacts []contactRow
	if err := s.db.NewSelect().Model(&contacts).Where("user_id = ?", user.ID).Scan(ctx); err != nil {
		return errors.Wrap(err, "storage.loadRelationships.Contacts")
	}
	user.PrimaryChat = nil
	user.SecondaryChat = nil
	for _, c := range contacts {
		if c.Tier == "primary" {
			user.PrimaryChat = append(user.PrimaryChat, c.PeerID)
		} else {
			user.SecondaryChat = append(user.SecondaryChat, ContactRequest{Peer: c.PeerID, RequestedAt: c.RequestedAt})
		}
	}

	var blocks []blockRow
	if err := s.db.NewSelect().Model(&blocks).Where("user_id = ?", user.ID).Scan(ctx); err != nil {
		return errors.Wrap(err, "storage.loadRelationships.Blocks")
	}
	user.BlockedUsers = nil
	for _, b := range blocks {
		user.BlockedUsers = append(user.BlockedUsers, BlockEntry{Peer: b.PeerID, BlockedAt: b.BlockedAt})
	}

	var mutes []muteRow
	if err := s.db.NewSelect().Model(&mutes).Where("user_id = ?", user.ID).Scan(ctx); err != nil {
		return errors.Wrap(err, "storage.loadRelationships.Mutes")
	}
	user.MutedChats = nil
	for _, m := range mutes {
		user.MutedChats = append(user.MutedChats, m.PeerID)
	}
	return nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, id uuid.UUID, online bool, lastSeen time.Time, sessionID string) error {
	res, err := s.db.NewUpdate().Model((*User)(nil)).
		Set("online = ?", online).
		Set("last_seen = ?", lastSeen).
		Set("session_id = ?", sessionID).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.SetPresence.Update")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) AddSecondaryContact(ctx context.Context, userID, peer uuid.UUID, at time.Time) (bool, error) {
	row := &contactRow{UserID: userID, PeerID: peer, Tier: "secondary", RequestedAt: at}
	res, err := s.db.NewInsert().Model(row).
		On("CONFLICT (user_id, peer_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.AddSecondaryContact.Insert")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) PromoteContact(ctx context.Context, userID, peer uuid.UUID) error {
	row := &contactRow{UserID: userID, PeerID: peer, Tier: "primary"}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (user_id, peer_id) DO UPDATE").
		Set("tier = 'primary'").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.PromoteContact.Upsert")
	}
	return nil
}

func (s *PostgresStore) DemoteContact(ctx context.Context, userID, peer uuid.UUID, at time.Time) error {
	row := &contactRow{UserID: userID, PeerID: peer, Tier: "secondary", RequestedAt: at}
	_, err := s.db.NewInsert().Model(row).
		On("CONFLICT (user_id, peer_id) DO UPDATE").
		Set("tier = 'secondary'").
		Set("requested_at = EXCLUDED.requested_at").
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.DemoteContact.Upsert")
	}
	return nil
}

func (s *PostgresStore) RemoveContact(ctx context.Context, userID, peer uuid.UUID) error {
	_, err := s.db.NewDelete().Model((*contactRow)(nil)).
		Where("user_id = ? AND peer_id = ?", userID, peer).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.RemoveContact.Delete")
	}
	return nil
}

func (s *PostgresStore) AddBlock(ctx context.Context, userID, peer uuid.UUID, at time.Time) (bool, error) {
	row := &blockRow{UserID: userID, PeerID: peer, BlockedAt: at}
	res, err := s.db.NewInsert().Model(row).
		On("CONFLICT (user_id, peer_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.AddBlock.Insert")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) RemoveBlock(ctx context.Context, userID, peer uuid.UUID) (bool, error) {
	res, err := s.db.NewDelete().Model((*blockRow)(nil)).
		Where("user_id = ? AND peer_id = ?", userID, peer).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.RemoveBlock.Delete")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) IsBlockedEither(ctx context.Context, a, b uuid.UUID) (bool, error) {
	count, err := s.db.NewSelect().Model((*blockRow)(nil)).
		Where("(user_id = ? AND peer_id = ?) OR (user_id = ? AND peer_id = ?)", a, b, b, a).
		Count(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.IsBlockedEither.Count")
	}
	return count > 0, nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, userID uuid.UUID) ([]BlockEntry, error) {
	var rows []blockRow
	err := s.db.NewSelect().Model(&rows).
		Where("user_id = ?", userID).
		Order("blocked_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.ListBlocks.Scan")
	}
	out := make([]BlockEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlockEntry{Peer: r.PeerID, BlockedAt: r.BlockedAt})
	}
	return out, nil
}

func (s *PostgresStore) ToggleMute(ctx context.Context, userID, peer uuid.UUID) (bool, error) {
	muted := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*muteRow)(nil)).
			Where("user_id = ? AND peer_id = ?", userID, peer).
			Exec(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.ToggleMute.Delete")
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			muted = false
			return nil
		}
		if _, err := tx.NewInsert().Model(&muteRow{UserID: userID, PeerID: peer}).
			On("CONFLICT (user_id, peer_id) DO NOTHING").
			Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.ToggleMute.Insert")
		}
		muted = true
		return nil
	})
	return muted, err
}

// ---- messages ----

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.NewInsert().Model(msg).Returning("*").Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.InsertMessage.Insert")
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg := new(Message)
	err := s.db.NewSelect().Model(msg).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrMessageNotFound
		}
		return nil, errors.Wrap(err, "storage.GetMessage.Scan")
	}
	return msg, nil
}

func (s *PostgresStore) SetDeliveryStatus(ctx context.Context, id uuid.UUID, status DeliveryStatus) error {
	_, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("delivery_status = ?", status).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.SetDeliveryStatus.Update")
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, ids []uuid.UUID, at time.Time) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var updated []*Message
	err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("read = TRUE").
		Set("read_at = ?", at).
		Where("id IN (?)", bun.In(ids)).
		Where("read = FALSE").
		Returning("*").
		Scan(ctx, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "storage.MarkRead.Update")
	}
	return updated, nil
}

func (s *PostgresStore) AddDeletedBy(ctx context.Context, id, actor uuid.UUID) (*Message, error) {
	_, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("deleted_by = array_append(coalesce(deleted_by, '{}'), ?)", actor).
		Where("id = ?", id).
		Where("NOT (? = ANY(coalesce(deleted_by, '{}')))", actor).
		Exec(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.AddDeletedBy.Update")
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) SetDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("deleted = TRUE").
		Set("deleted_at = ?", at).
		Where("id = ? AND deleted = FALSE", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.SetDeleted.Update")
	}
	return nil
}

func (s *PostgresStore) ScrubContent(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("text = NULL").
		Set("ciphertext = NULL").
		Set("ratchet_header = NULL").
		Set("nonce = NULL").
		Set("media_url = NULL").
		Set("deleted = TRUE").
		Set("deleted_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.ScrubContent.Update")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) MarkSelfDestructed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("self_destruct = jsonb_set(self_destruct, '{deletedAt}', to_jsonb(?::timestamptz))", at).
		Set("deleted = TRUE").
		Set("deleted_at = ?", at).
		Where("id = ?", id).
		Where("self_destruct->>'deletedAt' IS NULL").
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.MarkSelfDestructed.Update")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListExpiredSelfDestruct(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	var out []*Message
	q := s.db.NewSelect().Model(&out).
		Where("(self_destruct->>'enabled')::boolean").
		Where("self_destruct->>'deletedAt' IS NULL").
		Where("(self_destruct->>'expiresAt')::timestamptz <= ?", now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.Wrap(err, "storage.ListExpiredSelfDestruct.Scan")
	}
	return out, nil
}

func (s *PostgresStore) ListPeerHistory(ctx context.Context, a, b uuid.UUID, before time.Time, limit int) ([]*Message, error) {
	var out []*Message
	q := s.db.NewSelect().Model(&out).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a).
		Where("created_at < ?", before).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.Wrap(err, "storage.ListPeerHistory.Scan")
	}
	reverseMessages(out)
	return out, nil
}

func (s *PostgresStore) ListRoomHistory(ctx context.Context, roomID string, before time.Time, limit int) ([]*Message, error) {
	var out []*Message
	q := s.db.NewSelect().Model(&out).
		Where("room_id = ?", roomID).
		Where("created_at < ?", before).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.Wrap(err, "storage.ListRoomHistory.Scan")
	}
	reverseMessages(out)
	return out, nil
}

func (s *PostgresStore) ListSessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	var out []*Message
	err := s.db.NewSelect().Model(&out).
		Where("temp_session_id = ?", sessionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.ListSessionMessages.Scan")
	}
	return out, nil
}

func (s *PostgresStore) DeleteBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	res, err := s.db.NewDelete().Model((*Message)(nil)).
		Where("temp_session_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "storage.DeleteBySession.Delete")
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) TagPeerHistoryDeletedFor(ctx context.Context, userID, peer uuid.UUID) (int, error) {
	res, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("deleted_by = array_append(coalesce(deleted_by, '{}'), ?)", userID).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", userID, peer, peer, userID).
		Where("NOT (? = ANY(coalesce(deleted_by, '{}')))", userID).
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "storage.TagPeerHistoryDeletedFor.Update")
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, id uuid.UUID, reaction Reaction) (*Message, error) {
	payload, err := jsonValue(reaction)
	if err != nil {
		return nil, err
	}
	res, err := s.db.NewUpdate().Model((*Message)(nil)).
		Set("reactions = coalesce(reactions, '[]'::jsonb) || ?::jsonb", payload).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.AddReaction.Update")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperr.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

// ---- prekey bundles ----

func (s *PostgresStore) UpsertBundle(ctx context.Context, bundle *PrekeyBundle) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(bundle).
			On("CONFLICT (user_id) DO UPDATE").
			Set("identity_key = EXCLUDED.identity_key").
			Set("signed_prekey = EXCLUDED.signed_prekey").
			Set("last_refreshed = EXCLUDED.last_refreshed").
			Exec(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.UpsertBundle.Upsert")
		}

		// Full upsert replaces the pool.
		if _, err := tx.NewDelete().Model((*oneTimePrekeyRow)(nil)).
			Where("user_id = ?", bundle.UserID).
			Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.UpsertBundle.ClearPool")
		}
		if len(bundle.OneTimePrekeys) == 0 {
			return nil
		}
		rows := make([]oneTimePrekeyRow, 0, len(bundle.OneTimePrekeys))
		for _, k := range bundle.OneTimePrekeys {
			rows = append(rows, oneTimePrekeyRow{
				UserID:     bundle.UserID,
				KeyID:      k.ID,
				PublicKey:  k.PublicKey,
				UploadedAt: bundle.LastRefreshed,
			})
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.UpsertBundle.InsertPool")
		}
		return nil
	})
}

func (s *PostgresStore) GetBundle(ctx context.Context, userID uuid.UUID) (*PrekeyBundle, error) {
	bundle := new(PrekeyBundle)
	err := s.db.NewSelect().Model(bundle).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrBundleNotFound
		}
		return nil, errors.Wrap(err, "storage.GetBundle.Scan")
	}

	var rows []oneTimePrekeyRow
	err = s.db.NewSelect().Model(&rows).
		Where("user_id = ? AND used = FALSE", userID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.GetBundle.Pool")
	}
	for _, r := range rows {
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, OneTimePrekey{ID: r.KeyID, PublicKey: r.PublicKey})
	}
	return bundle, nil
}

func (s *PostgresStore) PopOneTimePrekey(ctx context.Context, userID uuid.UUID) (*OneTimePrekey, error) {
	var popped *OneTimePrekey
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*PrekeyBundle)(nil)).
			Where("user_id = ?", userID).
			Exists(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.PopOneTimePrekey.Exists")
		}
		if !exists {
			return apperr.ErrBundleNotFound
		}

		row := new(oneTimePrekeyRow)
		err = tx.NewSelect().Model(row).
			Where("user_id = ? AND used = ?", userID, false).
			Order("id ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Empty pool: the caller degrades to a weaker
				// key-agreement mode.
				return nil
			}
			return errors.Wrap(err, "storage.PopOneTimePrekey.Claim")
		}

		if _, err := tx.NewUpdate().Model(row).
			Set("used = ?", true).
			WherePK().
			Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.PopOneTimePrekey.MarkUsed")
		}
		popped = &OneTimePrekey{ID: row.KeyID, PublicKey: row.PublicKey}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

func (s *PostgresStore) AppendOneTimePrekeys(ctx context.Context, userID uuid.UUID, keys []OneTimePrekey, at time.Time) (int, error) {
	var total int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*PrekeyBundle)(nil)).
			Where("user_id = ?", userID).
			Exists(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.AppendOneTimePrekeys.Exists")
		}
		if !exists {
			return apperr.ErrBundleNotFound
		}

		ids := make([]string, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, k.ID)
		}
		dupes, err := tx.NewSelect().Model((*oneTimePrekeyRow)(nil)).
			Where("user_id = ? AND key_id IN (?)", userID, bun.In(ids)).
			Count(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.AppendOneTimePrekeys.DupCheck")
		}
		if dupes > 0 {
			return apperr.ErrDuplicatePrekeyID
		}

		rows := make([]oneTimePrekeyRow, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, oneTimePrekeyRow{UserID: userID, KeyID: k.ID, PublicKey: k.PublicKey, UploadedAt: at})
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.AppendOneTimePrekeys.Insert")
		}

		if _, err := tx.NewUpdate().Model((*PrekeyBundle)(nil)).
			Set("last_refreshed = ?", at).
			Where("user_id = ?", userID).
			Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.AppendOneTimePrekeys.Touch")
		}

		total, err = tx.NewSelect().Model((*oneTimePrekeyRow)(nil)).
			Where("user_id = ? AND used = FALSE", userID).
			Count(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *PostgresStore) CountOneTimePrekeys(ctx context.Context, userID uuid.UUID) (int, error) {
	exists, err := s.db.NewSelect().Model((*PrekeyBundle)(nil)).
		Where("user_id = ?", userID).
		Exists(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "storage.CountOneTimePrekeys.Exists")
	}
	if !exists {
		return 0, apperr.ErrBundleNotFound
	}
	count, err := s.db.NewSelect().Model((*oneTimePrekeyRow)(nil)).
		Where("user_id = ? AND used = FALSE", userID).
		Count(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "storage.CountOneTimePrekeys.Count")
	}
	return count, nil
}

// ---- temp sessions ----

func (s *PostgresStore) CreateTempSession(ctx context.Context, session *TempSession) error {
	_, err := s.db.NewInsert().Model(session).Returning("*").Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.CreateTempSession.Insert")
	}
	if len(session.Participants) > 0 {
		rows := make([]participantRow, 0, len(session.Participants))
		for _, p := range session.Participants {
			rows = append(rows, participantRow{SessionID: session.ID, UserID: p.UserID, Alias: p.Alias, JoinedAt: p.JoinedAt})
		}
		if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.CreateTempSession.Participants")
		}
	}
	return nil
}

func (s *PostgresStore) GetTempSession(ctx context.Context, id uuid.UUID) (*TempSession, error) {
	session := new(TempSession)
	err := s.db.NewSelect().Model(session).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "storage.GetTempSession.Scan")
	}
	if err := s.loadParticipants(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) GetActiveTempSessionByCode(ctx context.Context, code string) (*TempSession, error) {
	session := new(TempSession)
	err := s.db.NewSelect().Model(session).
		Where("code = ? AND active = TRUE AND destroyed = FALSE", code).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "storage.GetActiveTempSessionByCode.Scan")
	}
	if err := s.loadParticipants(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) loadParticipants(ctx context.Context, session *TempSession) error {
	var rows []participantRow
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", session.ID).
		Order("joined_at ASC").
		Scan(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.loadParticipants.Scan")
	}
	session.Participants = nil
	for _, r := range rows {
		session.Participants = append(session.Participants, TempParticipant{UserID: r.UserID, Alias: r.Alias, JoinedAt: r.JoinedAt})
	}
	return nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) (TempParticipant, bool, error) {
	var p TempParticipant
	added := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Lock the session row so concurrent joiners serialize on the
		// alias ordinal.
		locked := new(TempSession)
		err := tx.NewSelect().Model(locked).
			Column("id").
			Where("id = ?", sessionID).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrSessionNotFound
			}
			return errors.Wrap(err, "storage.AddParticipant.Lock")
		}

		existing := new(participantRow)
		err = tx.NewSelect().Model(existing).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Scan(ctx)
		if err == nil {
			p = TempParticipant{UserID: existing.UserID, Alias: existing.Alias, JoinedAt: existing.JoinedAt}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "storage.AddParticipant.Lookup")
		}

		count, err := tx.NewSelect().Model((*participantRow)(nil)).
			Where("session_id = ?", sessionID).
			Count(ctx)
		if err != nil {
			return errors.Wrap(err, "storage.AddParticipant.Count")
		}
		row := &participantRow{SessionID: sessionID, UserID: userID, Alias: AnonAlias(count + 1), JoinedAt: at}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return errors.Wrap(err, "storage.AddParticipant.Insert")
		}
		p = TempParticipant{UserID: userID, Alias: row.Alias, JoinedAt: at}
		added = true
		return nil
	})
	if err != nil {
		return TempParticipant{}, false, err
	}
	return p, added, nil
}

func (s *PostgresStore) EndTempSession(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().Model((*TempSession)(nil)).
		Set("active = FALSE").
		Set("ended_at = ?", at).
		Where("id = ? AND active = TRUE", id).
		Exec(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage.EndTempSession.Update")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) MarkDestroyed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.NewUpdate().Model((*TempSession)(nil)).
		Set("destroyed = TRUE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "storage.MarkDestroyed.Update")
	}
	return nil
}

func (s *PostgresStore) ListExpiredTempSessions(ctx context.Context, now time.Time) ([]*TempSession, error) {
	var out []*TempSession
	err := s.db.NewSelect().Model(&out).
		Where("expires_at <= ? AND destroyed = FALSE", now).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "storage.ListExpiredTempSessions.Scan")
	}
	for _, session := range out {
		if err := s.loadParticipants(ctx, session); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func jsonValue(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "storage.jsonValue.Marshal")
	}
	return string(raw), nil
}

func reverseMessages(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
