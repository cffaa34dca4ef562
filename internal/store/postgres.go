package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Postgres is the pgx-backed Store driver.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

const userColumns = `id, did, handle, email, display_name, bio, avatar_url,
	public_key, private_key_encrypted, password_hash,
	chat_public_key, chat_private_key_encrypted,
	dm_privacy, is_suspended, is_silenced, is_bot, is_remote, node_domain, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.DID, &u.Handle, &u.Email, &u.DisplayName, &u.Bio, &u.AvatarURL,
		&u.PublicKey, &u.PrivateKeyEncrypted, &u.PasswordHash,
		&u.ChatPublicKey, &u.ChatPrivateKeyEncrypted,
		&u.DMPrivacy, &u.IsSuspended, &u.IsSilenced, &u.IsBot, &u.IsRemote, &u.NodeDomain, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		u.ID, u.DID, u.Handle, u.Email, u.DisplayName, u.Bio, u.AvatarURL,
		u.PublicKey, u.PrivateKeyEncrypted, u.PasswordHash,
		u.ChatPublicKey, u.ChatPrivateKeyEncrypted,
		u.DMPrivacy, u.IsSuspended, u.IsSilenced, u.IsBot, u.IsRemote, u.NodeDomain, u.CreatedAt)
	if isUniqueViolation(err, "users_handle_node_domain_key") {
		return models.ErrHandleTaken
	}
	if isUniqueViolation(err, "users_email_key") {
		return models.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (p *Postgres) UserByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) UserByDID(ctx context.Context, did string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE did = $1`, did))
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (p *Postgres) UserByHandle(ctx context.Context, handle string) (*models.User, error) {
	local, domain := models.SplitHandle(handle)
	return scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = $1 AND node_domain = $2`, local, domain))
}

func (p *Postgres) UpdateUserKeys(ctx context.Context, id string, u *models.User) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET did = $1, public_key = $2, private_key_encrypted = $3,
		        chat_public_key = $4, chat_private_key_encrypted = $5
		 WHERE id = $6`,
		u.DID, u.PublicKey, u.PrivateKeyEncrypted, u.ChatPublicKey, u.ChatPrivateKeyEncrypted, id)
	if err != nil {
		return fmt.Errorf("updating user keys: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertRemoteUser(ctx context.Context, u *models.User) error {
	// Remote mirrors are keyed by DID; local rows are never overwritten
	// from remote claims.
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		 ON CONFLICT (did) DO UPDATE SET
			handle = EXCLUDED.handle,
			display_name = EXCLUDED.display_name,
			bio = EXCLUDED.bio,
			avatar_url = EXCLUDED.avatar_url,
			public_key = EXCLUDED.public_key,
			chat_public_key = EXCLUDED.chat_public_key,
			dm_privacy = EXCLUDED.dm_privacy
		 WHERE users.is_remote
		 RETURNING id`,
		u.ID, u.DID, u.Handle, u.Email, u.DisplayName, u.Bio, u.AvatarURL,
		u.PublicKey, u.PrivateKeyEncrypted, u.PasswordHash,
		u.ChatPublicKey, u.ChatPrivateKeyEncrypted,
		u.DMPrivacy, u.IsSuspended, u.IsSilenced, u.IsBot, u.IsRemote, u.NodeDomain, u.CreatedAt).Scan(&u.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with a non-remote row; leave it alone.
		return nil
	}
	if err != nil {
		return fmt.Errorf("upserting remote user: %w", err)
	}
	return nil
}

func (p *Postgres) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE NOT is_remote`).Scan(&n)
	return n, err
}

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES ($1,$2,$3,$4)`,
		s.Token, s.UserID, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (p *Postgres) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	err := p.pool.QueryRow(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions
		 WHERE token = $1 AND expires_at > now()`, token).
		Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, token string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (p *Postgres) InsertActionDedupe(ctx context.Context, actionID, did, nonce string, ts time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO signed_action_dedupe (action_id, did, nonce, ts) VALUES ($1,$2,$3,$4)`,
		actionID, did, nonce, ts)
	if isUniqueViolation(err, "") {
		return models.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting dedupe row: %w", err)
	}
	return nil
}

func (p *Postgres) PruneActionDedupe(ctx context.Context, before time.Time) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM signed_action_dedupe WHERE ts < $1`, before)
	return err
}

const postColumns = `id, user_id, content, reply_to_id, repost_of_id, ap_id,
	likes_count, reposts_count, replies_count, is_removed, created_at`

func scanPost(row pgx.Row) (*models.Post, error) {
	var post models.Post
	err := row.Scan(&post.ID, &post.UserID, &post.Content, &post.ReplyToID, &post.RepostOfID,
		&post.APID, &post.LikesCount, &post.RepostsCount, &post.RepliesCount,
		&post.IsRemoved, &post.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &post, nil
}

func scanPosts(rows pgx.Rows) ([]*models.Post, error) {
	defer rows.Close()
	out := make([]*models.Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

func (p *Postgres) CreatePost(ctx context.Context, post *models.Post) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		post.ID, post.UserID, post.Content, post.ReplyToID, post.RepostOfID, post.APID,
		post.LikesCount, post.RepostsCount, post.RepliesCount, post.IsRemoved, post.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating post: %w", err)
	}
	return nil
}

func (p *Postgres) PostByID(ctx context.Context, id string) (*models.Post, error) {
	return scanPost(p.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1 AND NOT is_removed`, id))
}

func (p *Postgres) PostByAPID(ctx context.Context, apID string) (*models.Post, error) {
	return scanPost(p.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts WHERE ap_id = $1 AND NOT is_removed`, apID))
}

func (p *Postgres) RemovePost(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE posts SET is_removed = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) PublicTimeline(ctx context.Context, limit int) ([]*models.Post, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+prefixed("p", postColumns)+` FROM posts p
		 JOIN users u ON u.id = p.user_id
		 WHERE NOT p.is_removed AND NOT u.is_silenced AND NOT u.is_suspended
		 ORDER BY p.created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

func (p *Postgres) UserPosts(ctx context.Context, userID string, limit int) ([]*models.Post, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE user_id = $1 AND NOT is_removed
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

func (p *Postgres) HomeTimeline(ctx context.Context, userID string, limit int) ([]*models.Post, error) {
	// Followed handles are full handles; local authors match on the bare
	// handle, remote mirrors on handle@node_domain.
	rows, err := p.pool.Query(ctx,
		`SELECT `+prefixed("p", postColumns)+` FROM posts p
		 JOIN users a ON a.id = p.user_id
		 WHERE NOT p.is_removed AND (
			p.user_id = $1 OR
			(CASE WHEN a.is_remote THEN a.handle || '@' || a.node_domain ELSE a.handle END) IN (
				SELECT target_handle FROM follows WHERE follower_handle =
					(SELECT handle FROM users WHERE id = $1)
			))
		 ORDER BY p.created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

func (p *Postgres) RecentPosts(ctx context.Context, since time.Time, limit int) ([]*models.Post, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+prefixed("p", postColumns)+` FROM posts p
		 JOIN users u ON u.id = p.user_id
		 WHERE NOT p.is_removed AND NOT u.is_silenced AND p.created_at > $1
		 ORDER BY p.created_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	return scanPosts(rows)
}

func (p *Postgres) FindRepost(ctx context.Context, userID, repostOfID string) (*models.Post, error) {
	return scanPost(p.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE user_id = $1 AND repost_of_id = $2 AND NOT is_removed`, userID, repostOfID))
}

func (p *Postgres) IncrementPostCounter(ctx context.Context, postID, counter string, delta int) error {
	switch counter {
	case CounterLikes, CounterReposts, CounterReplies:
	default:
		return models.ErrValidation
	}
	// Atomic SQL expression, clamped at zero; never read-then-write.
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE posts SET %s = GREATEST(%s + $1, 0) WHERE id = $2`, counter, counter),
		delta, postID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", counter, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) RebuildCounters(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE posts SET
			likes_count = (SELECT COUNT(*) FROM likes WHERE likes.post_id = posts.id),
			reposts_count = (SELECT COUNT(*) FROM posts r WHERE r.repost_of_id = posts.id AND NOT r.is_removed),
			replies_count = (SELECT COUNT(*) FROM posts r WHERE r.reply_to_id = posts.id AND NOT r.is_removed)`)
	return err
}

func (p *Postgres) CountPosts(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE NOT is_removed`).Scan(&n)
	return n, err
}

func (p *Postgres) InsertLike(ctx context.Context, postID, actorHandle string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO likes (post_id, actor_handle, created_at) VALUES ($1,$2,now())
		 ON CONFLICT DO NOTHING`, postID, actorHandle)
	if err != nil {
		return false, fmt.Errorf("inserting like: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) DeleteLike(ctx context.Context, postID, actorHandle string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM likes WHERE post_id = $1 AND actor_handle = $2`, postID, actorHandle)
	if err != nil {
		return false, fmt.Errorf("deleting like: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) RecordInteraction(ctx context.Context, interactionID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO interactions_seen (interaction_id, seen_at) VALUES ($1, now())
		 ON CONFLICT DO NOTHING`, interactionID)
	if err != nil {
		return false, fmt.Errorf("recording interaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) UpsertFollow(ctx context.Context, follower, target string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO follows (follower_handle, target_handle, created_at) VALUES ($1,$2,now())
		 ON CONFLICT DO NOTHING`, follower, target)
	return err
}

func (p *Postgres) DeleteFollow(ctx context.Context, follower, target string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM follows WHERE follower_handle = $1 AND target_handle = $2`, follower, target)
	return err
}

func (p *Postgres) IsFollowing(ctx context.Context, follower, target string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_handle = $1 AND target_handle = $2)`,
		follower, target).Scan(&exists)
	return exists, err
}

func (p *Postgres) followList(ctx context.Context, column, handle string, limit int) ([]models.Follow, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT follower_handle, target_handle, created_at FROM follows
		 WHERE %s = $1 ORDER BY created_at DESC LIMIT $2`, column), handle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Follow, 0)
	for rows.Next() {
		var f models.Follow
		if err := rows.Scan(&f.FollowerHandle, &f.TargetHandle, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) Following(ctx context.Context, handle string, limit int) ([]models.Follow, error) {
	return p.followList(ctx, "follower_handle", handle, limit)
}

func (p *Postgres) Followers(ctx context.Context, handle string, limit int) ([]models.Follow, error) {
	return p.followList(ctx, "target_handle", handle, limit)
}

func (p *Postgres) RemoteFollowTargets(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT target_handle FROM follows WHERE target_handle LIKE '%@%' ORDER BY target_handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) setRelation(ctx context.Context, table, handle, target string, on bool) error {
	var err error
	if on {
		_, err = p.pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (handle, target_handle, created_at) VALUES ($1,$2,now())
			 ON CONFLICT DO NOTHING`, table), handle, target)
	} else {
		_, err = p.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE handle = $1 AND target_handle = $2`, table), handle, target)
	}
	return err
}

func (p *Postgres) SetMute(ctx context.Context, handle, target string, on bool) error {
	return p.setRelation(ctx, "mutes", handle, target, on)
}

func (p *Postgres) SetBlock(ctx context.Context, handle, target string, on bool) error {
	return p.setRelation(ctx, "blocks", handle, target, on)
}

func (p *Postgres) relationExists(ctx context.Context, table, handle, target string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE handle = $1 AND target_handle = $2)`, table),
		handle, target).Scan(&exists)
	return exists, err
}

func (p *Postgres) IsBlocked(ctx context.Context, handle, target string) (bool, error) {
	return p.relationExists(ctx, "blocks", handle, target)
}

func (p *Postgres) IsMuted(ctx context.Context, handle, target string) (bool, error) {
	return p.relationExists(ctx, "mutes", handle, target)
}

func (p *Postgres) InsertNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, actor_handle, actor_node_domain, post_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.UserID, n.Kind, n.ActorHandle, n.ActorNodeDomain, n.PostID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (p *Postgres) Notifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, kind, actor_handle, actor_node_domain, post_id, created_at,
		        COALESCE(read_at, 'epoch'::timestamptz)
		 FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		var readAt time.Time
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorHandle, &n.ActorNodeDomain,
			&n.PostID, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if readAt.Unix() > 0 {
			n.ReadAt = readAt
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationsRead(ctx context.Context, userID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE notifications SET read_at = now() WHERE user_id = $1 AND read_at IS NULL`, userID)
	return err
}

func (p *Postgres) UpsertNode(ctx context.Context, n *models.SwarmNode) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO swarm_nodes (domain, public_key, software_version, capabilities,
		        user_count, post_count, last_seen_at, failure_count, priority)
		 VALUES ($1,$2,$3,$4,$5,$6,now(),0,$7)
		 ON CONFLICT (domain) DO UPDATE SET
			public_key = CASE WHEN EXCLUDED.public_key <> '' THEN EXCLUDED.public_key ELSE swarm_nodes.public_key END,
			software_version = CASE WHEN EXCLUDED.software_version <> '' THEN EXCLUDED.software_version ELSE swarm_nodes.software_version END,
			capabilities = COALESCE(EXCLUDED.capabilities, swarm_nodes.capabilities),
			user_count = EXCLUDED.user_count,
			post_count = EXCLUDED.post_count,
			last_seen_at = now()`,
		n.Domain, n.PublicKey, n.SoftwareVersion, n.Capabilities, n.UserCount, n.PostCount, n.Priority)
	if err != nil {
		return fmt.Errorf("upserting node %s: %w", n.Domain, err)
	}
	return nil
}

const nodeColumns = `domain, public_key, software_version, capabilities,
	user_count, post_count, last_seen_at, failure_count, priority`

func scanNode(row pgx.Row) (*models.SwarmNode, error) {
	var n models.SwarmNode
	err := row.Scan(&n.Domain, &n.PublicKey, &n.SoftwareVersion, &n.Capabilities,
		&n.UserCount, &n.PostCount, &n.LastSeenAt, &n.FailureCount, &n.Priority)
	if err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (p *Postgres) NodeByDomain(ctx context.Context, domain string) (*models.SwarmNode, error) {
	return scanNode(p.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM swarm_nodes WHERE domain = $1`, domain))
}

func (p *Postgres) nodeList(ctx context.Context, where string, args ...any) ([]*models.SwarmNode, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+nodeColumns+` FROM swarm_nodes `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.SwarmNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) Nodes(ctx context.Context) ([]*models.SwarmNode, error) {
	return p.nodeList(ctx, `ORDER BY domain`)
}

func (p *Postgres) ActiveNodes(ctx context.Context, maxFailures int) ([]*models.SwarmNode, error) {
	return p.nodeList(ctx, `WHERE failure_count < $1 ORDER BY priority DESC, domain`, maxFailures)
}

func (p *Postgres) NodesSince(ctx context.Context, since time.Time, limit int) ([]*models.SwarmNode, error) {
	return p.nodeList(ctx, `WHERE last_seen_at > $1 ORDER BY domain LIMIT $2`, since, limit)
}

func (p *Postgres) MarkNodeSuccess(ctx context.Context, domain string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE swarm_nodes SET failure_count = 0, last_seen_at = now() WHERE domain = $1`, domain)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkNodeFailure(ctx context.Context, domain string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`UPDATE swarm_nodes SET failure_count = failure_count + 1 WHERE domain = $1
		 RETURNING failure_count`, domain).Scan(&count)
	if err != nil {
		return 0, notFound(err)
	}
	return count, nil
}

func (p *Postgres) UpsertHandle(ctx context.Context, e models.HandleEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO handle_registry (handle, did, node_domain, updated_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (handle, node_domain) DO UPDATE SET
			did = EXCLUDED.did, updated_at = EXCLUDED.updated_at
		 WHERE handle_registry.updated_at < EXCLUDED.updated_at`,
		e.Handle, e.DID, e.NodeDomain, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting handle %s@%s: %w", e.Handle, e.NodeDomain, err)
	}
	return nil
}

func (p *Postgres) HandleEntry(ctx context.Context, handle, nodeDomain string) (*models.HandleEntry, error) {
	var e models.HandleEntry
	err := p.pool.QueryRow(ctx,
		`SELECT handle, did, node_domain, updated_at FROM handle_registry
		 WHERE handle = $1 AND node_domain = $2`, handle, nodeDomain).
		Scan(&e.Handle, &e.DID, &e.NodeDomain, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (p *Postgres) HandleByName(ctx context.Context, handle string) (*models.HandleEntry, error) {
	var e models.HandleEntry
	err := p.pool.QueryRow(ctx,
		`SELECT handle, did, node_domain, updated_at FROM handle_registry
		 WHERE handle = $1 ORDER BY updated_at DESC LIMIT 1`, handle).
		Scan(&e.Handle, &e.DID, &e.NodeDomain, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (p *Postgres) HandleByDID(ctx context.Context, did string) (*models.HandleEntry, error) {
	var e models.HandleEntry
	err := p.pool.QueryRow(ctx,
		`SELECT handle, did, node_domain, updated_at FROM handle_registry
		 WHERE did = $1 ORDER BY updated_at DESC LIMIT 1`, did).
		Scan(&e.Handle, &e.DID, &e.NodeDomain, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (p *Postgres) HandlesSince(ctx context.Context, since time.Time, limit int) ([]models.HandleEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT handle, did, node_domain, updated_at FROM handle_registry
		 WHERE updated_at > $1 ORDER BY updated_at LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.HandleEntry, 0)
	for rows.Next() {
		var e models.HandleEntry
		if err := rows.Scan(&e.Handle, &e.DID, &e.NodeDomain, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) RemoteIdentity(ctx context.Context, did string) (*models.RemoteIdentity, error) {
	var ri models.RemoteIdentity
	err := p.pool.QueryRow(ctx,
		`SELECT did, public_key, fetched_at, expires_at FROM remote_identity_cache WHERE did = $1`, did).
		Scan(&ri.DID, &ri.PublicKey, &ri.FetchedAt, &ri.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ri, nil
}

func (p *Postgres) PutRemoteIdentity(ctx context.Context, ri *models.RemoteIdentity) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO remote_identity_cache (did, public_key, fetched_at, expires_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (did) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at`,
		ri.DID, ri.PublicKey, ri.FetchedAt, ri.ExpiresAt)
	if err != nil {
		return fmt.Errorf("caching remote identity: %w", err)
	}
	return nil
}

const convColumns = `id, participant_id, peer_handle, last_message_at, last_message_preview`

func scanConversation(row pgx.Row) (*models.ChatConversation, error) {
	var c models.ChatConversation
	err := row.Scan(&c.ID, &c.ParticipantID, &c.PeerHandle, &c.LastMessageAt, &c.LastMessagePreview)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (p *Postgres) ConversationFor(ctx context.Context, participantID, peerHandle string) (*models.ChatConversation, error) {
	return scanConversation(p.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM chat_conversations
		 WHERE participant_id = $1 AND peer_handle = $2`, participantID, peerHandle))
}

func (p *Postgres) ConversationByID(ctx context.Context, id string) (*models.ChatConversation, error) {
	return scanConversation(p.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM chat_conversations WHERE id = $1`, id))
}

func (p *Postgres) UpsertConversation(ctx context.Context, c *models.ChatConversation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO chat_conversations (`+convColumns+`) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			last_message_preview = EXCLUDED.last_message_preview`,
		c.ID, c.ParticipantID, c.PeerHandle, c.LastMessageAt, c.LastMessagePreview)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

func (p *Postgres) Conversations(ctx context.Context, participantID string) ([]*models.ChatConversation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+convColumns+` FROM chat_conversations
		 WHERE participant_id = $1 ORDER BY last_message_at DESC`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatConversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const msgColumns = `id, conversation_id, sender_handle, sender_did, sender_node_domain,
	content, encrypted_content, sender_chat_public_key,
	COALESCE(delivered_at, 'epoch'::timestamptz), COALESCE(read_at, 'epoch'::timestamptz), created_at`

func scanMessage(row pgx.Row) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	var delivered, read time.Time
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderHandle, &msg.SenderDID, &msg.SenderNodeDomain,
		&msg.Content, &msg.EncryptedContent, &msg.SenderChatPublicKey,
		&delivered, &read, &msg.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if delivered.Unix() > 0 {
		msg.DeliveredAt = delivered
	}
	if read.Unix() > 0 {
		msg.ReadAt = read
	}
	return &msg, nil
}

func (p *Postgres) AppendMessage(ctx context.Context, m *models.ChatMessage) error {
	var delivered, read *time.Time
	if !m.DeliveredAt.IsZero() {
		delivered = &m.DeliveredAt
	}
	if !m.ReadAt.IsZero() {
		read = &m.ReadAt
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, conversation_id, sender_handle, sender_did, sender_node_domain,
			content, encrypted_content, sender_chat_public_key, delivered_at, read_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.ConversationID, m.SenderHandle, m.SenderDID, m.SenderNodeDomain,
		m.Content, m.EncryptedContent, m.SenderChatPublicKey, delivered, read, m.CreatedAt)
	if isUniqueViolation(err, "") {
		return models.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (p *Postgres) MessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]*models.ChatMessage, error) {
	cutoff := before
	if cutoff.IsZero() {
		cutoff = time.Now().Add(time.Hour)
	}
	// Newest page selected first, then returned oldest first.
	rows, err := p.pool.Query(ctx,
		`SELECT * FROM (
			SELECT `+msgColumns+` FROM chat_messages
			WHERE conversation_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3
		 ) page ORDER BY created_at`, conversationID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE chat_messages SET read_at = now()
		 WHERE conversation_id = $1 AND read_at IS NULL`, conversationID)
	return err
}

func (p *Postgres) MarkMessageDelivered(ctx context.Context, messageID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE chat_messages SET delivered_at = now() WHERE id = $1`, messageID)
	return err
}

func (p *Postgres) UndeliveredMessages(ctx context.Context, limit int) ([]*models.ChatMessage, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+msgColumns+` FROM chat_messages
		 WHERE delivered_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

var _ Store = (*Postgres)(nil)
