package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Memory is the in-process Store driver. Everything is guarded by one
// RWMutex; the dataset of a dev node is small enough that granularity does
// not matter.
type Memory struct {
	mu sync.RWMutex

	users    map[string]*models.User // by id
	sessions map[string]*models.Session
	dedupe   map[string]time.Time // actionID -> ts
	posts    map[string]*models.Post
	likes    map[string]time.Time // postID|actorHandle
	seen     map[string]struct{}  // interactionIDs
	follows  map[string]time.Time // follower|target
	mutes    map[string]struct{}
	blocks   map[string]struct{}
	notifs   []*models.Notification
	nodes    map[string]*models.SwarmNode
	handles  map[string]models.HandleEntry // handle|nodeDomain
	remotes  map[string]*models.RemoteIdentity
	convs    map[string]*models.ChatConversation
	messages map[string]*models.ChatMessage
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.Session),
		dedupe:   make(map[string]time.Time),
		posts:    make(map[string]*models.Post),
		likes:    make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		follows:  make(map[string]time.Time),
		mutes:    make(map[string]struct{}),
		blocks:   make(map[string]struct{}),
		nodes:    make(map[string]*models.SwarmNode),
		handles:  make(map[string]models.HandleEntry),
		remotes:  make(map[string]*models.RemoteIdentity),
		convs:    make(map[string]*models.ChatConversation),
		messages: make(map[string]*models.ChatMessage),
	}
}

func (m *Memory) Close() {}

func pairKey(a, b string) string { return a + "|" + b }

// --- users ---

func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Handle == u.Handle && existing.NodeDomain == u.NodeDomain {
			return models.ErrHandleTaken
		}
		if u.Email != "" && existing.Email == u.Email {
			return models.ErrEmailTaken
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) userBy(match func(*models.User) bool) (*models.User, error) {
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) UserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (m *Memory) UserByDID(_ context.Context, did string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userBy(func(u *models.User) bool { return u.DID == did })
}

func (m *Memory) UserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userBy(func(u *models.User) bool { return u.Email == email })
}

func (m *Memory) UserByHandle(_ context.Context, handle string) (*models.User, error) {
	local, domain := models.SplitHandle(handle)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userBy(func(u *models.User) bool {
		return u.Handle == local && u.NodeDomain == domain
	})
}

func (m *Memory) UpdateUserKeys(_ context.Context, id string, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	existing.DID = u.DID
	existing.PublicKey = u.PublicKey
	existing.PrivateKeyEncrypted = u.PrivateKeyEncrypted
	existing.ChatPublicKey = u.ChatPublicKey
	existing.ChatPrivateKeyEncrypted = u.ChatPrivateKeyEncrypted
	return nil
}

func (m *Memory) UpsertRemoteUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.DID == u.DID {
			existing.Handle = u.Handle
			existing.DisplayName = u.DisplayName
			existing.Bio = u.Bio
			existing.AvatarURL = u.AvatarURL
			existing.PublicKey = u.PublicKey
			existing.ChatPublicKey = u.ChatPublicKey
			existing.DMPrivacy = u.DMPrivacy
			u.ID = existing.ID
			return nil
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) CountUsers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if !u.IsRemote {
			n++
		}
	}
	return n, nil
}

// --- sessions ---

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *Memory) SessionByToken(_ context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// --- signed-action dedupe ---

func (m *Memory) InsertActionDedupe(_ context.Context, actionID, _, _ string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dedupe[actionID]; ok {
		return models.ErrDuplicate
	}
	m.dedupe[actionID] = ts
	return nil
}

func (m *Memory) PruneActionDedupe(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range m.dedupe {
		if ts.Before(before) {
			delete(m.dedupe, id)
		}
	}
	return nil
}

// --- posts ---

func (m *Memory) CreatePost(_ context.Context, p *models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.posts[p.ID] = &cp
	return nil
}

func (m *Memory) PostByID(_ context.Context, id string) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok || p.IsRemoved {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) PostByAPID(_ context.Context, apID string) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.posts {
		if p.APID == apID && !p.IsRemoved {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) RemovePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return models.ErrNotFound
	}
	p.IsRemoved = true
	return nil
}

func (m *Memory) selectPosts(match func(*models.Post) bool, limit int) []*models.Post {
	out := make([]*models.Post, 0)
	for _, p := range m.posts {
		if p.IsRemoved || !match(p) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) PublicTimeline(_ context.Context, limit int) ([]*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectPosts(func(p *models.Post) bool {
		author, ok := m.users[p.UserID]
		return ok && !author.IsSilenced && !author.IsSuspended
	}, limit), nil
}

func (m *Memory) UserPosts(_ context.Context, userID string, limit int) ([]*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectPosts(func(p *models.Post) bool { return p.UserID == userID }, limit), nil
}

func (m *Memory) HomeTimeline(_ context.Context, userID string, limit int) ([]*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	me, ok := m.users[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	followed := make(map[string]bool)
	for key := range m.follows {
		parts := strings.SplitN(key, "|", 2)
		if parts[0] == me.FullHandle() {
			followed[parts[1]] = true
		}
	}
	return m.selectPosts(func(p *models.Post) bool {
		if p.UserID == userID {
			return true
		}
		author, ok := m.users[p.UserID]
		return ok && followed[author.FullHandle()]
	}, limit), nil
}

func (m *Memory) RecentPosts(_ context.Context, since time.Time, limit int) ([]*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectPosts(func(p *models.Post) bool {
		author, ok := m.users[p.UserID]
		return p.CreatedAt.After(since) && ok && !author.IsSilenced
	}, limit), nil
}

func (m *Memory) FindRepost(_ context.Context, userID, repostOfID string) (*models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.posts {
		if p.UserID == userID && p.RepostOfID == repostOfID && !p.IsRemoved {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) IncrementPostCounter(_ context.Context, postID, counter string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return models.ErrNotFound
	}
	bump := func(v int) int {
		v += delta
		if v < 0 {
			v = 0
		}
		return v
	}
	switch counter {
	case CounterLikes:
		p.LikesCount = bump(p.LikesCount)
	case CounterReposts:
		p.RepostsCount = bump(p.RepostsCount)
	case CounterReplies:
		p.RepliesCount = bump(p.RepliesCount)
	default:
		return models.ErrValidation
	}
	return nil
}

func (m *Memory) RebuildCounters(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		p.LikesCount, p.RepostsCount, p.RepliesCount = 0, 0, 0
	}
	for key := range m.likes {
		postID := strings.SplitN(key, "|", 2)[0]
		if p, ok := m.posts[postID]; ok {
			p.LikesCount++
		}
	}
	for _, p := range m.posts {
		if p.IsRemoved {
			continue
		}
		if p.RepostOfID != "" {
			if of, ok := m.posts[p.RepostOfID]; ok {
				of.RepostsCount++
			}
		}
		if p.ReplyToID != "" {
			if of, ok := m.posts[p.ReplyToID]; ok {
				of.RepliesCount++
			}
		}
	}
	return nil
}

func (m *Memory) CountPosts(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.posts {
		if !p.IsRemoved {
			n++
		}
	}
	return n, nil
}

// --- likes and interactions ---

func (m *Memory) InsertLike(_ context.Context, postID, actorHandle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(postID, actorHandle)
	if _, ok := m.likes[key]; ok {
		return false, nil
	}
	m.likes[key] = time.Now()
	return true, nil
}

func (m *Memory) DeleteLike(_ context.Context, postID, actorHandle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(postID, actorHandle)
	if _, ok := m.likes[key]; !ok {
		return false, nil
	}
	delete(m.likes, key)
	return true, nil
}

func (m *Memory) RecordInteraction(_ context.Context, interactionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[interactionID]; ok {
		return false, nil
	}
	m.seen[interactionID] = struct{}{}
	return true, nil
}

// --- follows, mutes, blocks ---

func (m *Memory) UpsertFollow(_ context.Context, follower, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(follower, target)
	if _, ok := m.follows[key]; !ok {
		m.follows[key] = time.Now()
	}
	return nil
}

func (m *Memory) DeleteFollow(_ context.Context, follower, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows, pairKey(follower, target))
	return nil
}

func (m *Memory) IsFollowing(_ context.Context, follower, target string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.follows[pairKey(follower, target)]
	return ok, nil
}

func (m *Memory) followList(prefixSide int, handle string, limit int) []models.Follow {
	out := make([]models.Follow, 0)
	for key, at := range m.follows {
		parts := strings.SplitN(key, "|", 2)
		if parts[prefixSide] != handle {
			continue
		}
		out = append(out, models.Follow{FollowerHandle: parts[0], TargetHandle: parts[1], CreatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) Following(_ context.Context, handle string, limit int) ([]models.Follow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.followList(0, handle, limit), nil
}

func (m *Memory) Followers(_ context.Context, handle string, limit int) ([]models.Follow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.followList(1, handle, limit), nil
}

func (m *Memory) RemoteFollowTargets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uniq := make(map[string]struct{})
	for key := range m.follows {
		target := strings.SplitN(key, "|", 2)[1]
		if strings.Contains(target, "@") {
			uniq[target] = struct{}{}
		}
	}
	out := make([]string, 0, len(uniq))
	for t := range uniq {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) setRelation(set map[string]struct{}, handle, target string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(handle, target)
	if on {
		set[key] = struct{}{}
	} else {
		delete(set, key)
	}
}

func (m *Memory) SetMute(_ context.Context, handle, target string, on bool) error {
	m.setRelation(m.mutes, handle, target, on)
	return nil
}

func (m *Memory) SetBlock(_ context.Context, handle, target string, on bool) error {
	m.setRelation(m.blocks, handle, target, on)
	return nil
}

func (m *Memory) IsBlocked(_ context.Context, handle, target string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[pairKey(handle, target)]
	return ok, nil
}

func (m *Memory) IsMuted(_ context.Context, handle, target string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mutes[pairKey(handle, target)]
	return ok, nil
}

// --- notifications ---

func (m *Memory) InsertNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifs = append(m.notifs, &cp)
	return nil
}

func (m *Memory) Notifications(_ context.Context, userID string, limit int) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Notification, 0)
	for _, n := range m.notifs {
		if n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkNotificationsRead(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, n := range m.notifs {
		if n.UserID == userID && n.ReadAt.IsZero() {
			n.ReadAt = now
		}
	}
	return nil
}

// --- swarm registry ---

func (m *Memory) UpsertNode(_ context.Context, n *models.SwarmNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.nodes[n.Domain]
	if !ok {
		cp := *n
		if cp.LastSeenAt.IsZero() {
			cp.LastSeenAt = time.Now()
		}
		m.nodes[n.Domain] = &cp
		return nil
	}
	if n.PublicKey != "" {
		existing.PublicKey = n.PublicKey
	}
	if n.SoftwareVersion != "" {
		existing.SoftwareVersion = n.SoftwareVersion
	}
	if n.Capabilities != nil {
		existing.Capabilities = n.Capabilities
	}
	existing.UserCount = n.UserCount
	existing.PostCount = n.PostCount
	existing.LastSeenAt = time.Now()
	return nil
}

func (m *Memory) NodeByDomain(_ context.Context, domain string) (*models.SwarmNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[domain]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) Nodes(_ context.Context) ([]*models.SwarmNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SwarmNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (m *Memory) ActiveNodes(_ context.Context, maxFailures int) ([]*models.SwarmNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SwarmNode, 0)
	for _, n := range m.nodes {
		if n.FailureCount < maxFailures {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (m *Memory) NodesSince(_ context.Context, since time.Time, limit int) ([]*models.SwarmNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SwarmNode, 0)
	for _, n := range m.nodes {
		if n.LastSeenAt.After(since) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkNodeSuccess(_ context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[domain]
	if !ok {
		return models.ErrNotFound
	}
	n.FailureCount = 0
	n.LastSeenAt = time.Now()
	return nil
}

func (m *Memory) MarkNodeFailure(_ context.Context, domain string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[domain]
	if !ok {
		return 0, models.ErrNotFound
	}
	n.FailureCount++
	return n.FailureCount, nil
}

// --- handle directory ---

func (m *Memory) UpsertHandle(_ context.Context, e models.HandleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(e.Handle, e.NodeDomain)
	if existing, ok := m.handles[key]; ok && !e.UpdatedAt.After(existing.UpdatedAt) {
		return nil
	}
	m.handles[key] = e
	return nil
}

func (m *Memory) HandleEntry(_ context.Context, handle, nodeDomain string) (*models.HandleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.handles[pairKey(handle, nodeDomain)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) HandleByName(_ context.Context, handle string) (*models.HandleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.HandleEntry
	for _, e := range m.handles {
		if e.Handle != handle {
			continue
		}
		cp := e
		if newest == nil || cp.UpdatedAt.After(newest.UpdatedAt) {
			newest = &cp
		}
	}
	if newest == nil {
		return nil, models.ErrNotFound
	}
	return newest, nil
}

func (m *Memory) HandleByDID(_ context.Context, did string) (*models.HandleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.HandleEntry
	for _, e := range m.handles {
		if e.DID != did {
			continue
		}
		cp := e
		if newest == nil || cp.UpdatedAt.After(newest.UpdatedAt) {
			newest = &cp
		}
	}
	if newest == nil {
		return nil, models.ErrNotFound
	}
	return newest, nil
}

func (m *Memory) HandlesSince(_ context.Context, since time.Time, limit int) ([]models.HandleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HandleEntry, 0)
	for _, e := range m.handles {
		if e.UpdatedAt.After(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- TOFU cache ---

func (m *Memory) RemoteIdentity(_ context.Context, did string) (*models.RemoteIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ri, ok := m.remotes[did]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *ri
	return &cp, nil
}

func (m *Memory) PutRemoteIdentity(_ context.Context, ri *models.RemoteIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ri
	m.remotes[ri.DID] = &cp
	return nil
}

// --- chat ---

func (m *Memory) ConversationFor(_ context.Context, participantID, peerHandle string) (*models.ChatConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.convs {
		if c.ParticipantID == participantID && c.PeerHandle == peerHandle {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *Memory) ConversationByID(_ context.Context, id string) (*models.ChatConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) UpsertConversation(_ context.Context, c *models.ChatConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.convs[c.ID]; ok {
		existing.LastMessageAt = c.LastMessageAt
		existing.LastMessagePreview = c.LastMessagePreview
		return nil
	}
	cp := *c
	m.convs[c.ID] = &cp
	return nil
}

func (m *Memory) Conversations(_ context.Context, participantID string) ([]*models.ChatConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ChatConversation, 0)
	for _, c := range m.convs {
		if c.ParticipantID == participantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return models.ErrDuplicate
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *Memory) MessagesBefore(_ context.Context, conversationID string, before time.Time, limit int) ([]*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ChatMessage, 0)
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	// Oldest first in the response.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) MarkConversationRead(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.ReadAt.IsZero() {
			msg.ReadAt = now
		}
	}
	return nil
}

func (m *Memory) MarkMessageDelivered(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return models.ErrNotFound
	}
	msg.DeliveredAt = time.Now()
	return nil
}

func (m *Memory) UndeliveredMessages(_ context.Context, limit int) ([]*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ChatMessage, 0)
	for _, msg := range m.messages {
		if msg.DeliveredAt.IsZero() {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
