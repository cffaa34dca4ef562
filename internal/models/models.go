// Package models holds the row types shared by the store drivers and the
// domain services, plus the error kinds the HTTP layer maps to wire codes.
package models

import (
	"strings"
	"time"
)

// DM privacy settings.
const (
	DMPrivacyEveryone  = "everyone"
	DMPrivacyFollowing = "following"
	DMPrivacyNone      = "none"
)

// User is a principal hosted on this node, or a cached mirror of a remote
// one. DID is stable for the user's lifetime; Handle is mutable but unique
// on the owning node.
type User struct {
	ID                      string
	DID                     string
	Handle                  string
	Email                   string
	DisplayName             string
	Bio                     string
	AvatarURL               string
	PublicKey               string // SPKI, base64
	PrivateKeyEncrypted     string // password-wrapped PKCS8, salt+iv+ciphertext
	PasswordHash            string
	ChatPublicKey           string
	ChatPrivateKeyEncrypted string
	DMPrivacy               string
	IsSuspended             bool
	IsSilenced              bool
	IsBot                   bool
	IsRemote                bool
	NodeDomain              string // owning node for remote mirrors
	CreatedAt               time.Time
}

// FullHandle returns handle@domain for remote users and the bare handle for
// local ones.
func (u *User) FullHandle() string {
	if u.IsRemote && u.NodeDomain != "" {
		return u.Handle + "@" + u.NodeDomain
	}
	return u.Handle
}

// Session is an opaque login token bound to a user.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Post content limit, enforced at creation and on reply ingestion.
const MaxPostLength = 400

// Post is a post row. APID is the stable cross-node identifier:
// swarm:<originDomain>:<originPostId> for mirrors, a local URL otherwise.
type Post struct {
	ID           string
	UserID       string
	Content      string
	ReplyToID    string
	RepostOfID   string
	APID         string
	LikesCount   int
	RepostsCount int
	RepliesCount int
	IsRemoved    bool
	CreatedAt    time.Time
}

// Like records a like relation. ActorHandle carries user@domain when the
// actor lives on another node.
type Like struct {
	PostID      string
	ActorHandle string
	CreatedAt   time.Time
}

// Follow records a follow relation, full handles on both sides so that
// cross-node edges need no user row.
type Follow struct {
	FollowerHandle string
	TargetHandle   string
	CreatedAt      time.Time
}

// Notification is rendered from inline actor info so remote actors do not
// require a local user row.
type Notification struct {
	ID              string
	UserID          string
	Kind            string // like, repost, reply, follow, dm
	ActorHandle     string
	ActorNodeDomain string
	PostID          string
	CreatedAt       time.Time
	ReadAt          time.Time
}

// SwarmNode is a known peer. Nodes are never deleted; failureCount at or
// above the liveness threshold marks them dead until a probe succeeds.
type SwarmNode struct {
	Domain          string
	PublicKey       string
	SoftwareVersion string
	Capabilities    []string
	UserCount       int
	PostCount       int
	LastSeenAt      time.Time
	FailureCount    int
	Priority        int
}

// HandleEntry is one row of the handle directory: locally authoritative for
// owned handles, gossip-fed and eventually consistent for remote ones.
type HandleEntry struct {
	Handle     string
	DID        string
	NodeDomain string
	UpdatedAt  time.Time
}

// RemoteIdentity is a pinned remote public key (trust on first use).
type RemoteIdentity struct {
	DID       string
	PublicKey string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// ChatConversation is one participant's view of a conversation. PeerHandle
// may be user@domain for cross-node conversations.
type ChatConversation struct {
	ID                 string
	ParticipantID      string
	PeerHandle         string
	LastMessageAt      time.Time
	LastMessagePreview string
}

// ChatMessage carries either Content (plaintext, legacy/local) or
// EncryptedContent (client-encrypted blob), never both in E2E mode.
type ChatMessage struct {
	ID                  string
	ConversationID      string
	SenderHandle        string
	SenderDID           string
	SenderNodeDomain    string
	Content             string
	EncryptedContent    string
	SenderChatPublicKey string
	DeliveredAt         time.Time
	ReadAt              time.Time
	CreatedAt           time.Time
}

// SplitHandle splits a possibly-qualified handle into its local part and
// domain. The domain is empty for bare local handles.
func SplitHandle(handle string) (local, domain string) {
	if i := strings.IndexByte(handle, '@'); i >= 0 {
		return handle[:i], handle[i+1:]
	}
	return handle, ""
}
