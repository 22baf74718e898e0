package domain

import (
	"path"
	"strings"
	"time"
)

// Role identifies which side of a conversation this process is running as.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is one of the two supported roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// TokenSource names the credential origin the backend expects for this
// role: users authenticate through firebase, agents with a password login.
func (r Role) TokenSource() string {
	if r == RoleAgent {
		return "password"
	}
	return "firebase"
}

// Message is a single chat message. Immutable once sent, except for Image,
// which is rewritten in place exactly once when a backend reference is
// resolved to a locally cached file.
type Message struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Image      string    `json:"image,omitempty"` // backend reference or file:// URI
}

// Conversation is one chat thread, identified by the non-agent participant's
// user id regardless of which role is viewing it. Messages are chronological
// and append-only from the client's perspective.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantName string    `json:"participantName"`
	LastMessageText string    `json:"lastMessageText"`
	Messages        []Message `json:"messages"`
}

// IsLocalURI reports whether s points at a file on this device.
func IsLocalURI(s string) bool {
	return strings.HasPrefix(s, "file://")
}

// LocalPath strips the file:// scheme from a local URI.
func LocalPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// RemoteImageName extracts the filename component of a backend image
// reference. Works for both bare filenames and full download URLs.
func RemoteImageName(ref string) string {
	return path.Base(strings.TrimSuffix(ref, "/"))
}
