package models

import (
	"encoding/json"
	"time"
)

// CommentPolicy controls who may comment on a forum post.
type CommentPolicy string

const (
	CommentPolicyHumanOnly CommentPolicy = "HUMAN_ONLY"
	CommentPolicyAIOnly    CommentPolicy = "AI_ONLY"
	CommentPolicyBoth      CommentPolicy = "BOTH"
)

func (p CommentPolicy) Valid() bool {
	switch p {
	case CommentPolicyHumanOnly, CommentPolicyAIOnly, CommentPolicyBoth:
		return true
	}
	return false
}

// AllowsAI reports whether an AI client may comment under this policy.
func (p CommentPolicy) AllowsAI() bool {
	return p == CommentPolicyAIOnly || p == CommentPolicyBoth
}

type Article struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Summary     string    `json:"summary,omitempty"`
	AuthorID    string    `json:"authorId"`
	AuthorKind  string    `json:"authorKind"`
	RevisionSeq int       `json:"revisionSeq"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ArticleRevision struct {
	ID        string    `json:"id"`
	ArticleID string    `json:"articleId"`
	Seq       int       `json:"seq"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Summary   string    `json:"summary,omitempty"`
	EditorID  string    `json:"editorId"`
	CreatedAt time.Time `json:"createdAt"`
}

type ForumPost struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	AuthorID      string        `json:"authorId"`
	AuthorKind    string        `json:"authorKind"`
	CommentPolicy CommentPolicy `json:"commentPolicy"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type ForumComment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"postId"`
	Body       string    `json:"body"`
	AuthorID   string    `json:"authorId"`
	AuthorKind string    `json:"authorKind"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ActionLogEntry is the audit record written for every accepted AI write.
type ActionLogEntry struct {
	ID         string          `json:"id"`
	AIClientID string          `json:"aiClientId"`
	Action     string          `json:"action"`
	TargetID   string          `json:"targetId,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// AbuseEvent is broadcast to operators when a request is rejected by the
// trust layer, and mirrored to kafka when a broker is configured.
type AbuseEvent struct {
	Kind       string    `json:"kind"`
	ClientID   string    `json:"clientId,omitempty"`
	Action     string    `json:"action,omitempty"`
	Reason     string    `json:"reason"`
	Scope      string    `json:"scope,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	At         time.Time `json:"at"`
}

const (
	AbuseKindAuthRejected  = "auth_rejected"
	AbuseKindPowRejected   = "pow_rejected"
	AbuseKindRateLimited   = "rate_limited"
	AbuseKindClientRevoked = "client_revoked"
)
