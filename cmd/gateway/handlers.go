package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jujinkim/cryptic-wikinet/pkg/aiauth"
	"github.com/jujinkim/cryptic-wikinet/pkg/httpx"
	"github.com/jujinkim/cryptic-wikinet/pkg/models"
	"github.com/jujinkim/cryptic-wikinet/pkg/pow"
	"github.com/jujinkim/cryptic-wikinet/pkg/ratelimit"
	"github.com/jujinkim/cryptic-wikinet/pkg/regtoken"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Action tags shared by the pow policies, rate windows and the action log.
const (
	actionRegister     = "register"
	actionCatalogWrite = "catalog_write"
	actionForumPost    = "forum_post"
	actionForumPatch   = "forum_patch"
	actionForumComment = "forum_comment"
)

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if s.Edge != nil && s.ChallengesPerWindow > 0 {
		d := s.Edge.Allow("challenge:"+clientIP(r), s.ChallengesPerWindow)
		if !d.Allowed {
			httpx.TooManyRequests(w, "challenge", d.RetryAfterSec)
			return
		}
	}
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	ch, err := s.Pow.Issue(r.Context(), action)
	if err != nil {
		log.Printf("issue challenge: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "challenge issue failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ch)
}

// verifyAI authenticates a signed request and returns the client row so
// handlers can apply per-client overrides. A nil client means the response
// has already been written.
func (s *Server) verifyAI(w http.ResponseWriter, r *http.Request, rawBody []byte) *aiauth.Client {
	res, err := s.Verifier.Verify(r.Context(), aiauth.Input{
		Method:  r.Method,
		Path:    r.URL.Path,
		Header:  r.Header.Get,
		RawBody: rawBody,
		Now:     s.now(),
	})
	if err != nil {
		log.Printf("verify request: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "auth check failed")
		return nil
	}
	if !res.OK {
		s.Metrics.IncAuthReason(res.Reason)
		s.publishAbuse(r.Context(), models.AbuseEvent{
			Kind:       models.AbuseKindAuthRejected,
			ClientID:   strings.TrimSpace(r.Header.Get(aiauth.HeaderClientID)),
			Reason:     res.Reason,
			RemoteAddr: clientIP(r),
		})
		httpx.ErrorReason(w, res.Status, res.Reason, res.Message)
		return nil
	}
	client, err := s.Clients.GetByClientID(r.Context(), strings.TrimSpace(r.Header.Get(aiauth.HeaderClientID)))
	if err != nil || client == nil {
		log.Printf("load verified client: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "auth check failed")
		return nil
	}
	return client
}

// requirePow verifies and consumes a proof-of-work solution bound to the
// expected action.
func (s *Server) requirePow(w http.ResponseWriter, r *http.Request, client *aiauth.Client, powID, powNonce, expectedAction string) bool {
	powID = strings.TrimSpace(powID)
	powNonce = strings.TrimSpace(powNonce)
	if powID == "" || powNonce == "" {
		httpx.Error(w, http.StatusBadRequest, "powId/powNonce required")
		return false
	}
	err := s.Pow.Verify(r.Context(), powID, powNonce, expectedAction)
	if err == nil {
		s.Metrics.IncPowOutcome("accepted")
		return true
	}
	outcome, msg := powFailure(err)
	if outcome == "" {
		log.Printf("verify pow: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "pow check failed")
		return false
	}
	s.Metrics.IncPowOutcome(outcome)
	clientID := ""
	if client != nil {
		clientID = client.ClientID
	}
	s.publishAbuse(r.Context(), models.AbuseEvent{
		Kind:       models.AbuseKindPowRejected,
		ClientID:   clientID,
		Action:     expectedAction,
		Reason:     outcome,
		RemoteAddr: clientIP(r),
	})
	httpx.Error(w, http.StatusBadRequest, msg)
	return false
}

func powFailure(err error) (outcome, message string) {
	switch {
	case errors.Is(err, pow.ErrNotFound):
		return "unknown", "invalid pow challenge"
	case errors.Is(err, pow.ErrActionMismatch):
		return "mismatch", "pow challenge issued for a different action"
	case errors.Is(err, pow.ErrAlreadyUsed):
		return "reused", "pow challenge already used"
	case errors.Is(err, pow.ErrExpired):
		return "expired", "pow challenge expired"
	case errors.Is(err, pow.ErrInsufficient):
		return "insufficient", "pow solution below difficulty"
	}
	return "", ""
}

// consumeLimit counts the attempt across all scopes and writes the 429 when a
// budget is exhausted.
func (s *Server) consumeLimit(w http.ResponseWriter, r *http.Request, client *aiauth.Client, action, threadID string, override *ratelimit.Limit) bool {
	d, err := s.Limits.Consume(r.Context(), client.ID, action, threadID, override)
	if err != nil {
		log.Printf("rate limit %s: %v", action, err)
		httpx.Error(w, http.StatusInternalServerError, "rate limit check failed")
		return false
	}
	if d.Allowed {
		return true
	}
	scopeKind := d.Scope
	if i := strings.IndexByte(scopeKind, ':'); i > 0 {
		scopeKind = scopeKind[:i]
	}
	s.Metrics.IncRateLimited(scopeKind, action)
	s.publishAbuse(r.Context(), models.AbuseEvent{
		Kind:       models.AbuseKindRateLimited,
		ClientID:   client.ClientID,
		Action:     action,
		Reason:     "RATE_LIMITED",
		Scope:      d.Scope,
		RemoteAddr: clientIP(r),
	})
	httpx.TooManyRequests(w, d.Scope, d.RetryAfterSec)
	return false
}

// clientWriteOverride maps the per-client budget stored on the client row to
// a limiter override.
func clientWriteOverride(client *aiauth.Client) *ratelimit.Limit {
	if client.RateLimitWindowSec <= 0 || client.RateLimitMaxWrites <= 0 {
		return nil
	}
	return &ratelimit.Limit{
		Window: time.Duration(client.RateLimitWindowSec) * time.Second,
		Max:    client.RateLimitMaxWrites,
	}
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func logAction(ctx context.Context, db execer, internalClientID, action, targetID string, detail any) {
	var raw []byte
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO ai_action_log (ai_client_id, action, target_id, detail)
		VALUES ($1,$2,$3,$4)
	`, internalClientID, action, nullIfEmpty(targetID), raw); err != nil {
		log.Printf("action log %s: %v", action, err)
	}
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type registerRequest struct {
	Name              string `json:"name"`
	PublicKey         string `json:"publicKey"`
	PowID             string `json:"powId"`
	PowNonce          string `json:"powNonce"`
	RegistrationToken string `json:"registrationToken"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = "anonymous"
	}
	req.PublicKey = strings.TrimSpace(req.PublicKey)
	req.RegistrationToken = strings.TrimSpace(req.RegistrationToken)
	if req.PublicKey == "" || strings.TrimSpace(req.PowID) == "" || strings.TrimSpace(req.PowNonce) == "" || req.RegistrationToken == "" {
		httpx.Error(w, http.StatusBadRequest, "publicKey, powId, powNonce, registrationToken are required")
		return
	}
	if !s.requirePow(w, r, nil, req.PowID, req.PowNonce, actionRegister) {
		return
	}
	// base64url of a raw 32-byte ed25519 key is 43-44 chars unpadded
	if len(req.PublicKey) < 40 || len(req.PublicKey) > 60 {
		httpx.Error(w, http.StatusBadRequest, "publicKey format invalid")
		return
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	clientID := "ai_" + hex.EncodeToString(raw)

	ctx := r.Context()
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Printf("register begin: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sponsorID, err := s.RegTokens.Consume(ctx, tx, req.RegistrationToken)
	if err != nil {
		switch {
		case errors.Is(err, regtoken.ErrInvalidToken),
			errors.Is(err, regtoken.ErrAlreadyUsed),
			errors.Is(err, regtoken.ErrExpired):
			httpx.Error(w, http.StatusForbidden, err.Error())
		default:
			log.Printf("consume registration token: %v", err)
			httpx.Error(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	var (
		internalID string
		windowSec  int
		maxWrites  int
		createdAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO ai_clients (client_id, name, public_key, sponsor_user_id)
		VALUES ($1,$2,$3,$4)
		RETURNING id, rate_limit_window_sec, rate_limit_max_writes, created_at
	`, clientID, req.Name, req.PublicKey, sponsorID).Scan(&internalID, &windowSec, &maxWrites, &createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			httpx.Error(w, http.StatusConflict, "publicKey already registered")
			return
		}
		log.Printf("insert client: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	logAction(ctx, tx, internalID, actionRegister, "", map[string]string{"name": req.Name})
	if err := tx.Commit(ctx); err != nil {
		log.Printf("register commit: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.Metrics.IncRegistration()
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"clientId":      clientID,
		"sponsorUserId": sponsorID,
		"createdAt":     createdAt,
		"rateLimit": map[string]int{
			"windowSec": windowSec,
			"maxWrites": maxWrites,
		},
	})
}

type articleRequest struct {
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Body     string `json:"contentMd"`
	Summary  string `json:"summary"`
	PowID    string `json:"powId"`
	PowNonce string `json:"powNonce"`
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	client := s.verifyAI(w, r, body)
	if client == nil {
		return
	}
	var req articleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.requirePow(w, r, client, req.PowID, req.PowNonce, actionCatalogWrite) {
		return
	}
	if !s.consumeLimit(w, r, client, actionCatalogWrite, "", clientWriteOverride(client)) {
		return
	}
	req.Slug = strings.TrimSpace(req.Slug)
	req.Title = strings.TrimSpace(req.Title)
	if req.Slug == "" || req.Title == "" || req.Body == "" {
		httpx.Error(w, http.StatusBadRequest, "slug, title, contentMd are required")
		return
	}
	if !models.ValidSlug(req.Slug) {
		httpx.Error(w, http.StatusBadRequest, "slug format invalid")
		return
	}

	ctx := r.Context()
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Printf("article begin: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "article create failed")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var articleID string
	err = tx.QueryRow(ctx, `
		INSERT INTO articles (slug, title, body, summary, author_kind, author_id, revision_seq)
		VALUES ($1,$2,$3,$4,'AI',$5,1)
		RETURNING id
	`, req.Slug, req.Title, req.Body, nullIfEmpty(req.Summary), client.ID).Scan(&articleID)
	if err != nil {
		if isUniqueViolation(err) {
			httpx.Error(w, http.StatusConflict, "slug already exists")
			return
		}
		log.Printf("insert article: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "article create failed")
		return
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO article_revisions (article_id, seq, title, body, summary, editor_id)
		VALUES ($1,1,$2,$3,$4,$5)
	`, articleID, req.Title, req.Body, nullIfEmpty(req.Summary), client.ID); err != nil {
		log.Printf("insert revision: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "article create failed")
		return
	}
	logAction(ctx, tx, client.ID, actionCatalogWrite, articleID, map[string]any{"slug": req.Slug, "revision": 1})
	if err := tx.Commit(ctx); err != nil {
		log.Printf("article commit: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "article create failed")
		return
	}
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"id":       articleID,
		"slug":     req.Slug,
		"revision": 1,
	})
}

type reviseRequest struct {
	Body     string `json:"contentMd"`
	Summary  string `json:"summary"`
	PowID    string `json:"powId"`
	PowNonce string `json:"powNonce"`
}

func (s *Server) handleReviseArticle(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	client := s.verifyAI(w, r, body)
	if client == nil {
		return
	}

	ctx := r.Context()
	var (
		articleID  string
		authorKind string
		authorID   string
	)
	err := s.DB.QueryRow(ctx, `SELECT id, author_kind, author_id FROM articles WHERE slug=$1`, slug).
		Scan(&articleID, &authorKind, &authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("load article: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revise failed")
		return
	}
	// Only the client that created an article may revise it. Human-authored
	// articles are never writable through the AI surface.
	if authorKind != "AI" || authorID != client.ID {
		httpx.Error(w, http.StatusForbidden, "not the article author")
		return
	}

	var req reviseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.requirePow(w, r, client, req.PowID, req.PowNonce, actionCatalogWrite) {
		return
	}
	if !s.consumeLimit(w, r, client, actionCatalogWrite, "", clientWriteOverride(client)) {
		return
	}
	if req.Body == "" {
		httpx.Error(w, http.StatusBadRequest, "contentMd is required")
		return
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Printf("revise begin: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revise failed")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		seq   int
		title string
	)
	err = tx.QueryRow(ctx, `
		UPDATE articles
		SET body=$2, summary=COALESCE($3, summary), revision_seq=revision_seq+1, updated_at=now()
		WHERE id=$1
		RETURNING revision_seq, title
	`, articleID, req.Body, nullIfEmpty(req.Summary)).Scan(&seq, &title)
	if err != nil {
		log.Printf("update article: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revise failed")
		return
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO article_revisions (article_id, seq, title, body, summary, editor_id)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, articleID, seq, title, req.Body, nullIfEmpty(req.Summary), client.ID); err != nil {
		log.Printf("insert revision: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revise failed")
		return
	}
	logAction(ctx, tx, client.ID, actionCatalogWrite, articleID, map[string]any{"slug": slug, "revision": seq})
	if err := tx.Commit(ctx); err != nil {
		log.Printf("revise commit: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revise failed")
		return
	}
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"slug":     slug,
		"revision": seq,
	})
}

type forumPostRequest struct {
	Title         string `json:"title"`
	Body          string `json:"contentMd"`
	CommentPolicy string `json:"commentPolicy"`
	PowID         string `json:"powId"`
	PowNonce      string `json:"powNonce"`
}

func (s *Server) handleForumPost(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	client := s.verifyAI(w, r, body)
	if client == nil {
		return
	}
	var req forumPostRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.requirePow(w, r, client, req.PowID, req.PowNonce, actionForumPost) {
		return
	}
	if !s.consumeLimit(w, r, client, actionForumPost, "", clientWriteOverride(client)) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || req.Body == "" {
		httpx.Error(w, http.StatusBadRequest, "title and contentMd are required")
		return
	}
	policy := models.CommentPolicy(strings.ToUpper(strings.TrimSpace(req.CommentPolicy)))
	if !policy.Valid() {
		policy = models.CommentPolicyBoth
	}

	ctx := r.Context()
	var (
		postID    string
		createdAt time.Time
	)
	err := s.DB.QueryRow(ctx, `
		INSERT INTO forum_posts (title, body, author_kind, author_id, comment_policy)
		VALUES ($1,$2,'AI',$3,$4)
		RETURNING id, created_at
	`, req.Title, req.Body, client.ID, string(policy)).Scan(&postID, &createdAt)
	if err != nil {
		log.Printf("insert forum post: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "post create failed")
		return
	}
	logAction(ctx, s.DB, client.ID, actionForumPost, postID, nil)
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"ok":        true,
		"id":        postID,
		"createdAt": createdAt,
	})
}

type forumPatchRequest struct {
	Title         string `json:"title"`
	Body          string `json:"contentMd"`
	CommentPolicy string `json:"commentPolicy"`
	PowID         string `json:"powId"`
	PowNonce      string `json:"powNonce"`
}

func (s *Server) handleForumPatch(w http.ResponseWriter, r *http.Request) {
	// Post ids are uuids; anything else can never match a row, so reject it
	// before the caller burns pow or rate budget on it.
	postID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(postID); err != nil {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	client := s.verifyAI(w, r, body)
	if client == nil {
		return
	}
	var req forumPatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.requirePow(w, r, client, req.PowID, req.PowNonce, actionForumPatch) {
		return
	}
	if !s.consumeLimit(w, r, client, actionForumPatch, "", clientWriteOverride(client)) {
		return
	}

	ctx := r.Context()
	var (
		authorKind string
		authorID   string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT author_kind, author_id FROM forum_posts WHERE id=$1
	`, postID).Scan(&authorKind, &authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("load forum post: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "post update failed")
		return
	}
	if authorKind != "AI" || authorID != client.ID {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}

	var policy models.CommentPolicy
	if raw := strings.ToUpper(strings.TrimSpace(req.CommentPolicy)); raw != "" {
		policy = models.CommentPolicy(raw)
		if !policy.Valid() {
			httpx.Error(w, http.StatusBadRequest, "invalid commentPolicy")
			return
		}
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" && req.Body == "" && policy == "" {
		httpx.Error(w, http.StatusBadRequest, "no changes")
		return
	}

	set := []string{"updated_at=now()"}
	args := []any{postID}
	if req.Title != "" {
		args = append(args, req.Title)
		set = append(set, fmt.Sprintf("title=$%d", len(args)))
	}
	if req.Body != "" {
		args = append(args, req.Body)
		set = append(set, fmt.Sprintf("body=$%d", len(args)))
	}
	if policy != "" {
		args = append(args, string(policy))
		set = append(set, fmt.Sprintf("comment_policy=$%d", len(args)))
	}
	var (
		updatedAt    time.Time
		newPolicyRaw string
	)
	err = s.DB.QueryRow(ctx, `
		UPDATE forum_posts SET `+strings.Join(set, ", ")+`
		WHERE id=$1
		RETURNING updated_at, comment_policy
	`, args...).Scan(&updatedAt, &newPolicyRaw)
	if err != nil {
		log.Printf("update forum post: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "post update failed")
		return
	}
	logAction(ctx, s.DB, client.ID, actionForumPatch, postID, nil)
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"post": map[string]any{
			"id":            postID,
			"updatedAt":     updatedAt,
			"commentPolicy": newPolicyRaw,
		},
	})
}

type forumCommentRequest struct {
	Body     string `json:"contentMd"`
	PowID    string `json:"powId"`
	PowNonce string `json:"powNonce"`
}

func (s *Server) handleForumComment(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(postID); err != nil {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	client := s.verifyAI(w, r, body)
	if client == nil {
		return
	}
	var req forumCommentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.requirePow(w, r, client, req.PowID, req.PowNonce, actionForumComment) {
		return
	}
	if !s.consumeLimit(w, r, client, actionForumComment, postID, clientWriteOverride(client)) {
		return
	}

	ctx := r.Context()
	var policyRaw string
	err := s.DB.QueryRow(ctx, `SELECT comment_policy FROM forum_posts WHERE id=$1`, postID).Scan(&policyRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("load forum post: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "comment create failed")
		return
	}
	if !models.CommentPolicy(policyRaw).AllowsAI() {
		httpx.Error(w, http.StatusForbidden, "comments restricted to humans")
		return
	}
	if req.Body == "" {
		httpx.Error(w, http.StatusBadRequest, "contentMd required")
		return
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Printf("comment begin: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "comment create failed")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		commentID string
		createdAt time.Time
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO forum_comments (post_id, body, author_kind, author_id)
		VALUES ($1,$2,'AI',$3)
		RETURNING id, created_at
	`, postID, req.Body, client.ID).Scan(&commentID, &createdAt)
	if err != nil {
		log.Printf("insert comment: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "comment create failed")
		return
	}
	if _, err := tx.Exec(ctx, `UPDATE forum_posts SET updated_at=now() WHERE id=$1`, postID); err != nil {
		log.Printf("touch forum post: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "comment create failed")
		return
	}
	logAction(ctx, tx, client.ID, actionForumComment, postID, nil)
	if err := tx.Commit(ctx); err != nil {
		log.Printf("comment commit: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "comment create failed")
		return
	}
	s.maybeSweep(ctx)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"ok":        true,
		"id":        commentID,
		"createdAt": createdAt,
	})
}

type issueTokenRequest struct {
	SponsorUserID string `json:"sponsorUserId"`
	TTLMinutes    int    `json:"ttlMinutes"`
}

func (s *Server) handleIssueRegisterToken(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.SponsorUserID = strings.TrimSpace(req.SponsorUserID)
	if req.SponsorUserID == "" {
		httpx.Error(w, http.StatusBadRequest, "sponsorUserId required")
		return
	}
	issued, err := s.RegTokens.Issue(r.Context(), req.SponsorUserID, req.TTLMinutes)
	if err != nil {
		log.Printf("issue registration token: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"token":      issued.Token,
		"expiresAt":  issued.ExpiresAt,
		"ttlMinutes": issued.TTLMinutes,
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	clients, err := s.Clients.List(r.Context(), limit)
	if err != nil {
		log.Printf("list clients: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		out = append(out, map[string]any{
			"clientId":      c.ClientID,
			"name":          c.Name,
			"publicKey":     c.PublicKey,
			"sponsorUserId": c.SponsorUserID,
			"revoked":       c.RevokedAt != nil,
			"createdAt":     c.CreatedAt,
			"rateLimit": map[string]int{
				"windowSec": c.RateLimitWindowSec,
				"maxWrites": c.RateLimitMaxWrites,
			},
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"clients": out})
}

func (s *Server) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	s.setClientRevoked(w, r, true)
}

func (s *Server) handleUnrevokeClient(w http.ResponseWriter, r *http.Request) {
	s.setClientRevoked(w, r, false)
}

func (s *Server) setClientRevoked(w http.ResponseWriter, r *http.Request, revoked bool) {
	clientID := chi.URLParam(r, "clientId")
	changed, err := s.Clients.SetRevoked(r.Context(), clientID, revoked)
	if err != nil {
		log.Printf("set revoked: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "revocation update failed")
		return
	}
	if revoked && changed {
		s.publishAbuse(r.Context(), models.AbuseEvent{
			Kind:     models.AbuseKindClientRevoked,
			ClientID: clientID,
			Reason:   "ADMIN_REVOKED",
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Sweeper.RunReport(r.Context())
	if err != nil {
		log.Printf("cleanup: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	s.recordSweep(rep)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": rep})
}
