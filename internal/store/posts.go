package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostInput carries one collected post into UpsertPost.
type PostInput struct {
	Platform       string
	PlatformPostID string
	AuthorHandle   string
	AuthorName     string
	Body           string
	MediaURLs      []string
	URL            string
	ContentHash    string
	PublishedAt    *time.Time
	IsRepost       bool
	IsReply        bool
}

// UpsertPost ingests one post idempotently. When a platform post id is
// available the natural key is (platform, platform_post_id); otherwise
// (platform, author_handle, content_hash). Re-ingestion bumps
// last_seen_at and backfills a previously missing body; it never
// duplicates the row. Returns the post's id.
func (s *Store) UpsertPost(in PostInput) (int64, error) {
	mediaJSON, _ := json.Marshal(in.MediaURLs)
	now := time.Now().UTC()

	var body any
	if in.Body != "" {
		body = in.Body
	}

	conflict := `ON CONFLICT(platform, platform_post_id) WHERE platform_post_id != ''`
	if in.PlatformPostID == "" {
		conflict = `ON CONFLICT(platform, author_handle, content_hash) WHERE platform_post_id = ''`
	}

	var id int64
	err := s.db.QueryRow(fmt.Sprintf(`
		INSERT INTO posts (platform, platform_post_id, author_handle, author_name, body,
			media_urls, url, content_hash, published_at, is_repost, is_reply,
			first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		%s DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			body = COALESCE(posts.body, excluded.body),
			published_at = COALESCE(posts.published_at, excluded.published_at),
			content_hash = excluded.content_hash
		RETURNING id
	`, conflict),
		in.Platform, in.PlatformPostID, in.AuthorHandle, in.AuthorName, body,
		string(mediaJSON), in.URL, in.ContentHash, in.PublishedAt, in.IsRepost, in.IsReply,
		now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert post: %w", err)
	}
	return id, nil
}

// FindPostByPlatformID resolves a post by its platform natural key.
func (s *Store) FindPostByPlatformID(platform, platformPostID string) (*Post, error) {
	row := s.db.QueryRow(postSelect+` WHERE platform = ? AND platform_post_id = ?`,
		platform, platformPostID)
	return scanPost(row)
}

// GetPost fetches one post by id.
func (s *Store) GetPost(id int64) (*Post, error) {
	row := s.db.QueryRow(postSelect+` WHERE id = ?`, id)
	return scanPost(row)
}

// ListPostsFirstSeenSince returns posts for a platform first seen at or
// after since, ordered by id. This is the triage stage's input set.
func (s *Store) ListPostsFirstSeenSince(platform string, since time.Time, limit int) ([]Post, error) {
	rows, err := s.db.Query(postSelect+`
		WHERE platform = ? AND first_seen_at >= ?
		ORDER BY id
		LIMIT ?`, platform, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

const postSelect = `
	SELECT id, platform, platform_post_id, author_handle, author_name, body,
		media_urls, url, content_hash, published_at, is_repost, is_reply,
		first_seen_at, last_seen_at
	FROM posts`

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var body sql.NullString
	var mediaJSON string
	var published sql.NullTime
	err := row.Scan(&p.ID, &p.Platform, &p.PlatformPostID, &p.AuthorHandle, &p.AuthorName,
		&body, &mediaJSON, &p.URL, &p.ContentHash, &published, &p.IsRepost, &p.IsReply,
		&p.FirstSeenAt, &p.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if body.Valid {
		p.Body = &body.String
	}
	if published.Valid {
		t := published.Time
		p.PublishedAt = &t
	}
	json.Unmarshal([]byte(mediaJSON), &p.MediaURLs)
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]Post, error) {
	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// CommentInput carries one collected comment into UpsertComment.
type CommentInput struct {
	PostID            int64
	PlatformCommentID string
	ParentCommentID   *int64
	AuthorHandle      string
	AuthorName        string
	Body              string
	ContentHash       string
	PublishedAt       *time.Time
}

// UpsertComment ingests one comment idempotently under its post.
func (s *Store) UpsertComment(in CommentInput) (int64, error) {
	now := time.Now().UTC()

	if in.PlatformCommentID == "" {
		// No platform id: content hash under the post is the only key.
		var id int64
		err := s.db.QueryRow(`
			SELECT id FROM comments WHERE post_id = ? AND content_hash = ? AND platform_comment_id = ''
		`, in.PostID, in.ContentHash).Scan(&id)
		if err == nil {
			_, err = s.db.Exec(`UPDATE comments SET last_seen_at = ? WHERE id = ?`, now, id)
			return id, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		res, err := s.db.Exec(`
			INSERT INTO comments (post_id, platform_comment_id, parent_comment_id, author_handle,
				author_name, body, content_hash, published_at, first_seen_at, last_seen_at)
			VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.PostID, in.ParentCommentID, in.AuthorHandle, in.AuthorName, in.Body,
			in.ContentHash, in.PublishedAt, now, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert comment: %w", err)
		}
		return res.LastInsertId()
	}

	var id int64
	err := s.db.QueryRow(`
		INSERT INTO comments (post_id, platform_comment_id, parent_comment_id, author_handle,
			author_name, body, content_hash, published_at, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(post_id, platform_comment_id) WHERE platform_comment_id != '' DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			body = CASE WHEN comments.body = '' THEN excluded.body ELSE comments.body END
		RETURNING id
	`, in.PostID, in.PlatformCommentID, in.ParentCommentID, in.AuthorHandle, in.AuthorName,
		in.Body, in.ContentHash, in.PublishedAt, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert comment: %w", err)
	}
	return id, nil
}

// ListRecentTopLevelComments returns the newest top-level comments
// under a post, used as context for draft generation.
func (s *Store) ListRecentTopLevelComments(postID int64, limit int) ([]Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, post_id, platform_comment_id, parent_comment_id, author_handle,
			author_name, body, content_hash, published_at, first_seen_at, last_seen_at
		FROM comments
		WHERE post_id = ? AND parent_comment_id IS NULL
		ORDER BY COALESCE(published_at, first_seen_at) DESC
		LIMIT ?
	`, postID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var parent sql.NullInt64
		var published sql.NullTime
		err := rows.Scan(&c.ID, &c.PostID, &c.PlatformCommentID, &parent, &c.AuthorHandle,
			&c.AuthorName, &c.Body, &c.ContentHash, &published, &c.FirstSeenAt, &c.LastSeenAt)
		if err != nil {
			return nil, err
		}
		if parent.Valid {
			v := parent.Int64
			c.ParentCommentID = &v
		}
		if published.Valid {
			t := published.Time
			c.PublishedAt = &t
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// CountComments returns the number of persisted comments for a post.
func (s *Store) CountComments(postID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM comments WHERE post_id = ?`, postID).Scan(&n)
	return n, err
}

// InsertMetricSnapshot records a point-in-time engagement reading.
func (s *Store) InsertMetricSnapshot(postID int64, likes, replies, reposts, views *int64) error {
	_, err := s.db.Exec(`
		INSERT INTO post_metrics (post_id, likes, replies, reposts, views, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, postID, likes, replies, reposts, views, time.Now().UTC())
	return err
}
