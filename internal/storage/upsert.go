package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// ApplyRecord durably writes or deletes one record, within a single
// transaction and the shared transient-error retry policy.
func (s *Store) ApplyRecord(ctx context.Context, rw domain.RecordWrite) error {
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := applyRecordTx(ctx, tx, rw); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// WriteBatch applies every record in rws, splitting into transactions
// of at most Store.batchSize records apiece: either all records of one
// sub-batch are durable or none are, so a backfill job's bookmark only
// ever advances past data that actually landed.
func (s *Store) WriteBatch(ctx context.Context, rws []domain.RecordWrite) error {
	for start := 0; start < len(rws); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rws) {
			end = len(rws)
		}
		chunk := rws[start:end]

		err := withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
			tx, err := s.pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			defer tx.Rollback(ctx)

			for _, rw := range chunk {
				if err := applyRecordTx(ctx, tx, rw); err != nil {
					return err
				}
			}
			return tx.Commit(ctx)
		})
		if err != nil {
			return fmt.Errorf("write batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func applyRecordTx(ctx context.Context, tx pgx.Tx, rw domain.RecordWrite) error {
	if err := ensurePrincipal(ctx, tx, rw.Author, rw.SeenAt); err != nil {
		return err
	}

	if rw.Operation == domain.OpDelete {
		return deleteByURI(ctx, tx, rw.URI)
	}

	switch rec := rw.Record.(type) {
	case domain.ProfileUpdate:
		return upsertProfile(ctx, tx, rw.Author, rw.SeenAt, rec)
	case domain.PostRecord:
		return upsertPost(ctx, tx, rec)
	case domain.FollowRecord:
		return upsertFollow(ctx, tx, rec)
	case domain.BlockRecord:
		return upsertBlock(ctx, tx, rec)
	case domain.RepostRecord:
		return upsertRepost(ctx, tx, rec)
	case domain.ListRecord:
		return upsertList(ctx, tx, rec)
	case domain.ListItemRecord:
		return upsertListItem(ctx, tx, rec)
	case domain.ListBlockRecord:
		return upsertListBlock(ctx, tx, rec)
	case domain.StarterPackRecord:
		return upsertStarterPack(ctx, tx, rec)
	case domain.FeedGeneratorRecord:
		return upsertFeed(ctx, tx, rec)
	case domain.LabelerRecord:
		return upsertLabeler(ctx, tx, rec)
	case domain.LikeRecord:
		return upsertLike(ctx, tx, rec)
	case domain.Observed, nil:
		// Already covered by ensurePrincipal above: observing an unknown
		// collection only bumps seen_at (§9).
		return nil
	default:
		return fmt.Errorf("apply record: unhandled entity kind %T", rec)
	}
}

// deleteByURI drops the row a delete commit targets. Which table to hit
// is derived from the URI's own collection segment, since a delete
// commit carries no decoded record to dispatch on.
func deleteByURI(ctx context.Context, tx pgx.Tx, uri syntax.ATURI) error {
	coll := uri.Collection()

	table, ok := collectionTables[coll.String()]
	if !ok {
		// Deleting a record of a collection we never index is a no-op,
		// not an error: there is nothing to remove.
		return nil
	}

	_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uri = $1`, table), string(uri))
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", uri, table, err)
	}
	return nil
}

var collectionTables = map[string]string{
	"app.bsky.feed.post":         "post",
	"app.bsky.feed.like":         "like",
	"app.bsky.feed.repost":       "repost",
	"app.bsky.feed.generator":    "feed",
	"app.bsky.graph.follow":      "follow",
	"app.bsky.graph.block":       "block",
	"app.bsky.graph.list":        "list",
	"app.bsky.graph.listitem":    "listitem",
	"app.bsky.graph.listblock":   "listblock",
	"app.bsky.graph.starterpack": "starterpack",
	"app.bsky.labeler.service":   "labeler",
}

func cidPtrStr(c *cid.Cid) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

func uriPtrStr(u *syntax.ATURI) *string {
	if u == nil {
		return nil
	}
	s := string(*u)
	return &s
}

func didPtrStr(d *syntax.DID) *string {
	if d == nil {
		return nil
	}
	s := string(*d)
	return &s
}

func rawJSON(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return m
}

// upsertProfile applies a profile record's fields to the did row, but
// only if seenAt is not strictly older than the row's current seen_at
// (spec §3: principal-field upserts are suppressed when a newer
// observation already landed). ensurePrincipal has already run earlier
// in this transaction and bumped did.seen_at to
// GREATEST(previous seen_at, seenAt), so "seen_at <= seenAt" here holds
// exactly when this write was not superseded by a newer seen_at value
// already stored — i.e. when seenAt is the newer (or tied) observation.
func upsertProfile(ctx context.Context, tx pgx.Tx, author syntax.DID, seenAt time.Time, p domain.ProfileUpdate) error {
	_, err := tx.Exec(ctx, `
		UPDATE did SET
			display_name = $2,
			description  = $3,
			avatar_cid   = $4,
			banner_cid   = $5,
			joined_via   = $6,
			pinned_post  = $7,
			labels       = $8,
			extra_data   = $9
		WHERE id = $1 AND seen_at <= $10`,
		string(author), p.DisplayName, p.Description, cidPtrStr(p.AvatarCID), cidPtrStr(p.BannerCID),
		uriPtrStr(p.JoinedVia), uriPtrStr(p.PinnedPost), pgTextArray(p.Labels), rawJSON(p.ExtraData), seenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile for %s: %w", author, err)
	}
	return nil
}

func upsertPost(ctx context.Context, tx pgx.Tx, rec domain.PostRecord) error {
	p := rec.Post
	_, err := tx.Exec(ctx, `
		INSERT INTO post (uri, author, created_at, text, parent_uri, root_uri, quoted_uri,
			via, original_url, langs, tags, links, labels, mentions, video, extra_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (uri) DO UPDATE SET
			created_at = $3, text = $4, parent_uri = $5, root_uri = $6, quoted_uri = $7,
			via = $8, original_url = $9, langs = $10, tags = $11, links = $12, labels = $13,
			mentions = $14, video = $15, extra_data = $16`,
		string(p.URI), string(p.Author), p.CreatedAt, p.Text, uriPtrStr(p.ParentURI), uriPtrStr(p.RootURI),
		uriPtrStr(p.QuotedURI), p.Via, p.OriginalURL, pgTextArray(p.Langs), pgTextArray(p.Tags),
		pgTextArray(p.Links), pgTextArray(p.Labels), pgDIDArray(p.Mentions), rawJSON(p.Video), rawJSON(p.ExtraData),
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", p.URI, err)
	}

	// Child rows are always deleted and reinserted: a post's image list
	// is replaced wholesale on every update, never patched entry-by-entry.
	if _, err := tx.Exec(ctx, `DELETE FROM post_image WHERE post_uri = $1`, string(p.URI)); err != nil {
		return fmt.Errorf("clear post_image for %s: %w", p.URI, err)
	}
	for i, img := range p.Images {
		var width, height *int64
		if img.AspectRatio != nil {
			width, height = &img.AspectRatio.Width, &img.AspectRatio.Height
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO post_image (post_uri, position, alt, blob_cid, width, height)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			string(p.URI), i, img.Alt, img.BlobCID.String(), width, height,
		)
		if err != nil {
			return fmt.Errorf("insert post_image for %s: %w", p.URI, err)
		}
	}
	return nil
}

func upsertFollow(ctx context.Context, tx pgx.Tx, rec domain.FollowRecord) error {
	f := rec.Follow
	if err := ensurePrincipal(ctx, tx, f.Subject, f.CreatedAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO follow (uri, actor, subject, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO UPDATE SET actor = $2, subject = $3, created_at = $4`,
		string(f.URI), string(f.Actor), string(f.Subject), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert follow %s: %w", f.URI, err)
	}
	return nil
}

func upsertBlock(ctx context.Context, tx pgx.Tx, rec domain.BlockRecord) error {
	b := rec.Block
	if err := ensurePrincipal(ctx, tx, b.Subject, b.CreatedAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO block (uri, actor, subject, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO UPDATE SET actor = $2, subject = $3, created_at = $4`,
		string(b.URI), string(b.Actor), string(b.Subject), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert block %s: %w", b.URI, err)
	}
	return nil
}

func upsertRepost(ctx context.Context, tx pgx.Tx, rec domain.RepostRecord) error {
	r := rec.Repost
	_, err := tx.Exec(ctx, `
		INSERT INTO repost (uri, actor, subject, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO UPDATE SET actor = $2, subject = $3, created_at = $4`,
		string(r.URI), string(r.Actor), string(r.Subject), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert repost %s: %w", r.URI, err)
	}
	return nil
}

func upsertList(ctx context.Context, tx pgx.Tx, rec domain.ListRecord) error {
	l := rec.List
	_, err := tx.Exec(ctx, `
		INSERT INTO list (uri, author, name, purpose, description, avatar_cid, labels, created_at, extra_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (uri) DO UPDATE SET
			name = $3, purpose = $4, description = $5, avatar_cid = $6, labels = $7,
			created_at = $8, extra_data = $9`,
		string(l.URI), string(l.Author), l.Name, l.Purpose, l.Description, cidPtrStr(l.AvatarCID),
		pgTextArray(l.Labels), l.CreatedAt, rawJSON(l.ExtraData),
	)
	if err != nil {
		return fmt.Errorf("upsert list %s: %w", l.URI, err)
	}
	return nil
}

func upsertListItem(ctx context.Context, tx pgx.Tx, rec domain.ListItemRecord) error {
	li := rec.ListItem
	if err := ensurePrincipal(ctx, tx, li.Subject, li.CreatedAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO listitem (uri, list_uri, subject, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO UPDATE SET list_uri = $2, subject = $3, created_at = $4`,
		string(li.URI), string(li.List), string(li.Subject), li.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listitem %s: %w", li.URI, err)
	}
	return nil
}

func upsertListBlock(ctx context.Context, tx pgx.Tx, rec domain.ListBlockRecord) error {
	lb := rec.ListBlock
	_, err := tx.Exec(ctx, `
		INSERT INTO listblock (uri, actor, list_uri, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO UPDATE SET actor = $2, list_uri = $3, created_at = $4`,
		string(lb.URI), string(lb.Actor), string(lb.List), lb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listblock %s: %w", lb.URI, err)
	}
	return nil
}

func upsertStarterPack(ctx context.Context, tx pgx.Tx, rec domain.StarterPackRecord) error {
	sp := rec.StarterPack
	_, err := tx.Exec(ctx, `
		INSERT INTO starterpack (uri, author, name, description, list_uri, created_at, extra_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (uri) DO UPDATE SET
			name = $3, description = $4, list_uri = $5, created_at = $6, extra_data = $7`,
		string(sp.URI), string(sp.Author), sp.Name, sp.Description, uriPtrStr(sp.ListURI),
		sp.CreatedAt, rawJSON(sp.ExtraData),
	)
	if err != nil {
		return fmt.Errorf("upsert starterpack %s: %w", sp.URI, err)
	}
	return nil
}

func upsertFeed(ctx context.Context, tx pgx.Tx, rec domain.FeedGeneratorRecord) error {
	f := rec.Feed
	_, err := tx.Exec(ctx, `
		INSERT INTO feed (uri, author, display_name, description, avatar_cid, created_at, extra_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (uri) DO UPDATE SET
			display_name = $3, description = $4, avatar_cid = $5, created_at = $6, extra_data = $7`,
		string(f.URI), string(f.Author), f.DisplayName, f.Description, cidPtrStr(f.AvatarCID),
		f.CreatedAt, rawJSON(f.ExtraData),
	)
	if err != nil {
		return fmt.Errorf("upsert feed %s: %w", f.URI, err)
	}
	return nil
}

func upsertLabeler(ctx context.Context, tx pgx.Tx, rec domain.LabelerRecord) error {
	l := rec.Labeler
	_, err := tx.Exec(ctx, `
		INSERT INTO labeler (uri, author, policies, created_at, extra_data)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (uri) DO UPDATE SET policies = $3, created_at = $4, extra_data = $5`,
		string(l.URI), string(l.Author), rawJSON(l.Policies), l.CreatedAt, rawJSON(l.ExtraData),
	)
	if err != nil {
		return fmt.Errorf("upsert labeler %s: %w", l.URI, err)
	}
	return nil
}

func upsertLike(ctx context.Context, tx pgx.Tx, rec domain.LikeRecord) error {
	l := rec.Like
	var post, feed, list, starterpack, labeler *string
	switch l.Target {
	case domain.LikeTargetPost:
		post = (*string)(&l.TargetURI)
	case domain.LikeTargetFeed:
		feed = (*string)(&l.TargetURI)
	case domain.LikeTargetList:
		list = (*string)(&l.TargetURI)
	case domain.LikeTargetStarterPack:
		starterpack = (*string)(&l.TargetURI)
	case domain.LikeTargetLabeler:
		labeler = (*string)(&l.TargetURI)
	default:
		return fmt.Errorf("upsert like %s: unresolved target", l.URI)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO "like" (uri, actor, target_post, target_feed, target_list, target_starterpack, target_labeler, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (uri) DO UPDATE SET
			target_post = $3, target_feed = $4, target_list = $5, target_starterpack = $6,
			target_labeler = $7, created_at = $8`,
		string(l.URI), string(l.Actor), post, feed, list, starterpack, labeler, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert like %s: %w", l.URI, err)
	}
	return nil
}

// pgTextArray and pgDIDArray normalize nil slices to an empty slice: pgx
// encodes a nil []string as SQL NULL, but every array column here is
// declared NOT NULL DEFAULT '{}'.
func pgTextArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func pgDIDArray(dids []syntax.DID) []string {
	out := make([]string, len(dids))
	for i, d := range dids {
		out[i] = string(d)
	}
	return out
}
