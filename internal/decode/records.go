package decode

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

func lexiconType(m map[string]any) string {
	t, _ := getString(m, "$type")
	if i := strings.IndexByte(t, '#'); i >= 0 {
		return t[:i]
	}
	return t
}

// extractSelfLabels reads a com.atproto.label.defs#selfLabels wrapper,
// the shape both profile and post records use for author-applied labels.
func extractSelfLabels(m map[string]any, key string) []string {
	wrapper, ok := getMap(m, key)
	if !ok {
		return nil
	}
	values := getMapSlice(wrapper, "values")
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if val, ok := getString(v, "val"); ok {
			out = append(out, val)
		}
	}
	return out
}

func (d *Decoder) extractProfile(m map[string]any) (domain.Entity, error) {
	p := domain.ProfileUpdate{
		DisplayName: getStringPtr(m, "displayName"),
		Description: getStringPtr(m, "description"),
		Labels:      extractSelfLabels(m, "labels"),
	}
	if b, ok := d.getBlob(m, "avatar"); ok {
		p.AvatarCID = &b.CID
	}
	if b, ok := d.getBlob(m, "banner"); ok {
		p.BannerCID = &b.CID
	}
	if u, ok := getATURI(m, "joinedViaStarterPack"); ok {
		p.JoinedVia = u
	}
	if u, ok := getATURI(m, "pinnedPost"); ok {
		p.PinnedPost = u
	}
	p.ExtraData = remainder(m, "displayName", "description", "avatar", "banner", "joinedViaStarterPack", "pinnedPost", "labels")
	return p, nil
}

func (d *Decoder) extractPost(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.feed.post"
	text, _ := getString(m, "text")
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}

	post := domain.Post{
		URI:       uri,
		Author:    author,
		CreatedAt: createdAt,
		Text:      text,
		Langs:     getStringSlice(m, "langs"),
		Labels:    extractSelfLabels(m, "labels"),
	}

	if reply, ok := getMap(m, "reply"); ok {
		if root, ok := getATURI(reply, "root"); ok {
			post.RootURI = root
		}
		if parent, ok := getATURI(reply, "parent"); ok {
			post.ParentURI = parent
		}
	}

	tags := getStringSlice(m, "tags")

	if facets := getMapSlice(m, "facets"); facets != nil {
		for _, facet := range facets {
			for _, feature := range getMapSlice(facet, "features") {
				switch lexiconType(feature) {
				case "app.bsky.richtext.facet#mention", "app.bsky.richtext.facet.mention":
					if did, ok := getString(feature, "did"); ok {
						if d, err := syntax.ParseDID(did); err == nil {
							post.Mentions = append(post.Mentions, d)
						}
					}
				case "app.bsky.richtext.facet#link", "app.bsky.richtext.facet.link":
					if uri, ok := getString(feature, "uri"); ok {
						post.Links = append(post.Links, uri)
					}
				case "app.bsky.richtext.facet#tag", "app.bsky.richtext.facet.tag":
					if tag, ok := getString(feature, "tag"); ok {
						tags = append(tags, tag)
					}
				}
			}
		}
	}
	post.Tags = tags

	if embed, ok := getMap(m, "embed"); ok {
		d.applyEmbed(&post, embed)
	}

	post.ExtraData = remainder(m, "text", "createdAt", "langs", "labels", "reply", "tags", "facets", "embed")
	return domain.PostRecord{Post: post}, nil
}

// applyEmbed populates the image/link/quote/video fields of post from a
// post's embed object, unwrapping the one level of recordWithMedia
// nesting the lexicon allows.
func (d *Decoder) applyEmbed(post *domain.Post, embed map[string]any) {
	switch lexiconType(embed) {
	case "app.bsky.embed.external":
		if ext, ok := getMap(embed, "external"); ok {
			if u, ok := getString(ext, "uri"); ok {
				post.Links = append(post.Links, u)
				post.OriginalURL = &u
			}
		}
	case "app.bsky.embed.images":
		post.Images = append(post.Images, d.extractImages(embed)...)
	case "app.bsky.embed.video":
		if raw, err := json.Marshal(embed); err == nil {
			post.Video = raw
		}
	case "app.bsky.embed.record":
		if rec, ok := getMap(embed, "record"); ok {
			if u, ok := getString(rec, "uri"); ok {
				q := syntax.ATURI(u)
				post.QuotedURI = &q
			}
		}
	case "app.bsky.embed.recordWithMedia":
		if rec, ok := getMap(embed, "record"); ok {
			if inner, ok := getMap(rec, "record"); ok {
				if u, ok := getString(inner, "uri"); ok {
					q := syntax.ATURI(u)
					post.QuotedURI = &q
				}
			}
		}
		if media, ok := getMap(embed, "media"); ok {
			d.applyEmbed(post, media)
		}
	}
}

func (d *Decoder) extractImages(embed map[string]any) []domain.PostImage {
	var out []domain.PostImage
	for _, img := range getMapSlice(embed, "images") {
		alt, _ := getString(img, "alt")
		pi := domain.PostImage{Alt: alt}
		if b, ok := d.getBlob(img, "image"); ok {
			pi.BlobCID = b.CID
		}
		if ar, ok := getMap(img, "aspectRatio"); ok {
			w, wok := getInt64(ar, "width")
			h, hok := getInt64(ar, "height")
			if wok && hok {
				pi.AspectRatio = &domain.AspectRatio{Width: w, Height: h}
			}
		}
		out = append(out, pi)
	}
	return out
}

func (d *Decoder) extractFollow(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.follow"
	subject, ok := getString(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	subjectDID, err := syntax.ParseDID(subject)
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: "invalid subject did: " + err.Error()}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	return domain.FollowRecord{Follow: domain.Follow{URI: uri, Actor: author, Subject: subjectDID, CreatedAt: createdAt}}, nil
}

func (d *Decoder) extractBlock(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.block"
	subject, ok := getString(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	subjectDID, err := syntax.ParseDID(subject)
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: "invalid subject did: " + err.Error()}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	return domain.BlockRecord{Block: domain.Block{URI: uri, Actor: author, Subject: subjectDID, CreatedAt: createdAt}}, nil
}

func (d *Decoder) extractRepost(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.feed.repost"
	subject, ok := getATURI(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	return domain.RepostRecord{Repost: domain.Repost{URI: uri, Actor: author, Subject: *subject, CreatedAt: createdAt}}, nil
}

// likeTargetCollections maps a liked record's own collection back to the
// LikeTarget enum (invariant 4: exactly one of five mutually exclusive
// target kinds).
var likeTargetCollections = map[string]domain.LikeTarget{
	"app.bsky.feed.post":         domain.LikeTargetPost,
	"app.bsky.feed.generator":    domain.LikeTargetFeed,
	"app.bsky.graph.list":        domain.LikeTargetList,
	"app.bsky.graph.starterpack": domain.LikeTargetStarterPack,
	"app.bsky.labeler.service":   domain.LikeTargetLabeler,
}

func (d *Decoder) extractLike(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.feed.like"
	subject, ok := getATURI(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	parsed, err := syntax.ParseATURI(string(*subject))
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: "invalid subject uri: " + err.Error()}
	}
	target, ok := likeTargetCollections[parsed.Collection().String()]
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: fmt.Sprintf("unsupported like target collection %q", parsed.Collection())}
	}
	return domain.LikeRecord{Like: domain.Like{
		URI: uri, Actor: author, Target: target, TargetURI: *subject, CreatedAt: createdAt,
	}}, nil
}

func (d *Decoder) extractList(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.list"
	name, _ := getString(m, "name")
	purpose, _ := getString(m, "purpose")
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	l := domain.List{
		URI: uri, Author: author, Name: name, Purpose: purpose,
		Description: getStringPtr(m, "description"),
		CreatedAt:   createdAt,
		Labels:      extractSelfLabels(m, "labels"),
	}
	if b, ok := d.getBlob(m, "avatar"); ok {
		l.AvatarCID = &b.CID
	}
	l.ExtraData = remainder(m, "name", "purpose", "description", "avatar", "createdAt", "labels")
	return domain.ListRecord{List: l}, nil
}

func (d *Decoder) extractListItem(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.listitem"
	list, ok := getString(m, "list")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing list"}
	}
	subject, ok := getString(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	subjectDID, err := syntax.ParseDID(subject)
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: "invalid subject did: " + err.Error()}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	return domain.ListItemRecord{ListItem: domain.ListItem{
		URI: uri, List: syntax.ATURI(list), Subject: subjectDID, CreatedAt: createdAt,
	}}, nil
}

func (d *Decoder) extractListBlock(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.listblock"
	list, ok := getString(m, "subject")
	if !ok {
		return nil, &domain.BadRecord{Collection: coll, Reason: "missing subject"}
	}
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	return domain.ListBlockRecord{ListBlock: domain.ListBlock{
		URI: uri, Actor: author, List: syntax.ATURI(list), CreatedAt: createdAt,
	}}, nil
}

func (d *Decoder) extractStarterPack(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.graph.starterpack"
	name, _ := getString(m, "name")
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	sp := domain.StarterPack{
		URI: uri, Author: author, Name: name,
		Description: getStringPtr(m, "description"),
		CreatedAt:   createdAt,
	}
	if u, ok := getATURI(m, "list"); ok {
		sp.ListURI = u
	}
	sp.ExtraData = remainder(m, "name", "description", "list", "createdAt")
	return domain.StarterPackRecord{StarterPack: sp}, nil
}

func (d *Decoder) extractFeedGenerator(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.feed.generator"
	displayName, _ := getString(m, "displayName")
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	f := domain.Feed{
		URI: uri, Author: author, DisplayName: displayName,
		Description: getStringPtr(m, "description"),
		CreatedAt:   createdAt,
	}
	if b, ok := d.getBlob(m, "avatar"); ok {
		f.AvatarCID = &b.CID
	}
	f.ExtraData = remainder(m, "displayName", "description", "avatar", "createdAt")
	return domain.FeedGeneratorRecord{Feed: f}, nil
}

func (d *Decoder) extractLabeler(uri syntax.ATURI, author syntax.DID, m map[string]any) (domain.Entity, error) {
	const coll = "app.bsky.labeler.service"
	createdAt, err := d.getTimestamp(m, "createdAt")
	if err != nil {
		return nil, &domain.BadRecord{Collection: coll, Reason: err.Error()}
	}
	l := domain.Labeler{URI: uri, Author: author, CreatedAt: createdAt}
	if policies, ok := getMap(m, "policies"); ok {
		if raw, err := json.Marshal(policies); err == nil {
			l.Policies = raw
		}
	}
	l.ExtraData = remainder(m, "createdAt", "policies")
	return domain.LabelerRecord{Labeler: l}, nil
}
