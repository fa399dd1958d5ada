package media

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voyageingest/internal/model"
	"voyageingest/internal/s3store"
	"voyageingest/internal/slug"
)

// ObjectStore is the slice of the object-store writer the processor needs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Processor downloads a voyage's declared media, writes originals under
// canonical keys in the private bucket, renders image derivatives into the
// public bucket, and relocates objects whose canonical key has shifted.
type Processor struct {
	Providers       []Provider
	Store           ObjectStore
	CanonicalBucket string
	PublicBucket    string
	Workers         int
	Log             *zap.Logger
}

// Result is the outcome for one voyage's media set. URLs has an entry for
// every declared item; items without usable bytes carry empty URLs.
type Result struct {
	URLs     map[string]model.MediaURLs
	Warnings []string
	Uploaded int // originals written
	Moved    int // originals relocated to a new canonical key
	Thumbs   int // derivative pairs written
}

type itemOutcome struct {
	slug     string
	urls     model.MediaURLs
	warnings []string
	uploaded bool
	moved    bool
	thumbed  bool

	// previewMoved records that the preview derivative reached its new
	// key during a move; only then may the public URL be published.
	previewMoved bool
}

// CanonicalKey is the private-bucket key dictated for an original.
func CanonicalKey(voyageSlug, mediaSlug, ext, credit string, presidents map[string]bool) string {
	return fmt.Sprintf("media/%s/%s/%s/%s/%s.%s",
		slug.PresidentFromVoyageSlug(voyageSlug, presidents),
		slug.NormalizeSource(credit),
		voyageSlug, ext, mediaSlug, ext)
}

// derivativeKey swaps an original key's extension tail for the derivative
// suffix, keeping the prefix. kind is "preview" or "thumb".
func derivativeKey(origKey, kind string) string {
	return strings.TrimSuffix(origKey, path.Ext(origKey)) + "_" + kind + ".jpg"
}

// Process handles every item of one voyage through a bounded worker pool.
// Per-item failures become warnings and never abort the voyage; only
// cancellation stops the pool early. linkIndex maps google_drive_link values
// already known to the spreadsheet to their recorded s3_url, and drives the
// move-on-rename decision.
func (p *Processor) Process(ctx context.Context, items []model.Media, voyageSlug string, presidents map[string]bool, linkIndex map[string]string) (*Result, error) {
	outcomes := make([]itemOutcome, len(items))

	g, gctx := errgroup.WithContext(ctx)
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i := range items {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = p.processOne(gctx, &items[i], i, voyageSlug, presidents, linkIndex)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{URLs: make(map[string]model.MediaURLs, len(items))}
	for _, o := range outcomes {
		res.URLs[o.slug] = o.urls
		res.Warnings = append(res.Warnings, o.warnings...)
		if o.uploaded {
			res.Uploaded++
		}
		if o.moved {
			res.Moved++
		}
		if o.thumbed {
			res.Thumbs++
		}
	}
	return res, nil
}

func (p *Processor) processOne(ctx context.Context, item *model.Media, idx int, voyageSlug string, presidents map[string]bool, linkIndex map[string]string) itemOutcome {
	out := itemOutcome{slug: item.MediaSlug}
	warn := func(format string, args ...any) {
		out.warnings = append(out.warnings, fmt.Sprintf(format, args...))
	}

	link := strings.TrimSpace(item.GoogleDriveLink)
	if out.slug == "" || link == "" {
		if out.slug == "" {
			out.slug = fmt.Sprintf("missing-%d", idx+1)
		}
		warn("media #%d missing slug or link; skipping", idx+1)
		return out
	}

	prov := ClassifyLink(link, p.Providers)
	if prov == nil {
		warn("%s: unsupported media link (not Drive/Dropbox)", out.slug)
		return out
	}

	blob, err := prov.Fetch(ctx, link)
	if err != nil {
		warn("%s: failed to download from %s: %v", out.slug, prov.Name(), err)
		return out
	}

	ext := ExtFromNameOrMime(blob.Filename, blob.Mime)
	mtype := TypeFromExt(ext)
	// The type is derived from the fetched bytes, not the document; the
	// sheet and db writers read it off the item.
	item.MediaType = mtype
	key := CanonicalKey(voyageSlug, out.slug, ext, item.Credit, presidents)
	newURL := s3store.S3URL(p.CanonicalBucket, key)

	placed := false
	if old := linkIndex[link]; old != "" && old != newURL {
		if oldBucket, oldKey, ok := s3store.ParseS3URL(old); ok {
			placed = p.moveOriginal(ctx, &out, oldBucket, oldKey, key, blob.Mime)
		}
	}
	if !placed {
		if err := p.Store.Put(ctx, p.CanonicalBucket, key, blob.Data, blob.Mime); err != nil {
			warn("%s: failed to upload original to %s: %v", out.slug, newURL, err)
			return out
		}
		out.uploaded = true
		if mtype == "image" {
			p.writeDerivatives(ctx, &out, blob.Data, key)
		}
	}

	out.urls.S3URL = newURL
	if mtype == "image" && (out.thumbed || out.previewMoved) {
		out.urls.PreviewURL = s3store.PublicURL(p.PublicBucket, derivativeKey(key, "preview"))
	}
	p.Log.Info("processed media",
		zap.String("media_slug", out.slug),
		zap.String("key", key),
		zap.Bool("moved", out.moved))
	return out
}

// moveOriginal relocates an already-stored original (and, best effort, its
// derivatives) from its old key to the new canonical key. Returns false when
// the original copy failed, so the caller falls back to a fresh upload.
func (p *Processor) moveOriginal(ctx context.Context, out *itemOutcome, oldBucket, oldKey, newKey, contentType string) bool {
	if err := p.Store.Copy(ctx, oldBucket, oldKey, p.CanonicalBucket, newKey, contentType); err != nil {
		out.warnings = append(out.warnings,
			fmt.Sprintf("%s: failed to move original from s3://%s/%s: %v", out.slug, oldBucket, oldKey, err))
		return false
	}
	if err := p.Store.Delete(ctx, oldBucket, oldKey); err != nil {
		out.warnings = append(out.warnings,
			fmt.Sprintf("%s: failed to delete old original s3://%s/%s: %v", out.slug, oldBucket, oldKey, err))
	}
	for _, kind := range []string{"preview", "thumb"} {
		oldDK := derivativeKey(oldKey, kind)
		newDK := derivativeKey(newKey, kind)
		// Derivative may never have existed; copy failures are not reported.
		if err := p.Store.Copy(ctx, p.PublicBucket, oldDK, p.PublicBucket, newDK, "image/jpeg"); err != nil {
			continue
		}
		if kind == "preview" {
			out.previewMoved = true
		}
		if err := p.Store.Delete(ctx, p.PublicBucket, oldDK); err != nil {
			out.warnings = append(out.warnings,
				fmt.Sprintf("%s: failed to delete old derivative s3://%s/%s: %v", out.slug, p.PublicBucket, oldDK, err))
		}
	}
	out.moved = true
	return true
}

func (p *Processor) writeDerivatives(ctx context.Context, out *itemOutcome, original []byte, key string) {
	prev, th, err := Derivatives(original)
	if err != nil {
		out.warnings = append(out.warnings, fmt.Sprintf("%s: failed to create derivatives: %v", out.slug, err))
		return
	}
	for _, d := range []struct {
		kind string
		data []byte
	}{{"preview", prev}, {"thumb", th}} {
		dk := derivativeKey(key, d.kind)
		if err := p.Store.Put(ctx, p.PublicBucket, dk, d.data, "image/jpeg"); err != nil {
			out.warnings = append(out.warnings,
				fmt.Sprintf("%s: failed to upload %s to s3://%s/%s: %v", out.slug, d.kind, p.PublicBucket, dk, err))
			return
		}
	}
	out.thumbed = true
}
