// Package docsource reads the authoritative voyage document. The parser
// only sees plain text; the Google Docs plumbing stays behind the Source
// interface so tests can feed literal documents.
package docsource

import (
	"context"
	"strings"

	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"

	"voyageingest/internal/errs"
	"voyageingest/internal/rpc"
)

// Source yields the full text of a document by id.
type Source interface {
	ReadText(ctx context.Context, docID string) (string, error)
}

// GoogleDocs reads documents through the Docs API.
type GoogleDocs struct {
	svc     *docs.Service
	harness *rpc.Harness
}

// NewGoogleDocs builds a read-only Docs client from a service-account
// credentials file.
func NewGoogleDocs(ctx context.Context, credentialsPath string, harness *rpc.Harness) (*GoogleDocs, error) {
	svc, err := docs.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(docs.DocumentsReadonlyScope))
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfig, "docs.new", "building Docs client", err)
	}
	return &GoogleDocs{svc: svc, harness: harness}, nil
}

// ReadText concatenates every paragraph text run in document order and
// strips any leading BOM.
func (g *GoogleDocs) ReadText(ctx context.Context, docID string) (string, error) {
	doc, err := rpc.Call(ctx, g.harness, "docs.documents.get", func() (*docs.Document, error) {
		return g.svc.Documents.Get(docID).Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if doc.Body != nil {
		for _, el := range doc.Body.Content {
			if el.Paragraph == nil {
				continue
			}
			for _, pe := range el.Paragraph.Elements {
				if pe.TextRun != nil && pe.TextRun.Content != "" {
					b.WriteString(pe.TextRun.Content)
				}
			}
		}
	}
	return strings.TrimPrefix(b.String(), "\ufeff"), nil
}
