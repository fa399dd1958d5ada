package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voyageingest/internal/model"
)

const (
	testVoyage = "1933-04-23-roosevelt-franklin-fishing-trip"
	testSlug   = "1933-04-23-white-house-" + testVoyage + "-01"
)

var testPresidents = map[string]bool{"roosevelt-franklin": true}

func TestExtFromNameOrMime(t *testing.T) {
	assert.Equal(t, "png", ExtFromNameOrMime("photo.PNG", ""))
	assert.Equal(t, "jpg", ExtFromNameOrMime("scan.jpe", "image/png"))
	assert.Equal(t, "jpg", ExtFromNameOrMime("", "image/jpeg"))
	assert.Equal(t, "mov", ExtFromNameOrMime("", "video/quicktime"))
	assert.Equal(t, "bin", ExtFromNameOrMime("", ""))
	assert.Equal(t, "bin", ExtFromNameOrMime("file", "application/x-unknown-thing"))
}

func TestTypeFromExt(t *testing.T) {
	assert.Equal(t, "image", TypeFromExt("JPG"))
	assert.Equal(t, "video", TypeFromExt("mkv"))
	assert.Equal(t, "audio", TypeFromExt("ogg"))
	assert.Equal(t, "pdf", TypeFromExt("pdf"))
	assert.Equal(t, "other", TypeFromExt("bin"))
}

func TestCanonicalKey(t *testing.T) {
	key := CanonicalKey(testVoyage, testSlug, "jpg", "White House", testPresidents)
	assert.Equal(t,
		"media/roosevelt-franklin/white-house/"+testVoyage+"/jpg/"+testSlug+".jpg",
		key)
}

func TestDerivativeKey(t *testing.T) {
	orig := "media/p/s/v/png/slug-01.png"
	assert.Equal(t, "media/p/s/v/png/slug-01_preview.jpg", derivativeKey(orig, "preview"))
	assert.Equal(t, "media/p/s/v/png/slug-01_thumb.jpg", derivativeKey(orig, "thumb"))
}

func TestForceDirectDownload(t *testing.T) {
	assert.Equal(t, "https://x/y?dl=1", forceDirectDownload("https://x/y?dl=0"))
	assert.Equal(t, "https://x/y?dl=1", forceDirectDownload("https://x/y?dl=1"))
	assert.Equal(t, "https://x/y?a=b&dl=1", forceDirectDownload("https://x/y?a=b"))
	assert.Equal(t, "https://x/y?dl=1", forceDirectDownload("https://x/y"))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestDerivativesSmallImageNotUpscaled(t *testing.T) {
	prev, th, err := Derivatives(pngBytes(t, 400, 200))
	require.NoError(t, err)

	w, h := jpegDims(t, prev)
	assert.Equal(t, 400, w)
	assert.Equal(t, 200, h)

	w, h = jpegDims(t, th)
	assert.Equal(t, 320, w)
	assert.Equal(t, 160, h)
}

func TestDerivativesLargePortraitImage(t *testing.T) {
	prev, th, err := Derivatives(pngBytes(t, 1000, 2000))
	require.NoError(t, err)

	w, h := jpegDims(t, prev)
	assert.Equal(t, 800, w)
	assert.Equal(t, 1600, h)

	w, h = jpegDims(t, th)
	assert.Equal(t, 160, w)
	assert.Equal(t, 320, h)
}

func TestDerivativesRejectsNonImage(t *testing.T) {
	_, _, err := Derivatives([]byte("%PDF-1.4 not an image"))
	assert.Error(t, err)
}

// fakeProvider serves canned blobs keyed by link.
type fakeProvider struct {
	name  string
	blobs map[string]*Blob
	errs  map[string]error
}

func (f *fakeProvider) Name() string             { return f.name }
func (f *fakeProvider) Matches(link string) bool { _, ok := f.blobs[link]; return ok || f.errs[link] != nil }
func (f *fakeProvider) Fetch(_ context.Context, link string) (*Blob, error) {
	if err := f.errs[link]; err != nil {
		return nil, err
	}
	return f.blobs[link], nil
}

type storeOp struct {
	kind   string // put, copy, delete
	bucket string
	key    string
	srcKey string
}

// fakeStore records operations and can fail specific keys.
type fakeStore struct {
	mu         sync.Mutex
	ops        []storeOp
	failPuts   map[string]error
	failCopies map[string]error // keyed by destination key
}

func (f *fakeStore) Put(_ context.Context, bucket, key string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPuts[key]; err != nil {
		return err
	}
	f.ops = append(f.ops, storeOp{kind: "put", bucket: bucket, key: key})
	return nil
}

func (f *fakeStore) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCopies[dstKey]; err != nil {
		return err
	}
	f.ops = append(f.ops, storeOp{kind: "copy", bucket: dstBucket, key: dstKey, srcKey: srcBucket + "/" + srcKey})
	return nil
}

func (f *fakeStore) Delete(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, storeOp{kind: "delete", bucket: bucket, key: key})
	return nil
}

func (f *fakeStore) keys(kind string) []string {
	var out []string
	for _, op := range f.ops {
		if op.kind == kind {
			out = append(out, op.key)
		}
	}
	return out
}

func testProcessor(store *fakeStore, prov Provider) *Processor {
	return &Processor{
		Providers:       []Provider{prov},
		Store:           store,
		CanonicalBucket: "canonical",
		PublicBucket:    "public",
		Workers:         2,
		Log:             zap.NewNop(),
	}
}

func TestProcessUploadsImageWithDerivatives(t *testing.T) {
	link := "https://drive.google.com/file/d/abc/view"
	prov := &fakeProvider{name: "drive", blobs: map[string]*Blob{
		link: {Data: pngBytes(t, 40, 20), Mime: "image/png", Filename: "photo.png"},
	}}
	store := &fakeStore{}
	p := testProcessor(store, prov)

	items := []model.Media{{MediaSlug: testSlug, Credit: "White House", GoogleDriveLink: link}}
	res, err := p.Process(context.Background(), items, testVoyage, testPresidents, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Thumbs)
	assert.Equal(t, 0, res.Moved)

	key := "media/roosevelt-franklin/white-house/" + testVoyage + "/png/" + testSlug + ".png"
	puts := store.keys("put")
	require.Len(t, puts, 3)
	assert.Equal(t, key, puts[0])
	assert.Contains(t, puts, derivativeKey(key, "preview"))
	assert.Contains(t, puts, derivativeKey(key, "thumb"))

	urls := res.URLs[testSlug]
	assert.Equal(t, "s3://canonical/"+key, urls.S3URL)
	assert.Equal(t, "https://public.s3.amazonaws.com/"+derivativeKey(key, "preview"), urls.PreviewURL)
	assert.Equal(t, "image", items[0].MediaType)
}

func TestProcessMovesRekeyedOriginal(t *testing.T) {
	link := "https://drive.google.com/file/d/abc/view"
	prov := &fakeProvider{name: "drive", blobs: map[string]*Blob{
		link: {Data: []byte("%PDF-"), Mime: "application/pdf", Filename: "log.pdf"},
	}}
	store := &fakeStore{}
	p := testProcessor(store, prov)

	oldKey := "media/roosevelt-franklin/white-house/1933-04-23-roosevelt-franklin-old-title/pdf/" + testSlug + ".pdf"
	newKey := "media/roosevelt-franklin/white-house/" + testVoyage + "/pdf/" + testSlug + ".pdf"
	linkIndex := map[string]string{link: "s3://canonical/" + oldKey}

	items := []model.Media{{MediaSlug: testSlug, Credit: "White House", GoogleDriveLink: link}}
	res, err := p.Process(context.Background(), items, testVoyage, testPresidents, linkIndex)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 0, res.Uploaded)
	assert.Empty(t, store.keys("put"))

	copies := store.keys("copy")
	require.NotEmpty(t, copies)
	assert.Equal(t, newKey, copies[0])
	assert.Equal(t, "canonical/"+oldKey, store.ops[0].srcKey)
	assert.Contains(t, store.keys("delete"), oldKey)

	assert.Equal(t, "s3://canonical/"+newKey, res.URLs[testSlug].S3URL)
	assert.Empty(t, res.URLs[testSlug].PreviewURL)
	assert.Equal(t, "pdf", items[0].MediaType)
}

func TestProcessMovedImagePreviewURLRequiresDerivativeCopy(t *testing.T) {
	link := "https://drive.google.com/file/d/abc/view"
	oldKey := "media/roosevelt-franklin/white-house/1933-04-23-roosevelt-franklin-old-title/png/" + testSlug + ".png"
	newKey := "media/roosevelt-franklin/white-house/" + testVoyage + "/png/" + testSlug + ".png"
	linkIndex := map[string]string{link: "s3://canonical/" + oldKey}

	newProv := func() *fakeProvider {
		return &fakeProvider{name: "drive", blobs: map[string]*Blob{
			link: {Data: pngBytes(t, 40, 20), Mime: "image/png", Filename: "photo.png"},
		}}
	}
	items := func() []model.Media {
		return []model.Media{{MediaSlug: testSlug, Credit: "White House", GoogleDriveLink: link}}
	}

	// Old preview never existed: the copy fails and no public URL may be
	// published for the moved original.
	store := &fakeStore{failCopies: map[string]error{
		derivativeKey(newKey, "preview"): errors.New("NoSuchKey"),
		derivativeKey(newKey, "thumb"):   errors.New("NoSuchKey"),
	}}
	res, err := testProcessor(store, newProv()).Process(context.Background(), items(), testVoyage, testPresidents, linkIndex)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, "s3://canonical/"+newKey, res.URLs[testSlug].S3URL)
	assert.Empty(t, res.URLs[testSlug].PreviewURL)

	// Derivatives travelled with the original: the URL points at the new key.
	store = &fakeStore{}
	res, err = testProcessor(store, newProv()).Process(context.Background(), items(), testVoyage, testPresidents, linkIndex)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t,
		"https://public.s3.amazonaws.com/"+derivativeKey(newKey, "preview"),
		res.URLs[testSlug].PreviewURL)
}

func TestProcessUnchangedKeyIsPlainUpload(t *testing.T) {
	link := "https://drive.google.com/file/d/abc/view"
	prov := &fakeProvider{name: "drive", blobs: map[string]*Blob{
		link: {Data: []byte("%PDF-"), Mime: "application/pdf", Filename: "log.pdf"},
	}}
	store := &fakeStore{}
	p := testProcessor(store, prov)

	key := "media/roosevelt-franklin/white-house/" + testVoyage + "/pdf/" + testSlug + ".pdf"
	linkIndex := map[string]string{link: "s3://canonical/" + key}

	items := []model.Media{{MediaSlug: testSlug, Credit: "White House", GoogleDriveLink: link}}
	res, err := p.Process(context.Background(), items, testVoyage, testPresidents, linkIndex)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Moved)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, []string{key}, store.keys("put"))
}

func TestProcessWarningsDoNotAbort(t *testing.T) {
	good := "https://drive.google.com/file/d/good/view"
	bad := "https://drive.google.com/file/d/bad/view"
	prov := &fakeProvider{
		name:  "drive",
		blobs: map[string]*Blob{good: {Data: []byte("x"), Mime: "application/pdf", Filename: "a.pdf"}},
		errs:  map[string]error{bad: errors.New("boom")},
	}
	store := &fakeStore{}
	p := testProcessor(store, prov)

	items := []model.Media{
		{MediaSlug: "slug-a-" + testVoyage + "-01", Credit: "White House", GoogleDriveLink: bad},
		{MediaSlug: "slug-b-" + testVoyage + "-02", Credit: "White House", GoogleDriveLink: "https://example.com/x.jpg"},
		{MediaSlug: "slug-c-" + testVoyage + "-03", Credit: "White House", GoogleDriveLink: good},
	}
	res, err := p.Process(context.Background(), items, testVoyage, testPresidents, nil)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "failed to download")
	assert.Contains(t, res.Warnings[1], "unsupported media link")

	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, res.URLs["slug-a-"+testVoyage+"-01"].S3URL)
	assert.Empty(t, res.URLs["slug-b-"+testVoyage+"-02"].S3URL)
	assert.NotEmpty(t, res.URLs["slug-c-"+testVoyage+"-03"].S3URL)
}

func TestProcessFailedOriginalUploadLeavesNullURLs(t *testing.T) {
	link := "https://drive.google.com/file/d/abc/view"
	prov := &fakeProvider{name: "drive", blobs: map[string]*Blob{
		link: {Data: []byte("x"), Mime: "application/pdf", Filename: "a.pdf"},
	}}
	key := "media/roosevelt-franklin/white-house/" + testVoyage + "/pdf/" + testSlug + ".pdf"
	store := &fakeStore{failPuts: map[string]error{key: fmt.Errorf("denied")}}
	p := testProcessor(store, prov)

	items := []model.Media{{MediaSlug: testSlug, Credit: "White House", GoogleDriveLink: link}}
	res, err := p.Process(context.Background(), items, testVoyage, testPresidents, nil)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "failed to upload original")
	assert.Equal(t, 0, res.Uploaded)
	assert.Empty(t, res.URLs[testSlug].S3URL)
}
