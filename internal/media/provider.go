// Providers are the two binary sources media can be fetched from. Each
// provider recognizes its own link shape and returns the raw bytes plus
// whatever name/mime metadata its API exposes.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"voyageingest/internal/errs"
	"voyageingest/internal/rpc"
)

// Blob is a fetched binary with the metadata needed to pick an extension.
type Blob struct {
	Data     []byte
	Mime     string
	Filename string
}

// Provider fetches media binaries for the links it recognizes.
type Provider interface {
	Name() string
	Matches(link string) bool
	Fetch(ctx context.Context, link string) (*Blob, error)
}

var (
	driveFileIDRe    = regexp.MustCompile(`/file/d/([A-Za-z0-9_\-]+)/`)
	contentDispExtRe = regexp.MustCompile(`filename\*?=.*?\.([A-Za-z0-9]{1,8})`)
)

// DriveProvider fetches via the Drive API: metadata first for name and
// mime, then the media download.
type DriveProvider struct {
	svc     *drive.Service
	harness *rpc.Harness
}

// NewDriveProvider builds a read-only Drive client from a service-account
// credentials file.
func NewDriveProvider(ctx context.Context, credentialsPath string, harness *rpc.Harness) (*DriveProvider, error) {
	svc, err := drive.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(drive.DriveReadonlyScope))
	if err != nil {
		return nil, errs.Wrap(errs.ClassConfig, "drive.new", "building Drive client", err)
	}
	return &DriveProvider{svc: svc, harness: harness}, nil
}

func (d *DriveProvider) Name() string { return "drive" }

func (d *DriveProvider) Matches(link string) bool {
	return strings.Contains(link, "/file/d/")
}

func (d *DriveProvider) Fetch(ctx context.Context, link string) (*Blob, error) {
	m := driveFileIDRe.FindStringSubmatch(link)
	if m == nil {
		return nil, fmt.Errorf("invalid Google Drive link: %s", link)
	}
	fileID := m[1]

	meta, err := rpc.Call(ctx, d.harness, "drive.files.get", func() (*drive.File, error) {
		return d.svc.Files.Get(fileID).Fields("id", "name", "mimeType").Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	data, err := rpc.Call(ctx, d.harness, "drive.files.download", func() ([]byte, error) {
		resp, err := d.svc.Files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	mime := meta.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	name := meta.Name
	if name == "" {
		name = "file"
	}
	return &Blob{Data: data, Mime: mime, Filename: name}, nil
}

// DropboxProvider fetches shared links. With an API token it uses the
// shared-link-file endpoint; without one it rewrites the URL to force a
// direct download.
type DropboxProvider struct {
	AccessToken string
	Client      *http.Client
	harness     *rpc.Harness

	endpoint string // overridable in tests
}

// NewDropboxProvider builds the provider; token may be empty.
func NewDropboxProvider(token string, timeout time.Duration, harness *rpc.Harness) *DropboxProvider {
	return &DropboxProvider{
		AccessToken: token,
		Client:      &http.Client{Timeout: timeout},
		harness:     harness,
		endpoint:    "https://content.dropboxapi.com/2/sharing/get_shared_link_file",
	}
}

func (p *DropboxProvider) Name() string { return "dropbox" }

func (p *DropboxProvider) Matches(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), "dropbox.com")
}

func (p *DropboxProvider) Fetch(ctx context.Context, link string) (*Blob, error) {
	return rpc.Call(ctx, p.harness, "dropbox.fetch", func() (*Blob, error) {
		if p.AccessToken != "" {
			return p.fetchViaAPI(ctx, link)
		}
		return p.fetchDirect(ctx, link)
	})
}

func (p *DropboxProvider) fetchViaAPI(ctx context.Context, link string) (*Blob, error) {
	arg, err := json.Marshal(map[string]string{"url": link})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	req.Header.Set("Dropbox-API-Arg", string(arg))
	return p.do(req)
}

func (p *DropboxProvider) fetchDirect(ctx context.Context, link string) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, forceDirectDownload(link), nil)
	if err != nil {
		return nil, err
	}
	return p.do(req)
}

func (p *DropboxProvider) do(req *http.Request) (*Blob, error) {
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		cause := fmt.Errorf("dropbox: unexpected status %d for %s", resp.StatusCode, req.URL.Host)
		return nil, errs.HTTPStatus("dropbox.fetch", resp.StatusCode, resp.Header, cause)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	name := ""
	if m := contentDispExtRe.FindStringSubmatch(resp.Header.Get("Content-Disposition")); m != nil {
		name = "file." + strings.ToLower(m[1])
	}
	return &Blob{Data: data, Mime: mime, Filename: name}, nil
}

// forceDirectDownload rewrites a shared link so Dropbox serves bytes
// instead of its preview page.
func forceDirectDownload(link string) string {
	switch {
	case strings.Contains(link, "dl=1"):
		return link
	case strings.Contains(link, "dl=0"):
		return strings.Replace(link, "dl=0", "dl=1", 1)
	case strings.Contains(link, "?"):
		return link + "&dl=1"
	default:
		return link + "?dl=1"
	}
}

// ClassifyLink returns the provider that recognizes link, or nil.
func ClassifyLink(link string, providers []Provider) Provider {
	for _, p := range providers {
		if p.Matches(link) {
			return p
		}
	}
	return nil
}
