// Package media translates between local device files and backend-stored
// chat images: multipart uploads for outgoing attachments, downloads into a
// per-conversation directory for inbound ones.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agrichat/internal/domain"
	"agrichat/internal/metrics"
)

// Config configures the image transfer helper.
type Config struct {
	APIBaseURL string
	Token      string
	LocalDir   string // root for downloaded images, e.g. ~/.agrichat/media
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transfer uploads outgoing chat images and caches inbound ones locally.
type Transfer struct {
	apiBase  string
	token    string
	localDir string
	client   *http.Client
	logger   *slog.Logger
}

func New(cfg Config) *Transfer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Transfer{
		apiBase:  strings.TrimSuffix(cfg.APIBaseURL, "/"),
		token:    cfg.Token,
		localDir: cfg.LocalDir,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// UploadIfPresent posts the message's attached image as multipart form data
// to the per-conversation, per-message endpoint. No-op unless msg.Image is a
// local file URI. A non-2xx response is returned as an error so the caller
// can surface the upload failure; the message itself is already rendered.
func (t *Transfer) UploadIfPresent(ctx context.Context, msg domain.Message, convID string, role domain.Role) error {
	if !domain.IsLocalURI(msg.Image) {
		return nil
	}

	localPath := domain.LocalPath(msg.Image)
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read image %s: %w", localPath, err)
	}

	filename := filepath.Base(localPath)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	// CreatePart instead of CreateFormFile so the part carries the real
	// image content type, not application/octet-stream.
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", contentTypeFor(filename))
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form part: %w", err)
	}
	writer.Close()

	url := fmt.Sprintf("%s/chat/image/%s/%s", t.apiBase, convID, msg.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("X-Token-Source", role.TokenSource())

	metrics.ImageUploads.Inc()
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("image upload request: %w", err)
	}
	defer resp.Body.Close()
	metrics.ImageUploadSeconds.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("image upload failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	t.logger.Debug("image uploaded", "conversation", convID, "message", msg.ID, "file", filename)
	return nil
}

// DownloadToLocal fetches a backend-stored image into the per-conversation
// local directory and returns its file:// URI. Any failure returns an error;
// callers fall back to rendering from the remote reference.
func (t *Transfer) DownloadToLocal(ctx context.Context, convID, msgID, remoteFileName string) (string, error) {
	dir := filepath.Join(t.localDir, "chat", convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory %s: %w", dir, err)
	}

	url := fmt.Sprintf("%s/chat/image/%s/%s/%s", t.apiBase, convID, msgID, remoteFileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	metrics.ImageDownloads.Inc()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download failed (status %d)", resp.StatusCode)
	}

	localPath := filepath.Join(dir, filepath.Base(remoteFileName))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(localPath)
		return "", fmt.Errorf("write local file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	t.logger.Debug("image cached", "conversation", convID, "message", msgID, "path", localPath)
	return "file://" + localPath, nil
}
