// Package session seeds the local chat cache from the backend's
// authoritative history after login. The chat UI cannot be trusted to show
// history until a bootstrap run has completed (or deliberately skipped
// because the cache is already warm).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"agrichat/internal/domain"
)

// ImageDownloader caches a backend-stored chat image locally and returns its
// file:// URI. Satisfied by media.Transfer.
type ImageDownloader interface {
	DownloadToLocal(ctx context.Context, convID, msgID, remoteFileName string) (string, error)
}

// Config configures a Bootstrap.
type Config struct {
	APIBaseURL string
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Bootstrap fetches chat history for the current identity and seeds the
// local cache, resolving backend image references to local files on the way
// so the cache never needs network access to render previously-seen images.
type Bootstrap struct {
	apiBase string
	token   string
	store   domain.ChatStore
	images  ImageDownloader
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config, store domain.ChatStore, images ImageDownloader) *Bootstrap {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bootstrap{
		apiBase: cfg.APIBaseURL,
		token:   cfg.Token,
		store:   store,
		images:  images,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// Run fetches history for the role and seeds the cache. With force=false a
// warm cache short-circuits the fetch. On fetch or parse failure the cache
// is left untouched and the error returned; callers treat "no update
// happened" as non-fatal and keep rendering whatever was cached before.
func (b *Bootstrap) Run(ctx context.Context, role domain.Role, force bool) error {
	if !force {
		index, err := b.store.LoadAll(ctx)
		if err == nil && len(index) > 0 {
			b.logger.Debug("cache already seeded, skipping history fetch", "conversations", len(index))
			return nil
		}
	}

	var convs []domain.Conversation
	var err error
	switch role {
	case domain.RoleAgent:
		convs, err = b.fetchAgentHistory(ctx)
	case domain.RoleUser:
		convs, err = b.fetchUserHistory(ctx)
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	if err != nil {
		return err
	}

	for i := range convs {
		b.resolveImages(ctx, &convs[i])
		if err := b.store.ReplaceConversation(ctx, convs[i]); err != nil {
			return fmt.Errorf("seed conversation %s: %w", convs[i].ID, err)
		}
	}

	b.logger.Info("chat history seeded", "role", role, "conversations", len(convs))
	return nil
}

// fetchAgentHistory returns every conversation this agent has, each with its
// embedded full message list.
func (b *Bootstrap) fetchAgentHistory(ctx context.Context) ([]domain.Conversation, error) {
	body, err := b.get(ctx, b.apiBase+"/chat/agent/history", domain.RoleAgent)
	if err != nil {
		return nil, err
	}

	var convs []domain.Conversation
	if err := json.Unmarshal(body, &convs); err != nil {
		return nil, fmt.Errorf("parse agent history: %w", err)
	}
	return convs, nil
}

// fetchUserHistory returns the single conversation a user-role identity has
// with the agent flows.
func (b *Bootstrap) fetchUserHistory(ctx context.Context) ([]domain.Conversation, error) {
	body, err := b.get(ctx, b.apiBase+"/chat/user/history", domain.RoleUser)
	if err != nil {
		return nil, err
	}

	var conv domain.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return nil, fmt.Errorf("parse user history: %w", err)
	}
	if conv.ID == "" {
		return nil, nil
	}
	return []domain.Conversation{conv}, nil
}

func (b *Bootstrap) get(ctx context.Context, url string, role domain.Role) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("X-Token-Source", role.TokenSource())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch failed (status %d)", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveImages rewrites every backend image reference in the conversation
// to a local file URI. A failed download keeps the remote reference; the UI
// can still render it from the network as a degraded mode.
func (b *Bootstrap) resolveImages(ctx context.Context, conv *domain.Conversation) {
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		if msg.Image == "" || domain.IsLocalURI(msg.Image) {
			continue
		}
		name := domain.RemoteImageName(msg.Image)
		uri, err := b.images.DownloadToLocal(ctx, conv.ID, msg.ID, name)
		if err != nil {
			b.logger.Warn("image download failed, keeping remote reference",
				"conversation", conv.ID, "message", msg.ID, "err", err)
			continue
		}
		msg.Image = uri
	}
}
