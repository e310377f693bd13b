// Package matrix adapts a Matrix homeserver to the coach's chat transport.
//
// Every conversation is a one-to-one direct-message room. The room for a
// user is created on first contact and remembered in the room directory so
// a restart does not spawn duplicate DMs. Inbound m.text and m.file events
// are dispatched to the registered handlers; everything else is ignored.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/saveup/coach/internal/router"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// RoomDirectory persists the DM room per user.
type RoomDirectory interface {
	SetDMRoom(ctx context.Context, userID, roomID string) error
	DMRoom(ctx context.Context, userID string) (string, error)
}

// Handlers receive inbound messages, one call per event.
type Handlers struct {
	Text     func(ctx context.Context, userID, text string)
	Document func(ctx context.Context, userID string, doc router.Document)
}

// Client wraps the mautrix client behind the router.ChatTransport interface.
type Client struct {
	client   *mautrix.Client
	config   Config
	rooms    RoomDirectory
	handlers Handlers
	stopCh   chan struct{}
	httpc    *http.Client

	mu      sync.Mutex
	roomFor map[string]id.RoomID // userID → DM room, warm cache over rooms
}

// New creates a Matrix client. A persistent sync store keeps the bot from
// replaying room history after a restart.
func New(config Config, rooms RoomDirectory, syncStore mautrix.SyncStore) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if syncStore != nil {
		client.Store = syncStore
	} else {
		slog.Warn("matrix: no sync store configured, history will replay on restart")
	}

	return &Client{
		client:  client,
		config:  config,
		rooms:   rooms,
		stopCh:  make(chan struct{}),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		roomFor: make(map[string]id.RoomID),
	}, nil
}

// Start registers the inbound handlers and begins syncing in the
// background with exponential back-off reconnection. Without retries a
// transient homeserver error would silently kill the sync goroutine and
// leave the bot deaf to all new messages.
func (c *Client) Start(handlers Handlers) error {
	c.handlers = handlers

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected mautrix syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleEvent)
	syncer.OnEventType(event.StateMember, c.handleInvite)

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returns nil only on a clean StopSync call.
			return
		}
	}()
	return nil
}

// Stop shuts the sync loop down.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendText sends a text message to the user's DM room. A button becomes an
// HTML link under the text, since Matrix has no native reply buttons.
func (c *Client) SendText(ctx context.Context, userID, text string, button *router.Button) error {
	roomID, err := c.ensureRoom(ctx, userID)
	if err != nil {
		return err
	}

	content := event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if button != nil {
		content.Body = fmt.Sprintf("%s\n%s: %s", text, button.Label, button.URL)
		content.Format = event.FormatHTML
		content.FormattedBody = fmt.Sprintf("%s<br/><a href=%q>%s</a>",
			html.EscapeString(text), button.URL, html.EscapeString(button.Label))
	}

	if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("send text to %s: %w", userID, err)
	}
	return nil
}

// SendPhoto uploads the image behind imageURL to the homeserver's media
// repository and sends it as an m.image with the caption as body. The
// button, when present, follows as a separate text message.
func (c *Client) SendPhoto(ctx context.Context, userID, imageURL, caption string, button *router.Button) error {
	roomID, err := c.ensureRoom(ctx, userID)
	if err != nil {
		return err
	}

	data, contentType, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}
	upload, err := c.client.UploadBytes(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	content := event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    caption,
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: contentType, Size: len(data)},
	}
	if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("send image to %s: %w", userID, err)
	}

	if button != nil {
		return c.SendText(ctx, userID, "", button)
	}
	return nil
}

// SetTyping toggles the typing indicator in the user's DM room.
func (c *Client) SetTyping(ctx context.Context, userID string, typing bool, timeout time.Duration) error {
	roomID, err := c.ensureRoom(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := c.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// ensureRoom resolves the DM room for userID: warm cache, then directory,
// then a fresh private room with the user invited.
func (c *Client) ensureRoom(ctx context.Context, userID string) (id.RoomID, error) {
	c.mu.Lock()
	if roomID, ok := c.roomFor[userID]; ok {
		c.mu.Unlock()
		return roomID, nil
	}
	c.mu.Unlock()

	stored, err := c.rooms.DMRoom(ctx, userID)
	if err != nil {
		return "", err
	}
	if stored != "" {
		roomID := id.RoomID(stored)
		c.cacheRoom(userID, roomID)
		return roomID, nil
	}

	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{id.UserID(userID)},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("create dm room for %s: %w", userID, err)
	}
	if err := c.rooms.SetDMRoom(ctx, userID, resp.RoomID.String()); err != nil {
		slog.Warn("matrix: could not persist dm room", "user", userID, "err", err)
	}
	c.cacheRoom(userID, resp.RoomID)
	return resp.RoomID, nil
}

func (c *Client) cacheRoom(userID string, roomID id.RoomID) {
	c.mu.Lock()
	c.roomFor[userID] = roomID
	c.mu.Unlock()
}

// handleInvite auto-joins rooms the bot is invited to, so users can also
// start the conversation from their side.
func (c *Client) handleInvite(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return
		}
		slog.Warn("matrix: could not join room", "room", evt.RoomID, "err", err)
	}
}

// handleEvent dispatches an inbound room event to the text or document
// handler. Own messages and unsupported message types are ignored.
func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	// Whatever room the user writes from becomes their DM room.
	userID := evt.Sender.String()
	c.cacheRoom(userID, evt.RoomID)
	if err := c.rooms.SetDMRoom(ctx, userID, evt.RoomID.String()); err != nil {
		slog.Warn("matrix: could not persist dm room", "user", userID, "err", err)
	}

	switch content.MsgType {
	case event.MsgText:
		if c.handlers.Text != nil {
			c.handlers.Text(ctx, userID, content.Body)
		}
	case event.MsgFile:
		if c.handlers.Document == nil {
			return
		}
		doc, err := c.downloadDocument(ctx, content)
		if err != nil {
			slog.Warn("matrix: could not download document", "user", userID, "err", err)
			return
		}
		c.handlers.Document(ctx, userID, doc)
	}
}

// downloadDocument fetches an attachment from the media repository.
func (c *Client) downloadDocument(ctx context.Context, content *event.MessageEventContent) (router.Document, error) {
	uri, err := content.URL.Parse()
	if err != nil {
		return router.Document{}, fmt.Errorf("parse attachment uri: %w", err)
	}
	data, err := c.client.DownloadBytes(ctx, uri)
	if err != nil {
		return router.Document{}, fmt.Errorf("download attachment: %w", err)
	}

	filename := content.FileName
	if filename == "" {
		filename = content.Body
	}
	return router.Document{Filename: filename, Caption: content.Body, Data: data}, nil
}

// fetchImage downloads an external image for re-upload to the homeserver.
func (c *Client) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
