// Package store owns the channel list and scraper settings. Every mutation is
// a read-modify-write of the whole document.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-channels/models"
	"github.com/aluiziolira/go-scrape-channels/parser"
)

// ChannelInput is the data needed to start tracking a channel.
type ChannelInput struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
}

// ChannelPatch updates the channel with ID. Nil fields are left unchanged.
type ChannelPatch struct {
	ID          string  `json:"id"`
	Username    *string `json:"username,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	URL         *string `json:"url,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// SettingsPatch updates the scraper settings. Nil fields are left unchanged.
type SettingsPatch struct {
	DownloadPath        *string `json:"downloadPath,omitempty"`
	MaxVideosPerChannel *int    `json:"maxVideosPerChannel,omitempty"`
	Headless            *bool   `json:"headless,omitempty"`
	ScrapeInterval      *int64  `json:"scrapeInterval,omitempty"`
}

// Store serializes access to the persisted document.
type Store struct {
	storage     Storage
	profileBase string
	newID       func() (string, error)

	mu sync.Mutex
}

// New builds a store over storage. profileBase is used to derive channel URLs.
func New(storage Storage, profileBase string) *Store {
	return &Store{
		storage:     storage,
		profileBase: profileBase,
		newID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
}

// SetIDFunc overrides channel id generation. Intended for tests.
func (s *Store) SetIDFunc(fn func() (string, error)) {
	s.newID = fn
}

// Load returns the document, creating and persisting the default one when
// none exists yet.
func (s *Store) Load(ctx context.Context) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// Save overwrites the persisted document.
func (s *Store) Save(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage.Save(ctx, doc)
}

// Channel returns a copy of the channel with id.
func (s *Store) Channel(ctx context.Context, id string) (*models.Channel, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	idx := doc.FindChannel(id)
	if idx < 0 {
		return nil, &NotFoundError{ID: id}
	}
	return doc.Channels[idx], nil
}

// AddChannel appends a new enabled channel and returns the updated list.
func (s *Store) AddChannel(ctx context.Context, in ChannelInput) ([]*models.Channel, error) {
	username := parser.NormalizeUsername(in.Username)
	if !parser.ValidUsername(username) {
		return nil, &ValidationError{Field: "username", Reason: fmt.Sprintf("%q is not a valid handle", in.Username)}
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate channel id: %w", err)
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = username
	}
	channelURL := strings.TrimSpace(in.URL)
	if channelURL == "" {
		channelURL = parser.ProfileURL(s.profileBase, username)
	}

	doc, err := s.mutate(ctx, func(doc *models.Document) error {
		if doc.FindChannel(id) >= 0 {
			return fmt.Errorf("channel id %s already exists", id)
		}
		doc.Channels = append(doc.Channels, &models.Channel{
			ID:          id,
			Username:    username,
			DisplayName: displayName,
			URL:         channelURL,
			Enabled:     true,
			LastScraped: nil,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Channels, nil
}

// UpdateChannel applies patch and returns the updated list.
func (s *Store) UpdateChannel(ctx context.Context, patch ChannelPatch) ([]*models.Channel, error) {
	var username string
	if patch.Username != nil {
		username = parser.NormalizeUsername(*patch.Username)
		if !parser.ValidUsername(username) {
			return nil, &ValidationError{Field: "username", Reason: fmt.Sprintf("%q is not a valid handle", *patch.Username)}
		}
	}

	doc, err := s.mutate(ctx, func(doc *models.Document) error {
		idx := doc.FindChannel(patch.ID)
		if idx < 0 {
			return &NotFoundError{ID: patch.ID}
		}
		ch := doc.Channels[idx]

		if patch.Username != nil && username != ch.Username {
			// Keep a derived URL in step with the handle it was derived from.
			if patch.URL == nil && ch.URL == parser.ProfileURL(s.profileBase, ch.Username) {
				ch.URL = parser.ProfileURL(s.profileBase, username)
			}
			ch.Username = username
		}
		if patch.DisplayName != nil {
			ch.DisplayName = strings.TrimSpace(*patch.DisplayName)
		}
		if patch.URL != nil {
			ch.URL = strings.TrimSpace(*patch.URL)
			if ch.URL == "" {
				ch.URL = parser.ProfileURL(s.profileBase, ch.Username)
			}
		}
		if patch.Enabled != nil {
			ch.Enabled = *patch.Enabled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Channels, nil
}

// RemoveChannel deletes the channel with id and returns the updated list.
func (s *Store) RemoveChannel(ctx context.Context, id string) ([]*models.Channel, error) {
	doc, err := s.mutate(ctx, func(doc *models.Document) error {
		idx := doc.FindChannel(id)
		if idx < 0 {
			return &NotFoundError{ID: id}
		}
		doc.Channels = append(doc.Channels[:idx], doc.Channels[idx+1:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Channels, nil
}

// UpdateSettings applies patch and returns the updated settings.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) (models.ScraperSettings, error) {
	doc, err := s.mutate(ctx, func(doc *models.Document) error {
		next := doc.Settings
		if patch.DownloadPath != nil {
			next.DownloadPath = strings.TrimSpace(*patch.DownloadPath)
		}
		if patch.MaxVideosPerChannel != nil {
			next.MaxVideosPerChannel = *patch.MaxVideosPerChannel
		}
		if patch.Headless != nil {
			next.Headless = *patch.Headless
		}
		if patch.ScrapeInterval != nil {
			next.ScrapeInterval = *patch.ScrapeInterval
		}
		if err := ValidateSettings(next); err != nil {
			return err
		}
		doc.Settings = next
		return nil
	})
	if err != nil {
		return models.ScraperSettings{}, err
	}
	return doc.Settings, nil
}

// MarkScraped sets the channel's lastScraped timestamp.
func (s *Store) MarkScraped(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutate(ctx, func(doc *models.Document) error {
		idx := doc.FindChannel(id)
		if idx < 0 {
			return &NotFoundError{ID: id}
		}
		ts := at.UTC()
		doc.Channels[idx].LastScraped = &ts
		return nil
	})
	return err
}

// ValidateSettings ensures settings can drive a scrape.
func ValidateSettings(settings models.ScraperSettings) error {
	if settings.DownloadPath == "" {
		return &ValidationError{Field: "downloadPath", Reason: "cannot be empty"}
	}
	if settings.MaxVideosPerChannel <= 0 {
		return &ValidationError{Field: "maxVideosPerChannel", Reason: "must be positive"}
	}
	if settings.ScrapeInterval < 0 {
		return &ValidationError{Field: "scrapeInterval", Reason: "cannot be negative"}
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, fn func(doc *models.Document) error) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.storage.Save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) loadLocked(ctx context.Context) (*models.Document, error) {
	doc, err := s.storage.Load(ctx)
	if errors.Is(err, ErrNoDocument) {
		doc = models.DefaultDocument()
		if err := s.storage.Save(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
