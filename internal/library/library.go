// Package library keeps users' libraries and settings. It is the server side
// of the non-progress outbox actions, so every operation is safe to replay:
// repeating one that already took effect reports [catalog.ErrConflict].
package library

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

type Repo interface {
	AddLibraryEntry(ctx context.Context, userID, seriesID, status string, now time.Time) (catalog.LibraryEntry, error)
	UpdateLibraryEntry(ctx context.Context, userID, seriesID, status string, now time.Time) (catalog.LibraryEntry, error)
	SoftDeleteLibraryEntry(ctx context.Context, userID, seriesID string, now time.Time) error
	PutSetting(ctx context.Context, userID, key, value string, now time.Time) error
}

type Recorder interface {
	Record(ctx context.Context, seriesID string, signal catalog.Signal) error
}

// Statuses a library entry may be in.
var Statuses = map[string]bool{
	"reading":      true,
	"completed":    true,
	"on_hold":      true,
	"dropped":      true,
	"plan_to_read": true,
}

const defaultStatus = "reading"

type Service struct {
	repo     Repo
	recorder Recorder
	now      func() time.Time
}

func New(repo Repo, recorder Recorder) *Service {
	return &Service{repo: repo, recorder: recorder, now: time.Now}
}

// Add follows a series. An empty status means "reading".
func (s *Service) Add(ctx context.Context, userID, seriesID, status string) (catalog.LibraryEntry, error) {
	if status == "" {
		status = defaultStatus
	}
	if err := validate(userID, seriesID, status); err != nil {
		return catalog.LibraryEntry{}, err
	}

	entry, err := s.repo.AddLibraryEntry(ctx, userID, seriesID, status, s.now())
	if err != nil {
		return catalog.LibraryEntry{}, fmt.Errorf("error adding %s to library: %w", seriesID, err)
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, seriesID, catalog.SignalUserFollow); err != nil {
			slog.WarnContext(ctx, "error recording follow signal", "series_id", seriesID, "err", err)
		}
	}

	return entry, nil
}

func (s *Service) Update(ctx context.Context, userID, seriesID, status string) (catalog.LibraryEntry, error) {
	if err := validate(userID, seriesID, status); err != nil {
		return catalog.LibraryEntry{}, err
	}

	entry, err := s.repo.UpdateLibraryEntry(ctx, userID, seriesID, status, s.now())
	if err != nil {
		return catalog.LibraryEntry{}, fmt.Errorf("error updating library entry %s: %w", seriesID, err)
	}

	return entry, nil
}

func (s *Service) Remove(ctx context.Context, userID, seriesID string) error {
	if err := validate(userID, seriesID, defaultStatus); err != nil {
		return err
	}
	if err := s.repo.SoftDeleteLibraryEntry(ctx, userID, seriesID, s.now()); err != nil {
		return fmt.Errorf("error removing %s from library: %w", seriesID, err)
	}

	return nil
}

func (s *Service) PutSetting(ctx context.Context, userID, key, value string) error {
	switch {
	case userID == "":
		return catalog.Permanent("user is required", nil)
	case key == "":
		return catalog.Permanent("setting key is required", nil)
	case len(key) > 128:
		return catalog.Permanent("setting key is too long", nil)
	}

	if err := s.repo.PutSetting(ctx, userID, key, value, s.now()); err != nil {
		return fmt.Errorf("error storing setting %s: %w", key, err)
	}
	return nil
}

func validate(userID, seriesID, status string) error {
	switch {
	case userID == "":
		return catalog.Permanent("user is required", nil)
	case seriesID == "":
		return catalog.Permanent("series_id is required", nil)
	case !Statuses[status]:
		return catalog.Permanent(fmt.Sprintf("unknown status %q", status), nil)
	}

	return nil
}
