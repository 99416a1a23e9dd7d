// Package outbox is the client side of progress and library sync. Actions a
// device performs while offline are queued locally and replayed against the
// API by a [Reconciler] once connectivity returns.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

type ActionType string

const (
	ChapterRead   ActionType = "CHAPTER_READ"
	LibraryAdd    ActionType = "LIBRARY_ADD"
	LibraryUpdate ActionType = "LIBRARY_UPDATE"
	LibraryDelete ActionType = "LIBRARY_DELETE"
	SettingUpdate ActionType = "SETTING_UPDATE"
)

func (t ActionType) Valid() bool {
	switch t {
	case ChapterRead, LibraryAdd, LibraryUpdate, LibraryDelete, SettingUpdate:
		return true
	}
	return false
}

// Action is one queued user intent. Timestamp is when the user performed it
// on the device, which is what the server orders conflicting writes by.
type Action struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	DeviceID   string          `json:"device_id"`
	RetryCount int             `json:"retry_count"`
}

type (
	ChapterReadPayload struct {
		SeriesID      string   `json:"series_id"`
		ChapterNumber *float64 `json:"chapter_number,omitempty"`
		ChapterSlug   string   `json:"chapter_slug,omitempty"`
		SourceID      string   `json:"source_id,omitempty"`
		IsRead        bool     `json:"is_read"`
	}

	// LibraryPayload serves all three library actions. Status is ignored
	// for deletes.
	LibraryPayload struct {
		SeriesID string `json:"series_id"`
		Status   string `json:"status,omitempty"`
	}

	SettingPayload struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
)

// Store is where actions wait until the server confirms them.
type Store interface {
	Put(a Action) error
	List() ([]Action, error)
	Delete(ids ...string) error
	IncrementRetry(ids ...string) error
}

// ErrAlreadyApplied is returned by a [Transport] when the server reports the
// action's effect is already in place.
var ErrAlreadyApplied = errors.New("already applied")

// Errors a [Transport] wraps when no action could have been delivered: the
// server can't be reached at all, or it refused the session. They end a
// drain pass without counting against any action.
var (
	ErrOffline         = errors.New("server unreachable")
	ErrSessionRejected = errors.New("session rejected")
)

func stopsPass(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrSessionRejected)
}

// Transport delivers actions to the server.
type Transport interface {
	// SendChapterReads replays chapter reads and reports which ids the
	// server accepted. Ids missing from the map failed. The error explains
	// rejected batches and may come with a partial map.
	SendChapterReads(ctx context.Context, actions []Action) (map[string]bool, error)
	// Send replays any other single action.
	Send(ctx context.Context, a Action) error
}

func decodePayload[T any](a Action) (T, error) {
	var p T
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, catalog.Permanent(fmt.Sprintf("malformed %s payload", a.Type), err)
	}
	return p, nil
}

// validatePayload checks a payload has what its action type needs before it
// is queued, so a malformed action never reaches the server.
func validatePayload(t ActionType, raw json.RawMessage) error {
	a := Action{Type: t, Payload: raw}
	switch t {
	case ChapterRead:
		p, err := decodePayload[ChapterReadPayload](a)
		if err != nil {
			return err
		}
		if p.SeriesID == "" {
			return catalog.Permanent("series_id is required", nil)
		}
		if p.ChapterNumber == nil && p.ChapterSlug == "" {
			return catalog.Permanent("chapter_number or chapter_slug is required", nil)
		}
	case LibraryAdd, LibraryUpdate, LibraryDelete:
		p, err := decodePayload[LibraryPayload](a)
		if err != nil {
			return err
		}
		if p.SeriesID == "" {
			return catalog.Permanent("series_id is required", nil)
		}
		if t == LibraryUpdate && p.Status == "" {
			return catalog.Permanent("status is required", nil)
		}
	case SettingUpdate:
		p, err := decodePayload[SettingPayload](a)
		if err != nil {
			return err
		}
		if p.Key == "" {
			return catalog.Permanent("key is required", nil)
		}
	default:
		return catalog.Permanent(fmt.Sprintf("unknown action type %q", t), nil)
	}

	return nil
}
