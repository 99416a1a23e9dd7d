package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	cherrs "github.com/jdholdren/chapterhouse/internal/errors"
	"github.com/jdholdren/chapterhouse/internal/progress"
)

const sessionCookieName = "chapterhouse_session"

// HTTPTransport replays actions against the chapterhouse API as the user
// whose session cookie it carries.
type HTTPTransport struct {
	baseURL string
	session string
	client  *http.Client
}

func NewHTTPTransport(baseURL, session string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		client:  &http.Client{Timeout: timeout},
	}
}

type (
	chapterReadsReq struct {
		Items []progress.BatchItem `json:"items"`
	}

	chapterReadsResp struct {
		Results []progress.ItemResult `json:"results"`
	}
)

// SendChapterReads replays the reads in requests of at most
// [progress.MaxBatchItems]. A rejected request fails only its own items.
func (t *HTTPTransport) SendChapterReads(ctx context.Context, actions []Action) (map[string]bool, error) {
	var (
		items    = make([]progress.BatchItem, 0, len(actions))
		accepted = make(map[string]bool, len(actions))
	)
	for _, a := range actions {
		p, err := decodePayload[ChapterReadPayload](a)
		if err != nil {
			// Left out of the request and reported as failed.
			accepted[a.ID] = false
			continue
		}
		items = append(items, progress.BatchItem{
			ID: a.ID,
			Update: progress.Update{
				SeriesID:      p.SeriesID,
				ChapterNumber: p.ChapterNumber,
				ChapterSlug:   p.ChapterSlug,
				SourceID:      p.SourceID,
				IsRead:        p.IsRead,
				Timestamp:     a.Timestamp,
				DeviceID:      a.DeviceID,
			},
		})
	}

	var errs []error
	for chunk := range slices.Chunk(items, progress.MaxBatchItems) {
		var resp chapterReadsResp
		err := t.do(ctx, http.MethodPost, "/api/sync/chapter-reads", chapterReadsReq{Items: chunk}, &resp)
		if stopsPass(err) {
			return accepted, err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("batch of %d rejected: %w", len(chunk), err))
			continue
		}
		for _, res := range resp.Results {
			accepted[res.ID] = res.Status == progress.ItemSuccess
		}
	}

	return accepted, errors.Join(errs...)
}

func (t *HTTPTransport) Send(ctx context.Context, a Action) error {
	switch a.Type {
	case LibraryAdd:
		p, err := decodePayload[LibraryPayload](a)
		if err != nil {
			return err
		}
		return t.do(ctx, http.MethodPost, "/api/library", p, nil)
	case LibraryUpdate:
		p, err := decodePayload[LibraryPayload](a)
		if err != nil {
			return err
		}
		return t.do(ctx, http.MethodPatch, "/api/library/"+url.PathEscape(p.SeriesID), map[string]string{"status": p.Status}, nil)
	case LibraryDelete:
		p, err := decodePayload[LibraryPayload](a)
		if err != nil {
			return err
		}
		return t.do(ctx, http.MethodDelete, "/api/library/"+url.PathEscape(p.SeriesID), nil, nil)
	case SettingUpdate:
		p, err := decodePayload[SettingPayload](a)
		if err != nil {
			return err
		}
		return t.do(ctx, http.MethodPut, "/api/settings/"+url.PathEscape(p.Key), map[string]string{"value": p.Value}, nil)
	}

	return catalog.Permanent(fmt.Sprintf("cannot send %s on its own", a.Type), nil)
}

// do sends body as JSON and decodes a successful response into out when
// it's non-nil. Conflicts come back as [ErrAlreadyApplied].
func (t *HTTPTransport) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		byts, err := json.Marshal(body)
		if err != nil {
			return catalog.Permanent("error encoding request", err)
		}
		r = bytes.NewReader(byts)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, r)
	if err != nil {
		return catalog.Permanent("error building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: t.session})

	resp, err := t.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// The request may have reached the server.
			return catalog.Transient(fmt.Sprintf("timed out calling %s %s", method, path), err)
		}
		return catalog.Transient(fmt.Sprintf("error calling %s %s", method, path), fmt.Errorf("%w: %w", ErrOffline, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyApplied
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return catalog.Transient(fmt.Sprintf("%s %s: unexpected status code: %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode == http.StatusUnauthorized:
		return catalog.Transient(fmt.Sprintf("%s %s", method, path), ErrSessionRejected)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return catalog.Permanent(fmt.Sprintf("%s %s: unexpected status code: %d", method, path, resp.StatusCode), serverError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return catalog.Permanent("error decoding response", err)
	}

	return nil
}

// serverError reads the structured error the API responds with. Bodies that
// aren't one are returned as plain text.
func serverError(resp *http.Response) error {
	byts, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(byts)) == 0 {
		return nil
	}

	var e cherrs.Error
	if err := json.Unmarshal(byts, &e); err != nil || e.Status == 0 {
		return errors.New(string(bytes.TrimSpace(byts)))
	}
	return &e
}
