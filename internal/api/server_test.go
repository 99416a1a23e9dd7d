package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/api"
	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/library"
	"github.com/jdholdren/chapterhouse/internal/progress"
	"github.com/jdholdren/chapterhouse/internal/sqlite"
	"github.com/jdholdren/chapterhouse/internal/sqlite/sqlitetest"
	"github.com/jdholdren/chapterhouse/internal/tier"
)

type testServer struct {
	repo   sqlite.Repo
	url    string
	client *http.Client
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	var (
		repo       = sqlitetest.New(t)
		classifier = tier.New(repo, tier.DefaultConfig())
		srvr       = api.NewServer(api.ServerConfig{
			CookieHashKey:  securecookie.GenerateRandomKey(32),
			CookieBlockKey: securecookie.GenerateRandomKey(32),
			CorsHeader:     "http://localhost:3000",
			DebugEndpoints: true,
		}, progress.New(repo, classifier), library.New(repo, classifier), repo)
		ts = httptest.NewServer(srvr.Handler)
	)
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return testServer{
		repo:   repo,
		url:    ts.URL,
		client: &http.Client{Jar: jar, Timeout: 5 * time.Second},
	}
}

func (s testServer) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	byts, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(byts)
}

func (s testServer) login(t *testing.T, userID string) {
	t.Helper()

	code, _ := s.do(t, http.MethodPost, "/api/login", `{"user_id": "`+userID+`"}`)
	require.Equal(t, http.StatusNoContent, code)
}

// seriesWithChapter creates a series with chapter 1 ingested.
func (s testServer) seriesWithChapter(t *testing.T) string {
	t.Helper()

	series, ss := sqlitetest.Series(t, s.repo, "Frieren", "mangadex")
	number := 1.0
	_, err := s.repo.IngestChapter(context.Background(), catalog.ChapterReport{
		SeriesSourceID: ss[0].ID,
		SeriesID:       series.ID,
		ChapterNumber:  &number,
		ChapterURL:     "https://mangadex.test/c/1",
	}, "", time.Now())
	require.NoError(t, err)

	return series.ID
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status": "ok"}`, body)

	code, body = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}

func TestRequiresSession(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/progress", `{}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodGet, "/api/dead-letters", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodPost, "/api/login", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPostProgress(t *testing.T) {
	var (
		s        = newTestServer(t)
		seriesID = s.seriesWithChapter(t)
	)
	s.login(t, "user-1")

	code, body := s.do(t, http.MethodPost, "/api/progress", `{
		"series_id": "`+seriesID+`",
		"chapter_slug": "chapter-1",
		"is_read": true,
		"timestamp": "2024-05-01T12:00:00Z",
		"device_id": "phone"
	}`)
	require.Equal(t, http.StatusOK, code, body)

	var state catalog.ReadState
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.True(t, state.IsRead)
	assert.Equal(t, "user-1", state.UserID)
	assert.Equal(t, "phone", state.DeviceID)

	// An older write from another device is accepted but loses.
	code, body = s.do(t, http.MethodPost, "/api/progress", `{
		"series_id": "`+seriesID+`",
		"chapter_number": 1,
		"is_read": false,
		"timestamp": "2024-05-01T11:00:00Z",
		"device_id": "tablet"
	}`)
	require.Equal(t, http.StatusOK, code, body)
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	assert.True(t, state.IsRead)
	assert.Equal(t, "phone", state.DeviceID)
}

func TestPostProgress_Errors(t *testing.T) {
	var (
		s        = newTestServer(t)
		seriesID = s.seriesWithChapter(t)
	)
	s.login(t, "user-1")

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{"series_id":`, want: http.StatusBadRequest},
		{
			name: "missing timestamp",
			body: `{"series_id": "` + seriesID + `", "chapter_number": 1, "device_id": "phone"}`,
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "bad slug",
			body: `{"series_id": "` + seriesID + `", "chapter_slug": "extra", "timestamp": "2024-05-01T12:00:00Z", "device_id": "phone"}`,
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown chapter",
			body: `{"series_id": "` + seriesID + `", "chapter_number": 99, "timestamp": "2024-05-01T12:00:00Z", "device_id": "phone"}`,
			want: http.StatusNotFound,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/api/progress", test.body)
			assert.Equal(t, test.want, code, body)
		})
	}
}

func TestPostChapterReads(t *testing.T) {
	var (
		s        = newTestServer(t)
		seriesID = s.seriesWithChapter(t)
	)
	s.login(t, "user-1")

	code, body := s.do(t, http.MethodPost, "/api/sync/chapter-reads", `{"items": [
		{"id": "a1", "series_id": "`+seriesID+`", "chapter_number": 1, "is_read": true, "timestamp": "2024-05-01T12:00:00Z", "device_id": "phone"},
		{"id": "a2", "series_id": "`+seriesID+`", "chapter_number": 2, "is_read": true, "timestamp": "2024-05-01T12:00:00Z", "device_id": "phone"}
	]}`)
	require.Equal(t, http.StatusOK, code, body)

	var resp api.ChapterReadsResp
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a1", resp.Results[0].ID)
	assert.Equal(t, progress.ItemSuccess, resp.Results[0].Status)
	assert.Equal(t, "a2", resp.Results[1].ID)
	assert.Equal(t, progress.ItemFailure, resp.Results[1].Status)
	assert.NotEmpty(t, resp.Results[1].Error)

	code, _ = s.do(t, http.MethodPost, "/api/sync/chapter-reads", `{"items": []}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLibraryRoutes(t *testing.T) {
	var (
		s         = newTestServer(t)
		series, _ = sqlitetest.Series(t, s.repo, "Frieren")
	)
	s.login(t, "user-1")

	code, body := s.do(t, http.MethodPost, "/api/library", `{"series_id": "`+series.ID+`"}`)
	require.Equal(t, http.StatusCreated, code, body)
	var entry catalog.LibraryEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entry))
	assert.Equal(t, "reading", entry.Status)

	// Replays of applied actions are conflicts.
	code, _ = s.do(t, http.MethodPost, "/api/library", `{"series_id": "`+series.ID+`"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(t, http.MethodPatch, "/api/library/"+series.ID, `{"status": "completed"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.NoError(t, json.Unmarshal([]byte(body), &entry))
	assert.Equal(t, "completed", entry.Status)

	code, _ = s.do(t, http.MethodPatch, "/api/library/"+series.ID, `{"status": "binging"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = s.do(t, http.MethodDelete, "/api/library/"+series.ID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodDelete, "/api/library/"+series.ID, "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPatch, "/api/library/"+series.ID, `{"status": "reading"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/library", `{"series_id": "missing"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPutSetting(t *testing.T) {
	s := newTestServer(t)
	s.login(t, "user-1")

	code, _ := s.do(t, http.MethodPut, "/api/settings/theme", `{"value": "dark"}`)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodPut, "/api/settings/theme", `{"value": "dark"}`)
	require.Equal(t, http.StatusNoContent, code)

	v, err := s.repo.Setting(context.Background(), "user-1", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	code, _ = s.do(t, http.MethodPut, "/api/settings/"+strings.Repeat("k", 200), `{"value": "dark"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestGetDeadLetters(t *testing.T) {
	s := newTestServer(t)
	s.login(t, "user-1")

	require.NoError(t, s.repo.InsertDeadLetter(context.Background(), catalog.DeadLetter{
		Queue:    "crawl",
		JobID:    "job-1",
		Payload:  `{"series_source_id":"src-1"}`,
		Error:    "unexpected status code: 404",
		Attempts: 1,
	}))

	code, body := s.do(t, http.MethodGet, "/api/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, code, body)

	var resp struct {
		DeadLetters []catalog.DeadLetter `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "job-1", resp.DeadLetters[0].JobID)
	assert.Equal(t, "crawl", resp.DeadLetters[0].Queue)
}
