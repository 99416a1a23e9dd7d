package api

import (
	"net/http"

	"github.com/gorilla/mux"

	cherrs "github.com/jdholdren/chapterhouse/internal/errors"
	"github.com/jdholdren/chapterhouse/internal/progress"
	"github.com/jdholdren/chapterhouse/internal/serverutil"
)

type DebugLogin struct {
	UserID string `json:"user_id"`
}

func (l DebugLogin) Validate() error {
	if l.UserID == "" {
		return cherrs.E(http.StatusBadRequest, cherrs.Detail{Field: "user_id", Error: "required"}, "invalid login")
	}
	return nil
}

func (s Server) handleDebugLogin(w http.ResponseWriter, r *http.Request) error {
	login, err := serverutil.DecodeValid[DebugLogin](r.Body)
	if err != nil {
		return err
	}

	setSession(w, s.secureCookie, s.httpsCookies, sessionState{UserID: login.UserID})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s Server) postProgress(w http.ResponseWriter, r *http.Request) error {
	u, err := serverutil.DecodeValid[progress.Update](r.Body)
	if err != nil {
		return err
	}

	state, err := s.progress.Update(r.Context(), userID(r.Context()), u)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, state)
}

type (
	ChapterReadsReq struct {
		Items []progress.BatchItem `json:"items"`
	}

	ChapterReadsResp struct {
		Results []progress.ItemResult `json:"results"`
	}
)

func (c ChapterReadsReq) Validate() error {
	if len(c.Items) == 0 {
		return cherrs.E(http.StatusBadRequest, cherrs.Detail{Field: "items", Error: "required"}, "invalid batch")
	}
	if len(c.Items) > progress.MaxBatchItems {
		return cherrs.E(http.StatusRequestEntityTooLarge, "too many items in batch")
	}
	for _, item := range c.Items {
		if item.ID == "" {
			return cherrs.E(http.StatusBadRequest, cherrs.Detail{Field: "items.id", Error: "required"}, "invalid batch")
		}
	}

	return nil
}

// Item failures are reported per item, so the batch itself succeeds even
// when every item fails.
func (s Server) postChapterReads(w http.ResponseWriter, r *http.Request) error {
	req, err := serverutil.DecodeValid[ChapterReadsReq](r.Body)
	if err != nil {
		return err
	}

	results := s.progress.ApplyBatch(r.Context(), userID(r.Context()), req.Items)
	return serverutil.WriteJSON(w, http.StatusOK, ChapterReadsResp{Results: results})
}

type LibraryReq struct {
	SeriesID string `json:"series_id"`
	Status   string `json:"status"`
}

func (l LibraryReq) Validate() error {
	if l.SeriesID == "" {
		return cherrs.E(http.StatusBadRequest, cherrs.Detail{Field: "series_id", Error: "required"}, "invalid library entry")
	}
	return nil
}

func (s Server) postLibrary(w http.ResponseWriter, r *http.Request) error {
	req, err := serverutil.DecodeValid[LibraryReq](r.Body)
	if err != nil {
		return err
	}

	entry, err := s.library.Add(r.Context(), userID(r.Context()), req.SeriesID, req.Status)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, entry)
}

type LibraryStatusReq struct {
	Status string `json:"status"`
}

func (l LibraryStatusReq) Validate() error {
	if l.Status == "" {
		return cherrs.E(http.StatusBadRequest, cherrs.Detail{Field: "status", Error: "required"}, "invalid library entry")
	}
	return nil
}

func (s Server) patchLibrary(w http.ResponseWriter, r *http.Request) error {
	req, err := serverutil.DecodeValid[LibraryStatusReq](r.Body)
	if err != nil {
		return err
	}

	entry, err := s.library.Update(r.Context(), userID(r.Context()), mux.Vars(r)["seriesID"], req.Status)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, entry)
}

func (s Server) deleteLibrary(w http.ResponseWriter, r *http.Request) error {
	if err := s.library.Remove(r.Context(), userID(r.Context()), mux.Vars(r)["seriesID"]); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

type SettingReq struct {
	Value string `json:"value"`
}

func (SettingReq) Validate() error { return nil }

func (s Server) putSetting(w http.ResponseWriter, r *http.Request) error {
	req, err := serverutil.DecodeValid[SettingReq](r.Body)
	if err != nil {
		return err
	}

	if err := s.library.PutSetting(r.Context(), userID(r.Context()), mux.Vars(r)["key"], req.Value); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s Server) getDeadLetters(w http.ResponseWriter, r *http.Request) error {
	dls, err := s.deadLetters.DeadLetters(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}
