package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/chapterhouse/internal/logger"
)

func TestCtx_AttrsReachRecords(t *testing.T) {
	var (
		buf bytes.Buffer
		log = logger.New(&buf, "json", slog.LevelInfo)
		ctx = logger.Ctx(context.Background(), slog.String("job_id", "job-1"))
	)

	log.InfoContext(logger.Ctx(ctx, slog.String("source", "mangadex")), "crawled")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "crawled", rec["msg"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "mangadex", rec["source"])
}

func TestCtx_SiblingsDoNotShare(t *testing.T) {
	var (
		buf  bytes.Buffer
		log  = logger.New(&buf, "json", slog.LevelInfo)
		base = logger.Ctx(context.Background(), slog.String("a", "1"), slog.String("b", "2"))
	)

	left := logger.Ctx(base, slog.String("side", "left"))
	_ = logger.Ctx(base, slog.String("side", "right"))

	log.With("extra", true).InfoContext(left, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "left", rec["side"])
	assert.Equal(t, true, rec["extra"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger.New(&buf, "", slog.LevelWarn).Info("quiet")
	assert.Empty(t, buf.String())

	logger.New(&buf, "text", slog.LevelWarn).Warn("loud", "k", "v")
	assert.Contains(t, buf.String(), "msg=loud k=v")
}
