package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/extraction"
	"github.com/joseph-ayodele/docjobs/internal/ocr"
)

type memStore map[string]string

func (m memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s, ok := m[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return io.NopCloser(strings.NewReader(s)), nil
}

type fakeOCR struct {
	pages int
	err   error
}

func (f fakeOCR) Extract(_ context.Context, _ string) (ocr.Result, error) {
	if f.err != nil {
		return ocr.Result{}, f.err
	}
	var res ocr.Result
	for i := 1; i <= f.pages; i++ {
		res.Pages = append(res.Pages, ocr.Page{
			Number: i,
			Lines:  []ocr.Line{{Text: fmt.Sprintf("line %d", i)}},
		})
	}
	return res, nil
}

func waitDone(t *testing.T, e *Engine, id string) extraction.Page {
	t.Helper()
	var page extraction.Page
	require.Eventually(t, func() bool {
		p, err := e.GetStatus(context.Background(), id, "")
		if err != nil {
			return false
		}
		page = p
		return p.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	return page
}

func TestEngine_PaginatesBlocks(t *testing.T) {
	e := NewEngine(Config{PageSize: 2, ScratchDir: t.TempDir()},
		memStore{"a.png": "img"}, fakeOCR{pages: 3}, nil)
	defer e.Close(context.Background())

	id, err := e.Start(context.Background(), extraction.ObjectRef{Key: "a.png"})
	require.NoError(t, err)

	page := waitDone(t, e, id)
	require.Equal(t, constants.JobStatusSucceeded, page.Status)
	assert.Equal(t, 3, page.Pages)

	var all []entity.Block
	seen := map[string]bool{}
	for {
		all = append(all, page.Blocks...)
		if page.NextCursor == "" {
			break
		}
		require.False(t, seen[page.NextCursor])
		seen[page.NextCursor] = true
		page, err = e.GetStatus(context.Background(), id, page.NextCursor)
		require.NoError(t, err)
	}
	// each page yields one PAGE and one LINE block
	require.Len(t, all, 6)
	assert.Equal(t, "p1", all[0].ID)
	assert.Equal(t, "line 3", all[5].Text)
}

func TestEngine_ReportsFailure(t *testing.T) {
	e := NewEngine(Config{ScratchDir: t.TempDir()},
		memStore{"a.png": "img"}, fakeOCR{err: errors.New("tesseract crashed")}, nil)
	defer e.Close(context.Background())

	id, err := e.Start(context.Background(), extraction.ObjectRef{Key: "a.png"})
	require.NoError(t, err)
	page := waitDone(t, e, id)
	assert.Equal(t, constants.JobStatusFailed, page.Status)
	assert.Contains(t, page.StatusMessage, "tesseract crashed")
}

func TestEngine_MissingObjectFails(t *testing.T) {
	e := NewEngine(Config{ScratchDir: t.TempDir()}, memStore{}, fakeOCR{pages: 1}, nil)
	defer e.Close(context.Background())

	id, err := e.Start(context.Background(), extraction.ObjectRef{Key: "gone.pdf"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, waitDone(t, e, id).Status)
}

func TestEngine_UnknownJobAndBadCursor(t *testing.T) {
	e := NewEngine(Config{PageSize: 1, ScratchDir: t.TempDir()},
		memStore{"a.png": "img"}, fakeOCR{pages: 1}, nil)
	defer e.Close(context.Background())

	page, err := e.GetStatus(context.Background(), "nope", "")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, page.Status)

	id, err := e.Start(context.Background(), extraction.ObjectRef{Key: "a.png"})
	require.NoError(t, err)
	waitDone(t, e, id)

	_, err = e.GetStatus(context.Background(), id, "not-base64!")
	assert.ErrorIs(t, err, ErrBadCursor)
	_, err = e.GetStatus(context.Background(), id, encodeCursor("other", 1))
	assert.ErrorIs(t, err, ErrBadCursor)
}
