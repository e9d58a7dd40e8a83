package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/joseph-ayodele/docjobs/constants"
	"github.com/joseph-ayodele/docjobs/internal/billing"
	"github.com/joseph-ayodele/docjobs/internal/common"
	"github.com/joseph-ayodele/docjobs/internal/entity"
	"github.com/joseph-ayodele/docjobs/internal/jobs"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type artifactView struct {
	Kind        constants.ArtifactKind `json:"kind"`
	Key         string                 `json:"key"`
	ContentType string                 `json:"content_type"`
	URL         string                 `json:"url,omitempty"`
}

type jobView struct {
	ID                   string         `json:"id"`
	State                string         `json:"state"`
	Status               string         `json:"status"`
	Filename             string         `json:"filename"`
	FileSize             int64          `json:"file_size"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	PageCount            int            `json:"page_count,omitempty"`
	EnrichmentProfile    string         `json:"enrichment_profile,omitempty"`
	EnrichmentSkipReason string         `json:"enrichment_skip_reason,omitempty"`
	Artifacts            []artifactView `json:"artifacts,omitempty"`
	CreatedAt            string         `json:"created_at"`
	FinishedAt           string         `json:"finished_at,omitempty"`
}

func (s *Server) viewJob(j *entity.Job) (jobView, error) {
	v := jobView{
		ID:                   j.ID,
		State:                j.State(),
		Status:               string(j.Status),
		Filename:             j.OriginalFilename,
		FileSize:             j.FileSize,
		FailureReason:        j.FailureReason,
		PageCount:            j.PageCount,
		EnrichmentProfile:    j.EnrichmentProfile,
		EnrichmentSkipReason: j.EnrichmentSkipReason,
		CreatedAt:            formatTime(&j.CreatedAt),
		FinishedAt:           formatTime(j.FinishedAt),
	}
	for _, a := range j.Artifacts {
		link, err := s.deps.Store.PresignDownload(a.Key, s.cfg.DownloadTTL)
		if err != nil {
			return v, err
		}
		v.Artifacts = append(v.Artifacts, artifactView{Kind: a.Kind, Key: a.Key, ContentType: a.ContentType, URL: link})
	}
	return v, nil
}

// POST /v1/documents (multipart: file, profile)
func (s *Server) submitDocument(c echo.Context) error {
	ctx := c.Request().Context()
	acct := currentAccount(c)

	fh, err := c.FormFile("file")
	if err != nil {
		return common.NewAppError("INVALID_INPUT", "multipart field \"file\" is required", common.ErrInvalidInput)
	}
	name := filepath.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	ext := constants.NormalizeExt(filepath.Ext(name))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return common.NewAppError("INVALID_INPUT", fmt.Sprintf("unsupported file type %q", ext), common.ErrInvalidInput)
	}

	req := jobs.SubmitRequest{
		Account:           acct,
		ObjectKey:         jobs.UploadKey(acct.ID, name),
		OriginalFilename:  name,
		FileSize:          fh.Size,
		EnrichmentProfile: strings.TrimSpace(c.FormValue("profile")),
	}
	if err := s.deps.Jobs.Admit(ctx, req); err != nil {
		return err
	}

	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()
	if err := s.deps.Store.PutStream(ctx, req.ObjectKey, src, fh.Size, constants.ContentTypeForExt(ext)); err != nil {
		return err
	}

	job, err := s.deps.Jobs.Submit(ctx, req)
	if err != nil {
		return err
	}
	v, err := s.viewJob(job)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, v)
}

// GET /v1/jobs/:id
func (s *Server) getJob(c echo.Context) error {
	ctx := c.Request().Context()
	acct := currentAccount(c)
	id := c.Param("id")

	job, err := s.deps.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.AccountID != acct.ID {
		return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	if !job.Status.IsTerminal() {
		if job, err = s.deps.Jobs.Poll(ctx, id); err != nil {
			return err
		}
	}
	v, err := s.viewJob(job)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// GET /v1/downloads/*?expires=&sig=
func (s *Server) download(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return fmt.Errorf("bad key: %w", common.ErrInvalidInput)
	}
	if err := s.deps.Store.VerifyDownload(key, c.QueryParam("expires"), c.QueryParam("sig")); err != nil {
		return err
	}
	rc, err := s.deps.Store.Open(c.Request().Context(), key)
	if err != nil {
		return err
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	return c.Stream(http.StatusOK, constants.ContentTypeForExt(path.Ext(key)), rc)
}

type accountView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Tier  string `json:"tier"`
	Usage any    `json:"usage"`
}

// GET /v1/account
func (s *Server) getAccount(c echo.Context) error {
	acct := currentAccount(c)
	usage, err := s.deps.Usage.Usage(c.Request().Context(), acct.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accountView{
		ID:    acct.ID.String(),
		Email: acct.Email,
		Name:  acct.Name,
		Tier:  string(usage.Tier),
		Usage: usage,
	})
}

// GET /v1/history?limit=
func (s *Server) listHistory(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return common.NewAppError("INVALID_INPUT", "limit must be a non-negative integer", common.ErrInvalidInput)
		}
		limit = n
	}
	recs, err := s.deps.History.ListByAccount(c.Request().Context(), currentAccount(c).ID, limit)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*entity.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": recs})
}

// GET /v1/history/export?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) exportHistory(c echo.Context) error {
	from, err := parseDate(c.QueryParam("from"), "from")
	if err != nil {
		return err
	}
	to, err := parseDate(c.QueryParam("to"), "to")
	if err != nil {
		return err
	}
	acct := currentAccount(c)
	data, _, err := s.deps.Exporter.ExportHistoryXLSX(c.Request().Context(), acct.ID, from, to)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="history.xlsx"`)
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

// POST /v1/billing/webhook
func (s *Server) billingWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", common.ErrInvalidInput)
	}
	out, err := s.deps.Billing.Handle(c.Request().Context(), payload, c.Request().Header.Get(billing.SignatureHeader))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func parseDate(raw, field string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, common.NewAppError("INVALID_INPUT", field+" must be YYYY-MM-DD", common.ErrInvalidInput)
	}
	return &t, nil
}
