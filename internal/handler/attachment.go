package handler

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

type AttachmentCreator interface {
	CreateAttachment(ctx context.Context, a *model.Attachment) error
}

// AttachmentHandler accepts blob uploads.  Blobs are written under Dir and
// recorded unbound; a later send binds them to its message.
type AttachmentHandler struct {
	Store    AttachmentCreator
	Dir      string
	MaxBytes map[string]int64 // per attachment kind
	Log      *zap.Logger
}

func NewAttachmentHandler(store AttachmentCreator, dir string, maxBytes map[string]int64, log *zap.Logger) *AttachmentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AttachmentHandler{Store: store, Dir: dir, MaxBytes: maxBytes, Log: log.With(zap.String("component", "attachments"))}
}

type attachmentResp struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Upload: POST /v1/attachments (multipart "file", form "kind" and optional
// width, height, duration_ms and codec).
func (h *AttachmentHandler) Upload(c echo.Context) error {
	kind := strings.ToLower(strings.TrimSpace(c.FormValue("kind")))
	limit, ok := h.MaxBytes[kind]
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "kind must be one of image, audio, video, document"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "file required"})
	}
	if fh.Size > limit {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "attachment too large", "max_bytes": limit})
	}
	a := model.Attachment{
		ID:          uuid.NewString(),
		OwnerID:     currentUser(c),
		Kind:        kind,
		ContentType: fh.Header.Get("Content-Type"),
		Codec:       strings.TrimSpace(c.FormValue("codec")),
	}
	if a.Width, err = formInt(c, "width"); err == nil {
		if a.Height, err = formInt(c, "height"); err == nil {
			var d int
			d, err = formInt(c, "duration_ms")
			a.DurationMS = int64(d)
		}
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	size, ref, err := h.save(fh, a.ID, limit)
	if err != nil {
		if apperr.Is(err, apperr.InvalidArgument) {
			return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "attachment too large", "max_bytes": limit})
		}
		return fail(c, h.Log, err)
	}
	a.Size, a.BlobRef = size, ref

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Store.CreateAttachment(ctx, &a); err != nil {
		_ = os.Remove(filepath.Join(h.Dir, ref))
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, attachmentResp{ID: a.ID, Kind: a.Kind, ContentType: a.ContentType, Size: a.Size})
}

// save copies the upload to Dir/<id><ext>, refusing more than limit bytes
// whatever the multipart header claimed.
func (h *AttachmentHandler) save(fh *multipart.FileHeader, id string, limit int64) (int64, string, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, "", apperr.Wrap(apperr.InvalidArgument, err, "unreadable upload")
	}
	defer src.Close()

	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return 0, "", apperr.Wrap(apperr.Internal, err, "create upload dir")
	}
	ref := id + strings.ToLower(filepath.Ext(filepath.Base(fh.Filename)))
	path := filepath.Join(h.Dir, ref)
	dst, err := os.Create(path)
	if err != nil {
		return 0, "", apperr.Wrap(apperr.Internal, err, "create blob")
	}
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		_ = os.Remove(path)
		return 0, "", apperr.Wrap(apperr.Internal, err, "write blob")
	case n > limit:
		_ = os.Remove(path)
		return 0, "", apperr.New(apperr.InvalidArgument, "attachment too large")
	}
	return n, ref, nil
}

func formInt(c echo.Context, name string) (int, error) {
	v := strings.TrimSpace(c.FormValue(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.InvalidArgument, "invalid %s", name)
	}
	return n, nil
}
