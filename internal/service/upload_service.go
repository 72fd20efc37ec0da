package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/pkg/cloudinary"
)

var (
	// ErrUploadMissing indicates no file part was sent.
	ErrUploadMissing = errors.New("file is required")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadNotImage indicates the sniffed content is not an image.
	ErrUploadNotImage = errors.New("only image files are allowed")
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService validates chat images and hands them to storage.
type UploadService interface {
	UploadImage(ctx context.Context, file *multipart.FileHeader) (dto.ImageUploadResponse, error)
}

type uploadService struct {
	storage FileStorage
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewUploadService constructs an image upload service. maxSizeMB defaults to 10.
func NewUploadService(storage FileStorage, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &uploadService{
		storage: storage,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-livechat/internal/service/upload"),
	}
}

func (s *uploadService) UploadImage(ctx context.Context, file *multipart.FileHeader) (dto.ImageUploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.image")
	defer span.End()

	span.SetAttributes(attribute.Int64("upload.max_bytes", s.maxSize))

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	fail := func(outcome, status string, err error) (dto.ImageUploadResponse, error) {
		observability.Uploads().WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return dto.ImageUploadResponse{}, err
	}

	if file == nil {
		span.SetAttributes(attribute.Bool("upload.file_present", false))
		return fail("missing", "validation failed", ErrUploadMissing)
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return fail("too_large", "payload too large", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		return fail("error", "open failed", err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		return fail("error", "read failed", err)
	}
	if int64(buf.Len()) > s.maxSize {
		return fail("too_large", "payload too large", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	span.SetAttributes(attribute.String("upload.detected_mime", detected.String()))
	if !strings.HasPrefix(detected.String(), "image/") {
		return fail("rejected", "type not allowed", ErrUploadNotImage)
	}

	name := sanitizeFileName(file.Filename, detected.Extension())
	span.SetAttributes(
		attribute.String("upload.sanitized_name", name),
		attribute.Int64("upload.size_bytes", int64(buf.Len())),
	)

	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("image upload failed")
		return fail("error", "storage failed", fmt.Errorf("store image: %w", err))
	}

	observability.Uploads().WithLabelValues("stored").Inc()
	span.SetStatus(codes.Ok, "stored")

	return dto.ImageUploadResponse{
		URL:          url,
		OptimizedURL: cloudinary.OptimizeURL(url, cloudinary.ChatTransform),
		ThumbnailURL: cloudinary.ThumbnailURL(url),
	}, nil
}

// sanitizeFileName keeps [a-z0-9-_] from the base name and prefers the sniffed extension.
func sanitizeFileName(name, sniffedExt string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("image-%d", time.Now().Unix())
	}
	ext := strings.ToLower(sniffedExt)
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(name))
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}
