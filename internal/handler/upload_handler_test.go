package handler_test

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/handler"
	"github.com/noah-isme/gema-livechat/internal/service"
)

type mockUploadService struct {
	filename string
	response dto.ImageUploadResponse
	err      error
}

func (m *mockUploadService) UploadImage(_ context.Context, file *multipart.FileHeader) (dto.ImageUploadResponse, error) {
	if file != nil {
		if _, err := file.Open(); err != nil {
			return dto.ImageUploadResponse{}, err
		}
		m.filename = file.Filename
	}
	if m.err != nil {
		return dto.ImageUploadResponse{}, m.err
	}
	return m.response, nil
}

func uploadApp(svc service.UploadService) *fiber.App {
	app := fiber.New()
	handler.NewUploadHandler(svc, testLogger()).Register(app.Group("/api/v1/uploads", withUser("u1", "Alice")))
	return app
}

func TestUploadHandler_Success(t *testing.T) {
	svc := &mockUploadService{response: dto.ImageUploadResponse{
		URL:          "https://res.cloudinary.com/demo/image/upload/v1/photo.png",
		OptimizedURL: "https://res.cloudinary.com/demo/image/upload/c_fill,w_600,h_600,q_auto,f_auto/v1/photo.png",
		ThumbnailURL: "https://res.cloudinary.com/demo/image/upload/c_fill,w_100,h_100,q_low,f_auto/v1/photo.png",
	}}
	app := uploadApp(svc)

	body, contentType := multipartFile(t, "file", "photo.png", []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/images", body)
	req.Header.Set("Content-Type", contentType)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var response envelope[dto.ImageUploadResponse]
	decodeResponse(t, resp, &response)

	require.True(t, response.Success)
	require.Equal(t, "upload successful", response.Message)
	require.Equal(t, "photo.png", svc.filename)
	require.Equal(t, svc.response, response.Data)
}

func TestUploadHandler_MissingFile(t *testing.T) {
	app := uploadApp(&mockUploadService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/images", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUploadHandler_ServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		statusCode int
	}{
		{name: "too_large", err: service.ErrUploadTooLarge, statusCode: fiber.StatusRequestEntityTooLarge},
		{name: "not_image", err: service.ErrUploadNotImage, statusCode: fiber.StatusBadRequest},
		{name: "generic", err: errors.New("boom"), statusCode: fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := uploadApp(&mockUploadService{err: tc.err})

			body, contentType := multipartFile(t, "file", "doc.pdf", []byte("pdf"))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/images", body)
			req.Header.Set("Content-Type", contentType)

			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.statusCode, resp.StatusCode)
		})
	}
}
