// Package uploadthing stores call recordings on UploadThing.
package uploadthing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/harunnryd/ringdesk/pkg/providers/uploadthing")

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(s config.UploadThingSettings, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = "https://api.uploadthing.com"
	}
	return &Client{baseURL: base, apiKey: s.APIKey, http: httpClient}
}

type fileSpec struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	Type string `json:"type"`
}

type presigned struct {
	Key     string            `json:"key"`
	FileURL string            `json:"fileUrl"`
	URL     string            `json:"url"`
	Fields  map[string]string `json:"fields"`
}

// Upload stores data under name and returns its public URL.
func (c *Client) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "uploadthing.upload")
	defer span.End()
	span.SetAttributes(attribute.String("file.name", name), attribute.Int("file.size", len(data)))

	url, err := c.upload(ctx, name, contentType, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", errorsx.Wrap(err, errorsx.ReasonStorage)
	}
	return url, nil
}

func (c *Client) upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errorsx.New(errorsx.ReasonValidation, "refusing to upload empty file %s", name)
	}
	target, err := c.presign(ctx, fileSpec{Name: name, Size: len(data), Type: contentType})
	if err != nil {
		return "", err
	}
	var req *http.Request
	if len(target.Fields) > 0 {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range target.Fields {
			if err := mw.WriteField(k, v); err != nil {
				return "", err
			}
		}
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return "", err
		}
		if _, err := fw.Write(data); err != nil {
			return "", err
		}
		if err := mw.Close(); err != nil {
			return "", err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &buf)
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPut, target.URL, bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if target.FileURL != "" {
		return target.FileURL, nil
	}
	return "https://utfs.io/f/" + target.Key, nil
}

func (c *Client) presign(ctx context.Context, f fileSpec) (*presigned, error) {
	payload, err := json.Marshal(map[string]any{
		"files":              []fileSpec{f},
		"acl":                "public-read",
		"contentDisposition": "inline",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v6/uploadFiles", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-uploadthing-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("presign upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Data []presigned `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode presign response: %w", err)
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return nil, fmt.Errorf("presign upload: no upload target returned")
	}
	return &out.Data[0], nil
}
