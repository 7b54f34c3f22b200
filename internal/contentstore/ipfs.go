package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultIPFSAPIURL  = "http://127.0.0.1:5001"
	defaultIPFSTimeout = 60 * time.Second

	// maxFetchBytes caps a single Get to protect the local disk from a
	// hostile or corrupt manifest entry.
	maxFetchBytes = 1 << 30 // 1 GB
)

// IPFSConfig configures the kubo RPC client.
type IPFSConfig struct {
	APIURL  string        // kubo RPC endpoint. Default: http://127.0.0.1:5001.
	Timeout time.Duration // Per-request timeout. Default: 60s.
}

// IPFSStore talks to a kubo node over its RPC API (/api/v0).
type IPFSStore struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

// NewIPFSStore creates an IPFS-backed content store client.
func NewIPFSStore(cfg IPFSConfig, logger *slog.Logger) *IPFSStore {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultIPFSAPIURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultIPFSTimeout
	}
	return &IPFSStore{
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// addResponse is the kubo /api/v0/add reply.
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (s *IPFSStore) Add(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	return s.add(ctx, f, filepath.Base(localPath))
}

func (s *IPFSStore) AddContent(ctx context.Context, data []byte, label string) (string, error) {
	return s.add(ctx, bytes.NewReader(data), label)
}

// add streams content to /api/v0/add as a multipart upload.
func (s *IPFSStore) add(ctx context.Context, content io.Reader, label string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", label)
	if err != nil {
		return "", fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("reading content for %s: %w", label, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/add?pin=false", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ipfs add returned %d: %s", resp.StatusCode, msg)
	}

	var ar addResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("decoding ipfs add response: %w", err)
	}
	if ar.Hash == "" {
		return "", fmt.Errorf("ipfs add returned an empty content id for %s", label)
	}

	s.logger.Debug("content added",
		slog.String("label", label),
		slog.String("cid", ar.Hash),
	)
	return ar.Hash, nil
}

func (s *IPFSStore) Get(ctx context.Context, contentID, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiURL+"/api/v0/cat?arg="+url.QueryEscape(contentID), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusInternalServerError, http.StatusNotFound:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: %s", ErrNotFound, contentID, msg)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ipfs cat returned %d: %s", resp.StatusCode, msg)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", destPath, err)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxFetchBytes)); err != nil {
		return fmt.Errorf("writing %s: %w", destPath, err)
	}
	return nil
}

func (s *IPFSStore) Pin(ctx context.Context, contentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiURL+"/api/v0/pin/add?arg="+url.QueryEscape(contentID), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ipfs pin returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Ping verifies the kubo node is reachable, for readiness probes.
func (s *IPFSStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/api/v0/version", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ipfs version returned %d", resp.StatusCode)
	}
	return nil
}

// compile-time interface check
var _ Store = (*IPFSStore)(nil)
