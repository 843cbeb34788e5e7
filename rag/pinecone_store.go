package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/types"
)

// PineconeConfig configures the Pinecone-backed VectorIndex.
//
// To use Pinecone you need either:
// - BaseURL (data-plane host, e.g. https://<index>-<project>.svc.<region>.pinecone.io), or
// - Index, in which case the store will resolve host via the controller API.
type PineconeConfig struct {
	APIKey    string        `json:"api_key"`
	Index     string        `json:"index,omitempty"`    // Used to resolve BaseURL if BaseURL is empty
	BaseURL   string        `json:"base_url,omitempty"` // Data-plane base URL (preferred if known)
	Namespace string        `json:"namespace,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`

	ControllerBaseURL string `json:"controller_base_url,omitempty"` // Default: https://api.pinecone.io
}

// PineconeIndex implements VectorIndex using Pinecone's REST API.
type PineconeIndex struct {
	cfg    PineconeConfig
	logger *zap.Logger
	client *http.Client

	mu      sync.RWMutex
	baseURL string
}

// NewPineconeIndex creates a Pinecone-backed VectorIndex.
func NewPineconeIndex(cfg PineconeConfig, logger *zap.Logger) *PineconeIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ControllerBaseURL == "" {
		cfg.ControllerBaseURL = "https://api.pinecone.io"
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	return &PineconeIndex{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "pinecone_index")),
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: baseURL,
	}
}

func (s *PineconeIndex) ensureBaseURL(ctx context.Context) error {
	s.mu.RLock()
	if s.baseURL != "" {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	if strings.TrimSpace(s.cfg.Index) == "" {
		return fmt.Errorf("pinecone base_url is required when index is empty")
	}
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return fmt.Errorf("pinecone api_key is required")
	}

	// Resolve host via controller API: GET /indexes/{index}
	controller := strings.TrimRight(strings.TrimSpace(s.cfg.ControllerBaseURL), "/")
	endpoint := fmt.Sprintf("%s/indexes/%s", controller, url.PathEscape(s.cfg.Index))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("Api-Key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pinecone describe index failed: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var describe struct {
		Host string `json:"host"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&describe); err != nil {
		return err
	}
	host := strings.TrimSpace(describe.Host)
	if host == "" {
		return fmt.Errorf("pinecone controller returned empty host for index %q", s.cfg.Index)
	}

	baseURL := host
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	s.mu.Lock()
	s.baseURL = baseURL
	s.mu.Unlock()

	return nil
}

func (s *PineconeIndex) doJSON(ctx context.Context, method, path string, in any, out any) error {
	if err := s.ensureBaseURL(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	baseURL := s.baseURL
	s.mu.RUnlock()
	endpoint := baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("pinecone request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type pineconeQueryRequest struct {
	Vector          []float64      `json:"vector"`
	TopK            int            `json:"topK"`
	IncludeMetadata bool           `json:"includeMetadata"`
	Filter          map[string]any `json:"filter,omitempty"`
	Namespace       string         `json:"namespace"`
}

type pineconeQueryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

// Query 执行稠密检索; Category 非空时下推 $eq 元数据过滤。
func (s *PineconeIndex) Query(ctx context.Context, q IndexQuery) ([]types.Document, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return nil, fmt.Errorf("pinecone api_key is required")
	}

	reqBody := pineconeQueryRequest{
		Vector:          q.Vector,
		TopK:            q.TopK,
		IncludeMetadata: true,
		Namespace:       s.cfg.Namespace,
	}
	if q.Category != "" {
		reqBody.Filter = map[string]any{
			"category": map[string]any{"$eq": q.Category},
		}
	}

	var resp pineconeQueryResponse
	if err := s.doJSON(ctx, http.MethodPost, "/query", reqBody, &resp); err != nil {
		return nil, err
	}

	docs := make([]types.Document, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		md := match.Metadata
		text, _ := md["text"].(string)
		if text == "" {
			text, _ = md["chunk_text"].(string)
		}
		category, _ := md["category"].(string)
		docs = append(docs, types.Document{
			ID:       match.ID,
			Text:     text,
			Score:    match.Score,
			Category: category,
		})
	}

	s.logger.Debug("pinecone query",
		zap.String("category", q.Category),
		zap.Int("returned", len(docs)))
	return docs, nil
}
