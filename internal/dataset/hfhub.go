package dataset

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

const defaultHFEndpoint = "https://huggingface.co"

type HFConfig struct {
	Endpoint string
	Repo     string // "owner/name"
	Revision string
	Token    string

	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// HFStore keeps the dataset in a Hugging Face Hub dataset repository.
type HFStore struct {
	endpoint string
	repo     string
	revision string
	token    string
	http     *http.Client
}

func NewHFStore(cfg HFConfig) (*HFStore, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultHFEndpoint
	}
	if cfg.Revision == "" {
		cfg.Revision = "main"
	}
	if strings.Count(cfg.Repo, "/") != 1 {
		return nil, fmt.Errorf("dataset: hf repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HFStore{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		repo:     cfg.Repo,
		revision: cfg.Revision,
		token:    cfg.Token,
		http:     cfg.HTTPClient,
	}, nil
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Content  string `json:"content"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

// Put creates a single-file commit through the NDJSON commit endpoint.
func (s *HFStore) Put(ctx context.Context, p string, data []byte, message string) error {
	rel, err := cleanPath(p)
	if err != nil {
		return err
	}
	if s.token == "" {
		return errors.New("dataset: hf token is required for writes")
	}
	if message == "" {
		message = "Upload " + rel
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, line := range []commitLine{
		{Key: "header", Value: commitHeader{Summary: message}},
		{Key: "file", Value: commitFile{
			Content:  base64.StdEncoding.EncodeToString(data),
			Path:     rel,
			Encoding: "base64",
		}},
	} {
		if err := enc.Encode(line); err != nil {
			return err
		}
	}

	u := fmt.Sprintf("%s/api/datasets/%s/commit/%s", s.endpoint, s.repo, url.PathEscape(s.revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("dataset: commit %s: %w", rel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// List walks the repository tree below prefix, following pagination.
func (s *HFStore) List(ctx context.Context, prefix string) ([]string, error) {
	pre := cleanPrefix(prefix)
	u := fmt.Sprintf("%s/api/datasets/%s/tree/%s", s.endpoint, s.repo, url.PathEscape(s.revision))
	if pre != "" {
		u += "/" + escapePath(pre)
	}
	u += "?recursive=true"

	out := []string{}
	for u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.do(req)
		if errors.Is(err, ErrNotFound) {
			// missing directory
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: list %s: %w", pre, err)
		}

		var page []treeEntry
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("dataset: list %s: decode: %w", pre, err)
		}
		for _, e := range page {
			if e.Type == "file" && under(e.Path, pre) {
				out = append(out, e.Path)
			}
		}

		u = ""
		if m := nextLink.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
			u = m[1]
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *HFStore) Get(ctx context.Context, p string) ([]byte, error) {
	rel, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/datasets/%s/resolve/%s/%s", s.endpoint, s.repo, url.PathEscape(s.revision), escapePath(rel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: get %s: %w", rel, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// do sends req with auth and maps error statuses. The caller closes the
// body of a successful response.
func (s *HFStore) do(req *http.Request) (*http.Response, error) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
