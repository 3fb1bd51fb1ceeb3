package backends

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// IsolateClient retrieves files from a content-addressed isolate
// store. A digest names an "isolated" document listing the files the
// task produced; each file is itself stored by digest.
type IsolateClient interface {
	// RetrieveFile fetches the named file from the isolate identified
	// by isolateHash on the given server.
	RetrieveFile(ctx context.Context, server, isolateHash, filename string) ([]byte, error)
}

// IsolateServerClient implements IsolateClient against the isolate
// server REST API.
type IsolateServerClient struct {
	client *http.Client
}

// NewIsolateServerClient returns an IsolateClient.
func NewIsolateServerClient(c *http.Client) *IsolateServerClient {
	if c == nil {
		c = &http.Client{Timeout: time.Minute}
	}
	return &IsolateServerClient{client: c}
}

type isolateRetrieveRequest struct {
	Digest    string `json:"digest"`
	Namespace struct {
		Namespace string `json:"namespace"`
	} `json:"namespace"`
}

type isolateRetrieveResponse struct {
	Content string `json:"content"`
	URL     string `json:"url"`
}

type isolatedDocument struct {
	Files map[string]struct {
		Hash string `json:"h"`
	} `json:"files"`
}

// retrieve fetches and decompresses one digest's content. Small items
// come back inline as base64; large ones indirect through a URL.
func (i *IsolateServerClient) retrieve(ctx context.Context, server, digest string) ([]byte, error) {
	reqBody := isolateRetrieveRequest{Digest: digest}
	reqBody.Namespace.Namespace = "default-gzip"
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "encoding retrieve request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		server+"/_ah/api/isolateservice/v1/retrieve", bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "creating retrieve request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving digest %s", digest)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("isolate retrieve of %s got status %q", digest, resp.Status)
	}
	var r isolateRetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decoding retrieve response")
	}

	var compressed []byte
	switch {
	case r.Content != "":
		compressed, err = base64.StdEncoding.DecodeString(r.Content)
		if err != nil {
			return nil, errors.Wrap(err, "decoding inline isolate content")
		}
	case r.URL != "":
		compressed, err = i.fetchURL(ctx, r.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("isolate retrieve of %s returned neither content nor url", digest)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing digest %s", digest)
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing digest %s", digest)
	}
	return raw, nil
}

func (i *IsolateServerClient) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating content request")
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching isolate content from %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("isolate content fetch got status %q", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// RetrieveFile implements IsolateClient.
func (i *IsolateServerClient) RetrieveFile(ctx context.Context, server, isolateHash, filename string) ([]byte, error) {
	raw, err := i.retrieve(ctx, server, isolateHash)
	if err != nil {
		return nil, err
	}
	var doc isolatedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "decoding isolated document %s", isolateHash)
	}
	file, ok := doc.Files[filename]
	if !ok {
		return nil, errors.Errorf("the isolate %s has no file named %q", isolateHash, filename)
	}
	return i.retrieve(ctx, server, file.Hash)
}

var _ IsolateClient = (*IsolateServerClient)(nil)
