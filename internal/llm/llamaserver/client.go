// Package llamaserver drives an already-running llama.cpp server through its
// native token-level endpoints (/tokenize, /detokenize, /completion, /slots).
package llamaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"inferd/internal/llm"
	"inferd/internal/registry"
)

// Runtime talks to one llama-server. Load does not spawn anything; it waits for
// the server's health endpoint and checks what it serves.
type Runtime struct {
	baseURL    string
	apiKey     string
	slot       int
	reqTimeout time.Duration
	httpClient *http.Client
}

// New constructs a server-backed runtime.
func New(baseURL, apiKey string, slot int, reqTimeout, connectTimeout time.Duration) *Runtime {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout=0: every request carries a context deadline instead.
	return &Runtime{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		slot:       slot,
		reqTimeout: reqTimeout,
		httpClient: &http.Client{Transport: tr},
	}
}

func (r *Runtime) Name() string { return "llamaserver" }

type propsResponse struct {
	BuildInfo  string `json:"build_info"`
	ModelPath  string `json:"model_path"`
	TotalSlots int    `json:"total_slots"`
}

// Versions reports the server build and the quantization of the file it serves.
func (r *Runtime) Versions(ctx context.Context, opts llm.LoadOptions) (llm.Versions, error) {
	var props propsResponse
	if err := r.call(ctx, http.MethodGet, "/props", nil, &props); err != nil {
		return llm.Versions{}, err
	}
	v := llm.Versions{Runtime: props.BuildInfo, Backend: "llama-server"}
	if meta, err := registry.ReadGGUF(opts.Path); err == nil {
		v.Quantization = meta.FileType
	} else {
		v.Quantization = quantFromName(props.ModelPath)
	}
	return v, nil
}

// Load waits until the server reports healthy.
func (r *Runtime) Load(ctx context.Context, opts llm.LoadOptions) (llm.Model, error) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		err := r.call(ctx, http.MethodGet, "/health", nil, nil)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llama-server not healthy: %w", errors.Join(ctx.Err(), err))
		case <-t.C:
		}
	}
	layers := 0
	if meta, err := registry.ReadGGUF(opts.Path); err == nil {
		layers = meta.BlockCount
	}
	return &model{rt: r, placement: llm.SplitPlacement(layers, opts.GPULayers, opts.Device)}, nil
}

// httpError is a non-2xx response.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llama-server http %d: %s", e.Status, e.Body)
}

func (r *Runtime) call(ctx context.Context, method, p string, in, out any) error {
	if r.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.reqTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+p, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		he := &httpError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if llm.IsOutOfMemory(he) {
			return fmt.Errorf("%w: %v", llm.ErrOutOfMemory, he)
		}
		return he
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var knownQuants = []string{
	"Q4_K_M", "Q4_K_S", "Q5_K_M", "Q5_K_S", "Q3_K_M", "Q3_K_S", "Q3_K_L", "Q2_K", "Q6_K",
	"Q4_0", "Q4_1", "Q5_0", "Q5_1", "Q8_0", "BF16", "F16", "F32",
}

func quantFromName(p string) string {
	base := strings.ToUpper(path.Base(p))
	for _, q := range knownQuants {
		if strings.Contains(base, q) {
			return q
		}
	}
	return ""
}

func slotPath(slot int) string { return "/slots/" + strconv.Itoa(slot) + "?action=erase" }
