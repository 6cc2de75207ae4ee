package worker

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"inferd/internal/failure"
	"inferd/pkg/types"
)

// document returns the job's document bytes, enforcing MaxDocumentBytes.
func (w *Worker) document(ctx context.Context, d types.JobData) ([]byte, error) {
	limit := w.cfg.MaxDocumentBytes
	if d.DocumentBase64 != "" {
		s := d.DocumentBase64
		if i := strings.Index(s, "base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
			s = s[i+len("base64,"):]
		}
		s = strings.TrimSpace(s)
		if int64(base64.StdEncoding.DecodedLen(len(s))) > limit+2 {
			return nil, tooLarge(limit)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, failure.New(failure.InvalidRequest, "decode document", err)
		}
		if int64(len(b)) > limit {
			return nil, tooLarge(limit)
		}
		return b, nil
	}

	u, err := url.Parse(d.DocumentURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, failure.Newf(failure.InvalidRequest, "fetch document", "document_url must be an http(s) URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "fetch document", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.Canceled, "fetch document", ctx.Err())
		}
		return nil, failure.New(failure.InvalidRequest, "fetch document", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.Newf(failure.InvalidRequest, "fetch document", "GET %s: %s", u.Redacted(), resp.Status)
	}
	if resp.ContentLength > limit {
		return nil, tooLarge(limit)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "fetch document", err)
	}
	if int64(len(b)) > limit {
		return nil, tooLarge(limit)
	}
	return b, nil
}

func tooLarge(limit int64) *failure.Error {
	return failure.Newf(failure.InvalidRequest, "document", "document exceeds %d MB limit", limit>>20)
}
