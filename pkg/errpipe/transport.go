// transport.go wraps an http.RoundTripper so failed responses and transport
// errors are captured transparently while responses pass through unmodified.

package errpipe

import (
	"bytes"
	"io"
	"net/http"
)

// WrapTransport returns a drop-in replacement for the given RoundTripper
// that captures responses with status >= 400 and network-level errors. The
// response reaches the caller unmodified; for failed responses the body is
// peeked (bounded) and re-attached.
//
// Wire it into a client:
//
//	client := &http.Client{Transport: pipeline.WrapTransport(nil)}
func (p *Pipeline) WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &captureTransport{base: base, pipeline: p}
}

type captureTransport struct {
	base     http.RoundTripper
	pipeline *Pipeline
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.pipeline.CaptureError(err, Capture{
			Component: "api",
			Details: map[string]any{
				"url":    req.URL.String(),
				"method": req.Method,
			},
		})
		return resp, err
	}

	if resp.StatusCode >= 400 {
		body := peekBody(resp)
		t.pipeline.CaptureAPIError(req.URL.String(), req.Method, resp.StatusCode, body, resp.Header)
	}

	return resp, nil
}

// peekBody reads a bounded prefix of the response body and re-attaches it so
// the caller still sees the full stream.
func peekBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}

	peeked := make([]byte, MaxBodyLen)
	n, _ := io.ReadFull(resp.Body, peeked)
	peeked = peeked[:n]

	resp.Body = &replayReadCloser{
		Reader: io.MultiReader(bytes.NewReader(peeked), resp.Body),
		closer: resp.Body,
	}

	return string(peeked)
}

type replayReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *replayReadCloser) Close() error { return r.closer.Close() }
