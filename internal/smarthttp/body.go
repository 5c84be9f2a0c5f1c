package smarthttp

import (
	"compress/gzip"
	"io"
	"net/http"
)

// requestBody frames the body of a backend request. A declared
// Content-Length bounds what is read: bytes past it are never delivered,
// and reading past it yields io.EOF rather than an error. A gzip
// Content-Encoding is decoded on the fly.
func requestBody(r *http.Request) (io.Reader, error) {
	var body io.Reader = r.Body
	if r.ContentLength > 0 {
		body = io.LimitReader(body, r.ContentLength)
	}
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		body = zr
	}
	return body, nil
}
