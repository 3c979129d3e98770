// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package logsapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent explicitly, which turns off the transport's own
// gzip handling; decodeBody takes over.
const acceptEncoding = "gzip, deflate, zstd"

// decodedBody closes the decoder and then the raw body.
type decodedBody struct {
	io.Reader
	closeDecoder func() error
	raw          io.Closer
}

func (b *decodedBody) Close() error {
	derr := b.closeDecoder()
	rerr := b.raw.Close()
	if derr != nil {
		return derr
	}
	return rerr
}

// decodeBody wraps resp.Body according to Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, closeDecoder: zr.Close, raw: resp.Body}, nil
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open deflate body: %w", err)
		}
		return &decodedBody{Reader: zr, closeDecoder: zr.Close, raw: resp.Body}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd body: %w", err)
		}
		return &decodedBody{
			Reader:       zr,
			closeDecoder: func() error { zr.Close(); return nil },
			raw:          resp.Body,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
