// Package normalize exposes origin bodies as a single uncompressed byte stream.
//
// Decoders are stacked lazily on first Read and pull from the origin body in
// small chunks, so memory stays bounded by decoder windows regardless of the
// object size. Errors raised by the origin body itself are passed through
// unchanged; everything a decoder rejects is reported as *model.DecodeError.
package normalize

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"pageproxy/internal/model"
)

// AcceptEncoding advertises exactly the codings Decode understands.
const AcceptEncoding = "gzip, deflate, br, zstd"

// zstdMaxWindow bounds the memory a single zstd frame may demand.
const zstdMaxWindow = 64 << 20

// ParseEncoding returns the content-codings declared by header in the order
// they were applied. Identity codings are omitted.
func ParseEncoding(header http.Header) []model.Encoding {
	var codings []model.Encoding
	for _, v := range header.Values("Content-Encoding") {
		for _, token := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(token)) {
			case "", "identity":
			case "gzip", "x-gzip":
				codings = append(codings, model.EncodingGzip)
			case "deflate":
				codings = append(codings, model.EncodingDeflate)
			case "br":
				codings = append(codings, model.EncodingBrotli)
			case "zstd":
				codings = append(codings, model.EncodingZstd)
			default:
				codings = append(codings, model.EncodingUnknown)
			}
		}
	}
	return codings
}

// Decode wraps body so that reads yield the identity-coded payload.
// With no codings body is returned as is. If any coding is unknown the body is
// also returned as is and ok is false; the caller must then keep the origin's
// Content-Encoding header.
func Decode(body io.ReadCloser, codings []model.Encoding) (rc io.ReadCloser, ok bool) {
	if len(codings) == 0 {
		return body, true
	}
	for _, c := range codings {
		if c == model.EncodingUnknown {
			return body, false
		}
	}
	return &decoder{src: body, codings: codings}, true
}

type decoder struct {
	src     io.ReadCloser
	codings []model.Encoding
	r       io.Reader
	closers []func()
	err     error
}

func (d *decoder) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.err = d.init()
	}
	if d.err != nil {
		return 0, d.err
	}
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		err = unwrapSource(err)
		d.err = err
	}
	return n, err
}

func (d *decoder) Close() error {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
	return d.src.Close()
}

// init builds the decoder chain, outermost coding last.
func (d *decoder) init() error {
	br := bufio.NewReader(sourceReader{d.src})
	// An empty body (HEAD, 204) decodes to nothing regardless of coding.
	if _, err := br.Peek(1); err != nil {
		if err == io.EOF {
			d.r = eofReader{}
			return nil
		}
		return unwrapSource(err)
	}

	var r io.Reader = br
	for i := len(d.codings) - 1; i >= 0; i-- {
		enc := d.codings[i]
		next, err := d.open(enc, r)
		if err != nil {
			return unwrapSource(asDecodeError(enc, err))
		}
		r = layer{r: next, enc: enc}
	}
	d.r = r
	return nil
}

func (d *decoder) open(enc model.Encoding, r io.Reader) (io.Reader, error) {
	switch enc {
	case model.EncodingGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = zr.Close() })
		return zr, nil
	case model.EncodingDeflate:
		return d.openDeflate(r)
	case model.EncodingBrotli:
		return brotli.NewReader(r), nil
	case model.EncodingZstd:
		zr, err := zstd.NewReader(r,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxWindow(zstdMaxWindow),
		)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, zr.Close)
		return zr, nil
	}
	return nil, errors.New("unsupported content-coding")
}

// openDeflate accepts both zlib-wrapped streams (RFC 9110) and the raw
// deflate streams some servers send instead.
func (d *decoder) openDeflate(r io.Reader) (io.Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	head, err := br.Peek(2)
	if err != nil && len(head) < 2 {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if isZlibHeader(head[0], head[1]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = zr.Close() })
		return zr, nil
	}
	fr := flate.NewReader(br)
	d.closers = append(d.closers, func() { _ = fr.Close() })
	return fr, nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// layer tags errors raised by one decoder with its coding.
type layer struct {
	r   io.Reader
	enc model.Encoding
}

func (l layer) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && err != io.EOF {
		err = asDecodeError(l.enc, err)
	}
	return n, err
}

func asDecodeError(enc model.Encoding, err error) error {
	var se sourceError
	var de *model.DecodeError
	if errors.As(err, &se) || errors.As(err, &de) {
		return err
	}
	return &model.DecodeError{Encoding: enc, Err: err}
}

// sourceReader marks errors that come from the origin body rather than a decoder.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = sourceError{err}
	}
	return n, err
}

type sourceError struct {
	err error
}

func (e sourceError) Error() string { return e.err.Error() }
func (e sourceError) Unwrap() error { return e.err }

func unwrapSource(err error) error {
	var se sourceError
	if errors.As(err, &se) {
		return se.err
	}
	return err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
