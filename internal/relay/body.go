package relay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/json"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
)

// DecodeErrorKind names the decode failure classes.
type DecodeErrorKind string

const (
	DecodeUnsupportedEncoding DecodeErrorKind = "unsupported-encoding"
	DecodeInvalidJSON         DecodeErrorKind = "invalid-json"
	DecodeReadFailure         DecodeErrorKind = "read-failure"
	DecodeStreamingMisuse     DecodeErrorKind = "streaming-misuse"
)

// DecodeError reports a body acquisition failure. When Written is true the
// client has already received a 500; callers must not write again.
type DecodeError struct {
	Kind    DecodeErrorKind
	Detail  string
	Written bool
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Detail)
}

// Body is the materialized upstream response body: either a parsed JSON
// object or raw text. It is produced at most once per non-streaming request
// and passed by reference through every subsequent stage.
type Body struct {
	// JSON is set when the upstream declared a JSON content type.
	JSON map[string]any

	// Text holds the decoded bytes for non-JSON content types.
	Text string
}

// IsJSON reports whether the body carries a structured object.
func (b *Body) IsJSON() bool {
	return b != nil && b.JSON != nil
}

// Bytes re-encodes the body for delivery to the client.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	if b.JSON != nil {
		out, err := json.Marshal(b.JSON)
		if err == nil {
			return out
		}
		log.WithError(err).Warn("body re-encode failed, falling back to text")
	}
	return []byte(b.Text)
}

// Decompression reader pools, reset and reused across requests.
var gzipReaderPool = sync.Pool{
	New: func() any { return new(gzip.Reader) },
}

var brotliReaderPool = sync.Pool{
	New: func() any { return new(brotli.Reader) },
}

// DecodeBody buffers and decodes a completed non-streaming upstream response.
// Supported content encodings are gzip, deflate and br; any other value is a
// hard failure. On failure the client has already received a 500 through the
// error writer before the error propagates.
func DecodeBody(c *gin.Context, req *Request, resp *http.Response) (*Body, error) {
	if streamableResponse(req, resp) {
		// Live event streams are owned by the stream forwarder; reaching
		// this path is a bug in the caller, not an upstream condition.
		// Streaming requests whose upstream answered with a buffered
		// error body decode normally so classification still runs.
		_ = resp.Body.Close()
		err := &DecodeError{Kind: DecodeStreamingMisuse, Detail: "DecodeBody called for a live event stream"}
		log.WithField("request", req.ID).Error(err.Error())
		return nil, err
	}

	raw, err := readDecoded(resp)
	if err != nil {
		var decodeErr *DecodeError
		if de, ok := err.(*DecodeError); ok {
			decodeErr = de
		} else {
			decodeErr = &DecodeError{Kind: DecodeReadFailure, Detail: err.Error()}
		}
		// There is no later stage positioned to notify the client, so
		// decoding and client notification are coupled here.
		WriteError(c, http.StatusInternalServerError, ErrorPayload{
			Message:   "error while decoding upstream response: " + string(decodeErr.Kind),
			ProxyNote: "The proxy could not decode the response sent by the upstream API.",
		})
		decodeErr.Written = true
		return nil, decodeErr
	}

	if isJSONContentType(resp.Header.Get("Content-Type")) {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			decodeErr := &DecodeError{Kind: DecodeInvalidJSON, Detail: err.Error()}
			WriteError(c, http.StatusInternalServerError, ErrorPayload{
				Message:   "error while parsing upstream response body",
				ProxyNote: "The upstream API declared a JSON response that could not be parsed.",
			})
			decodeErr.Written = true
			return nil, decodeErr
		}
		return &Body{JSON: obj}, nil
	}

	return &Body{Text: string(raw)}, nil
}

// readDecoded drains the response body through the encoding indicated by the
// Content-Encoding header.
func readDecoded(resp *http.Response) ([]byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: err.Error()}
		}
		return decodeFallback(data), nil
	case "gzip":
		gr := gzipReaderPool.Get().(*gzip.Reader)
		if err := gr.Reset(resp.Body); err != nil {
			gzipReaderPool.Put(gr)
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: "gzip reset: " + err.Error()}
		}
		data, err := io.ReadAll(gr)
		_ = gr.Close()
		gzipReaderPool.Put(gr)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: "gzip: " + err.Error()}
		}
		return data, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		data, err := io.ReadAll(fr)
		_ = fr.Close()
		if err != nil {
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: "deflate: " + err.Error()}
		}
		return data, nil
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(resp.Body); err != nil {
			brotliReaderPool.Put(br)
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: "brotli reset: " + err.Error()}
		}
		data, err := io.ReadAll(br)
		brotliReaderPool.Put(br)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeReadFailure, Detail: "brotli: " + err.Error()}
		}
		return data, nil
	default:
		return nil, &DecodeError{Kind: DecodeUnsupportedEncoding, Detail: "received unsupported content-encoding: " + encoding}
	}
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// decodeFallback decompresses bodies that arrive gzipped without a
// Content-Encoding header, which some upstreams produce for buffered
// responses.
func decodeFallback(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data
	}
	gr := gzipReaderPool.Get().(*gzip.Reader)
	if err := gr.Reset(bytes.NewReader(data)); err != nil {
		gzipReaderPool.Put(gr)
		return data
	}
	decompressed, err := io.ReadAll(gr)
	_ = gr.Close()
	gzipReaderPool.Put(gr)
	if err != nil {
		return data
	}
	return decompressed
}
