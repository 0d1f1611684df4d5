package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
)

// Buffer reads the body of the response into memory and replaces it with a replayable reader,
// so that the response can still be sent after its bytes have been captured.
// It returns the body bytes. The original body is closed.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}

// Snapshot captures the response as bytes that are independent of the response itself.
// The response body is buffered (see Buffer), so the response remains readable by the caller.
// The returned bytes are the HTTP/1.1 representation of the response.
func Snapshot(res *http.Response) ([]byte, error) {
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}
	return responseToBytes(res, body)
}

// BytesToResponse converts a snapshot back to a http.Response with the given request attached.
// Every call returns a response with its own body reader.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// responseToBytes writes a normalized copy of the response with the given body.
func responseToBytes(res *http.Response, body []byte) ([]byte, error) {
	clone := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        storableHeader(res.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// storableHeader returns a copy of the header without the fields that only apply to one connection
// (RFC 9111 section 3.1).
func storableHeader(header http.Header) http.Header {
	h := header.Clone()
	if h == nil {
		return http.Header{}
	}
	for _, field := range header.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range []string{"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Transfer-Encoding", "Upgrade"} {
		h.Del(name)
	}
	return h
}
