package serializer

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSnapshotBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	if _, err := Snapshot(res); err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("<html>hi</html>")),
		// unknown length, as for a streamed origin response
		ContentLength: -1,
	}
	res.Header.Set("Content-Type", "text/html")
	res.Header.Add("Set-Cookie", "a=1")
	res.Header.Add("Set-Cookie", "b=2")

	bts, err := Snapshot(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	// every restore gets its own reader
	for i := 0; i < 2; i++ {
		restored, err := BytesToResponse(bts, nil)
		if err != nil {
			t.Fatalf("Error: %v", err)
		}
		body, _ := io.ReadAll(restored.Body)
		if string(body) != "<html>hi</html>" {
			t.Fatalf("Body: %s", body)
		}
		if restored.StatusCode != 200 {
			t.Fatalf("Status: %d", restored.StatusCode)
		}
		if ct := restored.Header.Get("Content-Type"); ct != "text/html" {
			t.Fatalf("Content-Type: %s", ct)
		}
		if cookies := restored.Header.Values("Set-Cookie"); len(cookies) != 2 {
			t.Fatalf("Set-Cookie: %v", cookies)
		}
	}
}

func TestSnapshotIsIndependentOfResponse(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"X-Test": []string{"before"}},
		Body:       io.NopCloser(strings.NewReader("body")),
	}
	bts, err := Snapshot(res)
	if err != nil {
		t.Fatal(err)
	}
	res.Header.Set("X-Test", "after")
	io.ReadAll(res.Body)

	restored, err := BytesToResponse(bts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := restored.Header.Get("X-Test"); v != "before" {
		t.Fatalf("X-Test: %s", v)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSnapshotReportsBodyErrors(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(failingReader{}),
	}
	if _, err := Snapshot(res); err == nil {
		t.Fatal("Expected error for broken body")
	}
}

func TestBufferNilBody(t *testing.T) {
	res := &http.Response{StatusCode: 204, Header: http.Header{}}
	body, err := Buffer(res)
	if err != nil || len(body) != 0 {
		t.Fatalf("Body %q, error %v", body, err)
	}
	if res.Body != http.NoBody {
		t.Fatal("Body should be replaced with NoBody")
	}
}

func TestSnapshotDropsConnectionFields(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nConnection: keep-alive, X-Hop\r\nX-Hop: 1\r\nKeep-Alive: timeout=5\r\nX-Kept: yes\r\nContent-Length: 2\r\n\r\nok"
	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}
	bts, err := Snapshot(res)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := BytesToResponse(bts, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Connection", "X-Hop", "Keep-Alive"} {
		if stored.Header.Get(name) != "" {
			t.Fatalf("%s was stored", name)
		}
	}
	if stored.Header.Get("X-Kept") != "yes" {
		t.Fatal("End-to-end header was dropped")
	}
	// the live response is not modified
	if res.Header.Get("X-Hop") != "1" {
		t.Fatal("Live response header was modified")
	}
}
