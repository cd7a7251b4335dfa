package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/neurosight/internal/inference"
)

func newTestFetcher(t *testing.T, client *http.Client) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f := NewFetcher(client, dir, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	f.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return f, dir
}

// assertNoPartials はダウンロード先に一時ファイルが残っていないことを確認する。
func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.part-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 0 {
		t.Errorf("一時ファイルが残っている: %v", matches)
	}
}

// --- テスト ---

func TestParseArtifacts(t *testing.T) {
	got, err := ParseArtifacts(" a.h5=https://example.com/a.h5 , b.pth=https://example.com/b?x=1 ,")
	if err != nil {
		t.Fatalf("ParseArtifacts() error = %v", err)
	}
	want := []Artifact{
		{File: "a.h5", URL: "https://example.com/a.h5"},
		{File: "b.pth", URL: "https://example.com/b?x=1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseArtifacts() = %+v, want %+v", got, want)
	}

	empty, err := ParseArtifacts("")
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseArtifacts(\"\") = %v, %v", empty, err)
	}
}

func TestParseArtifacts_Invalid(t *testing.T) {
	inputs := []string{
		"a.h5",
		"=https://example.com/a.h5",
		"a.h5=",
		"../a.h5=https://example.com/a.h5",
		"dir/a.h5=https://example.com/a.h5",
	}
	for _, in := range inputs {
		if _, err := ParseArtifacts(in); err == nil {
			t.Errorf("ParseArtifacts(%q) error = nil, want error", in)
		}
	}
}

func TestPlan(t *testing.T) {
	catalog := []inference.ClassifierDescriptor{
		{Key: "ms", Artifact: "ms.pth"},
		{Key: "stroke", Artifact: "stroke.h5"},
		{Key: "none"},
	}
	configured := []Artifact{
		{File: "stroke.h5", URL: "https://example.com/stroke.h5"},
		{File: "extra.bin", URL: "https://example.com/extra.bin"},
	}

	got := Plan(catalog, configured)
	want := []Artifact{
		{File: "ms.pth"},
		{File: "stroke.h5", URL: "https://example.com/stroke.h5"},
		{File: "extra.bin", URL: "https://example.com/extra.bin"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Plan() = %+v, want %+v", got, want)
	}
}

func TestFetcher_FetchAll(t *testing.T) {
	payload := []byte("model-weights")
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv.Client())
	if err := os.WriteFile(filepath.Join(dir, "present.h5"), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := f.FetchAll(context.Background(), []Artifact{
		{File: "new.h5", URL: srv.URL + "/new"},
		{File: "present.h5", URL: srv.URL + "/present"},
		{File: "nourl.pth"},
		{File: "gone.pth", URL: srv.URL + "/missing"},
	})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	wantStatus := []Status{StatusDownloaded, StatusPresent, StatusUnconfigured, StatusFailed}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("results[%d].Status = %s, want %s (err=%v)", i, results[i].Status, want, results[i].Err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "new.h5"))
	if err != nil || !bytes.Equal(data, payload) {
		t.Errorf("downloaded file = %q, %v", data, err)
	}
	if results[0].Bytes != int64(len(payload)) {
		t.Errorf("Bytes = %d, want %d", results[0].Bytes, len(payload))
	}
	if !errors.Is(results[3].Err, errStopped) {
		t.Errorf("404 の結果は errStopped を含むべき: %v", results[3].Err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.pth")); !os.IsNotExist(err) {
		t.Error("失敗したファイルが保存されている")
	}
	// 既存ファイルと404はリクエスト1回ずつ以下
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	assertNoPartials(t, dir)
}

func TestFetcher_RetriesOnServerError(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv.Client())
	var waits []time.Duration
	f.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	results, _ := f.FetchAll(context.Background(), []Artifact{{File: "a.h5", URL: srv.URL}})
	if results[0].Status != StatusDownloaded {
		t.Fatalf("Status = %s, want %s (err=%v)", results[0].Status, StatusDownloaded, results[0].Err)
	}
	if want := []time.Duration{2 * time.Second, 4 * time.Second}; !reflect.DeepEqual(waits, want) {
		t.Errorf("backoff waits = %v, want %v", waits, want)
	}
	assertNoPartials(t, dir)
}

func TestFetcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.Client())
	results, _ := f.FetchAll(context.Background(), []Artifact{{File: "a.h5", URL: srv.URL}})

	if results[0].Status != StatusFailed {
		t.Errorf("Status = %s, want %s", results[0].Status, StatusFailed)
	}
	if n := atomic.LoadInt32(&requests); n != defaultMaxAttempts {
		t.Errorf("requests = %d, want %d", n, defaultMaxAttempts)
	}
}

func TestFetcher_TruncatedBodyLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
	}))
	defer srv.Close()

	f, dir := newTestFetcher(t, srv.Client())
	f.maxAttempts = 1
	results, _ := f.FetchAll(context.Background(), []Artifact{{File: "a.h5", URL: srv.URL}})

	if results[0].Status != StatusFailed {
		t.Errorf("Status = %s, want %s", results[0].Status, StatusFailed)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.h5")); !os.IsNotExist(err) {
		t.Error("途中まで受信したファイルが保存されている")
	}
	assertNoPartials(t, dir)
}
