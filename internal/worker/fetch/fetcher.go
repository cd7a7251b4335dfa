// Package fetch はモデル成果物（学習済み重みファイル）のダウンロードを提供する。
// 既に存在するファイルはスキップし、途中で失敗したファイルは残さない。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/neurosight/internal/inference"
)

// Artifact はダウンロード対象のモデル成果物。
type Artifact struct {
	File string // 保存先ファイル名（ディレクトリを含まない）
	URL  string // 空の場合はダウンロード元が未設定
}

// Status は成果物ごとの処理結果。
type Status string

const (
	StatusPresent      Status = "present"
	StatusDownloaded   Status = "downloaded"
	StatusUnconfigured Status = "unconfigured"
	StatusFailed       Status = "failed"
)

// Result は成果物1件の処理結果。
type Result struct {
	File   string
	Status Status
	Bytes  int64
	Err    error
}

// Ready はモデルファイルが利用可能な状態かを返す。
func (r Result) Ready() bool {
	return r.Status == StatusPresent || r.Status == StatusDownloaded
}

// errStopped は再試行しても成功しない応答を受け取ったことを示す。
var errStopped = errors.New("download stopped")

// ParseArtifacts は "file=url,file=url" 形式の設定値を解析する。
// 空文字列の場合は空のスライスを返す。
func ParseArtifacts(raw string) ([]Artifact, error) {
	var artifacts []Artifact
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		file, url, ok := strings.Cut(pair, "=")
		file = strings.TrimSpace(file)
		url = strings.TrimSpace(url)
		if !ok || file == "" || url == "" {
			return nil, fmt.Errorf("invalid artifact entry %q: want file=url", pair)
		}
		if err := validateFileName(file); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{File: file, URL: url})
	}
	return artifacts, nil
}

// Plan はカタログに定義された成果物と設定済みのダウンロード元を突き合わせる。
// カタログの順に並べ、カタログにない設定済みの成果物は末尾に追加する。
func Plan(catalog []inference.ClassifierDescriptor, configured []Artifact) []Artifact {
	urls := make(map[string]string, len(configured))
	for _, a := range configured {
		urls[a.File] = a.URL
	}

	seen := make(map[string]bool)
	plan := make([]Artifact, 0, len(catalog)+len(configured))
	for _, d := range catalog {
		if d.Artifact == "" || seen[d.Artifact] {
			continue
		}
		seen[d.Artifact] = true
		plan = append(plan, Artifact{File: d.Artifact, URL: urls[d.Artifact]})
	}
	for _, a := range configured {
		if seen[a.File] {
			continue
		}
		seen[a.File] = true
		plan = append(plan, a)
	}
	return plan
}

func validateFileName(name string) error {
	if name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid artifact file name %q", name)
	}
	return nil
}

// Fetcher はモデル成果物をdirへダウンロードする。
// semaphoreパターンで最大並列数を制御する。
type Fetcher struct {
	client         *http.Client
	dir            string
	logger         *slog.Logger
	maxAttempts    int
	maxConcurrency int
	wait           func(ctx context.Context, d time.Duration) error
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// 本番ではSSRF対策済みのクライアントを渡す。
func NewFetcher(client *http.Client, dir string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:         client,
		dir:            dir,
		logger:         logger,
		maxAttempts:    defaultMaxAttempts,
		maxConcurrency: 2,
		wait:           sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchAll は全成果物を処理し、入力と同じ順序で結果を返す。
func (f *Fetcher) FetchAll(ctx context.Context, artifacts []Artifact) ([]Result, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	start := time.Now()
	results := make([]Result, len(artifacts))

	sem := make(chan struct{}, f.maxConcurrency)
	var wg sync.WaitGroup
	for i, a := range artifacts {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, a Artifact) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = f.fetchOne(ctx, a)
		}(i, a)
	}
	wg.Wait()

	ready := 0
	for _, r := range results {
		if r.Ready() {
			ready++
		}
	}
	f.logger.Info("model artifact fetch completed",
		slog.Int("ready", ready),
		slog.Int("total", len(results)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return results, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, a Artifact) Result {
	result := Result{File: a.File}

	if err := validateFileName(a.File); err != nil {
		result.Status = StatusFailed
		result.Err = err
		return result
	}

	dest := filepath.Join(f.dir, a.File)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		f.logger.Info("model artifact already present", slog.String("file", a.File))
		result.Status = StatusPresent
		result.Bytes = info.Size()
		return result
	}

	if a.URL == "" {
		f.logger.Warn("no download URL configured for model artifact", slog.String("file", a.File))
		result.Status = StatusUnconfigured
		return result
	}

	var lastErr error
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := f.wait(ctx, CalculateBackoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		n, retry, err := f.download(ctx, a.URL, dest)
		if err == nil {
			f.logger.Info("model artifact downloaded",
				slog.String("file", a.File),
				slog.Int64("bytes", n),
				slog.Int("attempt", attempt+1),
			)
			result.Status = StatusDownloaded
			result.Bytes = n
			return result
		}

		lastErr = err
		f.logger.Warn("model artifact download failed",
			slog.String("file", a.File),
			slog.Int("attempt", attempt+1),
			slog.Bool("retry", retry),
			slog.String("error", err.Error()),
		)
		if !retry {
			break
		}
	}

	result.Status = StatusFailed
	result.Err = lastErr
	return result
}

// download はurlの内容を一時ファイルに書き込み、完了後にdestへリネームする。
// retryは失敗が一時的なものである可能性を示す。
func (f *Fetcher) download(ctx context.Context, url, dest string) (n int64, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "NeuroSight/1.0 model-fetch")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultBackoff:
		return 0, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	case FetchResultStop:
		return 0, false, fmt.Errorf("%w: status %d", errStopped, resp.StatusCode)
	default:
		return 0, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	n, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, ctx.Err() == nil, fmt.Errorf("failed to write artifact: %w", err)
	}
	if n == 0 {
		err = errors.New("empty response body")
		return 0, false, err
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return 0, false, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return n, false, nil
}
