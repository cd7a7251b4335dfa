package fetch

import "time"

// FetchResult はHTTPステータスコードに基づくダウンロード結果の分類。
type FetchResult int

const (
	// FetchResultOK はダウンロード成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultStop は再試行しても成功しないステータス（404/410/401/403）。
	FetchResultStop
	// FetchResultBackoff は待機して再試行するステータス（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は未知のステータスコード。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 2 * time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 30 * time.Second
	// defaultMaxAttempts は1ファイルあたりの最大試行回数。
	defaultMaxAttempts = 3
)

// ClassifyHTTPStatus はHTTPステータスコードをダウンロード結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultStop
	case statusCode == 401 || statusCode == 403:
		return FetchResultStop
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回2秒、2倍ずつ増加、最大30秒。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
