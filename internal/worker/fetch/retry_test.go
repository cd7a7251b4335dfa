package fetch

import (
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FetchResult
	}{
		{200, FetchResultOK},
		{404, FetchResultStop},
		{410, FetchResultStop},
		{401, FetchResultStop},
		{403, FetchResultStop},
		{429, FetchResultBackoff},
		{500, FetchResultBackoff},
		{503, FetchResultBackoff},
		{302, FetchResultUnknown},
		{418, FetchResultUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.failures); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
