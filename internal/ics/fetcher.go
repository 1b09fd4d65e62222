// Package ics は外部カレンダーのICSフィードの取得と解析を提供する。
package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hitoshi/vendorcal/internal/metrics"
	"github.com/hitoshi/vendorcal/internal/model"
	"github.com/hitoshi/vendorcal/internal/security"
)

const (
	// DefaultTimeout はフィード取得のデフォルトタイムアウト。
	DefaultTimeout = 8 * time.Second

	// DefaultMaxBodySize はフィード本文のデフォルト上限（5 MiB）。
	DefaultMaxBodySize int64 = 5 * 1024 * 1024

	userAgent    = "vendorcal/1.0 (+calendar import)"
	acceptHeader = "text/calendar, */*"
)

// vcalendarMagic はICS本文の先頭に必要なマーカー。
var vcalendarMagic = []byte("BEGIN:VCALENDAR")

// utf8BOM はUTF-8のバイトオーダーマーク。
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ClientFactory はSSRF防止付きHTTPクライアントを生成するインターフェース。
type ClientFactory interface {
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Fetcher は外部カレンダーのICSフィードを取得する。
// リトライは行わない。同期ワーカーの次回実行またはユーザーの再読み込みが再試行となる。
type Fetcher struct {
	clients     ClientFactory
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// timeoutやmaxBodySizeが0以下の場合はデフォルト値を使用する。
func NewFetcher(
	clients ClientFactory,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		clients:     clients,
		metrics:     collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はURLからICS本文を取得する。
// 失敗時は *model.FetchError または *model.InvalidFeedError を返す。
// ctxのキャンセルは上流リクエストに伝播する。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	logURL := security.SanitizeURLForLogging(rawURL)

	body, status, err := f.do(ctx, rawURL)
	duration := time.Since(start)
	f.metrics.RecordFetchLatency(duration)
	if status > 0 {
		f.metrics.RecordHTTPStatus(status)
	}

	if err != nil {
		reason := failureReason(err)
		f.metrics.RecordFetchFailure(reason)
		f.logger.Warn("外部カレンダーの取得に失敗しました",
			slog.String("calendar_host", logURL),
			slog.String("reason", reason),
			slog.Int("http_status", status),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return "", err
	}

	f.metrics.RecordFetchSuccess()
	f.logger.Info("外部カレンダーを取得しました",
		slog.String("calendar_host", logURL),
		slog.Int("http_status", status),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return body, nil
}

// do はHTTPリクエストを実行し、本文とステータスコードを返す。
func (f *Fetcher) do(ctx context.Context, rawURL string) (string, int, error) {
	client := f.clients.NewSafeClient(f.timeout, f.maxBodySize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, &model.FetchError{Class: model.FetchErrorUnreachable, Err: errors.New("invalid request")}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 接続を再利用できるよう少量だけ読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", resp.StatusCode, &model.FetchError{Class: model.FetchErrorHTTP, StatusCode: resp.StatusCode}
	}

	// 上限+1バイトまで読み、超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return "", resp.StatusCode, classifyTransportError(ctx, err)
	}
	if int64(len(body)) > f.maxBodySize {
		return "", resp.StatusCode, &model.InvalidFeedError{Reason: model.InvalidFeedTooLarge}
	}

	if !LooksLikeICS(body) {
		return "", resp.StatusCode, &model.InvalidFeedError{Reason: model.InvalidFeedNotICS}
	}

	return string(body), resp.StatusCode, nil
}

// LooksLikeICS は本文が BEGIN:VCALENDAR で始まるかを判定する。
// 先頭の空白とUTF-8 BOMは無視し、大文字小文字は区別しない。
// Content-Typeは信頼しない。
func LooksLikeICS(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	trimmed = bytes.TrimPrefix(trimmed, utf8BOM)
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) < len(vcalendarMagic) {
		return false
	}
	return bytes.EqualFold(trimmed[:len(vcalendarMagic)], vcalendarMagic)
}

// classifyTransportError はネットワークエラーをタイムアウトと到達不能に分類する。
// URLやクエリを含む元のエラーメッセージは保持しない。
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &model.FetchError{Class: model.FetchErrorTimeout, Err: errors.New("deadline exceeded")}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.FetchError{Class: model.FetchErrorTimeout, Err: errors.New("deadline exceeded")}
	}
	if errors.Is(err, context.Canceled) {
		return &model.FetchError{Class: model.FetchErrorUnreachable, Err: context.Canceled}
	}
	return &model.FetchError{Class: model.FetchErrorUnreachable, Err: fmt.Errorf("connection failed: %s", errorKind(err))}
}

// errorKind はエラーの種類を表す短い文字列を返す。
func errorKind(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op
	}
	return "transport"
}

// failureReason はメトリクスとログ用の失敗理由を返す。
func failureReason(err error) string {
	var fe *model.FetchError
	if errors.As(err, &fe) {
		return string(fe.Class)
	}
	var ife *model.InvalidFeedError
	if errors.As(err, &ife) {
		return "invalid_feed_" + ife.Reason
	}
	return "unknown"
}
