// Package calendar は外部カレンダー連携の公開操作を提供する。
// URLの検証と暗号化、フィードの取得と解析、公開設定の適用を一つのフローとして統括する。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/vendorcal/internal/ics"
	"github.com/hitoshi/vendorcal/internal/metrics"
	"github.com/hitoshi/vendorcal/internal/model"
	"github.com/hitoshi/vendorcal/internal/privacy"
	"github.com/hitoshi/vendorcal/internal/security"
)

// Codec はカレンダーURLの暗号化・復号のインターフェース。
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// URLValidator はカレンダーURLの検証インターフェース。
// 不正なURLには*model.ValidationErrorを返す。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Fetcher はICSフィード取得のインターフェース。
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Parser はICSテキスト解析のインターフェース。
type Parser interface {
	Parse(text string, opts ics.ParseOptions) ics.ParseResult
}

// ParserFunc は関数をParserとして扱うためのアダプタ。
type ParserFunc func(text string, opts ics.ParseOptions) ics.ParseResult

// Parse はf(text, opts)を呼び出す。
func (f ParserFunc) Parse(text string, opts ics.ParseOptions) ics.ParseResult {
	return f(text, opts)
}

// EventFilter は期間の絞り込みと公開設定の適用を行うインターフェース。
type EventFilter interface {
	Apply(events []model.RawEvent, rng model.DateRange, settings model.PrivacySettings) []model.ExternalEvent
}

// AuditRecorder は監査ログ記録のインターフェース。
// 記録の失敗は呼び出し元に返さない。
type AuditRecorder interface {
	Record(ctx context.Context, entry model.AuditEntry)
}

// Limits はイベント取得の上限値。
type Limits struct {
	// MaxRange は1回のイベント取得で指定できる最大期間。0以下の場合は無制限。
	MaxRange time.Duration
	// MaxOccurrences は1件の繰り返しイベントから展開する最大件数。
	MaxOccurrences int
}

// SaveResult はカレンダーURL保存時に永続化層へ渡す内容。
type SaveResult struct {
	EncryptedURL string
	SavedAt      time.Time
	Provider     model.Provider
	Privacy      model.PrivacySettings
}

// RemoveResult はカレンダーURL削除の結果。
type RemoveResult struct {
	Removed bool `json:"removed"`
}

// ConnectionStatus は外部カレンダーの接続状態。
// URLは連携しているベンダー本人にのみ返す。
type ConnectionStatus struct {
	URL      *string               `json:"url"`
	Status   model.ConnectionState `json:"status"`
	Error    string                `json:"error,omitempty"`
	Provider model.Provider        `json:"provider,omitempty"`
	// LooksLikeCalendarExport はURLがエクスポート形式らしくない場合の注意表示に使う。
	LooksLikeCalendarExport bool `json:"looksLikeCalendarExport"`
}

// ConnectionErrorCorrupted は保存済みURLを復号できない場合のエラー表示。
const ConnectionErrorCorrupted = "corrupted"

// EventsRequest はイベント取得の入力。
type EventsRequest struct {
	UserID       string
	EncryptedURL string
	Range        model.DateRange
	Privacy      model.PrivacySettings
	// Location はフローティング時刻を解釈するタイムゾーン。nilの場合はUTC。
	Location *time.Location
}

// TestResult は接続テストの結果。
type TestResult struct {
	Success                 bool           `json:"success"`
	Message                 string         `json:"message"`
	Provider                model.Provider `json:"provider"`
	EventCount              int            `json:"eventCount"`
	LooksLikeCalendarExport bool           `json:"looksLikeCalendarExport"`
}

// Service は外部カレンダー連携のファサード。
// 不変の依存のみを保持するため、並行利用して安全。
type Service struct {
	codec     Codec
	validator URLValidator
	fetcher   Fetcher
	parser    Parser
	filter    EventFilter
	audit     AuditRecorder
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	limits    Limits
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// parser, filter, audit, collector, loggerがnilの場合はデフォルト実装を使う。
func NewService(
	codec Codec,
	validator URLValidator,
	fetcher Fetcher,
	parser Parser,
	filter EventFilter,
	audit AuditRecorder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	limits Limits,
) *Service {
	if parser == nil {
		parser = ParserFunc(ics.Parse)
	}
	if filter == nil {
		filter = privacy.NewFilter(nil)
	}
	if audit == nil {
		audit = nopAudit{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		codec:     codec,
		validator: validator,
		fetcher:   fetcher,
		parser:    parser,
		filter:    filter,
		audit:     audit,
		metrics:   collector,
		logger:    logger,
		limits:    limits,
		now:       time.Now,
	}
}

// ValidateCalendarURL は正規化したURLを検証する。ネットワークにはアクセスしない。
func (s *Service) ValidateCalendarURL(rawURL string) error {
	return s.validator.ValidateURL(security.NormalizeCalendarURL(rawURL))
}

// SaveCalendarURL はURLを検証して暗号化し、永続化する内容を返す。
// フロー: 正規化 → 検証 → 暗号化 → 監査ログ
func (s *Service) SaveCalendarURL(ctx context.Context, userID, rawURL string, settings *model.PrivacySettings) (*SaveResult, error) {
	if err := s.ValidateCalendarURL(rawURL); err != nil {
		return nil, err
	}
	normalized := security.NormalizeCalendarURL(rawURL)

	blob, err := s.codec.Encrypt(normalized)
	if err != nil {
		return nil, fmt.Errorf("カレンダーURLの暗号化に失敗しました: %w", err)
	}

	privacySettings := model.DefaultPrivacySettings()
	if settings != nil {
		privacySettings = *settings
	}

	sanitized := security.SanitizeURLForLogging(normalized)
	provider := security.DetectProvider(normalized)
	savedAt := s.now()

	s.audit.Record(ctx, model.AuditEntry{
		Action:       model.AuditCalendarURLUpdated,
		UserID:       userID,
		SanitizedURL: sanitized,
		CreatedAt:    savedAt,
	})
	s.logger.Info("外部カレンダーURLを登録しました",
		slog.String("user_id", userID),
		slog.String("calendar_host", sanitized),
		slog.String("provider", string(provider)),
	)

	return &SaveResult{
		EncryptedURL: blob,
		SavedAt:      savedAt,
		Provider:     provider,
		Privacy:      privacySettings,
	}, nil
}

// RemoveCalendarURL は連携解除を監査ログに記録する。
// 保存済みURLの消去は永続化層が行う。何度呼び出しても同じ結果を返す。
func (s *Service) RemoveCalendarURL(ctx context.Context, userID string) (*RemoveResult, error) {
	s.audit.Record(ctx, model.AuditEntry{
		Action:    model.AuditCalendarURLRemoved,
		UserID:    userID,
		CreatedAt: s.now(),
	})
	s.logger.Info("外部カレンダーの連携を解除しました", slog.String("user_id", userID))
	return &RemoveResult{Removed: true}, nil
}

// GetConnectionStatus は保存済みの暗号化URLから接続状態を返す。
// 復号できない場合はエラーにせず、未接続かつ "corrupted" として返す。
func (s *Service) GetConnectionStatus(ctx context.Context, encryptedURL string) ConnectionStatus {
	if encryptedURL == "" {
		return ConnectionStatus{Status: model.ConnectionDisconnected}
	}

	plain, err := s.codec.Decrypt(encryptedURL)
	if err != nil {
		s.metrics.RecordDecryptionFailure()
		s.logger.Warn("保存済みカレンダーURLの復号に失敗しました",
			slog.String("reason", decryptionReason(err)),
		)
		return ConnectionStatus{
			Status: model.ConnectionDisconnected,
			Error:  ConnectionErrorCorrupted,
		}
	}

	return ConnectionStatus{
		URL:                     &plain,
		Status:                  model.ConnectionConnected,
		Provider:                security.DetectProvider(plain),
		LooksLikeCalendarExport: security.LooksLikeCalendarExport(plain),
	}
}

// GetEvents は外部カレンダーのイベントを取得し、公開設定を適用して返す。
// 無効化されている場合やURLが未登録の場合はフィードを取得せずに空のリストを返す。
// フロー: 期間検証 → 復号 → 取得 → 解析 → 絞り込み → 監査ログ
func (s *Service) GetEvents(ctx context.Context, req EventsRequest) ([]model.ExternalEvent, error) {
	if err := req.Range.Validate(s.limits.MaxRange); err != nil {
		return nil, err
	}
	if !req.Privacy.ExternalCalendarEnabled || req.EncryptedURL == "" {
		return []model.ExternalEvent{}, nil
	}

	plain, err := s.decrypt(req.EncryptedURL)
	if err != nil {
		return nil, err
	}
	sanitized := security.SanitizeURLForLogging(plain)

	raw, warnings, err := s.fetchAndParse(ctx, plain, &req.Range, req.Location)
	if err != nil {
		s.logger.Warn("外部カレンダーの取得に失敗しました",
			slog.String("user_id", req.UserID),
			slog.String("calendar_host", sanitized),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if warnings > 0 {
		s.logger.Info("一部のイベントを読み飛ばしました",
			slog.String("user_id", req.UserID),
			slog.String("calendar_host", sanitized),
			slog.Int("warnings", warnings),
		)
	}

	events := s.filter.Apply(raw, req.Range, req.Privacy)
	s.metrics.RecordEventsServed(len(events))

	count := len(events)
	start, end := req.Range.Start, req.Range.End
	s.audit.Record(ctx, model.AuditEntry{
		Action:       model.AuditCalendarEventsFetched,
		UserID:       req.UserID,
		SanitizedURL: sanitized,
		EventCount:   &count,
		RangeStart:   &start,
		RangeEnd:     &end,
	})

	return events, nil
}

// TestConnection は保存前の候補URLが利用できるかを確認する。
// 状態は一切変更しない。検証に失敗した場合はネットワークにアクセスしない。
// フロー: 正規化 → 検証 → 取得 → 解析
func (s *Service) TestConnection(ctx context.Context, userID, rawURL string) TestResult {
	normalized := security.NormalizeCalendarURL(rawURL)
	if err := s.validator.ValidateURL(normalized); err != nil {
		return TestResult{Success: false, Message: UserMessage(err)}
	}

	provider := security.DetectProvider(normalized)
	exportShape := security.LooksLikeCalendarExport(normalized)
	sanitized := security.SanitizeURLForLogging(normalized)

	raw, _, err := s.fetchAndParse(ctx, normalized, nil, nil)
	if err != nil {
		s.logger.Info("接続テストに失敗しました",
			slog.String("user_id", userID),
			slog.String("calendar_host", sanitized),
			slog.String("error", err.Error()),
		)
		return TestResult{Success: false, Message: UserMessage(err), Provider: provider, LooksLikeCalendarExport: exportShape}
	}

	count := len(raw)
	s.audit.Record(ctx, model.AuditEntry{
		Action:       model.AuditCalendarConnectionTested,
		UserID:       userID,
		SanitizedURL: sanitized,
		EventCount:   &count,
	})

	msg := fmt.Sprintf("接続に成功しました。%d件のイベントが見つかりました。", count)
	if count == 0 {
		msg = "接続に成功しましたが、イベントが見つかりませんでした。"
	}
	return TestResult{Success: true, Message: msg, Provider: provider, EventCount: count, LooksLikeCalendarExport: exportShape}
}

// Probe は保存済みURLのフィードを取得・解析し、期間内のイベント数を返す。
// 公開設定や監査ログは扱わない。同期ワーカーから使用する。
func (s *Service) Probe(ctx context.Context, encryptedURL string, rng model.DateRange, loc *time.Location) (int, error) {
	plain, err := s.decrypt(encryptedURL)
	if err != nil {
		return 0, err
	}
	raw, _, err := s.fetchAndParse(ctx, plain, &rng, loc)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ev := range raw {
		if privacy.InRange(ev, rng) {
			count++
		}
	}
	return count, nil
}

func (s *Service) decrypt(blob string) (string, error) {
	plain, err := s.codec.Decrypt(blob)
	if err != nil {
		s.metrics.RecordDecryptionFailure()
		s.logger.Warn("保存済みカレンダーURLの復号に失敗しました",
			slog.String("reason", decryptionReason(err)),
		)
		return "", err
	}
	return plain, nil
}

func (s *Service) fetchAndParse(ctx context.Context, plainURL string, window *model.DateRange, loc *time.Location) ([]model.RawEvent, int, error) {
	body, err := s.fetcher.Fetch(ctx, plainURL)
	if err != nil {
		return nil, 0, err
	}

	result := s.parser.Parse(body, ics.ParseOptions{
		Location:       loc,
		Window:         window,
		MaxOccurrences: s.limits.MaxOccurrences,
	})
	s.metrics.RecordParseWarnings(len(result.Warnings))
	return result.Events, len(result.Warnings), nil
}

func decryptionReason(err error) string {
	var de *model.DecryptionError
	if errors.As(err, &de) {
		return de.Reason
	}
	return "unknown"
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, model.AuditEntry) {}
