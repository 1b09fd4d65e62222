package privacy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/vendorcal/internal/model"
)

// allowedKeys は公開設定として受け付けるキー。
var allowedKeys = map[string]bool{
	"showEventDetails":        true,
	"externalCalendarEnabled": true,
}

// Override はリクエストで指定された公開設定の部分的な上書き。
// 指定されなかった項目はnilのままとなる。
type Override struct {
	ShowEventDetails        *bool
	ExternalCalendarEnabled *bool
}

// IsEmpty は上書き項目が1つもないかを返す。
func (o Override) IsEmpty() bool {
	return o.ShowEventDetails == nil && o.ExternalCalendarEnabled == nil
}

// ParseSettings はJSONの公開設定を検証して部分的な上書きとして返す。
// 許可リストにないキーや真偽値以外の値は*model.ValidationErrorとなる。
// 空の入力やnullは上書きなしとして扱う。
func ParseSettings(raw json.RawMessage) (Override, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Override{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Override{}, model.NewValidationError("privacySettings", "JSONオブジェクトを指定してください")
	}

	var o Override
	for key, val := range fields {
		if !allowedKeys[key] {
			return Override{}, model.NewValidationError("privacySettings", fmt.Sprintf("不明な項目です: %s", key))
		}
		var b bool
		if bytes.Equal(bytes.TrimSpace(val), []byte("null")) || json.Unmarshal(val, &b) != nil {
			return Override{}, model.NewValidationError("privacySettings", fmt.Sprintf("%s には true または false を指定してください", key))
		}
		switch key {
		case "showEventDetails":
			o.ShowEventDetails = &b
		case "externalCalendarEnabled":
			o.ExternalCalendarEnabled = &b
		}
	}
	return o, nil
}

// Merge は基準の公開設定に上書きを適用した結果を返す。
func Merge(base model.PrivacySettings, override Override) model.PrivacySettings {
	merged := base
	if override.ShowEventDetails != nil {
		merged.ShowEventDetails = *override.ShowEventDetails
	}
	if override.ExternalCalendarEnabled != nil {
		merged.ExternalCalendarEnabled = *override.ExternalCalendarEnabled
	}
	return merged
}

// Resolve はJSONの公開設定をデフォルト値にマージして返す。
func Resolve(raw json.RawMessage) (model.PrivacySettings, error) {
	o, err := ParseSettings(raw)
	if err != nil {
		return model.PrivacySettings{}, err
	}
	return Merge(model.DefaultPrivacySettings(), o), nil
}
