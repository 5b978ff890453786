// Package permission はAPIキーに付与された権限の評価を提供する。
//
// 権限文字列は "category:action" または "category.action" のどちらの区切りでも
// 記述できる。文字列の解釈は境界（Parse）でのみ行い、内部では Permission として扱う。
package permission

import (
	"fmt"
	"slices"
	"strings"
)

// Action は権限の操作種別。
type Action string

const (
	// ActionRead は参照操作。
	ActionRead Action = "read"
	// ActionWrite は作成・更新操作。
	ActionWrite Action = "write"
	// ActionDelete は削除操作。
	ActionDelete Action = "delete"
	// ActionWildcard はカテゴリ内の全操作。
	ActionWildcard Action = "*"
)

// Wildcard はすべての権限を満たすグローバルワイルドカード。
const Wildcard = "*"

// Permission はカテゴリと操作の組で表した権限。
type Permission struct {
	Category string
	Action   Action
}

// Parse は権限文字列を最初の区切り文字（":" または "."）で分割する。
// 区切り文字が無い、あるいはカテゴリか操作が空の場合はfalseを返す。
func Parse(s string) (Permission, bool) {
	i := strings.IndexAny(s, ":.")
	if i <= 0 || i == len(s)-1 {
		return Permission{}, false
	}
	return Permission{Category: s[:i], Action: Action(s[i+1:])}, true
}

// String はコロン区切りの正規形を返す。
func (p Permission) String() string {
	return p.Category + ":" + string(p.Action)
}

// forms は2つの区切り規約それぞれでの表記を返す。
func (p Permission) forms() [2]string {
	return [2]string{p.Category + ":" + string(p.Action), p.Category + "." + string(p.Action)}
}

// categoryWildcards はカテゴリワイルドカードの2つの表記を返す。
func (p Permission) categoryWildcards() [2]string {
	return Permission{Category: p.Category, Action: ActionWildcard}.forms()
}

// Result は権限評価の結果。
type Result struct {
	// Allowed は要求された権限が満たされたかどうか。
	Allowed bool
	// Required は要求された権限文字列。
	Required string
	// Available はキーに付与されている権限の一覧。
	Available []string
	// Message は拒否時の利用者向け診断メッセージ。許可時は空。
	Message string
}

// Check は付与された権限集合が required を満たすかを判定する。
// 判定は次の順で行い、最初に一致したもので確定する。
//  1. グローバルワイルドカード "*"
//  2. 文字列の完全一致
//  3. 区切り文字を正規化した一致（"a:b" と "a.b"）
//  4. カテゴリワイルドカード（"a:*" または "a.*"）
func Check(granted []string, required string) Result {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	has := func(s string) bool {
		_, ok := set[s]
		return ok
	}

	result := Result{Required: required, Available: append([]string{}, granted...)}

	if has(Wildcard) || has(required) {
		result.Allowed = true
		return result
	}

	p, ok := Parse(required)
	if ok {
		for _, f := range p.forms() {
			if has(f) {
				result.Allowed = true
				return result
			}
		}
		for _, w := range p.categoryWildcards() {
			if has(w) {
				result.Allowed = true
				return result
			}
		}
	}

	result.Message = denialMessage(p, ok, required)
	return result
}

// Allows は Check の結果のうち許可可否のみを返す。
func Allows(granted []string, required string) bool {
	return Check(granted, required).Allowed
}

// knownCategories は拒否メッセージでカテゴリ名をそのまま示すカテゴリ。
var knownCategories = []string{"products", "quotations", "collections", "analytics", "webhooks"}

// denialMessage は拒否理由を説明するメッセージを組み立てる。
func denialMessage(p Permission, parsed bool, required string) string {
	if !parsed {
		return fmt.Sprintf("Insufficient permissions: this API key lacks the %q permission", required)
	}

	category := p.Category
	if !slices.Contains(knownCategories, category) {
		category = "this resource"
	}
	return fmt.Sprintf("Insufficient permissions: this API key cannot %s %s (requires %q)", p.Action, category, p.String())
}
