package settings

import "strings"

const (
	keywordMaxRunes = 100
	keywordMaxCount = 200
)

// ParseKeywords разбирает операторский список ключевых слов: разделители —
// пробельные символы, запятая, полноширинная запятая, точка с запятой и
// перенос строки. Результат в нижнем регистре, без дубликатов; каждое слово
// обрезается до 100 рун, список — до 200 записей.
func ParseKeywords(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', '，', ';', '\n', '\r':
			return true
		}
		return r == ' ' || r == '\t' || r == '\v' || r == '\f' || r == ' ' || r == '　'
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		kw := strings.ToLower(strings.TrimSpace(f))
		if kw == "" {
			continue
		}
		if runes := []rune(kw); len(runes) > keywordMaxRunes {
			kw = string(runes[:keywordMaxRunes])
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
		if len(out) >= keywordMaxCount {
			break
		}
	}
	return out
}

// MatchesAny сообщает, содержит ли текст хоть одно из ключевых слов
// (без учёта регистра).
func MatchesAny(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
