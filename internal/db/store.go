package db

import (
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
)

// Store объединяет все репозитории над одним пулом соединений. Методы
// сгруппированы по сущностям в соседних файлах (sources.go, tasks.go и т. д.);
// каждый метод самостоятельно заворачивает запрос в WithRetry.
type Store struct {
	pool *sqlx.DB
}

// NewStore создаёт Store поверх готового пула.
func NewStore(pool *sqlx.DB) *Store {
	return &Store{pool: pool}
}

// eventMessageMaxRunes — предел длины текста, сохраняемого в журналах и
// полях ошибок. Более длинные тексты режутся по рунам с добавлением «…».
const eventMessageMaxRunes = 2000

// truncateRunes режет текст до max рун, не разрывая UTF-8, и помечает обрез
// многоточием. Значения короче лимита возвращаются без изменений.
func truncateRunes(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-1]) + "…"
}
