// Пакет config отвечает за сбор и предоставление конфигурации сервиса
// зеркалирования каналов. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных дефолтах,
//  4. фиксирует результат в singleton, доступный через Env().
//
// Бизнес-контекст: сервис управляется строками в реляционной базе (источники,
// зеркала, задачи), а окружение задаёт только «операционные» параметры запуска:
// учётные данные Telegram API, строку подключения к Postgres, секрет для
// расшифровки сессии и ручки поведения (FLOOD_WAIT, health check, комментарии,
// файловое логирование).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID            int    // TELEGRAM_API_ID — обязательный положительный идентификатор приложения
	APIHash          string // TELEGRAM_API_HASH — обязательный хэш приложения
	DatabaseURL      string // DATABASE_URL — строка подключения к Postgres
	EncryptionSecret string // ENCRYPTION_SECRET — секрет для расшифровки сессии из базы

	FloodWaitMaxSec       int  // максимальный FLOOD_WAIT, который пережидаем на месте (1..3600)
	StartRetryIntervalSec int  // пауза между попытками подключения при невалидной сессии
	HealthcheckEnabled    bool // периодическая проверка доступности каналов
	HealthcheckIntervalSec int // интервал между проходами health check
	HealthcheckBatch      int  // сколько каналов проверяется за один проход
	HealthcheckRefreshSec int  // период обновления списка проверяемых каналов
	SyncComments          bool // зеркалировать ли комментарии из привязанных обсуждений
	MaxCommentsPerPost    int  // ограничение на количество реплеев комментариев к посту

	MirrorTitlePrefix string   // префикс названия автосоздаваемых зеркальных каналов
	AdminIdentifiers  []string // кого продвигать в админы автосозданных каналов (@username или id)
	StateFile         string   // bbolt-файл состояния менеджера апдейтов
	MetricsAddr       string   // адрес HTTP-эндпоинта метрик; пусто — метрики не отдаются

	LogLevel string // уровень консольного логирования
	// Файловое логирование (MIRROR_LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды и предупреждения, накопленные при её чтении.
type Config struct {
	Env      EnvConfig
	warnings []string // предупреждения, накопленные при чтении окружения
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel              = "info"
	defaultFloodWaitMaxSec       = 600
	floodWaitMaxCeilingSec       = 3600
	defaultStartRetrySec         = 10
	defaultHealthcheckEnabled    = true
	defaultHealthcheckInterval   = 60
	defaultHealthcheckBatch      = 10
	defaultHealthcheckRefreshSec = 300
	defaultSyncComments          = true
	defaultMaxCommentsPerPost    = 500
	defaultStateFile             = "mirror_updates.bbolt"
	// Файловое логирование
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего сервиса.
// При первом вызове читает .env (отсутствие файла не фатально: окружение может
// приходить целиком из процесса), формирует EnvConfig и фиксирует результат в
// singleton. Повторный вызов запрещен (возвращается ошибка), чтобы избежать
// гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}
	if apiID <= 0 {
		return nil, errors.New("env TELEGRAM_API_ID must be a positive integer")
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}

	secret := strings.TrimSpace(os.Getenv("ENCRYPTION_SECRET"))
	if secret == "" {
		return nil, errors.New("env ENCRYPTION_SECRET must be set")
	}

	var warnings []string

	floodWaitMax := parseIntDefault("MIRROR_FLOOD_WAIT_MAX_SEC", defaultFloodWaitMaxSec, greaterThanZero, &warnings)
	// Жёсткий потолок: дольше часа посреди запроса не спим, даже если оператор попросил.
	if floodWaitMax > floodWaitMaxCeilingSec {
		appendWarningf(&warnings, "env MIRROR_FLOOD_WAIT_MAX_SEC value %d exceeds ceiling %d; clamped",
			floodWaitMax, floodWaitMaxCeilingSec)
		floodWaitMax = floodWaitMaxCeilingSec
	}

	startRetry := parseIntDefault("MIRROR_START_RETRY_INTERVAL_SEC", defaultStartRetrySec, greaterThanZero, &warnings)
	hcEnabled := parseBoolDefault("MIRROR_CHANNEL_HEALTHCHECK", defaultHealthcheckEnabled, &warnings)
	hcInterval := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_INTERVAL_SEC", defaultHealthcheckInterval, greaterThanZero, &warnings)
	hcBatch := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_BATCH", defaultHealthcheckBatch, greaterThanZero, &warnings)
	hcRefresh := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_REFRESH_SEC", defaultHealthcheckRefreshSec, greaterThanZero, &warnings)
	syncComments := parseBoolDefault("MIRROR_SYNC_COMMENTS", defaultSyncComments, &warnings)
	maxComments := parseIntDefault("MIRROR_MAX_COMMENTS_PER_POST", defaultMaxCommentsPerPost, nonNegative, &warnings)

	titlePrefix := strings.TrimSpace(os.Getenv("MIRROR_TITLE_PREFIX"))
	admins := splitList(os.Getenv("MIRROR_ADMIN_IDS"))
	stateFile := strings.TrimSpace(os.Getenv("MIRROR_STATE_FILE"))
	if stateFile == "" {
		stateFile = defaultStateFile
	}
	metricsAddr := strings.TrimSpace(os.Getenv("MIRROR_METRICS_ADDR"))

	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("MIRROR_LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	env := EnvConfig{
		APIID:            apiID,
		APIHash:          apiHash,
		DatabaseURL:      databaseURL,
		EncryptionSecret: secret,

		FloodWaitMaxSec:        floodWaitMax,
		StartRetryIntervalSec:  startRetry,
		HealthcheckEnabled:     hcEnabled,
		HealthcheckIntervalSec: hcInterval,
		HealthcheckBatch:       hcBatch,
		HealthcheckRefreshSec:  hcRefresh,
		SyncComments:           syncComments,
		MaxCommentsPerPost:     maxComments,
		MirrorTitlePrefix:      titlePrefix,
		AdminIdentifiers:       admins,
		StateFile:              stateFile,
		MetricsAddr:            metricsAddr,

		LogLevel: logLevel,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых сервис не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// splitList разбирает список, разделённый запятыми, отбрасывая пустые элементы.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// greaterThanZero / nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения сервиса.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}
