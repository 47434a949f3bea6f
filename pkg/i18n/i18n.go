package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	DryRunMode         string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	AdminLoginDisabled string
	DefaultJWTSecret   string

	// Credentials
	VaultReady      string
	VaultEnvOnly    string
	VaultInitFailed string

	// Accounts
	SeedApplied string
	SeedFailed  string

	// Engine
	EngineStarted     string
	EngineStartFailed string
	EngineStopFailed  string
	WakeStreamEnabled string

	// Services
	SchedulerStarted    string
	SchedulerJobInvalid string
	AuditFlushFailed    string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "🚀 copy-trading core starting",
	ConfigLoaded:       "✓ configuration loaded (port %s)",
	UsingDBPath:        "💾 using database %s",
	ServerListening:    "✓ admin API listening on %s",
	ShuttingDown:       "🛑 shutting down",
	ShutdownComplete:   "✓ shutdown complete",
	DryRunMode:         "🧪 DRY RUN: follower orders are simulated, masters stay live",
	ConfigLoadFailed:   "❌ failed to load configuration: %v",
	DBInitFailed:       "❌ failed to open database: %v",
	DBMigrationsFailed: "❌ failed to apply migrations: %v",
	APIServerError:     "❌ admin API stopped: %v",
	AdminLoginDisabled: "⚠️ ADMIN_PASSWORD_HASH is empty; admin login is disabled",
	DefaultJWTSecret:   "⚠️ JWT_SECRET is the development default; set it before exposing the API",

	// Credentials
	VaultReady:      "✓ credential vault ready (key version %d)",
	VaultEnvOnly:    "⚠️ no MASTER_ENCRYPTION_KEY; only env: credential references can be used",
	VaultInitFailed: "❌ invalid credential vault keys: %v",

	// Accounts
	SeedApplied: "✓ seed file applied: %d accounts, %d links created",
	SeedFailed:  "❌ failed to apply seed file %s: %v",

	// Engine
	EngineStarted:     "✓ copy engine started",
	EngineStartFailed: "❌ copy engine failed to start: %v",
	EngineStopFailed:  "⚠️ copy engine did not stop cleanly: %v",
	WakeStreamEnabled: "🔄 master user-data streams will nudge polling",

	// Services
	SchedulerStarted:    "✓ housekeeping scheduler started",
	SchedulerJobInvalid: "❌ invalid housekeeping schedule: %v",
	AuditFlushFailed:    "⚠️ audit writer did not flush cleanly: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "🚀 跟單核心啟動中",
	ConfigLoaded:       "✓ 設定已載入（埠 %s）",
	UsingDBPath:        "💾 使用資料庫 %s",
	ServerListening:    "✓ 管理 API 監聽於 %s",
	ShuttingDown:       "🛑 正在關閉",
	ShutdownComplete:   "✓ 已關閉",
	DryRunMode:         "🧪 模擬模式：跟單帳戶下單為模擬，主帳戶維持真實",
	ConfigLoadFailed:   "❌ 載入設定失敗: %v",
	DBInitFailed:       "❌ 開啟資料庫失敗: %v",
	DBMigrationsFailed: "❌ 資料庫遷移失敗: %v",
	APIServerError:     "❌ 管理 API 已停止: %v",
	AdminLoginDisabled: "⚠️ 未設定 ADMIN_PASSWORD_HASH，管理員登入已停用",
	DefaultJWTSecret:   "⚠️ JWT_SECRET 為開發預設值，公開 API 前請更換",

	// Credentials
	VaultReady:      "✓ 憑證保險庫就緒（金鑰版本 %d）",
	VaultEnvOnly:    "⚠️ 未設定 MASTER_ENCRYPTION_KEY，僅能使用 env: 憑證參照",
	VaultInitFailed: "❌ 憑證保險庫金鑰無效: %v",

	// Accounts
	SeedApplied: "✓ 已套用種子檔：新增 %d 個帳戶、%d 條跟單關係",
	SeedFailed:  "❌ 套用種子檔 %s 失敗: %v",

	// Engine
	EngineStarted:     "✓ 跟單引擎已啟動",
	EngineStartFailed: "❌ 跟單引擎啟動失敗: %v",
	EngineStopFailed:  "⚠️ 跟單引擎未正常停止: %v",
	WakeStreamEnabled: "🔄 主帳戶用戶數據流將觸發即時輪詢",

	// Services
	SchedulerStarted:    "✓ 維護排程已啟動",
	SchedulerJobInvalid: "❌ 維護排程設定無效: %v",
	AuditFlushFailed:    "⚠️ 稽核寫入器未完整寫出: %v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
