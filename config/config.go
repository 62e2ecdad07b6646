package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"socialinbox/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
}

// IMAPConfig is the fallback mailbox access used when the Gmail OAuth
// integration is not connected (app-password based).
type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Mailbox  string `json:"mailbox"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// AuthJWTSecret is shared with the main CRM, which issues the tokens
	// this service validates. We never mint user tokens ourselves.
	AuthJWTSecret string `json:"-"`

	// EncryptionKey encrypts integration tokens at rest (16/24/32 bytes).
	EncryptionKey string `json:"-"`

	FacebookVerifyToken string      `json:"-"`
	Gmail               OAuthConfig `json:"gmail"`
	GmailIMAP           IMAPConfig  `json:"gmail_imap"`
	SMTP                SMTPConfig  `json:"smtp"`

	Redis            RedisConfig `json:"redis"`
	RateLimitWebhook int         `json:"rate_limit_webhook"`

	GmailPollInterval time.Duration `json:"gmail_poll_interval"`

	SentryDSN string `json:"-"`
}

func init() {
	// A missing .env is fine in deployed environments.
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "socialinbox"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		FacebookVerifyToken: getEnv("FACEBOOK_VERIFY_TOKEN", ""),
		Gmail: OAuthConfig{
			ClientID:     getEnv("GMAIL_CLIENT_ID", ""),
			ClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GMAIL_REDIRECT_URI", ""),
		},
		GmailIMAP: IMAPConfig{
			Host:     getEnv("GMAIL_IMAP_HOST", "imap.gmail.com"),
			Port:     getEnvAsInt("GMAIL_IMAP_PORT", 993),
			Username: getEnv("GMAIL_IMAP_USERNAME", ""),
			Password: getEnv("GMAIL_IMAP_PASSWORD", ""),
			Mailbox:  getEnv("GMAIL_IMAP_MAILBOX", "INBOX"),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
		},

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimitWebhook: getEnvAsInt("RATE_LIMIT_WEBHOOK", 120),

		GmailPollInterval: time.Duration(getEnvAsInt("GMAIL_POLL_INTERVAL_MINUTES", 5)) * time.Minute,

		SentryDSN: getEnv("SENTRY_DSN", ""),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.Environment == "production" && AppConfig.FacebookVerifyToken == "" {
		return fmt.Errorf("FACEBOOK_VERIFY_TOKEN is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Gmail OAuth configured: %t, IMAP fallback: %t, SMTP fallback: %t",
		AppConfig.Gmail.ClientID != "",
		AppConfig.GmailIMAP.Username != "",
		AppConfig.SMTP.Host != "")
}

// MigrateDB is exported so tests can migrate their own databases.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.SocialInboxPermission{},
		&models.SocialMessage{},
		&models.SocialIntegration{},
	); err != nil {
		return err
	}

	// One live record per (access_type, target_id); soft-deleted rows stay
	// out of the constraint so a target can be re-granted after deletion.
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec(`
            CREATE UNIQUE INDEX IF NOT EXISTS uniq_social_inbox_permissions_target
            ON social_inbox_permissions (access_type, target_id)
            WHERE deleted_at IS NULL
        `).Error; err != nil {
			return fmt.Errorf("failed to create permission uniqueness index: %w", err)
		}
	}

	return nil
}
