package iasauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/tyemirov/iasauth/pkg/oauthtokens"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_repository.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_repository.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_repository.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_repository.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_repository.unsupported_no_scheme")
)

// DatabaseTokenRepository persists encrypted session tokens using GORM.
type DatabaseTokenRepository struct {
	db          *gorm.DB
	driverLabel string
	cipher      *TokenCipher
	clock       Clock
}

// Driver exposes the selected database driver label.
func (repository *DatabaseTokenRepository) Driver() string {
	return repository.driverLabel
}

type sessionTokenRecord struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	SessionID    string `gorm:"column:session_id;primaryKey"`
	AccessToken  string `gorm:"column:access_token;not null"`
	RefreshToken string `gorm:"column:refresh_token;not null;default:''"`
	TokenType    string `gorm:"column:token_type;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;not null;default:0"`
	UpdatedUnix  int64  `gorm:"column:updated_unix;not null"`
}

func (sessionTokenRecord) TableName() string {
	return "ias_session_tokens"
}

// NewDatabaseTokenRepository opens the database named by databaseURL and migrates the schema.
func NewDatabaseTokenRepository(ctx context.Context, databaseURL string, cipher *TokenCipher) (*DatabaseTokenRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_repository.open: %w", errEmptyDatabaseURL)
	}
	if cipher == nil {
		return nil, fmt.Errorf("token_repository.open: %w", ErrMissingCipher)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_repository.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_repository.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseTokenRepository{
		db:          gormDB,
		driverLabel: driverLabel,
		cipher:      cipher,
		clock:       NewSystemClock(),
	}, nil
}

// Load returns the tokens stored for key.
func (repository *DatabaseTokenRepository) Load(ctx context.Context, key SessionKey) (oauthtokens.OAuthTokens, bool, error) {
	var record sessionTokenRecord
	err := repository.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", key.UserID, key.SessionID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return oauthtokens.OAuthTokens{}, false, nil
		}
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.load.%s: %w", repository.driverLabel, err)
	}
	tokens, openErr := repository.cipher.OpenTokens(key, SealedTokens{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresUnix:  record.ExpiresUnix,
	})
	if openErr != nil {
		return oauthtokens.OAuthTokens{}, false, fmt.Errorf("token_repository.load.%s: %w", repository.driverLabel, openErr)
	}
	return tokens, true, nil
}

// Save upserts the tokens for key.
func (repository *DatabaseTokenRepository) Save(ctx context.Context, key SessionKey, tokens oauthtokens.OAuthTokens) error {
	if err := key.Validate(); err != nil {
		return err
	}
	sealed, err := repository.cipher.SealTokens(key, tokens)
	if err != nil {
		return fmt.Errorf("token_repository.save.%s: %w", repository.driverLabel, err)
	}
	record := sessionTokenRecord{
		UserID:       key.UserID,
		SessionID:    key.SessionID,
		AccessToken:  sealed.AccessToken,
		RefreshToken: sealed.RefreshToken,
		TokenType:    sealed.TokenType,
		ExpiresUnix:  sealed.ExpiresUnix,
		UpdatedUnix:  repository.clock.Now().Unix(),
	}
	if err := repository.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("token_repository.save.%s: %w", repository.driverLabel, err)
	}
	return nil
}

// Delete removes the tokens for key. Deleting a missing row is not an error.
func (repository *DatabaseTokenRepository) Delete(ctx context.Context, key SessionKey) error {
	err := repository.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", key.UserID, key.SessionID).
		Delete(&sessionTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_repository.delete.%s: %w", repository.driverLabel, err)
	}
	return nil
}

// PurgeStale removes rows not written since olderThan. It returns the number of rows removed.
func (repository *DatabaseTokenRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := repository.db.WithContext(ctx).
		Where("updated_unix < ?", olderThan.Unix()).
		Delete(&sessionTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("token_repository.purge.%s: %w", repository.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (repository *DatabaseTokenRepository) Close() error {
	sqlDB, err := repository.db.DB()
	if err != nil {
		return fmt.Errorf("token_repository.close.%s: %w", repository.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_repository.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_repository.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_repository.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_repository.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
