package promptrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID    = "user_id"
	columnCreatedAt = "created_at"
)

var (
	dsnPasswordPattern = regexp.MustCompile(`(?i)(password\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// QuestionLog records an admitted `ai` command and the outcome of its
// completion request.
type QuestionLog struct {
	ModelUintID
	ModelUnixTime

	CommandID string `json:"command_id" gorm:"uniqueIndex"`
	UserID    string `json:"user_id" gorm:"index"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	MessageID string `json:"message_id"`
	Prompt    string `json:"prompt"`

	Outcome    CompletionOutcome `json:"outcome" gorm:"index"`
	StatusCode int               `json:"status_code,omitempty"`

	// RequestStarted and RequestEnded are unix milliseconds
	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	ResponseLength int    `json:"response_length"`
	Truncated      bool   `json:"truncated"`
	Error          string `json:"error,omitempty"`
}

func (QuestionLog) TableName() string {
	return "question_log"
}

func (q QuestionLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(q.ID)),
		slog.String("command_id", q.CommandID),
		slog.String(columnUserID, q.UserID),
		slog.String("outcome", string(q.Outcome)),
	)
}

// newQuestionLog builds a QuestionLog from the triggering message and the
// completion result
func newQuestionLog(
	commandID string,
	m *discordgo.Message,
	prompt string,
	result CompletionResult,
	responseLength int,
	truncated bool,
) *QuestionLog {
	q := &QuestionLog{
		CommandID:      commandID,
		ChannelID:      m.ChannelID,
		GuildID:        m.GuildID,
		MessageID:      m.ID,
		Prompt:         prompt,
		Outcome:        result.Outcome,
		StatusCode:     result.StatusCode,
		RequestStarted: result.Started.UnixMilli(),
		RequestEnded:   result.Ended.UnixMilli(),
		ResponseLength: responseLength,
		Truncated:      truncated,
	}
	if m.Author != nil {
		q.UserID = m.Author.ID
		q.Username = m.Author.Username
	}
	if result.Err != nil {
		q.Error = result.Err.Error()
	}
	return q
}

// DBI is the write interface to the audit database.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	RecentQuestions(ctx context.Context, limit int, userID string) ([]QuestionLog, error)
}

// database wraps a gorm connection. SQLite doesn't handle concurrent
// writes, so unless enableConcurrentWrites is set, writes are serialized.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// RecentQuestions returns up to limit of the most recent QuestionLog
// records, newest first, optionally filtered to a single user
func (d *database) RecentQuestions(
	ctx context.Context,
	limit int,
	userID string,
) ([]QuestionLog, error) {
	var questions []QuestionLog
	db := d.db.WithContext(ctx).Order(columnCreatedAt + " desc").Order("id desc").Limit(limit)
	if userID != "" {
		db = db.Where(columnUserID+" = ?", userID)
	}
	err := db.Find(&questions).Error
	return questions, err
}

// CreateDB opens the database and migrates the schema.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - handler: Handler for the gorm logger. If nil, warnings and errors
//     are logged to stdout.
//   - slowThreshold: Queries taking longer than this are logged as warnings.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(defaultLogWriter, slog.LevelWarn, false)
	}
	logger := slog.New(handler)
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", redactDSN(databaseType, database),
	)

	gormLogger := newGORMLogger(handler, slowThreshold)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureDB sets connection pool limits and pragmas for SQLite
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(&QuestionLog{}); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// closeDB closes the underlying connection pool
func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// redactDSN masks the password in a postgres connection string, in
// either URL or keyword/value form, so it can be logged.
func redactDSN(databaseType string, dsn string) string {
	if databaseType != dbTypePostgres {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "[redacted]"
		}
		if q := u.Query(); q.Has("password") {
			q.Set("password", "[redacted]")
			u.RawQuery = q.Encode()
		}
		return u.Redacted()
	}
	return dsnPasswordPattern.ReplaceAllString(dsn, "${1}[redacted]")
}
