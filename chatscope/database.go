package chatscope

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeMongo    = "mongo"
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnLatestConversationKey = "latest_conversation_key"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond timestamps for
// creation and update
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ContextSnippetRecord is the SQL representation of a ContextSnippet
type ContextSnippetRecord struct {
	ModelStringID
	Context         string `gorm:"not null" json:"context"`
	AddedByID       string `json:"added_by_id"`
	AddedByUsername string `json:"added_by_username"`
	AddedAt         int64  `gorm:"not null;index" json:"added_at"`
}

func (ContextSnippetRecord) TableName() string {
	return "context_scope"
}

// BeforeCreate assigns a new version 7 UUID if one isn't set. V7
// UUIDs sort in creation order, which ListContextSnippets relies on.
func (c *ContextSnippetRecord) BeforeCreate(_ *gorm.DB) error {
	if c.ID != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("error generating context id: %w", err)
	}
	c.ID = id.String()
	return nil
}

func (c ContextSnippetRecord) snippet() ContextSnippet {
	return ContextSnippet{
		ID:   c.ID,
		Text: c.Context,
		AddedBy: Author{
			ID:       c.AddedByID,
			Username: c.AddedByUsername,
		},
		AddedAt: time.UnixMilli(c.AddedAt).UTC(),
	}
}

// ConversationRecord is the SQL representation of a Conversation.
// Messages are stored in conversation_messages, ordered by ID.
type ConversationRecord struct {
	ModelUintID
	ModelUnixTime
	LatestConversationKey string                      `gorm:"not null;uniqueIndex" json:"latest_conversation_key"`
	Messages              []ConversationMessageRecord `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages"`
}

func (ConversationRecord) TableName() string {
	return "conversations"
}

func (c ConversationRecord) conversation() Conversation {
	conv := Conversation{
		Key:       c.LatestConversationKey,
		Messages:  make([]ChatMessage, 0, len(c.Messages)),
		CreatedAt: time.UnixMilli(c.CreatedAt).UTC(),
	}
	for _, m := range c.Messages {
		conv.Messages = append(
			conv.Messages,
			ChatMessage{Role: m.Role, Content: m.Content},
		)
	}
	return conv
}

type ConversationMessageRecord struct {
	ModelUintID
	ConversationID uint   `gorm:"not null;index" json:"conversation_id"`
	Role           string `gorm:"not null" json:"role"`
	Content        string `gorm:"not null" json:"content"`
	CreatedAt      int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (ConversationMessageRecord) TableName() string {
	return "conversation_messages"
}

// gormStore implements Database on top of SQLite or PostgreSQL.
// When concurrent writes are disabled (SQLite), writes are serialized
// with mu.
type gormStore struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewGORMStore wraps an existing connection, as returned by CreateDB
func NewGORMStore(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) Database {
	if log == nil {
		log = slog.Default()
	}
	return &gormStore{
		db:                     db,
		logger:                 log.With(loggerNameKey, "gorm_store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *gormStore) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *gormStore) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *gormStore) Migrate(ctx context.Context) error {
	d.Lock()
	defer d.Unlock()
	return migrate(ctx, d.db)
}

func (d *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *gormStore) Close(_ context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *gormStore) ListContextSnippets(ctx context.Context) (
	[]ContextSnippet,
	error,
) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var records []ContextSnippetRecord
	if err := d.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	snippets := make([]ContextSnippet, 0, len(records))
	for _, r := range records {
		snippets = append(snippets, r.snippet())
	}
	return snippets, nil
}

func (d *gormStore) InsertContextSnippet(
	ctx context.Context,
	snippet ContextSnippet,
) (ContextSnippet, error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := dbContext(ctx)
	defer cancel()

	if snippet.AddedAt.IsZero() {
		snippet.AddedAt = time.Now().UTC()
	}
	record := ContextSnippetRecord{
		Context:         snippet.Text,
		AddedByID:       snippet.AddedBy.ID,
		AddedByUsername: snippet.AddedBy.Username,
		AddedAt:         snippet.AddedAt.UnixMilli(),
	}
	if err := d.db.WithContext(ctx).Create(&record).Error; err != nil {
		return snippet, err
	}
	return record.snippet(), nil
}

func (d *gormStore) DeleteContextSnippet(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return &ValidationError{Err: ErrInvalidContextID, Value: id}
	}

	d.Lock()
	defer d.Unlock()
	ctx, cancel := dbContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(
		&ContextSnippetRecord{},
		"id = ?",
		parsed.String(),
	)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		d.logger.DebugContext(ctx, "no context snippet deleted", "id", id)
	}
	return nil
}

func (d *gormStore) findConversation(
	ctx context.Context,
	db *gorm.DB,
	key string,
) (Conversation, bool, error) {
	var record ConversationRecord
	err := db.WithContext(ctx).Preload(
		"Messages",
		func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id")
		},
	).Where(columnLatestConversationKey+" = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}
	return record.conversation(), true, nil
}

func (d *gormStore) FindConversation(ctx context.Context, key string) (
	Conversation,
	bool,
	error,
) {
	ctx, cancel := dbContext(ctx)
	defer cancel()
	return d.findConversation(ctx, d.db, key)
}

func (d *gormStore) CreateConversation(
	ctx context.Context,
	conv Conversation,
) error {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := dbContext(ctx)
	defer cancel()

	record := ConversationRecord{
		LatestConversationKey: conv.Key,
		Messages:              make([]ConversationMessageRecord, 0, len(conv.Messages)),
	}
	if !conv.CreatedAt.IsZero() {
		record.CreatedAt = conv.CreatedAt.UnixMilli()
	}
	for _, m := range conv.Messages {
		record.Messages = append(
			record.Messages,
			ConversationMessageRecord{Role: m.Role, Content: m.Content},
		)
	}
	err := d.db.WithContext(ctx).Create(&record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, conv.Key)
	}
	return err
}

func (d *gormStore) AppendUserMessage(
	ctx context.Context,
	key string,
	msg ChatMessage,
) (conv Conversation, found bool, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := dbContext(ctx)
	defer cancel()

	err = d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var record ConversationRecord
			rv := tx.Select("id").Where(
				columnLatestConversationKey+" = ?",
				key,
			).Limit(1).Find(&record)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}
			if err := tx.Create(
				&ConversationMessageRecord{
					ConversationID: record.ID,
					Role:           msg.Role,
					Content:        msg.Content,
				},
			).Error; err != nil {
				return err
			}
			if err := tx.Model(&record).Update(
				"updated_at",
				time.Now().UnixMilli(),
			).Error; err != nil {
				return err
			}
			conv, found, err = d.findConversation(ctx, tx, key)
			return err
		},
	)
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, found, nil
}

func (d *gormStore) AppendAndRekey(
	ctx context.Context,
	oldKey string,
	newKey string,
	msg ChatMessage,
) (applied bool, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := dbContext(ctx)
	defer cancel()

	err = d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			rv := tx.Model(&ConversationRecord{}).Where(
				columnLatestConversationKey+" = ?",
				oldKey,
			).Updates(
				map[string]any{
					columnLatestConversationKey: newKey,
					"updated_at":                time.Now().UnixMilli(),
				},
			)
			if rv.Error != nil {
				if errors.Is(rv.Error, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("%w: %s", ErrDuplicateKey, newKey)
				}
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}

			var record ConversationRecord
			if err := tx.Select("id").Where(
				columnLatestConversationKey+" = ?",
				newKey,
			).Take(&record).Error; err != nil {
				return err
			}
			if err := tx.Create(
				&ConversationMessageRecord{
					ConversationID: record.ID,
					Role:           msg.Role,
					Content:        msg.Content,
				},
			).Error; err != nil {
				return err
			}
			applied = true
			return nil
		},
	)
	if err != nil {
		return false, err
	}
	return applied, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&ContextSnippetRecord{},
				&ConversationRecord{},
				&ConversationMessageRecord{},
			)
		},
	)
}

// CreateDB opens the SQL database and migrates the schema.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if _, err = sqlDB.Exec(pragma); err != nil {
				return nil, fmt.Errorf("error setting %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// openDatabase opens the store selected by config.DatabaseType
func openDatabase(
	ctx context.Context,
	config *Config,
	handler slog.Handler,
) (Database, error) {
	logger := slog.New(handler).With(loggerNameKey, "database")
	switch config.DatabaseType {
	case dbTypeMongo:
		store, err := newMongoStore(
			ctx,
			config.Database,
			config.DatabaseName,
			handler,
			config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, err
		}
		if err = store.Migrate(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("error creating indexes: %w", err)
		}
		return store, nil
	case dbTypeSQLite, dbTypePostgres:
		db, err := getDB(
			config.DatabaseType,
			config.Database,
			newGORMLogger(handler, config.DatabaseSlowThreshold),
		)
		if err != nil {
			return nil, err
		}
		if err = migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("error migrating database: %w", err)
		}
		return NewGORMStore(
			db,
			logger,
			config.DatabaseType != dbTypeSQLite,
		), nil
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q, %q or %q)",
			config.DatabaseType, dbTypeMongo, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// InitDatabase opens the configured database, creates its
// tables/collections and indexes, then closes it
func InitDatabase(ctx context.Context, config *Config, handler slog.Handler) error {
	if handler == nil {
		handler = tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: config.DatabaseLogLevel, AddSource: true},
		)
	}
	db, err := openDatabase(ctx, config, handler)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	migrateErr := db.Migrate(ctx)
	closeErr := db.Close(ctx)
	if migrateErr != nil {
		return fmt.Errorf("error migrating database: %w", migrateErr)
	}
	return closeErr
}
