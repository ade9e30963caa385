package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"knowledge-agent/internal/domain"
)

// queryLogRow is the persisted shape of domain.QueryLog.
type queryLogRow struct {
	ID                  string    `gorm:"primaryKey;size:36"`
	SessionID           string    `gorm:"size:64;index"`
	UserID              string    `gorm:"size:128;index"`
	ClientIP            string    `gorm:"size:64"`
	Question            string    `gorm:"type:text"`
	ResolvedQuestion    string    `gorm:"type:text"`
	Answer              string    `gorm:"type:text"`
	HasAnswer           bool      `gorm:"not null;default:false"`
	Confidence          string    `gorm:"size:16"`
	Sources             []string  `gorm:"serializer:json"`
	PassagesRetrieved   int       `gorm:"not null;default:0"`
	ResponseTimeSeconds float64   `gorm:"not null;default:0"`
	Model               string    `gorm:"size:64"`
	PromptVersion       string    `gorm:"size:64"`
	TopK                int       `gorm:"not null;default:0"`
	Threshold           float64   `gorm:"not null;default:0"`
	Category            string    `gorm:"size:64"`
	Temperature         float64   `gorm:"not null;default:0"`
	MaxTokens           int       `gorm:"not null;default:0"`
	Stage               string    `gorm:"size:32"`
	ErrorType           string    `gorm:"size:64"`
	ErrorMessage        string    `gorm:"type:text"`
	CreatedAt           time.Time `gorm:"index"`
}

func (queryLogRow) TableName() string { return "query_logs" }

func toRow(rec domain.QueryLog) queryLogRow {
	return queryLogRow{
		ID:                  rec.ID,
		SessionID:           rec.SessionID,
		UserID:              rec.UserID,
		ClientIP:            rec.ClientIP,
		Question:            rec.Question,
		ResolvedQuestion:    rec.ResolvedQuestion,
		Answer:              rec.Answer,
		HasAnswer:           rec.HasAnswer,
		Confidence:          string(rec.Confidence),
		Sources:             rec.Sources,
		PassagesRetrieved:   rec.PassagesRetrieved,
		ResponseTimeSeconds: rec.ResponseTimeSeconds,
		Model:               rec.Model,
		PromptVersion:       rec.PromptVersion,
		TopK:                rec.TopK,
		Threshold:           rec.Threshold,
		Category:            rec.Category,
		Temperature:         rec.Temperature,
		MaxTokens:           rec.MaxTokens,
		Stage:               rec.Stage,
		ErrorType:           rec.ErrorType,
		ErrorMessage:        rec.ErrorMessage,
		CreatedAt:           rec.CreatedAt.UTC(),
	}
}

func fromRow(row queryLogRow) domain.QueryLog {
	return domain.QueryLog{
		ID:                  row.ID,
		SessionID:           row.SessionID,
		UserID:              row.UserID,
		ClientIP:            row.ClientIP,
		Question:            row.Question,
		ResolvedQuestion:    row.ResolvedQuestion,
		Answer:              row.Answer,
		HasAnswer:           row.HasAnswer,
		Confidence:          domain.Confidence(row.Confidence),
		Sources:             row.Sources,
		PassagesRetrieved:   row.PassagesRetrieved,
		ResponseTimeSeconds: row.ResponseTimeSeconds,
		Model:               row.Model,
		PromptVersion:       row.PromptVersion,
		TopK:                row.TopK,
		Threshold:           row.Threshold,
		Category:            row.Category,
		Temperature:         row.Temperature,
		MaxTokens:           row.MaxTokens,
		Stage:               row.Stage,
		ErrorType:           row.ErrorType,
		ErrorMessage:        row.ErrorMessage,
		CreatedAt:           row.CreatedAt,
	}
}

// Recorder writes query logs to a relational table.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("audit: db must not be nil")
	}
	return &Recorder{db: db}, nil
}

// Open connects to dsn and migrates the query_logs table. DSNs starting with
// postgres:// or postgresql:// use Postgres, anything else is treated as a
// SQLite file path.
func Open(dsn string) (*Recorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("audit: dsn is required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	r, err := NewRecorder(db)
	if err != nil {
		return nil, err
	}
	if err := r.Migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Migrate() error {
	if err := r.db.AutoMigrate(&queryLogRow{}); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts rec. Records without an ID are rejected.
func (r *Recorder) Record(ctx context.Context, rec domain.QueryLog) error {
	if rec.ID == "" {
		return errors.New("audit: record id is required")
	}
	row := toRow(rec)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records for sessionID, newest first.
func (r *Recorder) Recent(ctx context.Context, sessionID string, limit int) ([]domain.QueryLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []queryLogRow
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: query session %s: %w", sessionID, err)
	}
	out := make([]domain.QueryLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
