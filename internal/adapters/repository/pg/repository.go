package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/ports"
)

var (
	ErrUserExists       = domain.ErrUserExists
	ErrUserNotFound     = domain.ErrUserNotFound
	ErrArtifactNotFound = domain.ErrArtifactNotFound
)

type Repository struct {
	db *gorm.DB
}

var (
	_ ports.UserRepository    = (*Repository)(nil)
	_ ports.HistoryRepository = (*Repository)(nil)
	_ ports.ArtifactStore     = (*Repository)(nil)
)

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return NewFromDB(db)
}

// NewFromDB migrates the schema on an already opened connection.
func NewFromDB(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&domain.User{}, &domain.HistoryEntry{}, &domain.Upload{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// User methods
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	return err
}

func (r *Repository) GetUserByName(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// History methods
func (r *Repository) AddEntry(ctx context.Context, entry *domain.HistoryEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) ListEntries(ctx context.Context, username string) ([]*domain.HistoryEntry, error) {
	var entries []*domain.HistoryEntry
	if err := r.db.WithContext(ctx).Where("username = ?", username).Order("timestamp desc").Order("id desc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) DeleteEntry(ctx context.Context, username, filename string) error {
	return r.db.WithContext(ctx).Where("username = ? AND filename = ?", username, filename).Delete(&domain.HistoryEntry{}).Error
}

func (r *Repository) DeleteAllEntries(ctx context.Context, username string) error {
	return r.db.WithContext(ctx).Where("username = ?", username).Delete(&domain.HistoryEntry{}).Error
}

// Artifact methods
func (r *Repository) Put(ctx context.Context, filename string, data []byte) error {
	upload := &domain.Upload{Filename: filename, Image: data, UploadedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "filename"}},
		DoUpdates: clause.AssignmentColumns([]string{"image", "uploaded_at"}),
	}).Create(upload).Error
}

func (r *Repository) Get(ctx context.Context, filename string) ([]byte, error) {
	var upload domain.Upload
	if err := r.db.WithContext(ctx).Where("filename = ?", filename).First(&upload).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	return upload.Image, nil
}

func (r *Repository) Delete(ctx context.Context, filename string) error {
	return r.db.WithContext(ctx).Where("filename = ?", filename).Delete(&domain.Upload{}).Error
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
