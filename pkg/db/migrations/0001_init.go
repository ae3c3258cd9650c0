package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type UpdateRecord struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Kind                string         `gorm:"type:text;not null;index"`
	RiskLevel           string         `gorm:"type:text;not null"`
	CreatedBy           string         `gorm:"type:text;not null"`
	Status              string         `gorm:"type:text;not null;index"`
	Descriptor          datatypes.JSON `gorm:"type:jsonb;not null"`
	Governance          datatypes.JSON `gorm:"type:jsonb"`
	Signature           datatypes.JSON `gorm:"type:jsonb"`
	Validation          datatypes.JSON `gorm:"type:jsonb"`
	Package             datatypes.JSON `gorm:"type:jsonb"`
	DistributionEventID string         `gorm:"type:text"`
	AuditSequences      datatypes.JSON `gorm:"type:jsonb"`
	StatusHistory       datatypes.JSON `gorm:"type:jsonb;not null"`
	RollbackOf          *uuid.UUID     `gorm:"type:uuid;index"`
	RejectionReason     string         `gorm:"type:text"`
	PendingApprovalRef  string         `gorm:"type:text"`
	RetryCount          int            `gorm:"type:integer;not null;default:0"`
	CreatedAt           time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
	UpdatedAt           time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

func (UpdateRecord) TableName() string { return "update_records" }

type AuditEvent struct {
	Seq       int64             `gorm:"type:bigserial;primaryKey"`
	EventType string            `gorm:"type:text;not null;uniqueIndex:idx_audit_update_event,priority:2"`
	UpdateID  uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_audit_update_event,priority:1"`
	Fields    datatypes.JSONMap `gorm:"type:jsonb"`
	PrevHash  string            `gorm:"type:text;not null"`
	Hash      string            `gorm:"type:text;not null"`
	At        time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AuditEvent) TableName() string { return "audit_events" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&UpdateRecord{},
		&AuditEvent{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AuditEvent{},
		&UpdateRecord{},
	)
}
