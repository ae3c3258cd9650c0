package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"updatehub/services/update"
)

type recordModel struct {
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

func (recordModel) TableName() string { return "update_records" }

func toModel(rec *update.Record) (*recordModel, error) {
	descriptor, err := json.Marshal(rec.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	history, err := json.Marshal(rec.StatusHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal status history: %w", err)
	}

	m := &recordModel{
		ID:                  rec.ID,
		Kind:                string(rec.Descriptor.Kind),
		RiskLevel:           string(rec.Descriptor.RiskLevel),
		CreatedBy:           rec.Descriptor.CreatedBy,
		Status:              string(rec.Status),
		Descriptor:          descriptor,
		DistributionEventID: rec.DistributionEventID,
		StatusHistory:       history,
		RollbackOf:          rec.RollbackOf,
		RejectionReason:     rec.RejectionReason,
		PendingApprovalRef:  rec.PendingApprovalRef,
		RetryCount:          rec.RetryCount,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}

	if rec.Governance != nil {
		if m.Governance, err = json.Marshal(rec.Governance); err != nil {
			return nil, fmt.Errorf("marshal governance decision: %w", err)
		}
	}
	if rec.Signature != nil {
		if m.Signature, err = json.Marshal(rec.Signature); err != nil {
			return nil, fmt.Errorf("marshal signature: %w", err)
		}
	}
	if rec.Validation != nil {
		if m.Validation, err = json.Marshal(rec.Validation); err != nil {
			return nil, fmt.Errorf("marshal validation result: %w", err)
		}
	}
	if rec.Package != nil {
		if m.Package, err = json.Marshal(rec.Package); err != nil {
			return nil, fmt.Errorf("marshal package: %w", err)
		}
	}
	if len(rec.AuditSequences) > 0 {
		if m.AuditSequences, err = json.Marshal(rec.AuditSequences); err != nil {
			return nil, fmt.Errorf("marshal audit sequences: %w", err)
		}
	}
	return m, nil
}

func (m *recordModel) toRecord() (*update.Record, error) {
	rec := &update.Record{
		ID:                  m.ID,
		Status:              update.Status(m.Status),
		DistributionEventID: m.DistributionEventID,
		RollbackOf:          m.RollbackOf,
		RejectionReason:     m.RejectionReason,
		PendingApprovalRef:  m.PendingApprovalRef,
		RetryCount:          m.RetryCount,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}

	if err := json.Unmarshal(m.Descriptor, &rec.Descriptor); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	if err := json.Unmarshal(m.StatusHistory, &rec.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if len(m.Governance) > 0 {
		rec.Governance = &update.GovernanceDecision{}
		if err := json.Unmarshal(m.Governance, rec.Governance); err != nil {
			return nil, fmt.Errorf("unmarshal governance decision: %w", err)
		}
	}
	if len(m.Signature) > 0 {
		rec.Signature = &update.Signature{}
		if err := json.Unmarshal(m.Signature, rec.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature: %w", err)
		}
	}
	if len(m.Validation) > 0 {
		rec.Validation = &update.ValidationResult{}
		if err := json.Unmarshal(m.Validation, rec.Validation); err != nil {
			return nil, fmt.Errorf("unmarshal validation result: %w", err)
		}
	}
	if len(m.Package) > 0 {
		rec.Package = &update.Package{}
		if err := json.Unmarshal(m.Package, rec.Package); err != nil {
			return nil, fmt.Errorf("unmarshal package: %w", err)
		}
	}
	if len(m.AuditSequences) > 0 {
		if err := json.Unmarshal(m.AuditSequences, &rec.AuditSequences); err != nil {
			return nil, fmt.Errorf("unmarshal audit sequences: %w", err)
		}
	}
	return rec, nil
}
