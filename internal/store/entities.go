package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPutAttachment     = "store.put_attachment"
	opGetAttachment     = "store.get_attachment"
	opListAttachments   = "store.list_attachments"
	opDeleteAttachment  = "store.delete_attachment"
	opPurgeAttachment   = "store.purge_attachment"
	opRekeyAttachment   = "store.rekey_attachment"
	opPutRecording      = "store.put_recording"
	opGetRecording      = "store.get_recording"
	opListRecordings    = "store.list_recordings"
	opDeleteRecording   = "store.delete_recording"
	opPutSetting        = "store.put_setting"
	opGetSetting        = "store.get_setting"
	opListSettings      = "store.list_settings"
	opDeleteSetting     = "store.delete_setting"
	reasonEncodeFailed  = "encode_failed"
	reasonDecodeFailed  = "decode_failed"
	fieldAttachmentID   = "attachment_id"
	fieldRecordingID    = "recording_id"
	queryAttachmentID   = fieldAttachmentID + " = ?"
	queryRecordingID    = fieldRecordingID + " = ?"
	querySettingByOwner = "owner_id = ? AND setting_key = ?"
)

// PutAttachment inserts or replaces attachment by id.
func (s *Store) PutAttachment(ctx context.Context, attachment *Attachment) error {
	if s.db == nil {
		return failure.Storage(opPutAttachment, reasonMissingDatabase, errMissingDatabase)
	}
	attachment.SizeBytes = int64(len(attachment.Data))
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(attachment).Error; err != nil {
		s.logError(opPutAttachment, reasonSaveFailed, err, zap.String(fieldAttachmentID, attachment.AttachmentID))
		return failure.Storage(opPutAttachment, reasonSaveFailed, err)
	}
	return nil
}

// GetAttachment loads an attachment by id.
func (s *Store) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	if s.db == nil {
		return Attachment{}, failure.Storage(opGetAttachment, reasonMissingDatabase, errMissingDatabase)
	}
	var attachment Attachment
	err := s.db.WithContext(ctx).Where(queryAttachmentID, attachmentID).Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Attachment{}, fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
	}
	if err != nil {
		s.logError(opGetAttachment, reasonQueryFailed, err, zap.String(fieldAttachmentID, attachmentID))
		return Attachment{}, failure.Storage(opGetAttachment, reasonQueryFailed, err)
	}
	return attachment, nil
}

// ListAttachments returns the live attachments of a note, oldest first.
func (s *Store) ListAttachments(ctx context.Context, noteID string) ([]Attachment, error) {
	if s.db == nil {
		return nil, failure.Storage(opListAttachments, reasonMissingDatabase, errMissingDatabase)
	}
	var attachments []Attachment
	err := s.db.WithContext(ctx).
		Where("note_id = ? AND is_deleted = ?", noteID, false).
		Order("created_at_ms ASC").Order("attachment_id ASC").
		Find(&attachments).Error
	if err != nil {
		s.logError(opListAttachments, reasonQueryFailed, err, zap.String(fieldNoteID, noteID))
		return nil, failure.Storage(opListAttachments, reasonQueryFailed, err)
	}
	return attachments, nil
}

// SoftDeleteAttachment flags an attachment as deleted.
func (s *Store) SoftDeleteAttachment(ctx context.Context, attachmentID string, status SyncStatus) error {
	if s.db == nil {
		return failure.Storage(opDeleteAttachment, reasonMissingDatabase, errMissingDatabase)
	}
	result := s.db.WithContext(ctx).Model(&Attachment{}).Where(queryAttachmentID, attachmentID).Updates(map[string]any{
		"is_deleted":  true,
		"sync_status": status,
	})
	if result.Error != nil {
		s.logError(opDeleteAttachment, reasonSaveFailed, result.Error, zap.String(fieldAttachmentID, attachmentID))
		return failure.Storage(opDeleteAttachment, reasonSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: attachment %s", ErrNotFound, attachmentID)
	}
	return nil
}

// PurgeAttachment physically removes an attachment.
func (s *Store) PurgeAttachment(ctx context.Context, attachmentID string) error {
	if s.db == nil {
		return failure.Storage(opPurgeAttachment, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Where(queryAttachmentID, attachmentID).Delete(&Attachment{}).Error; err != nil {
		s.logError(opPurgeAttachment, reasonDeleteFailed, err, zap.String(fieldAttachmentID, attachmentID))
		return failure.Storage(opPurgeAttachment, reasonDeleteFailed, err)
	}
	return nil
}

// RekeyAttachment moves an attachment from oldID to newID.
func (s *Store) RekeyAttachment(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if s.db == nil {
		return failure.Storage(opRekeyAttachment, reasonMissingDatabase, errMissingDatabase)
	}
	err := s.db.WithContext(ctx).Model(&Attachment{}).Where(queryAttachmentID, oldID).Update(fieldAttachmentID, newID).Error
	if err != nil {
		s.logError(opRekeyAttachment, reasonSaveFailed, err, zap.String(fieldAttachmentID, oldID))
		return failure.Storage(opRekeyAttachment, reasonSaveFailed, err)
	}
	return nil
}

// PutRecording inserts or replaces a voice recording.
func (s *Store) PutRecording(ctx context.Context, recording *VoiceRecording) error {
	if s.db == nil {
		return failure.Storage(opPutRecording, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(recording).Error; err != nil {
		s.logError(opPutRecording, reasonSaveFailed, err, zap.String(fieldRecordingID, recording.RecordingID))
		return failure.Storage(opPutRecording, reasonSaveFailed, err)
	}
	return nil
}

// GetRecording loads a voice recording by id.
func (s *Store) GetRecording(ctx context.Context, recordingID string) (VoiceRecording, error) {
	if s.db == nil {
		return VoiceRecording{}, failure.Storage(opGetRecording, reasonMissingDatabase, errMissingDatabase)
	}
	var recording VoiceRecording
	err := s.db.WithContext(ctx).Where(queryRecordingID, recordingID).Take(&recording).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VoiceRecording{}, fmt.Errorf("%w: recording %s", ErrNotFound, recordingID)
	}
	if err != nil {
		s.logError(opGetRecording, reasonQueryFailed, err, zap.String(fieldRecordingID, recordingID))
		return VoiceRecording{}, failure.Storage(opGetRecording, reasonQueryFailed, err)
	}
	return recording, nil
}

// ListRecordings returns an owner's recordings, newest first. An empty noteID lists all of them.
func (s *Store) ListRecordings(ctx context.Context, ownerID, noteID string) ([]VoiceRecording, error) {
	if s.db == nil {
		return nil, failure.Storage(opListRecordings, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Where(queryOwnerID, ownerID)
	if noteID != "" {
		query = query.Where(queryNoteID, noteID)
	}
	var recordings []VoiceRecording
	if err := query.Order("created_at_ms DESC").Order("recording_id ASC").Find(&recordings).Error; err != nil {
		s.logError(opListRecordings, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, failure.Storage(opListRecordings, reasonQueryFailed, err)
	}
	return recordings, nil
}

// DeleteRecording removes a recording. Recordings never leave the device, so there is no soft delete.
func (s *Store) DeleteRecording(ctx context.Context, recordingID string) error {
	if s.db == nil {
		return failure.Storage(opDeleteRecording, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Where(queryRecordingID, recordingID).Delete(&VoiceRecording{}).Error; err != nil {
		s.logError(opDeleteRecording, reasonDeleteFailed, err, zap.String(fieldRecordingID, recordingID))
		return failure.Storage(opDeleteRecording, reasonDeleteFailed, err)
	}
	return nil
}

// PutSetting stores value as JSON under key for the owner.
func (s *Store) PutSetting(ctx context.Context, ownerID, key string, value any, updatedAtMillis int64) error {
	if s.db == nil {
		return failure.Storage(opPutSetting, reasonMissingDatabase, errMissingDatabase)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return failure.Validation(opPutSetting, reasonEncodeFailed, err)
	}
	setting := Setting{Key: key, OwnerID: ownerID, ValueJSON: string(encoded), UpdatedAtMillis: updatedAtMillis}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&setting).Error; err != nil {
		s.logError(opPutSetting, reasonSaveFailed, err, zap.String("setting_key", key))
		return failure.Storage(opPutSetting, reasonSaveFailed, err)
	}
	return nil
}

// GetSetting decodes the stored value for key into out.
func (s *Store) GetSetting(ctx context.Context, ownerID, key string, out any) error {
	if s.db == nil {
		return failure.Storage(opGetSetting, reasonMissingDatabase, errMissingDatabase)
	}
	var setting Setting
	err := s.db.WithContext(ctx).Where(querySettingByOwner, ownerID, key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: setting %s", ErrNotFound, key)
	}
	if err != nil {
		s.logError(opGetSetting, reasonQueryFailed, err, zap.String("setting_key", key))
		return failure.Storage(opGetSetting, reasonQueryFailed, err)
	}
	if err := json.Unmarshal([]byte(setting.ValueJSON), out); err != nil {
		return failure.Storage(opGetSetting, reasonDecodeFailed, err)
	}
	return nil
}

// ListSettings returns every setting of the owner ordered by key.
func (s *Store) ListSettings(ctx context.Context, ownerID string) ([]Setting, error) {
	if s.db == nil {
		return nil, failure.Storage(opListSettings, reasonMissingDatabase, errMissingDatabase)
	}
	var settings []Setting
	if err := s.db.WithContext(ctx).Where(queryOwnerID, ownerID).Order("setting_key ASC").Find(&settings).Error; err != nil {
		s.logError(opListSettings, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, failure.Storage(opListSettings, reasonQueryFailed, err)
	}
	return settings, nil
}

// DeleteSetting removes a setting. Missing keys are not an error.
func (s *Store) DeleteSetting(ctx context.Context, ownerID, key string) error {
	if s.db == nil {
		return failure.Storage(opDeleteSetting, reasonMissingDatabase, errMissingDatabase)
	}
	if err := s.db.WithContext(ctx).Where(querySettingByOwner, ownerID, key).Delete(&Setting{}).Error; err != nil {
		s.logError(opDeleteSetting, reasonDeleteFailed, err, zap.String("setting_key", key))
		return failure.Storage(opDeleteSetting, reasonDeleteFailed, err)
	}
	return nil
}
