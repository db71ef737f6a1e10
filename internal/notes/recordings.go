package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
)

const (
	opAddRecording     = "notes.add_recording"
	opGetRecording     = "notes.get_recording"
	opListRecordings   = "notes.list_recordings"
	opSearchRecordings = "notes.search_recordings"
	opDeleteRecording  = "notes.delete_recording"
)

var errRecordingNotFound = errors.New("recording not found")

// AddRecording stores a voice memo on this device. Recordings are never queued.
func (s *Service) AddRecording(ctx context.Context, draft RecordingDraft) (store.VoiceRecording, error) {
	if err := s.validateInput(opAddRecording, draft); err != nil {
		return store.VoiceRecording{}, err
	}
	noteID := ""
	if draft.NoteID != "" {
		note, err := s.liveNote(ctx, opAddRecording, draft.NoteID)
		if err != nil {
			return store.VoiceRecording{}, err
		}
		noteID = note.NoteID
	}
	recordingID, err := s.newLocalID(opAddRecording)
	if err != nil {
		return store.VoiceRecording{}, err
	}
	recording := store.VoiceRecording{
		RecordingID:     recordingID,
		NoteID:          noteID,
		OwnerID:         s.ownerID,
		DurationMillis:  draft.DurationMillis,
		Transcript:      draft.Transcript,
		Audio:           draft.Audio,
		CreatedAtMillis: store.ToMillis(s.now()),
	}
	if err := s.store.PutRecording(ctx, &recording); err != nil {
		s.logError(opAddRecording, "persist_failed", err, zap.String("recording_id", recordingID))
		return store.VoiceRecording{}, err
	}
	return recording, nil
}

// GetRecording returns one of the owner's recordings including its audio.
func (s *Service) GetRecording(ctx context.Context, recordingID string) (store.VoiceRecording, error) {
	return s.ownedRecording(ctx, opGetRecording, recordingID)
}

// ListRecordings returns the owner's recordings, newest first. A non-empty noteID narrows them to one note.
func (s *Service) ListRecordings(ctx context.Context, noteID string) ([]store.VoiceRecording, error) {
	recordings, err := s.store.ListRecordings(ctx, s.ownerID, noteID)
	if err != nil {
		s.logError(opListRecordings, "query_failed", err, zap.String("note_id", noteID))
		return nil, err
	}
	return recordings, nil
}

// SearchRecordings matches query against transcripts.
func (s *Service) SearchRecordings(ctx context.Context, query string) ([]store.VoiceRecording, error) {
	recordings, err := s.store.SearchRecordings(ctx, s.ownerID, query)
	if err != nil {
		s.logError(opSearchRecordings, "query_failed", err)
		return nil, err
	}
	return recordings, nil
}

// DeleteRecording removes a recording for good.
func (s *Service) DeleteRecording(ctx context.Context, recordingID string) error {
	recording, err := s.ownedRecording(ctx, opDeleteRecording, recordingID)
	if err != nil {
		return err
	}
	return s.store.DeleteRecording(ctx, recording.RecordingID)
}

func (s *Service) ownedRecording(ctx context.Context, operation, rawID string) (store.VoiceRecording, error) {
	recordingID, err := normalizeIdentifier(rawID, ErrInvalidRecordingID)
	if err != nil {
		return store.VoiceRecording{}, failure.Validation(operation, "invalid_recording_id", err)
	}
	recording, err := s.store.GetRecording(ctx, recordingID)
	if errors.Is(err, store.ErrNotFound) {
		return store.VoiceRecording{}, failure.Validation(operation, "recording_not_found", err)
	}
	if err != nil {
		return store.VoiceRecording{}, err
	}
	if recording.OwnerID != s.ownerID {
		return store.VoiceRecording{}, failure.Validation(operation, "recording_not_found", fmt.Errorf("%w: %s", errRecordingNotFound, recordingID))
	}
	return recording, nil
}
