// Package archive stores captured utterances as WAV objects for later review.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/audio"
)

var ErrNotConfigured = errors.New("archive: supabase url, key and bucket required")

// Store persists one object.
type Store interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// SupabaseStore writes objects to a Supabase Storage bucket.
type SupabaseStore struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseStore(url, key, bucket string) (*SupabaseStore, error) {
	if url == "" || key == "" || bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: create supabase client: %w", err)
	}
	return &SupabaseStore{client: client, bucket: bucket}, nil
}

func (s *SupabaseStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

// Archive names and encodes captures before handing them to a Store.
type Archive struct {
	store  Store
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

func New(store Store, logger zerolog.Logger) *Archive {
	return &Archive{
		store:  store,
		prefix: "captures/",
		now:    time.Now,
		log:    logger.With().Str("component", "archive").Logger(),
	}
}

// SaveCapture uploads pcm as <prefix><yyyy-mm-dd>/<id>.wav and returns the key.
func (a *Archive) SaveCapture(ctx context.Context, id string, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	key := fmt.Sprintf("%s%s/%s.wav", a.prefix, a.now().UTC().Format("2006-01-02"), id)
	start := a.now()
	if err := a.store.Upload(ctx, key, "audio/wav", audio.EncodeWAV(pcm, sampleRate)); err != nil {
		return "", err
	}
	a.log.Debug().Str("key", key).Int("bytes", len(pcm)).Dur("took", a.now().Sub(start)).Msg("capture archived")
	return key, nil
}
