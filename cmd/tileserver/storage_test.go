// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStorage records uploads in memory.
type fakeStorage struct {
	mu         sync.Mutex
	objects    map[string]string // key -> local path
	presignErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string]string)}
}

func (f *fakeStorage) PutFile(ctx context.Context, bucket, remotepath, localpath, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+remotepath] = localpath
	return nil
}

func (f *fakeStorage) PresignedGet(ctx context.Context, bucket, remotepath, filename string, expiry time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://storage.example.com/" + bucket + "/" + remotepath + "?signed", nil
}

func (f *fakeStorage) Remove(ctx context.Context, bucket, remotepath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+remotepath)
	return nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func TestUpload(t *testing.T) {
	storage := newFakeStorage()
	uploader := NewUploader(storage, "tiles", 10*time.Minute)

	url, err := uploader.Upload(context.Background(), "/tmp/f.tif", "scene_B04.tif", "image/tiff")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(url, "https://storage.example.com/tiles/downloads/") {
		t.Errorf("got url %q", url)
	}
	if !strings.Contains(url, "scene_B04.tif") {
		t.Errorf("object key should contain the filename: %q", url)
	}
	if storage.count() != 1 {
		t.Errorf("got %d stored objects, want 1", storage.count())
	}
}

func TestUploadCleansUpOnPresignFailure(t *testing.T) {
	storage := newFakeStorage()
	storage.presignErr = errors.New("presign broken")
	uploader := NewUploader(storage, "tiles", 10*time.Minute)

	if _, err := uploader.Upload(context.Background(), "/tmp/f.tif", "f.tif", "image/tiff"); err == nil {
		t.Fatal("expected error")
	}
	if storage.count() != 0 {
		t.Errorf("object should have been removed, %d remain", storage.count())
	}
}
