// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage is the subset of object storage operations the delivery
// path needs. The other implementation is fakeStorage in the tests.
type Storage interface {
	PutFile(ctx context.Context, bucket, remotepath, localpath, contentType string) error
	PresignedGet(ctx context.Context, bucket, remotepath, filename string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, bucket, remotepath string) error
}

type remoteStorage struct {
	client *minio.Client
}

func (s *remoteStorage) PutFile(ctx context.Context, bucket, remotepath, localpath, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.FPutObject(ctx, bucket, remotepath, localpath, opts)
	return err
}

func (s *remoteStorage) PresignedGet(ctx context.Context, bucket, remotepath, filename string, expiry time.Duration) (string, error) {
	params := make(url.Values)
	params.Set("response-content-disposition", "attachment; filename=\""+filename+"\"")
	u, err := s.client.PresignedGetObject(ctx, bucket, remotepath, expiry, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *remoteStorage) Remove(ctx context.Context, bucket, remotepath string) error {
	return s.client.RemoveObject(ctx, bucket, remotepath, minio.RemoveObjectOptions{})
}

// NewStorage sets up a client for S3-compatible object storage from a
// JSON key file with Endpoint, Key and Secret.
func NewStorage(keypath string) (Storage, error) {
	data, err := os.ReadFile(keypath)
	if err != nil {
		return nil, err
	}

	var config struct{ Endpoint, Key, Secret string }
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Key, config.Secret, ""),
		Secure: true,
	})
	if err != nil {
		return nil, err
	}

	client.SetAppInfo("TileServer", "0.1")
	return &remoteStorage{client: client}, nil
}

// Uploader parks finished downloads in object storage and hands out
// presigned URLs, for clients that prefer a link over a streamed
// response body. Uploaded objects are deleted again after deleteAfter
// so the bucket never accumulates stale tiles.
type Uploader struct {
	storage     Storage
	bucket      string
	urlExpiry   time.Duration
	deleteAfter time.Duration
}

func NewUploader(storage Storage, bucket string, urlExpiry time.Duration) *Uploader {
	return &Uploader{
		storage:     storage,
		bucket:      bucket,
		urlExpiry:   urlExpiry,
		deleteAfter: urlExpiry + 5*time.Minute,
	}
}

// Upload stores the local file under a unique object key and returns
// a presigned download URL. Deletion is scheduled, not awaited;
// failures there are logged and otherwise ignored because an orphaned
// object only costs a few cents until the bucket lifecycle reaps it.
func (u *Uploader) Upload(ctx context.Context, localpath, filename, contentType string) (string, error) {
	key := path.Join("downloads", time.Now().UTC().Format("20060102T150405")+"-"+filename)
	if err := u.storage.PutFile(ctx, u.bucket, key, localpath, contentType); err != nil {
		return "", err
	}

	url, err := u.storage.PresignedGet(ctx, u.bucket, key, filename, u.urlExpiry)
	if err != nil {
		if rmErr := u.storage.Remove(context.Background(), u.bucket, key); rmErr != nil {
			logger.Printf("failed to remove %s/%s after presign error: %v", u.bucket, key, rmErr)
		}
		return "", err
	}

	time.AfterFunc(u.deleteAfter, func() {
		if err := u.storage.Remove(context.Background(), u.bucket, key); err != nil {
			logger.Printf("failed to delete expired object %s/%s: %v", u.bucket, key, err)
		}
	})
	return url, nil
}
