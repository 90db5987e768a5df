package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const storageTimeout = 30 * time.Second

// LocalStorage keeps topic thumbnails on local disk under UploadDir.
type LocalStorage struct {
	UploadDir string
	URLPrefix string
}

func (ls *LocalStorage) SaveFile(filename string, data []byte, contentType string) (string, error) {
	if err := os.MkdirAll(ls.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("could not create upload dir: %w", err)
	}
	fullPath := filepath.Join(ls.UploadDir, filepath.Base(filename))
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", err
	}
	return path.Join(ls.prefix(), filepath.Base(filename)), nil
}

func (ls *LocalStorage) DeleteFile(p string) error {
	fullPath := filepath.Join(ls.UploadDir, filepath.Base(p))
	err := os.Remove(fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (ls *LocalStorage) prefix() string {
	if ls.URLPrefix == "" {
		return "/uploads"
	}
	return ls.URLPrefix
}

// S3Storage keeps topic thumbnails in an S3-compatible bucket.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Storage, error) {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucket,
		PublicURL:  strings.TrimSuffix(publicURL, "/"),
	}, nil
}

func (s3 *S3Storage) SaveFile(filename string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	key := "thumbs/" + filepath.Base(filename)
	_, err := s3.Client.PutObject(ctx, s3.BucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", s3.PublicURL, key), nil
}

func (s3 *S3Storage) DeleteFile(p string) error {
	key := strings.TrimPrefix(strings.TrimPrefix(p, s3.PublicURL), "/")
	if key == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	return s3.Client.RemoveObject(ctx, s3.BucketName, key, minio.RemoveObjectOptions{})
}
