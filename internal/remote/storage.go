package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const firebaseDownloadTokensKey = "firebaseStorageDownloadTokens"

// FirebaseBlobs stores photos in the Firebase Storage bucket of an app.
type FirebaseBlobs struct {
	bucket     *gcs.BucketHandle
	bucketName string
}

// NewFirebaseBlobs opens the named Firebase Storage bucket of app.
func NewFirebaseBlobs(ctx context.Context, app *firebase.App, bucketName string) (*FirebaseBlobs, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("storage bucket name is required")
	}
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase storage client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("error opening storage bucket: %w", err)
	}
	return &FirebaseBlobs{bucket: bucket, bucketName: bucketName}, nil
}

// Upload writes the object and returns a download URL. The download token is
// derived from the object path so overwriting an object keeps its URL stable.
func (f *FirebaseBlobs) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	token := downloadToken(f.bucketName, path)
	writer := f.bucket.Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{firebaseDownloadTokensKey: token}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return firebaseDownloadURL(f.bucketName, path, token), nil
}

func downloadToken(bucketName, path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gs://"+bucketName+"/"+path)).String()
}

func firebaseDownloadURL(bucketName, path, token string) string {
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		bucketName, url.PathEscape(path), token)
}

// S3Config configures an S3-compatible photo bucket (AWS S3, Cloudflare R2, MinIO).
type S3Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
}

// S3Blobs stores photos in an S3-compatible bucket.
type S3Blobs struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &S3Blobs{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (b *S3Blobs) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", b.bucket, err)
	}
	return b.publicBaseURL + "/" + escapeObjectKey(path), nil
}

func escapeObjectKey(path string) string {
	segments := strings.Split(path, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
