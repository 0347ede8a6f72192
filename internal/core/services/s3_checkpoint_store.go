package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/theblitlabs/parity-fl/internal/core/config"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

// S3API is the subset of the S3 client the checkpoint store needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3CheckpointStore struct {
	client     S3API
	bucketName string
	key        string
}

func NewS3CheckpointStore(cfg *config.Config) (*S3CheckpointStore, error) {
	if cfg.AWS.AccessKeyID == "" || cfg.AWS.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing required AWS credentials")
	}

	if cfg.AWS.Region == "" {
		return nil, fmt.Errorf("AWS region must be specified")
	}

	if cfg.AWS.BucketName == "" {
		return nil, fmt.Errorf("AWS bucket name must be specified")
	}

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AWS.AccessKeyID,
		cfg.AWS.SecretAccessKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWS.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return NewS3CheckpointStoreWithClient(s3.NewFromConfig(awsCfg), cfg.AWS.BucketName, cfg.AWS.CheckpointKey), nil
}

func NewS3CheckpointStoreWithClient(client S3API, bucketName, key string) *S3CheckpointStore {
	if key == "" {
		key = "checkpoints/global_model.json"
	}
	return &S3CheckpointStore{
		client:     client,
		bucketName: bucketName,
		key:        key,
	}
}

func (s *S3CheckpointStore) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	log := logger.WithComponent("s3_checkpoint_store")

	sealCheckpoint(checkpoint)
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		log.Error().Err(err).
			Str("bucket", s.bucketName).
			Str("key", s.key).
			Msg("Failed to upload checkpoint to S3")
		return fmt.Errorf("failed to upload checkpoint: %w", err)
	}

	log.Debug().
		Str("bucket", s.bucketName).
		Str("key", s.key).
		Int("round", checkpoint.Model.Round).
		Msg("Uploaded checkpoint to S3")

	return nil
}

func (s *S3CheckpointStore) Load(ctx context.Context) (*models.Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, models.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to download checkpoint: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var checkpoint models.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := verifyCheckpoint(&checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
