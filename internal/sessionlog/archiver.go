// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sessionlog archives a terminated session's transcript to S3.
// Archival only ever runs after a ServerClientConnection reaches its
// Terminated state, so it never touches in-flight sequence/recovery
// state: it is a side effect of termination, not a participant in it.
package sessionlog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putObjectAPI is the narrow S3 surface Archiver depends on; tests
// substitute a fake in place of a real *s3.Client.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config parameterizes an Archiver.
type Config struct {
	Bucket          string
	Prefix          string // key prefix, e.g. "sessions/"
	Region          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// Archiver uploads one object per terminated session.
type Archiver struct {
	cfg    Config
	client putObjectAPI
	logger *slog.Logger
}

// New builds an Archiver from cfg, resolving AWS credentials the way the
// SDK normally does (env vars, shared config, instance profile) unless
// static keys are supplied in cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Archiver{cfg: cfg, client: client, logger: logger.With("component", "sessionlog_archiver")}, nil
}

// Key formats the object key for a terminated client's transcript,
// namespaced by calendar day so a bucket listing stays browsable.
func (a *Archiver) Key(clientID int32, endedAt time.Time) string {
	prefix := strings.TrimSuffix(a.cfg.Prefix, "/")
	day := endedAt.UTC().Format("2006-01-02")
	name := fmt.Sprintf("client-%d-%s.log", clientID, endedAt.UTC().Format("15-04-05.000"))
	if prefix == "" {
		return fmt.Sprintf("%s/%s", day, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, day, name)
}

// Archive uploads transcript as the object for clientID's session, which
// ended at endedAt. The caller (server.Config.OnTerminated) is expected
// to invoke this once per terminated ServerClientConnection; Archive
// itself is safe to call concurrently for distinct sessions.
func (a *Archiver) Archive(ctx context.Context, clientID int32, endedAt time.Time, transcript []byte) error {
	key := a.Key(clientID, endedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(transcript),
	})
	if err != nil {
		return fmt.Errorf("sessionlog: uploading %s: %w", key, err)
	}
	a.logger.Info("archived session transcript", "client_id", clientID, "key", key, "bytes", len(transcript))
	return nil
}
