// Package lambdaboot provides shared Lambda cold-start bootstrap logic.
//
// Both entry points need some subset of: AWS config, the photo bucket,
// the session table, slot configuration, and EventBridge. This package
// extracts the common init patterns so each Lambda's init() is a short
// composition of helpers.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/breaker"
	"github.com/groweye/plantcount/internal/events"
	"github.com/groweye/plantcount/internal/logging"
	"github.com/groweye/plantcount/internal/photostore"
	"github.com/groweye/plantcount/internal/slotcfg"
	"github.com/groweye/plantcount/internal/store"
)

// Environment variables shared by the entry points.
const (
	EnvPhotoBucket  = "PHOTO_BUCKET_NAME"
	EnvSessionTable = "SESSION_TABLE_NAME"
	EnvEventBus     = "MILESTONE_EVENT_BUS"
	EnvSlotPrefix   = "SLOT_PARAM_PREFIX"
	EnvWorkerARN    = "PIPELINE_WORKER_ARN"
)

// InitAWS loads the default AWS config. Fatals if it cannot be loaded: a
// Lambda without credentials cannot do anything useful.
func InitAWS() aws.Config {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return cfg
}

// InitPhotoStore creates the breaker-guarded photo store from the bucket
// env var. Fatals if the env var is empty.
func InitPhotoStore(cfg aws.Config) *photostore.Store {
	bucket := os.Getenv(EnvPhotoBucket)
	if bucket == "" {
		log.Fatal().Str("envVar", EnvPhotoBucket).Msg("Photo bucket environment variable is required")
	}
	return photostore.New(s3.NewFromConfig(cfg), bucket, breaker.Config{})
}

// InitSessionStore creates the DynamoDB session store from the table env
// var. Fatals if the env var is empty.
func InitSessionStore(cfg aws.Config) *store.DynamoStore {
	tableName := os.Getenv(EnvSessionTable)
	if tableName == "" {
		log.Fatal().Str("envVar", EnvSessionTable).Msg("Session table environment variable is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName)
}

// InitSlotProvider creates the Parameter Store slot provider, honoring the
// optional prefix override.
func InitSlotProvider(cfg aws.Config) *slotcfg.SSMProvider {
	return slotcfg.NewSSMProvider(ssm.NewFromConfig(cfg), os.Getenv(EnvSlotPrefix))
}

// InitEmitter creates the milestone emitter. The bus env var is optional;
// empty selects the account default bus.
func InitEmitter(cfg aws.Config) *events.BridgeEmitter {
	return events.NewBridgeEmitter(eventbridge.NewFromConfig(cfg), os.Getenv(EnvEventBus))
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
