package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects a Lambda's identity, configuration, and wired
// resources, then emits a single structured event summarising the cold-start
// state. One event per cold start makes it easy to see exactly how a worker
// was configured when troubleshooting from CloudWatch logs.
type StartupLogger struct {
	name         string
	initDuration time.Duration

	s3Buckets    map[string]string
	dynamoTables map[string]string
	ssmParams    map[string]string
	lambdaFuncs  map[string]string
	config       map[string]string
}

// NewStartupLogger creates a StartupLogger for the given entry point name
// (e.g. "intake-lambda", "pipeline-worker").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:         name,
		s3Buckets:    make(map[string]string),
		dynamoTables: make(map[string]string),
		ssmParams:    make(map[string]string),
		lambdaFuncs:  make(map[string]string),
		config:       make(map[string]string),
	}
}

// InitDuration records how long cold-start initialization took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// S3Bucket registers an S3 bucket used by this entry point.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	s.s3Buckets[label] = name
	return s
}

// DynamoTable registers a DynamoDB table used by this entry point.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	s.dynamoTables[label] = name
	return s
}

// SSMParam registers an SSM parameter path. Only the path is logged, never
// the value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	s.ssmParams[label] = path
	return s
}

// LambdaFunc registers a downstream Lambda this entry point invokes.
func (s *StartupLogger) LambdaFunc(label, name string) *StartupLogger {
	s.lambdaFuncs[label] = name
	return s
}

// Config registers an arbitrary configuration value.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// Log emits the collected startup state as one structured event.
func (s *StartupLogger) Log() {
	event := log.Info().
		Str("lambda", s.name).
		Str("goVersion", runtime.Version()).
		Str("region", os.Getenv("AWS_REGION")).
		Dur("initDuration", s.initDuration)

	event = dictOf(event, "s3Buckets", s.s3Buckets)
	event = dictOf(event, "dynamoTables", s.dynamoTables)
	event = dictOf(event, "ssmParams", s.ssmParams)
	event = dictOf(event, "lambdaFuncs", s.lambdaFuncs)
	event = dictOf(event, "config", s.config)
	event.Msg("Cold start complete")
}

func dictOf(event *zerolog.Event, key string, values map[string]string) *zerolog.Event {
	if len(values) == 0 {
		return event
	}
	d := zerolog.Dict()
	for k, v := range values {
		d = d.Str(k, v)
	}
	return event.Dict(key, d)
}
