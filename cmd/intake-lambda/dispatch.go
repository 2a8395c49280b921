package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/lambdaboot"
)

// workerClient dispatches sessions to the pipeline worker asynchronously.
type workerClient struct {
	client *lambdasvc.Client
	arn    string
}

func newWorkerClient(cfg aws.Config) *workerClient {
	arn := os.Getenv(lambdaboot.EnvWorkerARN)
	if arn == "" {
		log.Fatal().Str("envVar", lambdaboot.EnvWorkerARN).Msg("Pipeline worker ARN is required")
	}
	return &workerClient{client: lambdasvc.NewFromConfig(cfg), arn: arn}
}

// dispatch invokes the worker with InvocationType=Event so intake returns
// immediately without waiting for processing.
func (w *workerClient) dispatch(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return fmt.Errorf("marshal worker event: %w", err)
	}

	_, err = w.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(w.arn),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoke pipeline worker: %w", err)
	}

	log.Debug().Str("sessionId", sessionID).Msg("Pipeline worker invoked asynchronously")
	return nil
}

func envOr(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return "(unset)"
}
