package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"interview-agent/handler"
	"interview-agent/internal/forms"
	"interview-agent/internal/identity"
	"interview-agent/internal/integrations/openai"
	"interview-agent/internal/integrations/paramstore"
	"interview-agent/internal/integrations/taskqueue"
	"interview-agent/internal/repository"
	"interview-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	formsTable := mustEnv("FORMS_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	summarizeQueueURL := os.Getenv("SUMMARIZE_QUEUE_URL") // optional

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	store, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	formProvider, err := forms.New(dynamoClient, formsTable)
	if err != nil {
		logger.Error("failed to create form provider", "err", err)
		os.Exit(1)
	}
	resolver, err := identity.NewResolver(ssmClient, paramPrefix+"/invite-signing-key")
	if err != nil {
		logger.Error("failed to create identity resolver", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	var queue usecase.SummarizeEnqueuer
	if summarizeQueueURL != "" {
		q, err := taskqueue.New(awssqs.NewFromConfig(cfg), summarizeQueueURL)
		if err != nil {
			logger.Error("failed to create task queue client", "err", err)
			os.Exit(1)
		}
		queue = q
	}

	// ---- Handler ----
	svc, err := usecase.NewService(resolver, formProvider, store, openaiClient, queue, logger)
	if err != nil {
		logger.Error("failed to create interview service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
