package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"

	"github.com/example/ledgersync/internal/app"
	"github.com/example/ledgersync/internal/config"
	"github.com/example/ledgersync/internal/ingest"
)

var (
	processor *ingest.Processor
	logger    *slog.Logger
)

func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load environment variables from .env file (useful for local testing).
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// The store stays open for the lifetime of the execution environment.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("unable to build pipeline", "error", err)
		os.Exit(1)
	}
	processor = a.Processor
}

// HandleRequest processes queued event ids. Returning an error hands the
// batch back to SQS for redelivery.
func HandleRequest(ctx context.Context, sqsEvent events.SQSEvent) error {
	for _, message := range sqsEvent.Records {
		eventID, err := ingest.DecodeMessage(message.Body)
		if err != nil {
			// a malformed message will never decode, retrying only blocks the queue
			logger.Error("dropping undecodable message", "message_id", message.MessageId, "error", err)
			continue
		}

		out, err := processor.ProcessStored(ctx, eventID)
		switch {
		case errors.Is(err, ingest.ErrInvalidEvent):
			logger.Warn("event marked failed", "event_id", eventID, "error", err)
		case err != nil:
			logger.Error("event processing failed", "event_id", eventID, "message_id", message.MessageId, "error", err)
			return err
		default:
			logger.Info("event processed", "event_id", eventID,
				"duplicate", out.Duplicate(), "entry_created", out.EntryCreated)
		}
	}
	return nil
}

func main() {
	lambda.Start(HandleRequest)
}
