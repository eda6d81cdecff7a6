package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// Builtin handlers for the five job kinds. The work is simulated; each
// handler sleeps briefly (cancellable) and echoes the relevant payload
// fields back in its result.

// simulate blocks for d or until ctx is done.
func simulate(ctx domain.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// HandleEmail simulates sending an email.
func HandleEmail(ctx domain.Context, payload map[string]any) (map[string]any, error) {
	to := stringField(payload, "to")
	slog.Info("sending email", slog.String("to", to))
	if err := simulate(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":  "sent",
		"to":      to,
		"subject": stringField(payload, "subject"),
	}, nil
}

// HandleDataProcessing simulates processing a data file.
func HandleDataProcessing(ctx domain.Context, payload map[string]any) (map[string]any, error) {
	fileURL := stringField(payload, "file_url")
	operation := stringField(payload, "operation")
	if operation == "" {
		operation = "process"
	}
	slog.Info("processing data", slog.String("file_url", fileURL), slog.String("operation", operation))
	if err := simulate(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":         "processed",
		"file_url":       fileURL,
		"operation":      operation,
		"rows_processed": 1000,
	}, nil
}

// HandleReportGeneration simulates rendering a report.
func HandleReportGeneration(ctx domain.Context, payload map[string]any) (map[string]any, error) {
	reportType := stringField(payload, "report_type")
	slog.Info("generating report", slog.String("report_type", reportType))
	if err := simulate(ctx, 300*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":      "generated",
		"report_type": reportType,
		"report_url":  fmt.Sprintf("https://reports.example.com/%s.pdf", reportType),
	}, nil
}

// HandleImageProcessing simulates applying filters to an image.
func HandleImageProcessing(ctx domain.Context, payload map[string]any) (map[string]any, error) {
	imageURL := stringField(payload, "image_url")
	filters, _ := payload["filters"].([]any)
	slog.Info("processing image", slog.String("image_url", imageURL), slog.Int("filters", len(filters)))
	if err := simulate(ctx, 400*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":          "processed",
		"image_url":       imageURL,
		"filters_applied": filters,
		"output_url":      fmt.Sprintf("https://images.example.com/processed_%s", imageURL),
	}, nil
}

// HandleWebhook simulates calling an external webhook.
func HandleWebhook(ctx domain.Context, payload map[string]any) (map[string]any, error) {
	url := stringField(payload, "url")
	slog.Info("calling webhook", slog.String("url", url))
	if err := simulate(ctx, 100*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":        "called",
		"url":           url,
		"response_code": 200,
	}, nil
}
