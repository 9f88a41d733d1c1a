package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-worker/cmd/ocrctl/ui"
	"github.com/adverant/nexus/ocr-worker/internal/queue"
	"github.com/adverant/nexus/ocr-worker/internal/raster"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

var (
	submitOpts      optionFlags
	submitBackend   string
	submitRedisURL  string
	submitQueue     string
	submitJobID     string
	submitUser      string
	submitUpload    bool
	submitBoxes     bool
	submitWait      bool
	submitWaitLimit time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <image|url>",
	Short: "Queue an extraction job for a running worker",
	Long: `Queue an extraction job on the worker's Redis queue. Local files are sent
by path unless --upload embeds their bytes in the job. With --wait (redis
backend only) the command follows the job's events until it finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(args[0])
		if err != nil {
			return err
		}
		if submitWait && submitBackend != "redis" {
			return fmt.Errorf("--wait requires the redis backend")
		}

		ctx := cmd.Context()
		switch submitBackend {
		case "asynq":
			enq, err := queue.NewAsynqEnqueuer(submitRedisURL, submitQueue, 3)
			if err != nil {
				return err
			}
			defer enq.Close()
			id, err := enq.Enqueue(ctx, payload)
			if err != nil {
				return err
			}
			ui.Success("Queued job %s on %s (asynq)", id, submitQueue)
			return nil

		case "redis":
			opt, err := redis.ParseURL(submitRedisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			client := redis.NewClient(opt)
			defer client.Close()

			q := queue.NewRedisQueue(client, submitQueue, 3)
			id, err := q.Enqueue(ctx, payload)
			if err != nil {
				return err
			}
			ui.Success("Queued job %s on %s", id, submitQueue)
			if !submitWait {
				return nil
			}
			return waitForJob(ctx, q, id)

		default:
			return fmt.Errorf("unknown backend %q (redis or asynq)", submitBackend)
		}
	},
}

func init() {
	submitOpts.register(submitCmd)
	fl := submitCmd.Flags()
	fl.StringVar(&submitBackend, "backend", envOr("QUEUE_BACKEND", "redis"), "queue backend (redis or asynq)")
	fl.StringVar(&submitRedisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379"), "redis connection url")
	fl.StringVar(&submitQueue, "queue", envOr("QUEUE_NAME", "ocr:jobs"), "queue name")
	fl.StringVar(&submitJobID, "job-id", "", "job id (generated when empty)")
	fl.StringVar(&submitUser, "user", "", "user id recorded with the job")
	fl.BoolVar(&submitUpload, "upload", false, "embed the file bytes in the job instead of its path")
	fl.BoolVar(&submitBoxes, "boxes", false, "request word bounding boxes")
	fl.BoolVar(&submitWait, "wait", false, "wait for the job to finish and print its result")
	fl.DurationVar(&submitWaitLimit, "wait-timeout", 5*time.Minute, "how long --wait waits")
	rootCmd.AddCommand(submitCmd)
}

// buildPayload turns the CLI argument and flags into a job payload.
func buildPayload(arg string) (*queue.JobPayload, error) {
	opts, err := json.Marshal(submitOpts.options())
	if err != nil {
		return nil, err
	}
	payload := &queue.JobPayload{
		JobID:     submitJobID,
		UserID:    submitUser,
		Options:   opts,
		WithBoxes: submitBoxes,
	}

	if isURL(arg) {
		payload.FileURL = arg
		payload.Filename = filepath.Base(arg)
		return payload, nil
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", arg, err)
	}
	payload.Filename = filepath.Base(abs)
	payload.FileSize = info.Size()
	payload.MimeType = raster.ContentTypeForName(abs)

	if submitUpload {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", arg, err)
		}
		payload.FileBuffer = data
	} else {
		payload.FilePath = abs
	}
	return payload, nil
}

func waitForJob(ctx context.Context, q *queue.RedisQueue, id string) error {
	ctx, cancel := context.WithTimeout(ctx, submitWaitLimit)
	defer cancel()

	spin := ui.NewSpinner("Waiting for job " + id)
	spin.Start()
	status, data, err := q.Wait(ctx, id)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", id, err)
	}

	if status == storage.StatusFailed {
		ui.Error("Job %s failed", id)
		fmt.Println(string(data))
		return fmt.Errorf("job %s failed", id)
	}

	var res struct {
		Result *struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
			Language   string  `json:"language"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &res); err != nil || res.Result == nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(res.Result.Text)
	ui.Success("Job %s completed (%s, confidence %.2f)", id, res.Result.Language, res.Result.Confidence)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
