package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/usedatabrew/stream-coordinator/public/streamcoord"
)

func main() {
	app := &cli.App{
		Name:  "streamcoord",
		Usage: "follow a DynamoDB Streams stream and print records in order",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "stream-arn",
				Usage:    "ARN of the DynamoDB stream to follow",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region",
				Value: "us-east-1",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "override endpoint, e.g. a local DynamoDB Local instance",
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "starting position: latest, trim_horizon, or an RFC3339 timestamp",
				Value: "trim_horizon",
			},
			&cli.StringFlag{
				Name:  "token-file",
				Usage: "path to a checkpoint file; if present, resumes from it instead of --from",
			},
			&cli.DurationFlag{
				Name:  "checkpoint-interval",
				Usage: "how often to persist the checkpoint token to --token-file",
				Value: 10 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log.level",
				Usage: "panic, fatal, error, warn, info, debug, trace",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.String("log.level"))
	if err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	log.SetLevel(level)
	entry := logrus.NewEntry(log)

	awsCfg := aws.NewConfig().WithRegion(c.String("region"))
	if ep := c.String("endpoint"); ep != "" {
		awsCfg = awsCfg.WithEndpoint(ep)
	}
	awsSess, err := awssession.NewSession(awsCfg)
	if err != nil {
		return fmt.Errorf("building AWS session: %w", err)
	}

	streamARN := c.String("stream-arn")
	coord := streamcoord.New(awsSess, streamARN, streamcoord.DefaultConfig(), entry)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutting down")
		cancel()
	}()

	if err := seekStartingPosition(ctx, coord, c.String("token-file"), c.String("from")); err != nil {
		return err
	}

	checkpointInterval := c.Duration("checkpoint-interval")
	tokenFile := c.String("token-file")
	lastCheckpoint := time.Now()

	for {
		select {
		case <-ctx.Done():
			return persistToken(coord, tokenFile)
		default:
		}

		rec, err := coord.Next(ctx)
		if err != nil {
			return fmt.Errorf("advancing stream: %w", err)
		}
		if rec == nil {
			if err := coord.Heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}

		entry.WithFields(logrus.Fields{
			"sequence_number": rec.SequenceNumber,
			"event_name":      rec.EventName,
			"created_at":      rec.ApproximateCreationDateTime,
		}).Info("record")

		if tokenFile != "" && time.Since(lastCheckpoint) >= checkpointInterval {
			if err := persistToken(coord, tokenFile); err != nil {
				return err
			}
			lastCheckpoint = time.Now()
		}
	}
}

func seekStartingPosition(ctx context.Context, coord *streamcoord.Coordinator, tokenFile, from string) error {
	if tokenFile != "" {
		if data, err := os.ReadFile(tokenFile); err == nil {
			tok, err := streamcoord.DecodeToken(data)
			if err != nil {
				return fmt.Errorf("decoding checkpoint token: %w", err)
			}
			return coord.MoveTo(ctx, streamcoord.FromToken(tok))
		}
	}

	if pos, ok := streamcoord.ParseEndpoint(from); ok {
		return coord.MoveTo(ctx, pos)
	}
	t, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return fmt.Errorf("--from must be %q, %q, or an RFC3339 timestamp", "latest", "trim_horizon")
	}
	return coord.MoveTo(ctx, streamcoord.AtTime(t))
}

func persistToken(coord *streamcoord.Coordinator, tokenFile string) error {
	if tokenFile == "" {
		return nil
	}
	data, err := streamcoord.EncodeToken(coord.Token())
	if err != nil {
		return fmt.Errorf("encoding checkpoint token: %w", err)
	}
	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err == nil {
		if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			data = b
		}
	}
	tmp := tokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing checkpoint token: %w", err)
	}
	return os.Rename(tmp, tokenFile)
}
