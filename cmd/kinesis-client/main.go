// Command kinesis-client is a thin CLI wrapper around the library,
// exercising create-stream, put and consume end to end against a real or
// local Kinesis-compatible endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	kinesisclient "github.com/usedatabrew/kinesis-client"
	"github.com/usedatabrew/kinesis-client/checkpoint"
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{Name: "stream", Aliases: []string{"s"}, Required: true, Usage: "stream name"},
	&cli.StringFlag{Name: "region", Value: "us-east-1", Usage: "AWS region"},
	&cli.StringFlag{Name: "endpoint-url", Usage: "override the service endpoint, e.g. for a local Kinesis-compatible server"},
}

func main() {
	app := &cli.App{
		Name:  "kinesis-client",
		Usage: "put and consume records against a Kinesis-compatible stream",
		Commands: []*cli.Command{
			createStreamCommand(),
			describeStreamCommand(),
			putCommand(),
			consumeCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sessionFromFlags(c *cli.Context) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(c.String("region"))
	if ep := c.String("endpoint-url"); ep != "" {
		cfg = cfg.WithEndpoint(ep)
	}
	return session.NewSession(cfg)
}

func createStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-stream",
		Usage: "idempotently create a stream with the given shard count",
		Flags: append(commonFlags, &cli.Int64Flag{Name: "shards", Value: 1}),
		Action: func(c *cli.Context) error {
			sess, err := sessionFromFlags(c)
			if err != nil {
				return err
			}
			producer := kinesisclient.NewProducer(kinesisclient.NewClient(sess), kinesisclient.ProducerConfig{
				StreamName: c.String("stream"),
			}, logrus.StandardLogger())
			return producer.CreateStream(c.Context, c.Int64("shards"))
		},
	}
}

func describeStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "describe",
		Usage: "print the stream's status and shard count",
		Flags: commonFlags,
		Action: func(c *cli.Context) error {
			sess, err := sessionFromFlags(c)
			if err != nil {
				return err
			}
			producer := kinesisclient.NewProducer(kinesisclient.NewClient(sess), kinesisclient.ProducerConfig{
				StreamName: c.String("stream"),
			}, logrus.StandardLogger())
			desc, err := producer.DescribeStream(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("%s: status=%s shards=%d\n",
				aws.StringValue(desc.StreamName), aws.StringValue(desc.StreamStatus), len(desc.Shards))
			return nil
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:  "put",
		Usage: "put a single record and wait for its outcome",
		Flags: append(commonFlags,
			&cli.StringFlag{Name: "data", Required: true, Usage: "record payload"},
			&cli.StringFlag{Name: "partition-key", Value: "default"},
		),
		Action: func(c *cli.Context) error {
			sess, err := sessionFromFlags(c)
			if err != nil {
				return err
			}
			log := logrus.StandardLogger()
			producer := kinesisclient.NewProducer(kinesisclient.NewClient(sess), kinesisclient.ProducerConfig{
				StreamName: c.String("stream"),
			}, log)
			producer.Start(c.Context)
			defer producer.Close(c.Context)

			err = producer.PutAndWait(c.Context, kinesisclient.Record{
				Data:         []byte(c.String("data")),
				PartitionKey: c.String("partition-key"),
			})
			if err != nil {
				return err
			}
			log.Info("record delivered")
			return nil
		},
	}
}

func consumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "print records as they arrive until interrupted",
		Flags: append(commonFlags,
			&cli.StringFlag{Name: "iterator-type", Value: string(kinesisclient.IteratorTrimHorizon)},
			&cli.DurationFlag{Name: "poll-interval", Value: time.Second},
		),
		Action: func(c *cli.Context) error {
			sess, err := sessionFromFlags(c)
			if err != nil {
				return err
			}
			log := logrus.StandardLogger()
			consumer := kinesisclient.NewConsumer(kinesisclient.NewClient(sess), checkpoint.NewMemoryCheckpointer(), kinesisclient.ConsumerConfig{
				StreamName:   c.String("stream"),
				IteratorType: kinesisclient.IteratorType(c.String("iterator-type")),
			}, log)
			consumer.Start(c.Context)
			defer consumer.Close(context.Background())

			ticker := time.NewTicker(c.Duration("poll-interval"))
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					for _, r := range consumer.Drain(0) {
						fmt.Printf("%s [%s] %s\n", r.ShardID, r.SequenceNumber, string(r.Data))
					}
				case <-c.Context.Done():
					return nil
				}
			}
		},
	}
}
