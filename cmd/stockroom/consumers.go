package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/config"
	"github.com/cimillas/stockroom/internal/domain"
	"github.com/cimillas/stockroom/internal/platform/metrics"
	redisstore "github.com/cimillas/stockroom/internal/storage/redis"
	transportkafka "github.com/cimillas/stockroom/internal/transport/kafka"
)

// startConsumers launches the order event and command consumers on g. The returned
// func closes readers, writers and the Redis client.
func startConsumers(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.Config,
	engine *app.ReservationEngine,
	reconciler *app.Reconciler,
	reg *metrics.Registry,
	logger *zap.Logger,
) (func(), error) {
	var closers []func() error
	closeAll := func() {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i]())
		}
		if err != nil {
			logger.Warn("closing kafka resources", zap.Error(err))
		}
	}

	var deliveries transportkafka.DeliveryLog
	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			return closeAll, fmt.Errorf("redis: %w", err)
		}
		closers = append(closers, client.Close)
		deliveries = redisstore.NewDeliveryLog(client, "", cfg.DeliveryLogTTL)
	}

	topics := map[string]domain.OrderEventType{
		cfg.KafkaCompletedTopic: domain.OrderCompleted,
		cfg.KafkaCancelledTopic: domain.OrderCancelled,
	}
	events := transportkafka.NewOrderEventHandler(reconciler, topics, deliveries, logger)

	run := func(name, topic string, handler transportkafka.Handler) {
		reader := transportkafka.NewReader(cfg.KafkaBrokers, cfg.KafkaGroupID, topic)
		closers = append(closers, reader.Close)
		consumer := transportkafka.NewConsumer(name, reader, handler, logger,
			transportkafka.WithMessageMetrics(reg),
		)
		g.Go(func() error { return consumer.Run(ctx) })
	}

	for topic := range topics {
		run("order-events:"+topic, topic, events)
	}

	if cfg.KafkaCommandTopic != "" {
		writer, err := transportkafka.NewReplyWriter(cfg.KafkaBrokers, cfg.KafkaReplyTopic, serviceName)
		if err != nil {
			return closeAll, err
		}
		closers = append(closers, writer.Close)
		run("commands", cfg.KafkaCommandTopic, transportkafka.NewCommandHandler(engine, writer, logger))
	}

	logger.Info("kafka consumers started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group_id", cfg.KafkaGroupID),
	)
	return closeAll, nil
}
