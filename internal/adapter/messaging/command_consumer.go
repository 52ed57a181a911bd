package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/pkg/logger"
	"github.com/rl1809/stock-ledger/pkg/metrics"
)

// ErrUnknownCommand is returned for a command type the consumer cannot run.
var ErrUnknownCommand = errors.New("unknown command type")

const defaultRetryBackoff = time.Second

// CommandConsumer applies stock commands read from Kafka to the ledger.
// Malformed and rejected commands are logged and committed. Any other failure
// leaves the offset unmarked so the group redelivers the command.
type CommandConsumer struct {
	group   sarama.ConsumerGroup
	groupID string
	topics  []string
	ledger  *service.LedgerService
}

// NewCommandConsumer creates a consumer group on the commands topic
func NewCommandConsumer(brokers []string, groupID, topic string, ledger *service.LedgerService) (*CommandConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	if topic == "" {
		topic = TopicStockCommands
	}

	logger.Logger.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Str("topic", topic).
		Msg("Kafka command consumer initialized")

	return &CommandConsumer{
		group:   group,
		groupID: groupID,
		topics:  []string{topic},
		ledger:  ledger,
	}, nil
}

// Start consumes until ctx is cancelled.
func (c *CommandConsumer) Start(ctx context.Context) {
	h := &commandGroupHandler{consumer: c, retryBackoff: defaultRetryBackoff}

	go func() {
		for {
			if err := c.group.Consume(ctx, c.topics, h); err != nil {
				logger.Logger.Error().Err(err).Msg("Error from consumer")
			}
			if ctx.Err() != nil {
				logger.Logger.Info().Msg("Consumer context cancelled, stopping...")
				return
			}
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			logger.Logger.Error().Err(err).Msg("Consumer error")
		}
	}()

	logger.Logger.Info().
		Strs("topics", c.topics).
		Str("group_id", c.groupID).
		Msg("Kafka command consumer started")
}

// Close closes the Kafka consumer
func (c *CommandConsumer) Close() error {
	if c.group != nil {
		return c.group.Close()
	}
	return nil
}

// Dispatch runs one command against the ledger.
func (c *CommandConsumer) Dispatch(ctx context.Context, cmd StockCommandMessage) (*domain.Inventory, error) {
	var kind domain.MovementKind
	if cmd.Kind != "" {
		k, err := domain.ParseMovementKind(cmd.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}

	stock := service.StockCommand{
		ProductID:   cmd.ProductID,
		Quantity:    cmd.Quantity,
		ReferenceID: cmd.ReferenceID,
		Kind:        kind,
		Notes:       cmd.Notes,
		RequestID:   cmd.CommandID,
	}

	switch cmd.Type {
	case CommandCreate:
		return c.ledger.CreateInventory(ctx, service.CreateCommand{
			ProductID:         cmd.ProductID,
			InitialQuantity:   cmd.Quantity,
			LowStockThreshold: cmd.LowStockThreshold,
			Notes:             cmd.Notes,
			RequestID:         cmd.CommandID,
		})
	case CommandReserve:
		return c.ledger.ReserveStock(ctx, stock)
	case CommandRelease:
		return c.ledger.ReleaseReservation(ctx, stock)
	case CommandCommit:
		return c.ledger.CommitReservation(ctx, stock)
	case CommandAdd:
		if stock.Kind == "" {
			stock.Kind = service.ClassifyAddition(stock.ReferenceID)
		}
		return c.ledger.AddStock(ctx, stock)
	case CommandReduce:
		return c.ledger.ReduceStock(ctx, stock)
	case CommandAdjust:
		return c.ledger.AdjustStock(ctx, service.AdjustCommand{
			ProductID:   cmd.ProductID,
			NewTotal:    cmd.NewTotal,
			ReferenceID: cmd.ReferenceID,
			Notes:       cmd.Notes,
			RequestID:   cmd.CommandID,
		})
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Type)
	}
}

// isPermanent reports whether redelivering the command would fail the same way.
func isPermanent(err error) bool {
	return domain.IsBusinessError(err) ||
		errors.Is(err, service.ErrDuplicateRequest) ||
		errors.Is(err, ErrUnknownCommand)
}

// handleMessage returns an error only when the command should be redelivered.
func (c *CommandConsumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	carrier := propagation.MapCarrier{}
	for _, header := range message.Headers {
		key := string(header.Key)
		if key == "traceparent" || key == "tracestate" {
			carrier[key] = string(header.Value)
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	tracer := otel.Tracer("kafka-consumer")
	ctx, span := tracer.Start(ctx, "kafka.consume.stock_command",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.source", message.Topic),
			attribute.String("messaging.source_kind", "topic"),
			attribute.Int("messaging.kafka.partition", int(message.Partition)),
			attribute.Int64("messaging.kafka.offset", message.Offset),
		),
	)
	defer span.End()

	var cmd StockCommandMessage
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		metrics.KafkaMessagesTotal.WithLabelValues(message.Topic, "consume", "malformed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to unmarshal command")
		logger.Error(ctx).Err(err).Str("topic", message.Topic).Msg("Failed to unmarshal command")
		return nil
	}

	span.SetAttributes(
		attribute.String("command.type", cmd.Type),
		attribute.String("command.id", cmd.CommandID),
		attribute.String("product.id", cmd.ProductID),
	)

	inv, err := c.Dispatch(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Command failed")

		if isPermanent(err) {
			metrics.KafkaMessagesTotal.WithLabelValues(message.Topic, "consume", "rejected").Inc()
			logger.Warn(ctx).
				Err(err).
				Str("command_type", cmd.Type).
				Str("command_id", cmd.CommandID).
				Str("product_id", cmd.ProductID).
				Msg("Stock command rejected")
			return nil
		}

		metrics.KafkaMessagesTotal.WithLabelValues(message.Topic, "consume", "error").Inc()
		logger.Error(ctx).
			Err(err).
			Str("command_type", cmd.Type).
			Str("command_id", cmd.CommandID).
			Str("product_id", cmd.ProductID).
			Int64("offset", message.Offset).
			Msg("Stock command failed, leaving it for redelivery")
		return fmt.Errorf("apply %s command at offset %d: %w", cmd.Type, message.Offset, err)
	}

	metrics.KafkaMessagesTotal.WithLabelValues(message.Topic, "consume", "ok").Inc()
	span.SetStatus(codes.Ok, "Command applied")
	logger.Info(ctx).
		Str("command_type", cmd.Type).
		Str("command_id", cmd.CommandID).
		Str("product_id", cmd.ProductID).
		Int("available", inv.Available).
		Int("reserved", inv.Reserved).
		Msg("Stock command applied")
	return nil
}

// commandGroupHandler implements sarama.ConsumerGroupHandler
type commandGroupHandler struct {
	consumer     *CommandConsumer
	retryBackoff time.Duration
}

func (h *commandGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *commandGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim stops at the first command that must be retried. Returning ends
// the session and the next one resumes from the last marked offset.
func (h *commandGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.consumer.handleMessage(session.Context(), message); err != nil {
			select {
			case <-session.Context().Done():
			case <-time.After(h.retryBackoff):
			}
			return err
		}
		session.MarkMessage(message, "")
	}
	return nil
}
