// Package kafka drives the sink from a Kafka consumer group.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/consumer"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ consumer.Consumer           = (*SaramaConsumer)(nil)
	_ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
)

const (
	DefaultMaxBatchRecords = 500
	DefaultBatchTimeout    = time.Second
	DefaultRetryInterval   = 5 * time.Second
	DefaultAWSRegion       = "us-east-1"
)

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers      []string
	GroupID               string
	Topics                []string
	SecurityProtocol      string
	SASLMechanism         string
	SASLUsername          string
	SASLPassword          string
	AWSRegion             string
	TLSInsecureSkipVerify bool
	AutoOffsetReset       string
	MaxPollIntervalMS     int
	SessionTimeoutMS      int
	HeartbeatIntervalMS   int

	// MaxBatchRecords is the number of records handed to the sink at once.
	MaxBatchRecords int
	// BatchTimeout bounds how long a partial batch waits. Idle partitions
	// still call the sink at this interval so that pending retries run.
	BatchTimeout time.Duration
	// RetryInterval is the pause between failed consumer group sessions.
	RetryInterval time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxBatchRecords <= 0 {
		c.MaxBatchRecords = DefaultMaxBatchRecords
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.AWSRegion == "" {
		c.AWSRegion = DefaultAWSRegion
	}
	return c
}

// MetricsCollector defines metrics operations for Kafka consumer.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32, n int)
	SetConsumerLag(topic string, partition int32, lag float64)
	IncRebalances(groupID string)
	ObserveRebalanceDuration(groupID string, duration float64)
	IncOffsetCommits(topic string, partition int32, status string)
	IncPartitionPauses(topic string, partition int32)
}

type noopMetrics struct{}

func (noopMetrics) IncMessagesConsumed(string, int32, int)   {}
func (noopMetrics) SetConsumerLag(string, int32, float64)    {}
func (noopMetrics) IncRebalances(string)                     {}
func (noopMetrics) ObserveRebalanceDuration(string, float64) {}
func (noopMetrics) IncOffsetCommits(string, int32, string)   {}
func (noopMetrics) IncPartitionPauses(string, int32)         {}

// SaramaConsumer feeds a sink from a sarama consumer group.
//
// Partition assignment and revocation are forwarded to the sink, and the
// group's start offsets are reset to just past the data the sink has
// committed. Kafka offsets are marked for lag reporting only; committed files
// are the source of truth.
type SaramaConsumer struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	sink    sink.Sink
	logger  *slog.Logger
	metrics MetricsCollector

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// NewSaramaConsumer creates a consumer group for config and binds it to snk.
func NewSaramaConsumer(
	config ConsumerConfig,
	snk sink.Sink,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*SaramaConsumer, error) {
	saramaConfig, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(config.BootstrapServers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		"group_id", config.GroupID,
		"bootstrap_servers", config.BootstrapServers,
		"topics", config.Topics,
		"session_timeout_ms", config.SessionTimeoutMS,
		"max_poll_interval_ms", config.MaxPollIntervalMS,
	)

	return NewSaramaConsumerWithGroup(group, config, snk, logger, metrics), nil
}

// NewSaramaConsumerWithGroup binds an existing consumer group to snk.
func NewSaramaConsumerWithGroup(
	group sarama.ConsumerGroup,
	config ConsumerConfig,
	snk sink.Sink,
	logger *slog.Logger,
	metrics MetricsCollector,
) *SaramaConsumer {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SaramaConsumer{
		group:   group,
		config:  config.withDefaults(),
		sink:    snk,
		logger:  logger.With("component", "kafka_consumer", "group_id", config.GroupID),
		metrics: metrics,
		ready:   make(chan struct{}),
	}
}

// newSaramaConfig translates config into a sarama configuration.
func newSaramaConfig(config ConsumerConfig) (*sarama.Config, error) {
	config = config.withDefaults()
	saramaConfig := sarama.NewConfig()

	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true
	saramaConfig.Consumer.Return.Errors = true

	if config.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}

	// A sink write can include a commit, so allow slow storage before the
	// partition is considered stuck.
	if config.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	} else {
		saramaConfig.Consumer.MaxProcessingTime = 5 * time.Minute
	}

	if err := configureSecurity(saramaConfig, config); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// Ready is closed once the first session has recovered its partitions.
func (c *SaramaConsumer) Ready() <-chan struct{} {
	return c.ready
}

// Run joins the consumer group and consumes until ctx is cancelled or the
// consumer is closed. Failed sessions are retried after RetryInterval.
func (c *SaramaConsumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrConsumerClosed
	}
	c.mu.Unlock()

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", "error", err)
		}
	}()

	handler := &groupHandler{consumer: c}
	for {
		err := c.group.Consume(ctx, c.config.Topics, handler)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			c.logger.Info("consumer group closed")
			return nil
		case ctx.Err() != nil:
			c.logger.Info("consumer context cancelled")
			return nil
		case err != nil:
			c.logger.Error("consumer group session failed", "error", err, "retry_in", c.config.RetryInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.RetryInterval):
			}
		}
	}
}

// Close closes the consumer and releases resources.
func (c *SaramaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info("closing kafka consumer")

	if err := c.group.Close(); err != nil {
		c.logger.Error("error closing consumer group", "error", err)
		return err
	}

	c.logger.Info("kafka consumer closed")
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	consumer *SaramaConsumer
}

// Setup recovers the claimed partitions and rewinds each of them to the
// offset after its last committed file. A recovery failure fails the session
// so that the group retries it.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	c := h.consumer
	start := time.Now()
	partitions := claimedPartitions(session.Claims())

	c.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"partitions", len(partitions),
	)
	c.metrics.IncRebalances(c.config.GroupID)

	if err := c.sink.OnPartitionsAssigned(session.Context(), partitions); err != nil {
		return fmt.Errorf("failed to recover assigned partitions: %w", err)
	}

	committed := c.sink.CommittedOffsets()
	for _, pid := range partitions {
		offset, ok := committed[pid]
		if !ok {
			continue
		}
		session.ResetOffset(pid.Topic, pid.Partition, offset+1, "")
		c.logger.Debug("reset partition offset", "topic", pid.Topic, "partition", pid.Partition, "offset", offset+1)
	}

	c.metrics.ObserveRebalanceDuration(c.config.GroupID, time.Since(start).Seconds())
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Cleanup revokes the session's partitions from the sink. Revocation must
// finish even though the session context is already done.
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	c := h.consumer
	partitions := claimedPartitions(session.Claims())

	if err := c.sink.OnPartitionsRevoked(context.WithoutCancel(session.Context()), partitions); err != nil {
		c.logger.Error("failed to revoke partitions", "error", err)
	}

	c.logger.Info("consumer group session cleanup",
		"member_id", session.MemberID(),
		"partitions", len(partitions),
	)
	return nil
}

// claimState tracks one partition of a session.
type claimState struct {
	pid    event.PartitionID
	logger *slog.Logger
	marked int64
	paused bool
}

// ConsumeClaim batches the messages of a partition into the sink.
func (h *groupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	c := h.consumer
	st := &claimState{
		pid:    event.PartitionID{Topic: claim.Topic(), Partition: claim.Partition()},
		marked: -1,
	}
	st.logger = c.logger.With("topic", st.pid.Topic, "partition", st.pid.Partition)
	st.logger.Info("started consuming partition", "initial_offset", claim.InitialOffset())

	ticker := time.NewTicker(c.config.BatchTimeout)
	defer ticker.Stop()

	var (
		batch    = make([]event.Record, 0, c.config.MaxBatchRecords)
		retry    <-chan time.Time
		messages = claim.Messages()
	)

	for {
		select {
		case message, ok := <-messages:
			if !ok {
				if len(batch) > 0 {
					h.write(session, claim, st, batch)
				}
				st.logger.Info("partition claim closed")
				return nil
			}
			batch = append(batch, toRecord(message))
			if len(batch) < c.config.MaxBatchRecords {
				continue
			}

		case <-ticker.C:
		case <-retry:

		case <-session.Context().Done():
			// Unwritten records are redelivered from the reset offset.
			st.logger.Info("session context done, stopping partition consumption", "dropped", len(batch))
			return nil
		}

		retry = nil
		backoff, redeliver := h.write(session, claim, st, batch)
		if redeliver {
			// Ending the claim ends the session; the next session's setup
			// rewinds the partition to the offset after its last committed file.
			st.logger.Warn("partition lost uncommitted records, ending session for redelivery")
			return nil
		}
		if backoff > 0 {
			retry = time.After(backoff)
		}
		batch = batch[:0]
	}
}

// write hands records to the partition's writer, pauses or resumes the
// partition according to its backoff and marks the offset after its last
// committed file. It returns the partition's remaining backoff, and whether
// the partition must be redelivered.
func (h *groupHandler) write(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	st *claimState,
	records []event.Record,
) (backoff time.Duration, redeliver bool) {
	c := h.consumer
	pid := st.pid

	backoff, err := c.sink.WritePartition(session.Context(), pid, records)
	if err != nil {
		redeliver = errors.Is(err, apperrors.ErrRedeliveryRequired)
		st.logger.Error("sink write failed", "records", len(records), "error", err)
	}

	if n := len(records); n > 0 {
		c.metrics.IncMessagesConsumed(pid.Topic, pid.Partition, n)
		next := records[n-1].Offset + 1
		c.metrics.SetConsumerLag(pid.Topic, pid.Partition, float64(max(claim.HighWaterMarkOffset()-next, 0)))
	}

	partitions := map[string][]int32{pid.Topic: {pid.Partition}}
	switch {
	case backoff > 0 && !st.paused:
		c.group.Pause(partitions)
		st.paused = true
		c.metrics.IncPartitionPauses(pid.Topic, pid.Partition)
		st.logger.Warn("partition paused", "backoff", backoff)
	case backoff == 0 && st.paused:
		c.group.Resume(partitions)
		st.paused = false
		st.logger.Info("partition resumed")
	}

	if offset, ok := c.sink.CommittedOffsets()[pid]; ok && offset > st.marked {
		session.MarkOffset(pid.Topic, pid.Partition, offset+1, "")
		st.marked = offset
		c.metrics.IncOffsetCommits(pid.Topic, pid.Partition, "marked")
	}

	return backoff, redeliver
}

func claimedPartitions(claims map[string][]int32) []event.PartitionID {
	var partitions []event.PartitionID
	for topic, ids := range claims {
		for _, id := range ids {
			partitions = append(partitions, event.PartitionID{Topic: topic, Partition: id})
		}
	}
	return partitions
}

// toRecord converts a Kafka message into a sink record.
func toRecord(message *sarama.ConsumerMessage) event.Record {
	record := event.Record{
		Topic:     message.Topic,
		Partition: message.Partition,
		Offset:    message.Offset,
		Key:       message.Key,
		Value:     message.Value,
		Timestamp: message.Timestamp,
	}
	if len(message.Headers) > 0 {
		record.Headers = make(map[string]string, len(message.Headers))
		for _, header := range message.Headers {
			if header == nil {
				continue
			}
			record.Headers[string(header.Key)] = string(header.Value)
		}
	}
	return record
}

// MSKAccessTokenProvider implements sarama.AccessTokenProvider for AWS MSK IAM authentication.
type MSKAccessTokenProvider struct {
	region string
}

// Token generates an AWS MSK IAM authentication token.
func (m *MSKAccessTokenProvider) Token() (*sarama.AccessToken, error) {
	token, expiryMs, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to generate MSK IAM token: %w", err)
	}

	return &sarama.AccessToken{
		Token: token,
		Extensions: map[string]string{
			"expiry": strconv.FormatInt(expiryMs, 10),
		},
	}, nil
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	if autoOffsetReset == "earliest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

func configureSecurity(config *sarama.Config, kafkaConfig ConsumerConfig) error {
	switch kafkaConfig.SecurityProtocol {
	case "", "PLAINTEXT":
		return nil

	case "SASL_PLAINTEXT", "SASL_SSL":
		config.Net.SASL.Enable = true

		switch kafkaConfig.SASLMechanism {
		case "PLAIN":
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
			config.Net.SASL.User = kafkaConfig.SASLUsername
			config.Net.SASL.Password = kafkaConfig.SASLPassword

		case "SCRAM-SHA-256", "SCRAM-SHA-512":
			generator, mechanism, err := scramClientGenerator(kafkaConfig.SASLMechanism)
			if err != nil {
				return err
			}
			config.Net.SASL.Mechanism = mechanism
			config.Net.SASL.User = kafkaConfig.SASLUsername
			config.Net.SASL.Password = kafkaConfig.SASLPassword
			config.Net.SASL.SCRAMClientGeneratorFunc = generator

		case "AWS_MSK_IAM":
			config.Net.SASL.Mechanism = sarama.SASLTypeOAuth
			// sarama validates these even though OAuth ignores them.
			config.Net.SASL.User = "token"
			config.Net.SASL.Password = "token"
			config.Net.SASL.TokenProvider = &MSKAccessTokenProvider{region: kafkaConfig.AWSRegion}

		default:
			return fmt.Errorf("unsupported SASL mechanism: %s", kafkaConfig.SASLMechanism)
		}

		if kafkaConfig.SecurityProtocol == "SASL_SSL" {
			enableTLS(config, kafkaConfig)
		}

	case "SSL":
		enableTLS(config, kafkaConfig)

	default:
		return fmt.Errorf("unsupported security protocol: %s", kafkaConfig.SecurityProtocol)
	}

	return nil
}

func enableTLS(config *sarama.Config, kafkaConfig ConsumerConfig) {
	config.Net.TLS.Enable = true
	config.Net.TLS.Config = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: kafkaConfig.TLSInsecureSkipVerify, //nolint:gosec // opt-in for self-signed development brokers
	}
}
