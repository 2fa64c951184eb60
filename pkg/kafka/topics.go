// Package kafka lists and classifies the topics produced by capture connectors
package kafka

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-cdc/pkg/config"
	"github.com/ajitpratap0/nebula-cdc/pkg/errors"
)

// TopicLister returns the table topics present on the broker for a topic prefix
type TopicLister interface {
	ListTopics(ctx context.Context, prefix string) ([]string, error)
}

// Admin is the subset of sarama.ClusterAdmin used for listing
type Admin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	Close() error
}

// AdminFactory opens an admin connection
type AdminFactory func() (Admin, error)

// BrokerLister lists topics through a sarama cluster admin
type BrokerLister struct {
	open   AdminFactory
	logger *zap.Logger
}

// NewBrokerLister returns a lister for the configured brokers
func NewBrokerLister(cfg config.KafkaConfig, logger *zap.Logger) (*BrokerLister, error) {
	if !cfg.HasBrokers() {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka brokers not configured")
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	brokers := append([]string(nil), cfg.Brokers...)
	return NewBrokerListerWithFactory(func() (Admin, error) {
		return sarama.NewClusterAdmin(brokers, sc)
	}, logger), nil
}

// NewBrokerListerWithFactory returns a lister using a custom admin factory
func NewBrokerListerWithFactory(open AdminFactory, logger *zap.Logger) *BrokerLister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerLister{open: open, logger: logger.With(zap.String("component", "topic_lister"))}
}

type listResult struct {
	topics map[string]sarama.TopicDetail
	err    error
}

// ListTopics returns the sorted table topics under prefix
func (l *BrokerLister) ListTopics(ctx context.Context, prefix string) ([]string, error) {
	done := make(chan listResult, 1)
	go func() {
		admin, err := l.open()
		if err != nil {
			done <- listResult{err: err}
			return
		}
		topics, err := admin.ListTopics()
		if cerr := admin.Close(); cerr != nil {
			l.logger.Debug("failed to close cluster admin", zap.Error(cerr))
		}
		done <- listResult{topics: topics, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, errors.Wrap(res.err, errors.ErrorTypeConnection, "list broker topics")
		}
		names := make([]string, 0, len(res.topics))
		for name := range res.topics {
			names = append(names, name)
		}
		tables := TableTopics(names, prefix)
		l.logger.Debug("listed broker topics",
			zap.String("prefix", prefix),
			zap.Int("total", len(names)),
			zap.Int("tables", len(tables)))
		return tables, nil
	}
}

func buildSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = "nebula-cdc"
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
		}
		sc.Version = v
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sc.Admin.Timeout = timeout
	sc.Net.DialTimeout = timeout
	sc.Net.ReadTimeout = timeout
	sc.Metadata.Retry.Max = 1
	return sc, nil
}

// historyTopicRoots start the per-prefix topics that live outside the prefix namespace
var historyTopicRoots = map[string]struct{}{
	"schema-history":       {},
	"schemahistory":        {},
	"dbhistory":            {},
	"__debezium-heartbeat": {},
}

// IsTableTopic reports whether topic carries row changes for a table under prefix.
// Table topics are <prefix>.<schema or db>.<table>. The bare prefix topic and the
// single-segment topics under it (transaction, schema-changes, heartbeat) are
// structural, as are internal topics and the history and heartbeat topics named
// <root>.<prefix>. Only the shape is checked, never the table name.
func IsTableTopic(topic, prefix string) bool {
	if topic == "" || strings.HasPrefix(topic, "_") {
		return false
	}
	segments := strings.Split(topic, ".")
	if _, ok := historyTopicRoots[strings.ToLower(segments[0])]; ok {
		return false
	}
	if prefix == "" {
		return len(segments) >= 3
	}
	if !strings.HasPrefix(strings.ToLower(topic), strings.ToLower(prefix)+".") {
		return false
	}
	rest := topic[len(prefix)+1:]
	return strings.Count(rest, ".") >= 1 && !strings.HasPrefix(rest, ".") && !strings.HasSuffix(rest, ".")
}

// TableTopics filters topics to table topics and returns them sorted and de-duplicated
func TableTopics(topics []string, prefix string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if !IsTableTopic(t, prefix) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
