package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession returns a session bound to the configured keyspace. With
// migrate set the keyspace and tables are created first.
func NewSession(ctx context.Context, cfg config.Config, migrate bool, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.ScyllaKeyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.ScyllaKeyspace)
	}

	if migrate {
		baseCluster := newCluster(cfg)
		baseSession, err := baseCluster.CreateSession()
		if err != nil {
			return nil, fmt.Errorf("connect to scylla: %w", err)
		}
		err = ensureKeyspace(ctx, baseSession, cfg)
		baseSession.Close()
		if err != nil {
			return nil, err
		}
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.ScyllaKeyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.ScyllaKeyspace, err)
	}
	if migrate {
		if err := ensureTables(ctx, session); err != nil {
			session.Close()
			return nil, err
		}
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace, "migrated", migrate)
	}
	return session, nil
}

func newCluster(cfg config.Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Timeout = cfg.ScyllaTimeout
	cluster.Consistency = cfg.ScyllaConsistency
	cluster.SerialConsistency = gocql.Serial
	if cfg.ScyllaUsername != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.ScyllaUsername,
			Password: cfg.ScyllaPassword,
		}
		// avoid long stalls on auth/connect
		cluster.ConnectTimeout = cfg.ScyllaTimeout
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.Config) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.ScyllaKeyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

// schema is applied in order; every statement is idempotent.
var schema = []struct {
	name string
	cql  string
}{
	{"threads", `
CREATE TABLE IF NOT EXISTS threads (
	id uuid PRIMARY KEY,
	listing_id text,
	buyer_id text,
	seller_id text,
	created_at timestamp,
	last_message_id timeuuid,
	last_message_sender_id text,
	last_message_receiver_id text,
	last_message_text text,
	last_message_at timestamp
)`},
	{"thread_keys", `
CREATE TABLE IF NOT EXISTS thread_keys (
	listing_id text,
	buyer_id text,
	seller_id text,
	thread_id uuid,
	PRIMARY KEY ((listing_id, buyer_id, seller_id))
)`},
	{"threads_by_user", `
CREATE TABLE IF NOT EXISTS threads_by_user (
	user_id text,
	thread_id uuid,
	PRIMARY KEY (user_id, thread_id)
)`},
	{"messages", `
CREATE TABLE IF NOT EXISTS messages (
	thread_id uuid,
	message_id timeuuid,
	sender_id text,
	receiver_id text,
	listing_id text,
	text text,
	created_at timestamp,
	PRIMARY KEY (thread_id, message_id)
) WITH CLUSTERING ORDER BY (message_id ASC)`},
	{"message_index", `
CREATE TABLE IF NOT EXISTS message_index (
	message_id timeuuid PRIMARY KEY,
	thread_id uuid,
	sender_id text
)`},
}

func ensureTables(ctx context.Context, session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt.cql).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", stmt.name, err)
		}
	}
	return nil
}

// Thread is a thread row as persisted in Scylla, without profile joins.
type Thread struct {
	ID        gocql.UUID
	ListingID string
	BuyerID   string
	SellerID  string
	CreatedAt time.Time
	Last      *Message
}

// Message is a message row as persisted in Scylla.
type Message struct {
	ID         gocql.UUID
	ThreadID   gocql.UUID
	SenderID   string
	ReceiverID string
	ListingID  string
	Text       string
	CreatedAt  time.Time
}

func lastActivity(t Thread) time.Time {
	if t.Last != nil && !t.Last.CreatedAt.IsZero() {
		return t.Last.CreatedAt
	}
	return t.CreatedAt
}
