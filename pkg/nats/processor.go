// Package nats publishes pipeline messages to a collector over NATS.
//
// Each message is published to "<prefix>.<kind>" as its wire JSON form. In
// request mode the collector is expected to reply; a reply carrying status
// 429 is treated as rate limiting exactly like the HTTP transport does.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	pkgerrors "github.com/jdziat/tracestream/pkg/errors"
	"github.com/jdziat/tracestream/pkg/message"
	"github.com/jdziat/tracestream/pkg/wire"
)

// Defaults for Config.
const (
	DefaultSubjectPrefix  = "tracestream"
	DefaultRequestTimeout = 5 * time.Second
	DefaultBackoff        = time.Second
	DefaultClientName     = "tracestream-go"
)

// Header names set on published messages and read from replies.
const (
	HeaderMessageID  = "Tracestream-Message-Id"
	HeaderKind       = "Tracestream-Kind"
	HeaderProject    = "Tracestream-Project"
	HeaderStatus     = "Tracestream-Status"
	HeaderRetryAfter = "Retry-After"
)

// Conn is the subset of *nats.Conn used by the processor.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, m *nats.Msg) (*nats.Msg, error)
	FlushTimeout(timeout time.Duration) error
}

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics is the metrics surface used by this package.
type Metrics interface {
	IncrementCounter(name string, value int64)
	RecordDuration(name string, d time.Duration)
}

// Config configures a Processor.
type Config struct {
	// URL is the NATS server URL. Ignored when Conn is set.
	URL string `yaml:"url"`

	// Name identifies the connection to the server.
	Name string `yaml:"name"`

	// SubjectPrefix is prepended to the kind to form the subject.
	SubjectPrefix string `yaml:"subject_prefix"`

	// RequestReply waits for a collector reply to every message.
	RequestReply bool `yaml:"request_reply"`

	// RequestTimeout bounds a request in request mode.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Backoff is the retry-after hint reported when the collector cannot be
	// reached or does not answer in time.
	Backoff time.Duration `yaml:"backoff"`

	// Conn is an existing connection. The processor does not close it.
	Conn Conn `yaml:"-"`

	Logger  Logger  `yaml:"-"`
	Metrics Metrics `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultClientName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

// Processor publishes messages to NATS.
type Processor struct {
	cfg  Config
	conn Conn
	own  *nats.Conn
}

// NewProcessor creates a processor, connecting to cfg.URL unless cfg.Conn
// is set.
func NewProcessor(cfg Config) (*Processor, error) {
	cfg.applyDefaults()

	p := &Processor{cfg: cfg, conn: cfg.Conn}
	if p.conn != nil {
		return p, nil
	}
	if cfg.URL == "" {
		return nil, errors.New("tracestream: nats URL or connection is required")
	}

	logger := cfg.Logger
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Debug("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("tracestream: connect nats: %w", err)
	}
	p.conn = nc
	p.own = nc
	return p, nil
}

// Subject returns the subject messages of kind k are published to.
func (p *Processor) Subject(k message.Kind) string {
	return p.cfg.SubjectPrefix + "." + k.String()
}

// Process publishes msg. Unreachable or saturated collectors are reported
// as rate limiting; everything else is fatal to the message.
func (p *Processor) Process(ctx context.Context, msg message.Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}

	m := nats.NewMsg(p.Subject(msg.Kind()))
	m.Data = data
	m.Header.Set(HeaderMessageID, msg.ID())
	m.Header.Set(HeaderKind, msg.Kind().String())
	if e, ok := msg.(*message.Event); ok && e.ProjectName() != "" {
		m.Header.Set(HeaderProject, e.ProjectName())
	}

	start := time.Now()
	if p.cfg.RequestReply {
		err = p.request(ctx, m)
	} else {
		err = p.classify(p.conn.PublishMsg(m))
	}
	p.record(time.Since(start), err)
	return err
}

func (p *Processor) request(ctx context.Context, m *nats.Msg) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	reply, err := p.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		return p.classify(err)
	}
	return replyError(reply, p.cfg.Backoff)
}

// classify maps a NATS error onto the pipeline's rate-limited/fatal split.
func (p *Processor) classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrReconnectBufExceeded):
		return pkgerrors.NewRateLimitedError(p.cfg.Backoff, err)
	default:
		return fmt.Errorf("tracestream: nats publish: %w", err)
	}
}

// replyError reads the collector's status from a reply. A missing status
// means success.
func replyError(reply *nats.Msg, backoff time.Duration) error {
	if reply == nil || reply.Header == nil {
		return nil
	}
	v := reply.Header.Get(HeaderStatus)
	if v == "" {
		return nil
	}
	status, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("tracestream: invalid reply status %q", v)
	}
	if status < 400 {
		return nil
	}

	apiErr := &pkgerrors.APIError{}
	if len(reply.Data) > 0 {
		if err := wire.Unmarshal(reply.Data, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(reply.Data))
		}
	}
	apiErr.StatusCode = status

	if status == 429 {
		retryAfter := backoff
		if s, err := strconv.ParseFloat(reply.Header.Get(HeaderRetryAfter), 64); err == nil && s >= 0 {
			retryAfter = time.Duration(s * float64(time.Second))
		}
		apiErr.RetryAfter = retryAfter
		return pkgerrors.NewRateLimitedError(retryAfter, apiErr)
	}
	return apiErr
}

func (p *Processor) record(d time.Duration, err error) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.RecordDuration("tracestream.nats.publish_duration", d)
	if err == nil {
		p.cfg.Metrics.IncrementCounter("tracestream.nats.published", 1)
		return
	}
	if _, limited := pkgerrors.IsRateLimited(err); limited {
		p.cfg.Metrics.IncrementCounter("tracestream.nats.rate_limited", 1)
		return
	}
	p.cfg.Metrics.IncrementCounter("tracestream.nats.errors", 1)
}

// Close flushes pending publishes and closes the connection when the
// processor opened it.
func (p *Processor) Close(timeout time.Duration) error {
	err := p.conn.FlushTimeout(timeout)
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	if p.own != nil {
		p.own.Close()
	}
	if err != nil {
		return fmt.Errorf("tracestream: nats flush: %w", err)
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
