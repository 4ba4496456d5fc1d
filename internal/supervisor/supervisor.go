// Package supervisor wires every component into a single running
// process and owns the startup and graceful-shutdown sequence: config
// is validated first, persistence and the agent cache come up before
// anything can write through them, and the live DevLink3 and SMDR
// sources start last, only once there is somewhere for their output to
// go. Shutdown runs the sequence in reverse, with the persistence
// buffer flushed last so nothing in flight is lost.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/broker"
	"github.com/snarg/ipo-telemetry/internal/config"
	"github.com/snarg/ipo-telemetry/internal/correlate"
	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/delta3"
	"github.com/snarg/ipo-telemetry/internal/devlink3"
	"github.com/snarg/ipo-telemetry/internal/health"
	"github.com/snarg/ipo-telemetry/internal/metrics"
	"github.com/snarg/ipo-telemetry/internal/mqttclient"
	"github.com/snarg/ipo-telemetry/internal/persist"
	"github.com/snarg/ipo-telemetry/internal/resolver"
	"github.com/snarg/ipo-telemetry/internal/smdr"
	"github.com/snarg/ipo-telemetry/internal/statecore"
)

// devLinkState adapts *devlink3.Connection to metrics.DevLinkStats: the
// connection's State method returns the package's own State type, which
// metrics must not need to import.
type devLinkState struct{ conn *devlink3.Connection }

func (d devLinkState) State() int { return int(d.conn.State()) }

// Supervisor owns every long-lived component and the background
// goroutines connecting them.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	db       *database.DB
	resolver *resolver.Resolver
	mqtt     *mqttclient.Client
	broker   *broker.Broker
	buffer   *persist.Buffer
	state    *statecore.StateCore
	conn     *devlink3.Connection
	smdrSrv  *smdr.Server
	engine   *correlate.Engine

	Collector *metrics.Collector

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	fatalCh chan error
}

// New builds and wires every component but starts nothing: database
// connectivity, schema, and the agent cache are established
// synchronously here because everything started afterward depends on
// them.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Supervisor, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns:    cfg.DBPoolMax,
		IdleTimeout: cfg.DBIdleTimeoutMS,
		MaxLifetime: cfg.DBMaxLifetime,
	}, log.With().Str("component", "database").Logger())
	if err != nil {
		return nil, err
	}

	if err := db.InitSchema(ctx, database.SchemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	res := resolver.New(resolverStore{db: db}, log.With().Str("component", "resolver").Logger())
	if err := res.LoadCache(ctx); err != nil {
		db.Close()
		return nil, err
	}

	var mqttClient *mqttclient.Client
	if cfg.BrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqttClient, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.BrokerURL,
			ClientID:  "ipo-telemetry",
			TopicRoot: "ipo-telemetry",
			Log:       mqttLog,
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt broker unreachable, continuing with in-process delivery only")
			mqttClient = nil
		}
	}

	brk := broker.New(brokerMQTT(mqttClient), log.With().Str("component", "broker").Logger())
	buf := persist.New(ctx, db, res, log.With().Str("component", "persist").Logger())
	sc := statecore.New(brk, log.With().Str("component", "statecore").Logger(), cfg.TerminalCallGrace)
	engine := correlate.New(db, res, log.With().Str("component", "correlate").Logger())

	conn := devlink3.NewConnection(devlink3.Options{
		Host:             cfg.DevLink3Host,
		Port:             cfg.DevLink3Port,
		UseTLS:           cfg.DevLink3UseTLS,
		TLSVerify:        cfg.DevLink3TLSVerify,
		Username:         cfg.DevLink3Username,
		Password:         cfg.DevLink3Password,
		EventFlags:       cfg.DevLink3EventFlags,
		HandshakeTimeout: cfg.HandshakeTimeout,
		EventRegTimeout:  cfg.EventRegTimeout,
		KeepaliveEvery:   cfg.KeepaliveInterval,
		AutoReconnect:    true,
		Log:              log.With().Str("component", "devlink3").Logger(),
	})
	conn.OnStateChange = func(state devlink3.State) {
		if state == devlink3.StateDialing {
			metrics.DevLink3Reconnects.Inc()
		}
	}

	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		db:       db,
		resolver: res,
		mqtt:     mqttClient,
		broker:   brk,
		buffer:   buf,
		state:    sc,
		conn:     conn,
		engine:   engine,
	}
	s.Collector = metrics.NewCollector(db.Pool, engine, devLinkState{conn: conn})

	smdrLog := log.With().Str("component", "smdr").Logger()
	s.smdrSrv = smdr.NewServer(smdr.Options{
		Host: cfg.SMDRHost,
		Port: cfg.SMDRPort,
		Log:  smdrLog,
	}, s.handleSMDRRecord)

	return s, nil
}

// brokerMQTT narrows a possibly-nil *mqttclient.Client to broker's
// MQTTPublisher interface without letting a nil *Client become a
// non-nil interface value (the classic nil-interface footgun).
func brokerMQTT(c *mqttclient.Client) broker.MQTTPublisher {
	if c == nil {
		return nil
	}
	return c
}

// Run starts every background component and blocks until ctx is
// canceled. It subscribes the persistence buffer and correlation engine
// to the broker's call/agent/group channels, starts the DevLink3
// connection and the SMDR listener, and starts the correlation engine's
// eviction and stats loops.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.fatalCh = make(chan error, 1)

	callCh, unsubCalls := s.broker.Subscribe(broker.ChannelCalls)
	agentCh, unsubAgents := s.broker.Subscribe(broker.ChannelAgents)
	groupCh, unsubGroups := s.broker.Subscribe(broker.ChannelGroups)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer unsubCalls()
		for {
			select {
			case <-s.runCtx.Done():
				return
			case v := <-callCh:
				msg, ok := v.(statecore.CallMessage)
				if !ok {
					continue
				}
				s.buffer.HandleCall(msg)
				s.engine.HandleLiveCall(s.runCtx, msg)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer unsubAgents()
		for {
			select {
			case <-s.runCtx.Done():
				return
			case v := <-agentCh:
				if msg, ok := v.(statecore.AgentMessage); ok {
					s.buffer.HandleAgent(msg)
				}
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer unsubGroups()
		for {
			select {
			case <-s.runCtx.Done():
				return
			case v := <-groupCh:
				if msg, ok := v.(statecore.GroupMessage); ok {
					s.buffer.HandleGroup(msg)
				}
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.runCtx.Done():
				return
			case f := <-s.conn.Events():
				metrics.DevLink3EventsReceived.Inc()
				rec := delta3.Parse(f.Payload, s.log)
				s.state.HandleRecord(rec)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.conn.Run(s.runCtx)
		if err == nil || s.runCtx.Err() != nil {
			return
		}
		// AutoReconnect is always on, so the only way Run returns here
		// is an authentication or event-registration failure (see
		// devlink3.Connection.Run) — those are not retried at that
		// layer. Surface it and stop the process rather than leaving
		// the PBX connection silently dead.
		s.log.Error().Err(err).Msg("devlink3 authentication failed, not retrying")
		select {
		case s.fatalCh <- err:
		default:
		}
		s.cancel()
	}()

	if s.cfg.SMDREnabled {
		if err := s.smdrSrv.Start(s.runCtx); err != nil {
			s.cancel()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(s.runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRetention(s.runCtx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.fatalCh:
		return err
	}
}

// runRetention periodically purges call events, agent state history, and
// SMDR records older than their configured retention windows. Calls
// themselves are never purged here; they are the durable record.
func (s *Supervisor) runRetention(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeOnce(ctx)
		}
	}
}

func (s *Supervisor) purgeOnce(ctx context.Context) {
	sweeps := []struct {
		table     string
		column    string
		retention time.Duration
	}{
		{"call_events", "created_at", s.cfg.EventRetention},
		{"agent_states", "start_time", s.cfg.AgentStateRetention},
		{"smdr_records", "received_at", s.cfg.SMDRRetention},
	}
	for _, sweep := range sweeps {
		n, err := s.db.PurgeOlderThan(ctx, sweep.table, sweep.column, sweep.retention)
		if err != nil {
			s.log.Error().Err(err).Str("table", sweep.table).Msg("retention purge failed")
			continue
		}
		if n > 0 {
			s.log.Info().Str("table", sweep.table).Int64("rows_deleted", n).Msg("retention purge")
		}
	}
}

func (s *Supervisor) handleSMDRRecord(rec *smdr.Record) {
	metrics.SMDRRecordsReceived.Inc()
	s.broker.Publish(broker.ChannelSMDR, rec)
	s.engine.HandleSMDR(s.runCtx, rec)
}

// Shutdown stops the SMDR listener first, then cancels the run context so
// the correlation engine, DevLink3 connection and broker subscriptions
// stop, waits for their goroutines, then flushes the persistence buffer
// and closes the database last, so nothing in flight when shutdown began
// is dropped.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.cfg.SMDREnabled {
		s.smdrSrv.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("supervisor: shutdown timed out waiting for background goroutines")
	}

	s.buffer.Stop()

	if s.mqtt != nil {
		s.mqtt.Close()
	}
	s.db.Close()
	return nil
}

// HealthSources returns the component handles the health endpoint reads
// at request time; version and startTime are stamped in by the caller.
func (s *Supervisor) HealthSources(version string, startTime time.Time) health.Sources {
	return health.Sources{
		DB:         s.db,
		MQTT:       s.mqtt,
		DevLink3:   s.conn,
		Correlator: s.engine,
		Resolver:   s.resolver,
		Collector:  s.Collector,
		Version:    version,
		StartTime:  startTime,
	}
}
