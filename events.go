package asngate

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
	"github.com/scraperwall/asngate/config"
	"github.com/scraperwall/asngate/data"
	log "github.com/sirupsen/logrus"
)

const decisionsSubject = "asngate.decisions"

type natsAuth struct {
	User     string
	Password string
}

func (na *natsAuth) Check(c natsd.ClientAuthentication) bool {
	return c.GetOpts().Username == na.User && c.GetOpts().Password == na.Password
}

// Events publishes admission decisions on an embedded NATS server so that
// external consumers (dashboards, firewall updaters) can react to them
type Events struct {
	jsonc *nats.EncodedConn
	ctx   context.Context
}

// NewEvents starts the embedded NATS server, connects to it and wires the
// decision channel to the decisions subject
func NewEvents(ctx context.Context, resources *Resources, config *config.Config) (*Events, error) {
	nopts := &natsd.Options{
		Host:     config.NatsAddr,
		Port:     config.NatsPort,
		HTTPPort: config.NatsHTTPPort,
		CustomClientAuthentication: &natsAuth{
			User:     config.NatsUser,
			Password: config.NatsPassword,
		},
		MaxConn:    1 << 12,
		MaxPending: 1 << 32,
	}

	resources.NatsServer = natsd.New(nopts)
	go resources.NatsServer.Start()
	if !resources.NatsServer.ReadyForConnections(2 * time.Second) {
		resources.NatsServer.Shutdown()
		return nil, errors.New("nats server failed to startup")
	}

	natsSlowLogFunc := func(c *nats.Conn, s *nats.Subscription, err error) {
		pnum, psize, _ := s.Pending()
		delivered, _ := s.Delivered()
		dropped, _ := s.Dropped()

		log.Warnf("nats error: %s del: %d / drop: %d / pend: %d/%d / err: %v", s.Subject, delivered, dropped, pnum, psize, err)
	}

	var err error
	resources.NatsConn, err = nats.Connect(
		fmt.Sprintf("nats://127.0.0.1:%d/", config.NatsPort),
		nats.ErrorHandler(natsSlowLogFunc),
		nats.UserInfo(config.NatsUser, config.NatsPassword))
	if err != nil {
		resources.NatsServer.Shutdown()
		return nil, err
	}

	jsonc, err := nats.NewEncodedConn(resources.NatsConn, nats.JSON_ENCODER)
	if err != nil {
		resources.NatsServer.Shutdown()
		return nil, err
	}

	e := &Events{
		jsonc: jsonc,
		ctx:   ctx,
	}

	go e.publishWorker(resources.DecisionChan)
	go e.autoClose(resources)

	return e, nil
}

// publishWorker drains the decision channel onto the NATS subject
func (e *Events) publishWorker(decisions chan *data.DecisionMessage) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-decisions:
			if msg == nil {
				continue
			}
			if err := e.jsonc.Publish(decisionsSubject, msg); err != nil {
				log.Errorf("error publishing decision for %s: %s", msg.IP, err)
			}
		}
	}
}

func (e *Events) autoClose(resources *Resources) {
	<-e.ctx.Done()
	resources.NatsConn.Drain()
	resources.NatsServer.Shutdown()
}
