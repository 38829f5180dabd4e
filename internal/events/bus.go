package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/models"
)

// Subjects of the worker channel. Workers publish status reports on
// SubjectWorkerStatus with their instance id in the payload; the master
// addresses individual workers on SubjectWorkerCommand + "." + id.
const (
	SubjectWorkerStatus  = "workers.status"
	SubjectWorkerCommand = "workers.command"
)

// Command names sent from the master to workers.
const (
	CmdStatusCheck = "status_check"
	CmdRestart     = "restart"
	CmdMountPoints = "mount_points"
	CmdAlive       = "alive_request"
)

// Command is the master-to-worker message envelope.
type Command struct {
	Name string `json:"command"`
	// MountPoints carries the master's current NFS export list for
	// mount-point sync commands.
	MountPoints []string `json:"mount_points,omitempty"`
	SentAt      int64    `json:"sent_at"`
}

// Bus is the NATS-backed worker messaging channel.
type Bus struct {
	nc  *nats.Conn
	log *zap.Logger
	sub *nats.Subscription
}

// Connect dials NATS with indefinite reconnects; the worker channel must
// come back by itself after a broker restart.
func Connect(url string, log *zap.Logger) (*Bus, error) {
	log = log.Named("events")
	opts := []nats.Option{
		nats.Name("clusterdash-master"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, log: log}, nil
}

// SubscribeWorkerStatus delivers every worker status report to fn.
// Malformed payloads are dropped with a log line.
func (b *Bus) SubscribeWorkerStatus(fn func(models.WorkerReport)) error {
	sub, err := b.nc.Subscribe(SubjectWorkerStatus, func(msg *nats.Msg) {
		var rep models.WorkerReport
		if err := json.Unmarshal(msg.Data, &rep); err != nil {
			b.log.Warn("bad worker report", zap.Error(err))
			return
		}
		if rep.ID == "" {
			b.log.Warn("worker report without id")
			return
		}
		fn(rep)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectWorkerStatus, err)
	}
	b.sub = sub
	return nil
}

// SendCommand addresses a single worker.
func (b *Bus) SendCommand(ctx context.Context, workerID string, cmd Command) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	cmd.SentAt = time.Now().Unix()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.nc.Publish(SubjectWorkerCommand+"."+workerID, payload)
}

// PublishWorkerReport publishes a status report. Used by workers and by
// tests exercising the master's subscription path.
func (b *Bus) PublishWorkerReport(ctx context.Context, rep models.WorkerReport) error {
	if b.nc == nil || b.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return b.nc.Publish(SubjectWorkerStatus, payload)
}

func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}
