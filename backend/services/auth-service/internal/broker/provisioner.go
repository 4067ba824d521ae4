// Package broker provisions scoped pub/sub credentials through the mosquitto
// dynamic-security control channel. Dashboard readers may only subscribe to
// telemetry; vehicle publishers may only publish their own topic. Role ACLs
// are configured on the broker; this package manages the client identities.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veloway/backend/libs/mqtt"
)

const (
	controlTopic  = "$CONTROL/dynamic-security/v1"
	responseTopic = controlTopic + "/response"

	// Broker-side role names. Their ACLs live in the broker's dynsec config.
	RoleDashboardReader  = "dashboard_reader"
	RoleVehiclePublisher = "vehicle_publisher"

	defaultCommandTimeout = 10 * time.Second
)

// ErrCommandFailed marks an administrative command the broker rejected or
// never acknowledged. The provisioner does not retry; callers own backoff.
var ErrCommandFailed = errors.New("broker: command failed")

type command struct {
	Command         string `json:"command"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	RoleName        string `json:"rolename,omitempty"`
	Priority        int    `json:"priority,omitempty"`
	CorrelationData string `json:"correlationData,omitempty"`
}

type commandBatch struct {
	Commands []command `json:"commands"`
}

type commandResponse struct {
	Responses []struct {
		Command         string `json:"command"`
		Error           string `json:"error,omitempty"`
		CorrelationData string `json:"correlationData,omitempty"`
	} `json:"responses"`
}

// Provisioner issues, rotates and revokes broker credentials. Every operation
// publishes one command batch and blocks until the broker acknowledges it on
// the response topic (or the timeout fires).
type Provisioner struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingAck
}

// pendingAck tracks one in-flight batch. The broker acknowledges each command
// individually, possibly across several response messages; the batch is done
// when every command is acknowledged or any of them fails.
type pendingAck struct {
	remaining int
	done      chan error
}

// NewProvisioner builds the provisioner. timeout bounds the wait for each
// broker acknowledgment; zero means the default.
func NewProvisioner(client mqtt.Client, timeout time.Duration, logger *zap.Logger) *Provisioner {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Provisioner{
		client:  client,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingAck),
	}
}

// Start subscribes to the control response topic. Must be called once before
// any credential operation.
func (p *Provisioner) Start(ctx context.Context) error {
	return p.client.Subscribe(ctx, responseTopic, 1, p.onResponse)
}

// CreateReaderCredential provisions a read-only dashboard identity.
func (p *Provisioner) CreateReaderCredential(ctx context.Context, username, password string) error {
	return p.execute(ctx, []command{
		{Command: "createClient", Username: username, Password: password},
		{Command: "addClientRole", Username: username, RoleName: RoleDashboardReader},
	})
}

// CreatePublisherCredential provisions a vehicle publish identity.
func (p *Provisioner) CreatePublisherCredential(ctx context.Context, username, password string) error {
	return p.execute(ctx, []command{
		{Command: "createClient", Username: username, Password: password},
		{Command: "addClientRole", Username: username, RoleName: RoleVehiclePublisher},
	})
}

// RotatePassword replaces the password of an existing credential.
func (p *Provisioner) RotatePassword(ctx context.Context, username, password string) error {
	return p.execute(ctx, []command{
		{Command: "setClientPassword", Username: username, Password: password},
	})
}

// DeleteCredential revokes the identity. The broker disconnects any client
// currently connected with it.
func (p *Provisioner) DeleteCredential(ctx context.Context, username string) error {
	return p.execute(ctx, []command{
		{Command: "deleteClient", Username: username},
	})
}

// execute publishes one batch and awaits the correlated acknowledgment.
func (p *Provisioner) execute(ctx context.Context, commands []command) error {
	corr := uuid.NewString()
	for i := range commands {
		commands[i].CorrelationData = corr
	}

	ack := &pendingAck{remaining: len(commands), done: make(chan error, 1)}
	p.mu.Lock()
	p.pending[corr] = ack
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, corr)
		p.mu.Unlock()
	}()

	payload, err := json.Marshal(commandBatch{Commands: commands})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, controlTopic, 1, false, payload); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrCommandFailed, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("%w: no acknowledgment within %s", ErrCommandFailed, p.timeout)
	case err := <-ack.done:
		return err
	}
}

func (p *Provisioner) onResponse(_ context.Context, _ string, payload []byte) {
	var resp commandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		p.logger.Warn("undecodable dynsec response", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range resp.Responses {
		ack, ok := p.pending[r.CorrelationData]
		if !ok {
			continue
		}
		if r.Error != "" {
			select {
			case ack.done <- fmt.Errorf("%w: %s: %s", ErrCommandFailed, r.Command, r.Error):
			default:
			}
			delete(p.pending, r.CorrelationData)
			continue
		}
		ack.remaining--
		if ack.remaining <= 0 {
			select {
			case ack.done <- nil:
			default:
			}
			delete(p.pending, r.CorrelationData)
		}
	}
}
