package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"veloway/backend/libs/mqtt"
)

// fakeControlPlane plays the broker's dynamic-security plugin: it captures
// command batches and acknowledges them on the response topic.
type fakeControlPlane struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	batches  []commandBatch

	// failCommand, when set, makes that command respond with failError.
	failCommand string
	failError   string

	// silent suppresses acknowledgments entirely.
	silent bool
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeControlPlane) Start(context.Context) error { return nil }

func (f *fakeControlPlane) Disconnect(context.Context) {}

func (f *fakeControlPlane) AwaitConnection(context.Context) error { return nil }

func (f *fakeControlPlane) Subscribe(_ context.Context, topic string, _ int, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	f.handlers[topic] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeControlPlane) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	delete(f.handlers, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeControlPlane) Publish(_ context.Context, topic string, _ int, _ bool, payload []byte) error {
	if topic != controlTopic {
		return errors.New("unexpected publish topic " + topic)
	}

	var batch commandBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return err
	}

	f.mu.Lock()
	f.batches = append(f.batches, batch)
	handler := f.handlers[responseTopic]
	silent := f.silent
	f.mu.Unlock()

	if silent || handler == nil {
		return nil
	}

	var resp commandResponse
	for _, cmd := range batch.Commands {
		r := struct {
			Command         string `json:"command"`
			Error           string `json:"error,omitempty"`
			CorrelationData string `json:"correlationData,omitempty"`
		}{Command: cmd.Command, CorrelationData: cmd.CorrelationData}
		if cmd.Command == f.failCommand {
			r.Error = f.failError
		}
		resp.Responses = append(resp.Responses, r)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	// The real broker acknowledges asynchronously.
	go handler(context.Background(), responseTopic, out)
	return nil
}

func (f *fakeControlPlane) lastBatch() commandBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return commandBatch{}
	}
	return f.batches[len(f.batches)-1]
}

func startProvisioner(t *testing.T, plane *fakeControlPlane, timeout time.Duration) *Provisioner {
	t.Helper()
	p := NewProvisioner(plane, timeout, zap.NewNop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start provisioner: %v", err)
	}
	return p
}

func TestCreateReaderCredentialSendsClientAndRole(t *testing.T) {
	plane := newFakeControlPlane()
	p := startProvisioner(t, plane, time.Second)

	if err := p.CreateReaderCredential(context.Background(), "dash-sess-1", "secret"); err != nil {
		t.Fatalf("create reader credential: %v", err)
	}

	batch := plane.lastBatch()
	if len(batch.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(batch.Commands))
	}
	create, role := batch.Commands[0], batch.Commands[1]
	if create.Command != "createClient" || create.Username != "dash-sess-1" || create.Password != "secret" {
		t.Fatalf("unexpected createClient command: %+v", create)
	}
	if role.Command != "addClientRole" || role.RoleName != RoleDashboardReader {
		t.Fatalf("unexpected addClientRole command: %+v", role)
	}
	if create.CorrelationData == "" || create.CorrelationData != role.CorrelationData {
		t.Fatal("commands in one batch must share correlation data")
	}
}

func TestCreatePublisherCredentialUsesPublisherRole(t *testing.T) {
	plane := newFakeControlPlane()
	p := startProvisioner(t, plane, time.Second)

	if err := p.CreatePublisherCredential(context.Background(), "veh-BIK-0001", "secret"); err != nil {
		t.Fatalf("create publisher credential: %v", err)
	}

	batch := plane.lastBatch()
	if len(batch.Commands) != 2 || batch.Commands[1].RoleName != RoleVehiclePublisher {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestRotatePasswordSendsSetClientPassword(t *testing.T) {
	plane := newFakeControlPlane()
	p := startProvisioner(t, plane, time.Second)

	if err := p.RotatePassword(context.Background(), "veh-BIK-0001", "rotated"); err != nil {
		t.Fatalf("rotate password: %v", err)
	}

	batch := plane.lastBatch()
	if len(batch.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(batch.Commands))
	}
	cmd := batch.Commands[0]
	if cmd.Command != "setClientPassword" || cmd.Password != "rotated" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDeleteCredentialSendsDeleteClient(t *testing.T) {
	plane := newFakeControlPlane()
	p := startProvisioner(t, plane, time.Second)

	if err := p.DeleteCredential(context.Background(), "dash-sess-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}

	if got := plane.lastBatch().Commands[0].Command; got != "deleteClient" {
		t.Fatalf("command = %q, want deleteClient", got)
	}
}

func TestBrokerErrorPropagates(t *testing.T) {
	plane := newFakeControlPlane()
	plane.failCommand = "createClient"
	plane.failError = "Client already exists"
	p := startProvisioner(t, plane, time.Second)

	err := p.CreateReaderCredential(context.Background(), "dash-sess-1", "secret")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestMissingAcknowledgmentTimesOut(t *testing.T) {
	plane := newFakeControlPlane()
	plane.silent = true
	p := startProvisioner(t, plane, 50*time.Millisecond)

	err := p.DeleteCredential(context.Background(), "dash-sess-1")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected timeout as ErrCommandFailed, got %v", err)
	}
}
