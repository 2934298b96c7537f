package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creativeprojects/offmail/broker"
	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
)

var ErrUnsupported = errors.New("unsupported operation")

// Account is what the handlers know about the account they run for
type Account struct {
	ID     string
	Store  storage.Store
	Broker *broker.Broker
	// Outbox and Sender are only needed to send messages
	Outbox storage.Outbox
	Sender storage.Sender
	// From is the sender address used when an outbox message doesn't have one
	From string
	// Server paths of the essential folders, when they're not detected from the folder attributes
	TrashPath string
	SentPath  string
	// Domain used to generate Message-ID headers
	Domain string
	Log    lib.Logger

	outboxMu        sync.Mutex
	outboxRecovered bool
}

func (a *Account) logger() lib.Logger {
	if a.Log == nil {
		return &lib.NoLog{}
	}
	return a.Log
}

// recoverOutbox puts the messages left in the sending state by a previous process back in the error state,
// so they're sent again. Once it succeeded, it does nothing for the rest of the process.
func (a *Account) recoverOutbox() error {
	a.outboxMu.Lock()
	defer a.outboxMu.Unlock()

	if a.outboxRecovered {
		return nil
	}
	messages, err := a.Outbox.List()
	if err != nil {
		return err
	}
	for _, message := range messages {
		if message.State != storage.SendSending {
			continue
		}
		a.logger().Printf("outbox message %q was interrupted while sending", message.Key)
		if err := a.Outbox.SetState(message.Key, storage.SendError, "interrupted while sending"); err != nil {
			return err
		}
	}
	a.outboxRecovered = true
	return nil
}

// Handler implements the phases of one operation type.
// Local phases run inside a store transaction and never touch the network.
type Handler interface {
	LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error
	LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error
	Do(ctx context.Context, run *Run) (job.Result, error)
	Check(ctx context.Context, run *Run) (job.CheckResult, error)
	Undo(ctx context.Context, run *Run) (job.Result, error)
}

// Driver executes the operations of an account type
type Driver struct {
	handlers map[job.Type]Handler
}

// New returns the driver for IMAP accounts (with SMTP for sending)
func New() *Driver {
	return &Driver{
		handlers: map[job.Type]Handler{
			job.TypeModTags:        &modTags{},
			job.TypeMove:           &transferHandler{},
			job.TypeCopy:           &transferHandler{},
			job.TypeDelete:         &deleteMessages{},
			job.TypeAppend:         &appendMessages{},
			job.TypeCreateFolder:   &createFolder{},
			job.TypeDownload:       &download{},
			job.TypeDownloadBodies: &downloadBodies{},
			job.TypeSendOutbox:     &sendOutbox{},
		},
	}
}

// Supports returns true if the driver has a handler for this operation type
func (d *Driver) Supports(opType job.Type) bool {
	_, ok := d.handlers[opType]
	return ok
}

func (d *Driver) handler(op *job.Operation) (Handler, error) {
	switch op.Payload.(type) {
	case *job.ModTags, *job.Move, *job.Copy, *job.Delete, *job.Append,
		*job.CreateFolder, *job.Download, *job.DownloadBodies, *job.SendOutbox:
	default:
		return nil, fmt.Errorf("%w: payload %T", ErrUnsupported, op.Payload)
	}
	handler, ok := d.handlers[op.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, op.Type())
	}
	return handler, nil
}

// LocalDo applies the effect of the operation to the local store. It can return job.ErrDefer
// when a resource is missing, or job.ErrMoot when the operation makes no sense anymore.
func (d *Driver) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	handler, err := d.handler(op)
	if err != nil {
		return err
	}
	return handler.LocalDo(acct, tx, op)
}

// LocalUndo reverts the effect of the operation on the local store
func (d *Driver) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	handler, err := d.handler(op)
	if err != nil {
		return err
	}
	return handler.LocalUndo(acct, tx, op)
}

// Execution is the result of an online phase
type Execution struct {
	// Op is the copy of the operation the phase ran on, with its payload updated
	Op     *job.Operation
	Mode   job.Mode
	Check  job.CheckResult
	Result job.Result
	// Err is nil or wraps one of the job outcome errors; anything else is an unknown error
	Err   error
	Delta *job.MutationStateDelta
}

// Execute runs the online phase matching the mode of the operation.
// op must be a copy owned by the caller for the duration of the call.
// All the resources acquired during the phase are released before returning.
func (d *Driver) Execute(ctx context.Context, acct *Account, op *job.Operation, state job.MutationState) *Execution {
	run := &Run{
		Account: acct,
		Op:      op,
		Mode:    op.Mode(),
		Delta:   job.NewMutationStateDelta(),
		state:   state,
		log:     lib.WithPrefix(acct.logger(), op.LongtermID),
	}
	exec := &Execution{
		Op:    op,
		Mode:  run.Mode,
		Delta: run.Delta,
	}
	handler, err := d.handler(op)
	if err != nil {
		exec.Err = fmt.Errorf("%w: %w", job.ErrGiveUp, err)
		return exec
	}

	switch run.Mode {
	case job.ModeCheck:
		exec.Check, err = handler.Check(ctx, run)
		if err != nil {
			run.log.Printf("check failed: %s", err)
			switch job.Classify(classify(err)) {
			case job.OutcomeGiveUp:
				exec.Err = classify(err)
			case job.OutcomeMoot:
				exec.Check = job.CheckMoot
			default:
				exec.Check = job.CheckBailed
			}
		}
	case job.ModeDo:
		exec.Result, err = handler.Do(ctx, run)
		exec.Err = classify(err)
	case job.ModeUndo:
		exec.Result, err = handler.Undo(ctx, run)
		exec.Err = classify(err)
	default:
		exec.Err = fmt.Errorf("%w: nothing to run in mode %q", job.ErrMoot, run.Mode)
	}
	run.postJobCleanup(err)
	return exec
}

// classify maps storage errors to the outcome vocabulary of the operations
func classify(err error) error {
	if err == nil {
		return nil
	}
	if job.Classify(err) != job.OutcomeUnknown {
		return err
	}
	switch {
	case errors.Is(err, lib.ErrAuthFailed):
		return fmt.Errorf("%w: %w", job.ErrGiveUp, err)
	case errors.Is(err, lib.ErrConnectionLost),
		errors.Is(err, broker.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", job.ErrAbortedRetry, err)
	case errors.Is(err, lib.ErrFolderNotFound),
		errors.Is(err, lib.ErrMessageNotFound):
		return fmt.Errorf("%w: %w", job.ErrMoot, err)
	}
	return err
}

// brokenConnection tells if the error means the connection cannot be used anymore
func brokenConnection(err error) bool {
	return errors.Is(err, lib.ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
