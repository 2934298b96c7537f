package driver

import (
	"context"
	"fmt"

	"github.com/creativeprojects/offmail/job"
	"github.com/creativeprojects/offmail/storage"
)

// transferHandler runs move and copy operations
type transferHandler struct{}

func (h *transferHandler) transfer(op *job.Operation) (*transfer, error) {
	switch payload := op.Payload.(type) {
	case *job.Move:
		return moveTransfer(payload), nil
	case *job.Copy:
		return copyTransfer(payload), nil
	}
	return nil, fmt.Errorf("%w: expected move or copy payload, found %T", ErrUnsupported, op.Payload)
}

func (h *transferHandler) LocalDo(acct *Account, tx storage.Tx, op *job.Operation) error {
	t, err := h.transfer(op)
	if err != nil {
		return err
	}
	return t.localDo(acct, tx)
}

func (h *transferHandler) LocalUndo(acct *Account, tx storage.Tx, op *job.Operation) error {
	t, err := h.transfer(op)
	if err != nil {
		return err
	}
	return t.localUndo(acct, tx)
}

func (h *transferHandler) Do(ctx context.Context, run *Run) (job.Result, error) {
	t, err := h.transfer(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		return t.do(run, conn, paths)
	})
	return job.Result{SaveSuggested: true}, err
}

func (h *transferHandler) Check(ctx context.Context, run *Run) (job.CheckResult, error) {
	t, err := h.transfer(run.Op)
	if err != nil {
		return job.CheckBailed, err
	}
	var evidences []evidence
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		evidences, err = t.check(run, conn, paths)
		return err
	})
	if err != nil {
		return job.CheckBailed, err
	}
	return aggregate(run.Op.Desire, evidences), nil
}

func (h *transferHandler) Undo(ctx context.Context, run *Run) (job.Result, error) {
	t, err := h.transfer(run.Op)
	if err != nil {
		return job.Result{}, err
	}
	if len(t.completed) == 0 {
		return job.Result{}, nil
	}
	err = runTransfer(ctx, run, t, nil, func(conn storage.Connection, paths map[string]string) error {
		return t.undo(run, conn, paths)
	})
	return job.Result{SaveSuggested: true}, err
}
